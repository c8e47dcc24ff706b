package httpflow

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxHeaderBytes bounds the start line plus header block.
const MaxHeaderBytes = 1 << 20

// readLine returns the next line without its CRLF, charging its length to budget.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return nil, err
		}
		*budget -= len(chunk) + 2
		if *budget < 0 {
			return nil, ErrHeaderTooLarge
		}
		if line == nil && !isPrefix {
			// ReadLine reuses its buffer
			return append([]byte(nil), chunk...), nil
		}
		line = append(line, chunk...)
		if !isPrefix {
			return line, nil
		}
	}
}

// readStartLine returns io.EOF untouched when the peer closed before sending anything.
func readStartLine(br *bufio.Reader, budget *int) (string, error) {
	for {
		line, err := readLine(br, budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			if errors.Is(err, ErrHeaderTooLarge) {
				return "", &ParseError{Op: "start line", Err: err}
			}
			return "", err
		}
		// tolerate stray CRLF between pipelined messages
		if len(line) > 0 {
			return string(line), nil
		}
	}
}

func readHeader(br *bufio.Reader, budget *int) (Header, error) {
	var h Header
	for {
		line, err := readLine(br, budget)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, &ParseError{Op: "header", Err: ErrUnterminated}
			}
			if errors.Is(err, ErrHeaderTooLarge) {
				return nil, &ParseError{Op: "header", Err: err}
			}
			return nil, err
		}
		if len(line) == 0 {
			return h, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, &ParseError{Op: "header", Err: fmt.Errorf("%w: obsolete line folding", ErrMalformedHeader)}
		}
		name, value, ok := bytes.Cut(line, []byte{':'})
		if !ok || len(name) == 0 || bytes.ContainsAny(name, " \t") {
			return nil, &ParseError{Op: "header", Err: fmt.Errorf("%w: %q", ErrMalformedHeader, line)}
		}
		h = append(h, Field{Name: string(name), Value: string(bytes.TrimSpace(value))})
	}
}

func parseVersion(proto string) (int, int, bool) {
	rest, ok := strings.CutPrefix(proto, "HTTP/")
	if !ok {
		return 0, 0, false
	}
	majorStr, minorStr, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, false
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 || major > 9 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil || minor < 0 || minor > 9 {
		return 0, 0, false
	}
	return major, minor, true
}

// contentLength returns -1 when the header is absent.
func contentLength(h Header) (int64, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return -1, nil
	}
	first := strings.TrimSpace(values[0])
	for _, v := range values[1:] {
		if strings.TrimSpace(v) != first {
			return 0, &ParseError{Op: "header", Err: fmt.Errorf("%w: conflicting values", ErrBadContentLen)}
		}
	}
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, &ParseError{Op: "header", Err: fmt.Errorf("%w: %q", ErrBadContentLen, first)}
	}
	return n, nil
}
