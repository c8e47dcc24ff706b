package httpflow

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/StarNumber12046/opencards/internal/helper"
)

// Response is a parsed HTTP/1.x response.
type Response struct {
	Proto      string
	StatusCode int
	// Reason is the reason phrase, possibly empty.
	Reason string
	Header Header
	Body   io.Reader
	// ContentLength is -1 when the body is chunked, delimited by close, or absent.
	ContentLength int64
	Chunked       bool
	Trailer       Header
	// Close is set when the body runs until the server closes the connection or
	// the server asked for the connection to be closed.
	Close bool

	buffered []byte
}

// bodyless reports whether a response to method with code never carries a body.
func bodyless(method string, code int) bool {
	return method == "HEAD" || (code >= 100 && code < 200) || code == http.StatusNoContent || code == http.StatusNotModified
}

// ReadResponse reads one response to a request with the given method.
func ReadResponse(br *bufio.Reader, method string) (*Response, error) {
	budget := MaxHeaderBytes
	line, err := readStartLine(br, &budget)
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, startLineError("malformed status line %q", line)
	}
	major, minor, ok := parseVersion(proto)
	if !ok {
		return nil, startLineError("malformed HTTP version %q", proto)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	if len(codeStr) != 3 {
		return nil, startLineError("malformed status code %q", codeStr)
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 {
		return nil, startLineError("malformed status code %q", codeStr)
	}

	header, err := readHeader(br, &budget)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Proto:         proto,
		StatusCode:    code,
		Reason:        reason,
		Header:        header,
		ContentLength: -1,
	}
	resp.Close = header.HasToken("Connection", "close") || (major == 1 && minor == 0 && !header.HasToken("Connection", "keep-alive"))

	switch {
	case bodyless(method, code):
	case header.chunked():
		resp.Header.Del("Content-Length")
		resp.Chunked = true
		resp.Body = newChunkedBody(br, &resp.Trailer)
	default:
		n, err := contentLength(header)
		if err != nil {
			return nil, err
		}
		switch {
		case n > 0:
			resp.ContentLength = n
			resp.Body = &lengthBody{r: br, n: n}
		case n == 0:
			resp.ContentLength = 0
		default:
			resp.Close = true
			resp.Body = br
		}
	}
	return resp, nil
}

// ParseResponse parses a complete response held in memory.
func ParseResponse(data []byte, method string) (*Response, error) {
	resp, err := ReadResponse(bufio.NewReader(bytes.NewReader(data)), method)
	if err != nil {
		return nil, err
	}
	if _, err := resp.Buffer(int64(len(data)) + 1); err != nil {
		return nil, err
	}
	return resp, nil
}

// NewResponse builds a locally generated response with a Content-Length body.
func NewResponse(code int, header Header, body []byte) *Response {
	resp := &Response{
		Proto:      "HTTP/1.1",
		StatusCode: code,
		Reason:     http.StatusText(code),
		Header:     header.Clone(),
	}
	resp.SetBody(body)
	return resp
}

// Buffer reads the body into memory when it is shorter than limit; see Request.Buffer.
func (r *Response) Buffer(limit int64) ([]byte, error) {
	if r.buffered != nil || r.Body == nil {
		return r.buffered, nil
	}
	buf, rest, err := helper.ReaderToBuffer(r.Body, limit)
	if err != nil {
		return nil, err
	}
	if buf == nil {
		r.Body = rest
		return nil, nil
	}
	r.buffered = buf
	r.Body = bytes.NewReader(buf)
	return buf, nil
}

// SetBody replaces the body and switches the framing to Content-Length.
func (r *Response) SetBody(body []byte) {
	if body == nil {
		body = []byte{}
	}
	r.buffered = body
	r.Body = bytes.NewReader(body)
	r.Chunked = false
	r.Trailer = nil
	r.ContentLength = int64(len(body))
	r.Header.Del("Transfer-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
}

// Write serialises r in HTTP/1.1 wire format, header order preserved.
func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	status := strconv.Itoa(r.StatusCode)
	if r.Reason != "" {
		status += " " + r.Reason
	}
	if _, err := fmt.Fprintf(bw, "%s %s\r\n", r.Proto, status); err != nil {
		return err
	}
	if err := writeHeader(bw, r.Header); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	// body is written unbuffered; streamed bodies must reach the peer as they arrive
	return writeBody(w, r.Body, r.Chunked, r.Trailer)
}
