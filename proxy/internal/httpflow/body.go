package httpflow

import (
	"bufio"
	"errors"
	"io"
	"net/http/httputil"
)

// lengthBody reads exactly n bytes and reports a short body as a ParseError.
type lengthBody struct {
	r *bufio.Reader
	n int64
}

func (b *lengthBody) Read(p []byte) (int, error) {
	if b.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	if err == io.EOF {
		if b.n > 0 {
			return n, &ParseError{Op: "body", Err: ErrBodyTooShort}
		}
		err = nil
	}
	if b.n == 0 && err == nil {
		return n, io.EOF
	}
	return n, err
}

// chunkedBody decodes a chunked body and consumes the trailer section after the last chunk.
type chunkedBody struct {
	br      *bufio.Reader
	cr      io.Reader
	trailer *Header
	done    bool
}

func newChunkedBody(br *bufio.Reader, trailer *Header) *chunkedBody {
	return &chunkedBody{br: br, cr: httputil.NewChunkedReader(br), trailer: trailer}
}

func (b *chunkedBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	n, err := b.cr.Read(p)
	if err == io.EOF {
		budget := MaxHeaderBytes
		t, terr := readHeader(b.br, &budget)
		if terr != nil {
			return n, &ParseError{Op: "body", Err: terr}
		}
		*b.trailer = t
		b.done = true
		return n, io.EOF
	}
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return n, err
		}
		return n, &ParseError{Op: "body", Err: err}
	}
	return n, nil
}

// writeBody copies body to w using the framing of the message.
func writeBody(w io.Writer, body io.Reader, chunked bool, trailer Header) error {
	if body == nil {
		if chunked {
			_, err := io.WriteString(w, "0\r\n\r\n")
			return err
		}
		return nil
	}
	if !chunked {
		_, err := io.Copy(w, body)
		return err
	}
	cw := httputil.NewChunkedWriter(w)
	if _, err := io.Copy(cw, body); err != nil {
		return err
	}
	if err := cw.Close(); err != nil {
		return err
	}
	if err := writeHeader(w, trailer); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func writeHeader(w io.Writer, h Header) error {
	for _, f := range h {
		if _, err := io.WriteString(w, f.Name+": "+f.Value+"\r\n"); err != nil {
			return err
		}
	}
	return nil
}
