package httpflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"
)

var errNotBuffered = errors.New("body is not buffered")

var textContentTypes = []string{
	"text",
	"javascript",
	"json",
	"xml",
}

// Buffered returns the in-memory body, nil unless Buffer or SetBody succeeded.
func (r *Request) Buffered() []byte {
	return r.buffered
}

// Rewind resets Body to the start of the buffered body so the request can be
// written again. It reports false when the body was streamed.
func (r *Request) Rewind() bool {
	if r.buffered != nil {
		r.Body = bytes.NewReader(r.buffered)
		return true
	}
	return r.Body == nil
}

// DecodedBody returns the buffered body with its Content-Encoding removed.
func (r *Request) DecodedBody() ([]byte, error) {
	if r.buffered == nil && r.Body != nil {
		return nil, errNotBuffered
	}
	return decode(r.Header.Get("Content-Encoding"), r.buffered)
}

// Buffered returns the in-memory body, nil unless Buffer or SetBody succeeded.
func (r *Response) Buffered() []byte {
	return r.buffered
}

// IsTextContentType reports whether the body is human-readable.
func (r *Response) IsTextContentType() bool {
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	return lo.SomeBy(textContentTypes, func(t string) bool {
		return strings.Contains(contentType, t)
	})
}

// DecodedBody returns the buffered body with its Content-Encoding removed.
func (r *Response) DecodedBody() ([]byte, error) {
	if r.buffered == nil && r.Body != nil {
		return nil, errNotBuffered
	}
	return decode(r.Header.Get("Content-Encoding"), r.buffered)
}

// ReplaceToDecodedBody swaps a buffered encoded body for its decoded form and
// drops Content-Encoding. Nothing changes when decoding fails.
func (r *Response) ReplaceToDecodedBody() {
	if r.Header.Get("Content-Encoding") == "" {
		return
	}
	body, err := r.DecodedBody()
	if err != nil || body == nil {
		return
	}
	r.Header.Del("Content-Encoding")
	r.SetBody(body)
}

func decode(enc string, body []byte) ([]byte, error) {
	enc = strings.ToLower(strings.TrimSpace(enc))
	if enc == "" || enc == "identity" {
		return body, nil
	}

	var (
		dr  io.Reader
		err error
	)
	switch enc {
	case "gzip", "x-gzip":
		dr, err = gzip.NewReader(bytes.NewReader(body))
	case "deflate":
		dr = flate.NewReader(bytes.NewReader(body))
	case "br":
		dr = brotli.NewReader(bytes.NewReader(body))
	case "zstd":
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(bytes.NewReader(body))
		if err == nil {
			defer zr.Close()
			dr = zr
		}
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
