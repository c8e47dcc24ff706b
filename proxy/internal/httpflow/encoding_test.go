package httpflow_test

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	qt "github.com/frankban/quicktest"
	"github.com/klauspost/compress/zstd"

	"github.com/StarNumber12046/opencards/proxy/internal/httpflow"
)

func bufioReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func chunk(b []byte) string {
	return fmt.Sprintf("%x\r\n%s\r\n", len(b), b)
}

func responseWithType(contentType string) *httpflow.Response {
	return httpflow.NewResponse(200, httpflow.Header{{Name: "Content-Type", Value: contentType}}, nil)
}

func TestResponseIsTextContentType(t *testing.T) {
	c := qt.New(t)

	c.Assert(responseWithType("text/plain; charset=utf-8").IsTextContentType(), qt.IsTrue)
	c.Assert(responseWithType("application/json").IsTextContentType(), qt.IsTrue)
	c.Assert(responseWithType("application/octet-stream").IsTextContentType(), qt.IsFalse)
}

func requestWithBody(c *qt.C, encoding string, body []byte) *httpflow.Request {
	req, err := httpflow.ParseRequest([]byte("POST /v1 HTTP/1.1\r\nHost: a.example\r\n\r\n"))
	c.Assert(err, qt.IsNil)
	req.SetBody(body)
	req.Header.Set("Content-Encoding", encoding)
	return req
}

func TestRequestDecodedBody(t *testing.T) {
	plain := []byte("hello world")

	gz := func() []byte {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}
	fl := func() []byte {
		var buf bytes.Buffer
		w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}
	br := func() []byte {
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}
	zs := func() []byte {
		var buf bytes.Buffer
		w, _ := zstd.NewWriter(&buf)
		_, _ = w.Write(plain)
		_ = w.Close()
		return buf.Bytes()
	}

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{name: "identity", encoding: "identity", body: plain},
		{name: "empty", encoding: "", body: plain},
		{name: "gzip", encoding: "gzip", body: gz()},
		{name: "deflate", encoding: "deflate", body: fl()},
		{name: "brotli", encoding: "br", body: br()},
		{name: "zstd", encoding: "zstd", body: zs()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			req := requestWithBody(c, tt.encoding, tt.body)

			decoded, err := req.DecodedBody()
			c.Assert(err, qt.IsNil)
			c.Assert(decoded, qt.DeepEquals, plain)
		})
	}
}

func TestRequestDecodedBodyUnsupportedEncoding(t *testing.T) {
	c := qt.New(t)
	req := requestWithBody(c, "unknown", []byte("hello"))

	_, err := req.DecodedBody()
	c.Assert(err, qt.ErrorMatches, `unsupported content encoding "unknown"`)
}

func TestRequestDecodedBodyRequiresBuffer(t *testing.T) {
	c := qt.New(t)
	req, err := httpflow.ReadRequest(bufioReader("POST / HTTP/1.1\r\nHost: a\r\nContent-Length: 3\r\n\r\nabc"))
	c.Assert(err, qt.IsNil)

	_, err = req.DecodedBody()
	c.Assert(err, qt.ErrorMatches, "body is not buffered")
}

func TestResponseReplaceToDecodedBody(t *testing.T) {
	c := qt.New(t)

	plain := []byte("payload")
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(plain)
	_ = w.Close()

	resp, err := httpflow.ParseResponse([]byte("HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\nTransfer-Encoding: chunked\r\n\r\n"+
		chunk(buf.Bytes())+"0\r\n\r\n"), "GET")
	c.Assert(err, qt.IsNil)

	resp.ReplaceToDecodedBody()

	c.Assert(resp.Buffered(), qt.DeepEquals, plain)
	c.Assert(resp.Header.Get("Content-Encoding"), qt.Equals, "")
	c.Assert(resp.Header.Get("Transfer-Encoding"), qt.Equals, "")
	c.Assert(resp.Header.Get("Content-Length"), qt.Equals, "7")
	c.Assert(resp.Chunked, qt.IsFalse)
}

func TestResponseReplaceToDecodedBodyKeepsBrokenBody(t *testing.T) {
	c := qt.New(t)

	broken := []byte("not gzip data")
	resp := httpflow.NewResponse(200, httpflow.Header{{Name: "Content-Encoding", Value: "gzip"}}, broken)

	resp.ReplaceToDecodedBody()

	c.Assert(resp.Buffered(), qt.DeepEquals, broken)
	c.Assert(resp.Header.Get("Content-Encoding"), qt.Equals, "gzip")
}

func TestRequestRewindReplaysBufferedBody(t *testing.T) {
	c := qt.New(t)
	req := requestWithBody(c, "", []byte("abc"))

	var first, second bytes.Buffer
	c.Assert(req.Write(&first), qt.IsNil)
	c.Assert(req.Rewind(), qt.IsTrue)
	c.Assert(req.Write(&second), qt.IsNil)
	c.Assert(second.String(), qt.Equals, first.String())
}
