package httpflow

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/StarNumber12046/opencards/internal/helper"
)

// Request is a parsed HTTP/1.x request. Body is streamed from the connection
// and can be read once.
type Request struct {
	Method string
	// Target is the request-target exactly as sent: origin-form, absolute-form,
	// authority-form (CONNECT) or "*".
	Target string
	Proto  string
	Header Header
	Body   io.Reader
	// ContentLength is -1 when the body is chunked or absent.
	ContentLength int64
	Chunked       bool
	Trailer       Header

	// Scheme is the scheme the client used to reach the proxy, "http" or "https".
	Scheme string
	// DefaultHost is used when neither the Host header nor the target names a host,
	// typically the SNI or CONNECT host.
	DefaultHost string

	buffered []byte
}

// ReadRequest reads one request from br. io.EOF is returned as is when the peer
// closed the connection before the start line.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	budget := MaxHeaderBytes
	line, err := readStartLine(br, &budget)
	if err != nil {
		return nil, err
	}
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.Contains(proto, " ") {
		return nil, startLineError("malformed request line %q", line)
	}
	if _, _, ok := parseVersion(proto); !ok {
		return nil, startLineError("malformed HTTP version %q", proto)
	}

	header, err := readHeader(br, &budget)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:        method,
		Target:        target,
		Proto:         proto,
		Header:        header,
		ContentLength: -1,
		Scheme:        "http",
	}
	switch {
	case header.chunked():
		// chunked framing wins; a Content-Length alongside it must not travel on
		req.Header.Del("Content-Length")
		req.Chunked = true
		req.Body = newChunkedBody(br, &req.Trailer)
	case header.Has("Transfer-Encoding"):
		return nil, &ParseError{Op: "header", Err: fmt.Errorf("unsupported Transfer-Encoding %q", header.Get("Transfer-Encoding"))}
	default:
		n, err := contentLength(header)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			req.ContentLength = n
			req.Body = &lengthBody{r: br, n: n}
		} else if n == 0 {
			req.ContentLength = 0
		}
	}
	return req, nil
}

// ParseRequest parses a complete request held in memory, body included.
func ParseRequest(data []byte) (*Request, error) {
	req, err := ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, err
	}
	if _, err := req.Buffer(int64(len(data)) + 1); err != nil {
		return nil, err
	}
	return req, nil
}

// Host is the Host header, the authority of an absolute-form target, or DefaultHost.
func (r *Request) Host() string {
	if h := r.Header.Get("Host"); h != "" {
		return h
	}
	if r.Method == "CONNECT" {
		return r.Target
	}
	if u, ok := r.absoluteURL(); ok {
		return u.Host
	}
	return r.DefaultHost
}

// Path is the path of the target without the query.
func (r *Request) Path() string {
	if u, ok := r.absoluteURL(); ok {
		return u.EscapedPath()
	}
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// Query is the query of the target without "?".
func (r *Request) Query() string {
	if u, ok := r.absoluteURL(); ok {
		return u.RawQuery
	}
	_, query, _ := strings.Cut(r.Target, "?")
	return query
}

// RequestURI is the origin-form target, path and query unchanged.
func (r *Request) RequestURI() string {
	if r.Method == "CONNECT" || r.Target == "*" {
		return r.Target
	}
	path := r.Path()
	if path == "" {
		path = "/"
	}
	if q := r.Query(); q != "" {
		return path + "?" + q
	}
	if strings.HasSuffix(r.Target, "?") {
		return path + "?"
	}
	return path
}

// IsAbsoluteForm reports whether the target carries scheme and host, as sent to a forward proxy.
func (r *Request) IsAbsoluteForm() bool {
	_, ok := r.absoluteURL()
	return ok
}

func (r *Request) absoluteURL() (*url.URL, bool) {
	if !strings.HasPrefix(r.Target, "http://") && !strings.HasPrefix(r.Target, "https://") {
		return nil, false
	}
	u, err := url.Parse(r.Target)
	if err != nil || u.Host == "" {
		return nil, false
	}
	return u, true
}

// URL returns the reconstructed request URL.
func (r *Request) URL() *url.URL {
	scheme := r.Scheme
	if u, ok := r.absoluteURL(); ok {
		scheme = u.Scheme
	}
	u := &url.URL{Scheme: scheme, Host: r.Host(), RawQuery: r.Query()}
	if path := r.Path(); path != "" {
		if p, err := url.PathUnescape(path); err == nil {
			u.Path = p
		}
		u.RawPath = path
	}
	return u
}

// PrettyURL is scheme://host[:port]path[?query], the port omitted when it is the scheme default.
func (r *Request) PrettyURL() string {
	u := r.URL()
	host := u.Host
	if hostname, port, err := net.SplitHostPort(host); err == nil && port == helper.DefaultPort(u.Scheme) {
		host = hostname
		if strings.Contains(hostname, ":") {
			host = "[" + hostname + "]"
		}
	}
	s := u.Scheme + "://" + host + r.Path()
	if q := u.RawQuery; q != "" {
		s += "?" + q
	}
	return s
}

// Buffer reads the body into memory when it is shorter than limit. It returns the
// buffered bytes, or nil when the body is larger, in which case Body still yields
// the complete body.
func (r *Request) Buffer(limit int64) ([]byte, error) {
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
func (r *Request) SetBody(body []byte) {
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

// Clone returns a copy with its own Header. The body is shared.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	c.Trailer = r.Trailer.Clone()
	return &c
}

// Write serialises r in HTTP/1.1 wire format, header order preserved.
func (r *Request) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%s %s %s\r\n", r.Method, r.Target, r.Proto); err != nil {
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
