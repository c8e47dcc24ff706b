package addon

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/StarNumber12046/opencards/proxy"
)

// Dump levels.
const (
	DumpHeader = iota
	DumpBody
)

// Dumper writes every finished flow to out: request and response heads and,
// at DumpBody, their decoded text bodies.
type Dumper struct {
	proxy.BaseAddon

	mu    sync.Mutex
	out   io.Writer
	level int
}

// NewDumper writes to out.
func NewDumper(out io.Writer, level int) *Dumper {
	if level != DumpBody {
		level = DumpHeader
	}
	return &Dumper{out: out, level: level}
}

// NewDumperWithFilename appends to filename, creating it when missing.
func NewDumperWithFilename(filename string, level int) (*Dumper, error) {
	out, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return NewDumper(out, level), nil
}

// Close closes the output when it is closable.
func (d *Dumper) Close() error {
	if c, ok := d.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (d *Dumper) FlowEvent(f *proxy.Flow, e *proxy.Event) {
	if f == nil || f.Request == nil {
		return
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s %s %s\n", e.Time.Format("2006-01-02T15:04:05.000Z07:00"), e.Action, f.ID)
	if e.Destination != "" {
		fmt.Fprintf(&buf, "# destination %s\n", e.Destination)
	}

	req := f.Request
	fmt.Fprintf(&buf, "%s %s %s\n", req.Method, req.PrettyURL(), req.Proto)
	writeFields(&buf, req.Header)
	if d.level == DumpBody {
		body, err := req.DecodedBody()
		writeBody(&buf, body, err, isText(req.Header.Get("Content-Type"), body))
	}

	if resp := f.Response; resp != nil {
		buf.WriteString("\n")
		fmt.Fprintf(&buf, "%s %d %s\n", resp.Proto, resp.StatusCode, resp.Reason)
		writeFields(&buf, resp.Header)
		if d.level == DumpBody {
			body, err := resp.DecodedBody()
			writeBody(&buf, body, err, resp.IsTextContentType() || isText("", body))
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&buf, "# error %v\n", e.Err)
	}
	buf.WriteString("\n\n")

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.out.Write(buf.Bytes()); err != nil {
		slog.Error("dump flow failed", "in", "Dumper.FlowEvent", "flowId", f.ID.String(), "error", err)
	}
}

func writeFields(buf *bytes.Buffer, h proxy.Header) {
	for _, field := range h {
		fmt.Fprintf(buf, "%s: %s\n", field.Name, field.Value)
	}
}

func writeBody(buf *bytes.Buffer, body []byte, err error, text bool) {
	switch {
	case err != nil:
		fmt.Fprintf(buf, "\n(body not dumped: %v)\n", err)
	case len(body) == 0:
	case !text:
		fmt.Fprintf(buf, "\n(binary body, %d bytes)\n", len(body))
	default:
		buf.WriteString("\n")
		buf.Write(body)
		buf.WriteString("\n")
	}
}

var textTypes = []string{"text", "json", "xml", "javascript", "x-www-form-urlencoded"}

// isText reports whether a body is printable, by its Content-Type or, when
// there is none, by looking at the bytes.
func isText(contentType string, body []byte) bool {
	if contentType != "" {
		contentType = strings.ToLower(contentType)
		return lo.SomeBy(textTypes, func(t string) bool { return strings.Contains(contentType, t) })
	}
	return utf8.Valid(body) && !bytes.ContainsRune(body, 0)
}
