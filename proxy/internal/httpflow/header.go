package httpflow

import (
	"net/http"
	"strings"

	"github.com/samber/lo"
)

// Field is one header line as received.
type Field struct {
	Name  string
	Value string
}

// Header keeps fields in wire order. Duplicate names are kept as separate fields
// and names keep the case the peer used. Lookups are case-insensitive.
type Header []Field

// Get returns the first value for name.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether at least one field is called name.
func (h Header) Has(name string) bool {
	return lo.ContainsBy(h, func(f Field) bool { return strings.EqualFold(f.Name, name) })
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	return lo.FilterMap(h, func(f Field, _ int) (string, bool) {
		return f.Value, strings.EqualFold(f.Name, name)
	})
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces the value of the first field called name and drops the others.
// The field is appended when absent.
func (h *Header) Set(name, value string) {
	out := (*h)[:0]
	found := false
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
			continue
		}
		if !found {
			out = append(out, Field{Name: f.Name, Value: value})
			found = true
		}
	}
	if !found {
		out = append(out, Field{Name: name, Value: value})
	}
	*h = out
}

// Del removes every field called name.
func (h *Header) Del(names ...string) {
	*h = lo.Reject(*h, func(f Field, _ int) bool {
		return lo.ContainsBy(names, func(name string) bool { return strings.EqualFold(f.Name, name) })
	})
}

// Clone returns a copy that can be modified independently.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	return append(Header(nil), h...)
}

// HTTP converts h to a net/http header. Order between different names is lost.
func (h Header) HTTP() http.Header {
	out := make(http.Header, len(h))
	for _, f := range h {
		out.Add(f.Name, f.Value)
	}
	return out
}

// HasToken reports whether the comma separated list in any name field contains token.
func (h Header) HasToken(name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// chunked reports whether the last transfer coding is chunked.
func (h Header) chunked() bool {
	values := h.Values("Transfer-Encoding")
	if len(values) == 0 {
		return false
	}
	parts := strings.Split(values[len(values)-1], ",")
	return strings.EqualFold(strings.TrimSpace(parts[len(parts)-1]), "chunked")
}
