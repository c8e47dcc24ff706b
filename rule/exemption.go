package rule

import (
	"fmt"
	"strings"
)

// MatchType selects how an Exemption compares its value.
type MatchType string

const (
	Substring MatchType = "substring"
	Prefix    MatchType = "prefix"
)

// Field selects which part of the request an Exemption looks at.
type Field string

const (
	FieldPath Field = "path"
	FieldURL  Field = "url"
)

// Exemption keeps matching requests on their original destination.
type Exemption struct {
	Type  MatchType `json:"type" yaml:"type"`
	Field Field     `json:"field" yaml:"field"`
	Value string    `json:"value" yaml:"value"`
}

// DefaultExemptions leave airport lookups and model downloads on the real API.
// "/airports" is searched in the whole URL, "/models" only at the start of the path.
func DefaultExemptions() []Exemption {
	return []Exemption{
		{Type: Substring, Field: FieldURL, Value: "/airports"},
		{Type: Prefix, Field: FieldPath, Value: "/models"},
	}
}

// Matches reports whether t is exempted. Comparison is case-sensitive.
func (e Exemption) Matches(t Target) bool {
	var s string
	switch e.Field {
	case FieldPath:
		s = t.Path
	case FieldURL:
		s = t.URL
	default:
		return false
	}
	switch e.Type {
	case Substring:
		return strings.Contains(s, e.Value)
	case Prefix:
		return strings.HasPrefix(s, e.Value)
	default:
		return false
	}
}

func (e Exemption) String() string {
	return fmt.Sprintf("%s(%s, %q)", e.Type, e.Field, e.Value)
}

func (e Exemption) validate() error {
	switch e.Type {
	case Substring, Prefix:
	default:
		return fmt.Errorf("unknown exemption type %q", e.Type)
	}
	switch e.Field {
	case FieldPath, FieldURL:
	default:
		return fmt.Errorf("unknown exemption field %q", e.Field)
	}
	if e.Value == "" {
		return fmt.Errorf("exemption %s has an empty value", e)
	}
	return nil
}
