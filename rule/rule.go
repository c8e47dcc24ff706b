// Package rule decides whether a request bound for the target domain is sent to
// the local redirect endpoint or passed through untouched.
//
// Decide is pure: it performs no I/O and reads nothing but its arguments, so the
// same Target and Config always produce the same Decision.
package rule

import (
	"strings"

	"github.com/samber/lo"
)

// Action is the outcome of Decide.
type Action string

const (
	Passthrough Action = "passthrough"
	Redirect    Action = "redirect"
)

// Target is the part of a parsed request the rules look at.
type Target struct {
	// Host as sent by the client, port included when present.
	Host string
	// Path without the query.
	Path string
	// Query without the leading "?".
	Query string
	// URL is the reconstructed scheme://host[:port]path[?query].
	URL string
}

// Decision tells the dispatcher where to send a request.
type Decision struct {
	Action Action
	// Host and Port are set for Redirect only.
	Host string
	Port int
	// HeaderOverrides are applied to the forwarded request, replacing existing values.
	HeaderOverrides map[string]string
	// Exemption is the rule that turned a matching request into a passthrough.
	Exemption *Exemption
}

// Redirected reports whether d sends the request to the redirect endpoint.
func (d Decision) Redirected() bool {
	return d.Action == Redirect
}

// Decide applies cfg to t.
func Decide(t Target, cfg *Config) Decision {
	if cfg == nil || cfg.TargetDomain == "" || !strings.Contains(t.Host, cfg.TargetDomain) {
		return Decision{Action: Passthrough}
	}

	if ex, ok := lo.Find(cfg.Exemptions, func(ex Exemption) bool { return ex.Matches(t) }); ok {
		return Decision{Action: Passthrough, Exemption: &ex}
	}

	return Decision{
		Action:          Redirect,
		Host:            cfg.RedirectHost,
		Port:            cfg.RedirectPort,
		HeaderOverrides: map[string]string{"Host": cfg.TargetDomain},
	}
}
