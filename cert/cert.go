// Package cert issues short-lived leaf certificates signed by a root CA.
//
// The Manager caches issued leaves per hostname in a bounded LRU and makes sure
// concurrent first requests for the same hostname share a single signing call.
package cert

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// CA is what the TLS interceptor needs from a certificate authority.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

var (
	errNoRootKey     = errors.New("root key unavailable")
	errEmptyHostname = errors.New("empty hostname")
)

// CAError is returned when a leaf certificate cannot be produced.
type CAError struct {
	Hostname string
	Op       string
	Err      error
}

func (e *CAError) Error() string {
	if e.Hostname == "" {
		return fmt.Sprintf("ca %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ca %s %s: %v", e.Op, e.Hostname, e.Err)
}

func (e *CAError) Unwrap() error {
	return e.Err
}
