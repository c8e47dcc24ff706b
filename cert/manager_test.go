package cert_test

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/cert"
)

func newTestCA(c *qt.C) *cert.SelfSignCA {
	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	return ca
}

func TestIssueCertificateSignsLeafForHostname(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)

	rec, err := ca.IssueCertificate("api.skycards.oldapes.com")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Hostname, qt.Equals, "api.skycards.oldapes.com")

	leaf := rec.Certificate.Leaf
	c.Assert(leaf.Subject.CommonName, qt.Equals, "api.skycards.oldapes.com")
	c.Assert(leaf.DNSNames, qt.DeepEquals, []string{"api.skycards.oldapes.com"})
	c.Assert(leaf.ExtKeyUsage, qt.DeepEquals, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth})
	c.Assert(leaf.IsCA, qt.IsFalse)
	c.Assert(rec.Expiry.Equal(leaf.NotAfter), qt.IsTrue)

	pool := x509.NewCertPool()
	pool.AddCert(ca.GetRootCA())
	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName:   "api.skycards.oldapes.com",
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	c.Assert(err, qt.IsNil)
}

func TestIssueCertificateUsesIPSANForIPLiteral(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)

	rec, err := ca.IssueCertificate("127.0.0.1")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Certificate.Leaf.DNSNames, qt.HasLen, 0)
	c.Assert(rec.Certificate.Leaf.IPAddresses, qt.HasLen, 1)
	c.Assert(rec.Certificate.Leaf.IPAddresses[0].String(), qt.Equals, "127.0.0.1")
}

func TestIssueCertificateCachesByHostname(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)

	first, err := ca.IssueCertificate("a.example")
	c.Assert(err, qt.IsNil)
	second, err := ca.IssueCertificate("a.example")
	c.Assert(err, qt.IsNil)
	other, err := ca.IssueCertificate("b.example")
	c.Assert(err, qt.IsNil)

	c.Assert(second, qt.Equals, first)
	c.Assert(other, qt.Not(qt.Equals), first)
	c.Assert(ca.SignCount(), qt.Equals, uint64(2))
	c.Assert(ca.CacheLen(), qt.Equals, 2)
}

func TestIssueCertificateConcurrentSameHostnameSignsOnce(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)

	const n = 32
	records := make([]*cert.CertificateRecord, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			records[i], errs[i] = ca.IssueCertificate("unseen.example")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		c.Assert(errs[i], qt.IsNil)
		c.Assert(records[i].Certificate.Certificate[0], qt.DeepEquals, records[0].Certificate.Certificate[0])
	}
	c.Assert(ca.SignCount(), qt.Equals, uint64(1))
}

func TestIssueCertificateRejectsEmptyHostname(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)

	_, err := ca.IssueCertificate("")

	var caErr *cert.CAError
	c.Assert(errors.As(err, &caErr), qt.IsTrue)
	c.Assert(caErr.Op, qt.Equals, "issue")
}

func TestCacheSizeEvictsLeastRecentlyUsed(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)
	m, err := cert.NewManager(ca.GetRootCA(), ca.PrivateKey, cert.Options{CacheSize: 2})
	c.Assert(err, qt.IsNil)

	for _, host := range []string{"one.example", "two.example", "three.example"} {
		_, err := m.IssueCertificate(host)
		c.Assert(err, qt.IsNil)
	}
	c.Assert(m.CacheLen(), qt.Equals, 2)

	_, err = m.IssueCertificate("one.example")
	c.Assert(err, qt.IsNil)
	c.Assert(m.SignCount(), qt.Equals, uint64(4), qt.Commentf("evicted hostname should be signed again"))
}

func TestManagerWithoutKeyFailsWithCAError(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)
	m, err := cert.NewManager(ca.GetRootCA(), nil, cert.Options{})
	c.Assert(err, qt.IsNil)

	_, err = m.GetCert("no-key.example")

	var caErr *cert.CAError
	c.Assert(errors.As(err, &caErr), qt.IsTrue)
	c.Assert(caErr.Hostname, qt.Equals, "no-key.example")
	c.Assert(err, qt.ErrorMatches, ".*root key unavailable")
}

func TestRotatePurgesCache(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)
	next := newTestCA(c)

	before, err := ca.IssueCertificate("rotate.example")
	c.Assert(err, qt.IsNil)

	err = ca.Rotate(next.GetRootCA(), next.PrivateKey)
	c.Assert(err, qt.IsNil)
	c.Assert(ca.CacheLen(), qt.Equals, 0)

	after, err := ca.IssueCertificate("rotate.example")
	c.Assert(err, qt.IsNil)
	c.Assert(after, qt.Not(qt.Equals), before)
	c.Assert(after.Certificate.Leaf.CheckSignatureFrom(next.GetRootCA()), qt.IsNil)
}

func TestRotateRejectsMismatchedKey(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)
	other := newTestCA(c)

	err := ca.Rotate(ca.GetRootCA(), other.PrivateKey)
	c.Assert(err, qt.ErrorMatches, ".*does not match root certificate")
}

func TestLeafValidityIsClippedToRoot(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)
	m, err := cert.NewManager(ca.GetRootCA(), ca.PrivateKey, cert.Options{Validity: 100 * 365 * 24 * time.Hour})
	c.Assert(err, qt.IsNil)

	rec, err := m.IssueCertificate("long.example")
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Expiry.Equal(ca.GetRootCA().NotAfter), qt.IsTrue)
}

func TestLoadCAFromPEM(t *testing.T) {
	c := qt.New(t)
	ca := newTestCA(c)

	keyDER, err := x509.MarshalECPrivateKey(ca.PrivateKey)
	c.Assert(err, qt.IsNil)
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.GetRootCA().Raw})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	m, err := cert.LoadCA(certPEM, keyPEM, cert.Options{})
	c.Assert(err, qt.IsNil)

	tlsCert, err := m.GetCert("loaded.example")
	c.Assert(err, qt.IsNil)
	c.Assert(tlsCert.Leaf.CheckSignatureFrom(ca.GetRootCA()), qt.IsNil)
}

func TestLoadCARejectsGarbage(t *testing.T) {
	c := qt.New(t)

	_, err := cert.LoadCA([]byte("nope"), []byte("nope"), cert.Options{})

	var caErr *cert.CAError
	c.Assert(errors.As(err, &caErr), qt.IsTrue)
	c.Assert(caErr.Op, qt.Equals, "load")
}
