package intercept_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/cert"
	"github.com/StarNumber12046/opencards/proxy/internal/intercept"
)

func newCA(c *qt.C) (*cert.SelfSignCA, *x509.CertPool) {
	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	pool := x509.NewCertPool()
	pool.AddCert(ca.GetRootCA())
	return ca, pool
}

type clientResult struct {
	state tls.ConnectionState
	err   error
}

// startClient runs a TLS client handshake on its own goroutine.
func startClient(conn net.Conn, cfg *tls.Config) <-chan clientResult {
	out := make(chan clientResult, 1)
	go func() {
		tc := tls.Client(conn, cfg)
		err := tc.Handshake()
		out <- clientResult{state: tc.ConnectionState(), err: err}
		if err != nil {
			conn.Close()
		}
	}()
	return out
}

func TestHandshakePresentsLeafForSNI(t *testing.T) {
	c := qt.New(t)
	ca, pool := newCA(c)
	i := intercept.New(ca, intercept.Options{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	res := startClient(client, &tls.Config{
		ServerName: "api.skycards.oldapes.com",
		RootCAs:    pool,
		NextProtos: []string{"h2", "http/1.1"},
	})

	sess, err := i.Handshake(context.Background(), server, "")
	c.Assert(err, qt.IsNil)
	c.Assert(sess.ServerName, qt.Equals, "api.skycards.oldapes.com")
	c.Assert(sess.ClientHello, qt.IsNotNil)
	c.Assert(sess.NegotiatedProtocol, qt.Equals, "http/1.1")

	r := <-res
	c.Assert(r.err, qt.IsNil)
	c.Assert(r.state.PeerCertificates[0].Subject.CommonName, qt.Equals, "api.skycards.oldapes.com")
	c.Assert(r.state.NegotiatedProtocol, qt.Equals, "http/1.1")
}

func TestHandshakeFallsBackWithoutSNI(t *testing.T) {
	c := qt.New(t)
	ca, pool := newCA(c)
	i := intercept.New(ca, intercept.Options{})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// IP literals are never sent as SNI.
	res := startClient(client, &tls.Config{ServerName: "10.0.0.1", RootCAs: pool})

	sess, err := i.Handshake(context.Background(), server, "10.0.0.1:443")
	c.Assert(err, qt.IsNil)
	c.Assert(sess.ServerName, qt.Equals, "10.0.0.1")

	r := <-res
	c.Assert(r.err, qt.IsNil)
	c.Assert(r.state.PeerCertificates[0].IPAddresses[0].String(), qt.Equals, "10.0.0.1")
}

func TestHandshakeWithoutAnyNameFails(t *testing.T) {
	c := qt.New(t)
	ca, _ := newCA(c)
	i := intercept.New(ca, intercept.Options{})

	client, server := net.Pipe()
	defer client.Close()

	res := startClient(client, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test client

	_, err := i.Handshake(context.Background(), server, "")
	server.Close()

	var hsErr *intercept.HandshakeError
	c.Assert(errors.As(err, &hsErr), qt.IsTrue)
	c.Assert(hsErr.Side, qt.Equals, intercept.SideClient)
	c.Assert(err, qt.ErrorMatches, ".*no server name.*")
	c.Assert((<-res).err, qt.IsNotNil)
}

func TestHandshakeTimesOutOnSilentClient(t *testing.T) {
	c := qt.New(t)
	ca, _ := newCA(c)
	i := intercept.New(ca, intercept.Options{HandshakeTimeout: 50 * time.Millisecond})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := i.Handshake(context.Background(), server, "silent.example:443")

	c.Assert(errors.Is(err, context.DeadlineExceeded), qt.IsTrue, qt.Commentf("got %v", err))
	c.Assert(err, qt.ErrorMatches, `tls handshake with client for "silent.example": .*`)
}

func TestConcurrentHandshakesSignOnce(t *testing.T) {
	c := qt.New(t)
	ca, pool := newCA(c)
	i := intercept.New(ca, intercept.Options{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for k := 0; k < n; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()
			res := startClient(client, &tls.Config{ServerName: "fresh.example", RootCAs: pool})
			if _, err := i.Handshake(context.Background(), server, ""); err != nil {
				errs[k] = err
				return
			}
			errs[k] = (<-res).err
		}(k)
	}
	wg.Wait()

	for _, err := range errs {
		c.Assert(err, qt.IsNil)
	}
	c.Assert(ca.SignCount(), qt.Equals, uint64(1))
}

func TestDialTLSVerifiesUpstream(t *testing.T) {
	c := qt.New(t)
	ca, pool := newCA(c)
	server := intercept.New(ca, intercept.Options{})
	dialer := intercept.New(ca, intercept.Options{RootCAs: pool})

	cc, sc := net.Pipe()
	defer cc.Close()
	defer sc.Close()

	done := make(chan error, 1)
	go func() {
		_, err := server.Handshake(context.Background(), sc, "")
		done <- err
	}()

	tc, err := dialer.DialTLS(context.Background(), cc, "local.test:8443")
	c.Assert(err, qt.IsNil)
	c.Assert(tc.ConnectionState().ServerName, qt.Equals, "local.test")
	c.Assert(<-done, qt.IsNil)
}

func TestDialTLSRejectsUntrustedUpstream(t *testing.T) {
	c := qt.New(t)
	ca, _ := newCA(c)
	server := intercept.New(ca, intercept.Options{})
	dialer := intercept.New(ca, intercept.Options{RootCAs: x509.NewCertPool()})

	cc, sc := net.Pipe()
	defer sc.Close()

	go func() {
		_, _ = server.Handshake(context.Background(), sc, "")
		sc.Close()
	}()

	_, err := dialer.DialTLS(context.Background(), cc, "local.test")
	cc.Close()

	var hsErr *intercept.HandshakeError
	c.Assert(errors.As(err, &hsErr), qt.IsTrue)
	c.Assert(hsErr.Side, qt.Equals, intercept.SideServer)
	c.Assert(hsErr.Host, qt.Equals, "local.test")
}

func TestDialTLSInsecureSkipsVerification(t *testing.T) {
	c := qt.New(t)
	ca, _ := newCA(c)
	server := intercept.New(ca, intercept.Options{})
	dialer := intercept.New(ca, intercept.Options{RootCAs: x509.NewCertPool(), InsecureSkipVerify: true})

	cc, sc := net.Pipe()
	defer cc.Close()
	defer sc.Close()

	go func() {
		_, _ = server.Handshake(context.Background(), sc, "")
	}()

	_, err := dialer.DialTLS(context.Background(), cc, "local.test")
	c.Assert(err, qt.IsNil)
}

func TestLoadRootCAs(t *testing.T) {
	c := qt.New(t)
	ca, _ := newCA(c)
	dir := t.TempDir()

	bundle := filepath.Join(dir, "bundle.pem")
	c.Assert(os.WriteFile(bundle, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.GetRootCA().Raw}), 0o600), qt.IsNil)

	pool, err := intercept.LoadRootCAs(bundle)
	c.Assert(err, qt.IsNil)
	c.Assert(pool, qt.IsNotNil)

	garbage := filepath.Join(dir, "garbage.pem")
	c.Assert(os.WriteFile(garbage, []byte("nope"), 0o600), qt.IsNil)
	_, err = intercept.LoadRootCAs(garbage)
	c.Assert(err, qt.ErrorMatches, ".*no certificates found")

	_, err = intercept.LoadRootCAs(filepath.Join(dir, "missing.pem"))
	c.Assert(err, qt.ErrorMatches, "read ca bundle: .*")
}
