package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/StarNumber12046/opencards/cert"
)

func TestWriteLeafEmitsUsableKeyPair(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var out bytes.Buffer
	c.Assert(writeLeaf(&out, ca.Manager, "api.skycards.oldapes.com"), qt.IsNil)

	text := out.String()
	c.Assert(text, qt.Contains, "api.skycards.oldapes.com-cert.pem\n")
	c.Assert(text, qt.Contains, "api.skycards.oldapes.com-key.pem\n")

	var certPEM, keyPEM []byte
	rest := out.Bytes()
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certPEM = pem.EncodeToMemory(block)
		case "PRIVATE KEY":
			keyPEM = pem.EncodeToMemory(block)
		}
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	c.Assert(err, qt.IsNil)

	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	c.Assert(err, qt.IsNil)
	roots := x509.NewCertPool()
	roots.AddCert(ca.GetRootCA())
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "api.skycards.oldapes.com", Roots: roots})
	c.Assert(err, qt.IsNil)
}

func TestWriteLeafRejectsEmptyName(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var out bytes.Buffer
	c.Assert(writeLeaf(&out, ca.Manager, ""), qt.ErrorAs, new(*cert.CAError))
	c.Assert(out.Len(), qt.Equals, 0)
}
