package cert

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// LoadCA builds a Manager from PEM encoded root material. certPEM and keyPEM may
// point at the same bundle.
func LoadCA(certPEM, keyPEM []byte, opts Options) (*Manager, error) {
	root, err := parseCertificatePEM(certPEM)
	if err != nil {
		return nil, &CAError{Op: "load", Err: err}
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, &CAError{Op: "load", Err: err}
	}
	if !root.IsCA {
		return nil, &CAError{Op: "load", Err: errors.New("certificate is not a CA (BasicConstraints CA flag not set)")}
	}
	return NewManager(root, key, opts)
}

// LoadCAFromFiles reads the root certificate and key from PEM files.
func LoadCAFromFiles(certPath, keyPath string, opts Options) (*Manager, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, &CAError{Op: "load", Err: fmt.Errorf("read %s: %w", certPath, err)}
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &CAError{Op: "load", Err: fmt.Errorf("read %s: %w", keyPath, err)}
	}
	return LoadCA(certPEM, keyPEM, opts)
}

func parseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no CERTIFICATE block found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

func parsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no private key block found")
		}
		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, errors.New("PKCS#8 key is not a signer")
			}
			return signer, nil
		case "RSA PRIVATE KEY":
			return x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			return x509.ParseECPrivateKey(block.Bytes)
		}
	}
}
