package cert

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	caFileName     = "opencards-ca.pem"
	caCertFileName = "opencards-ca-cert.pem"
	rootValidity   = 3 * 365 * 24 * time.Hour
)

// SelfSignCA is a Manager whose root is created on first use and kept on disk.
type SelfSignCA struct {
	*Manager

	PrivateKey *ecdsa.PrivateKey
	StorePath  string
}

// NewSelfSignCA loads the root from path (default ~/.opencards), generating and
// saving one when none exists yet.
func NewSelfSignCA(path string) (*SelfSignCA, error) {
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, err
	}

	ca := &SelfSignCA{StorePath: storePath}
	if err := ca.load(); err == nil {
		slog.Debug("root CA loaded", "file", ca.caFile())
		return ca, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := ca.create(); err != nil {
		return nil, err
	}
	if err := ca.save(); err != nil {
		return nil, err
	}
	slog.Info("root CA created", "file", ca.caFile(), "trust", ca.caCertFile())
	return ca, nil
}

// NewSelfSignCAMemory creates a throwaway root that is never written anywhere.
func NewSelfSignCAMemory() (*SelfSignCA, error) {
	ca := &SelfSignCA{}
	if err := ca.create(); err != nil {
		return nil, err
	}
	return ca, nil
}

func getStorePath(path string) (string, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(homeDir, ".opencards")
	}

	if !filepath.IsAbs(path) {
		dir, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, path)
	}

	stat, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return "", err
		}
		return path, nil
	}
	if !stat.Mode().IsDir() {
		return "", errors.New("path " + path + " not a directory")
	}
	return path, nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.StorePath, caFileName)
}

func (ca *SelfSignCA) caCertFile() string {
	return filepath.Join(ca.StorePath, caCertFileName)
}

func (ca *SelfSignCA) load() error {
	data, err := os.ReadFile(ca.caFile())
	if err != nil {
		return err
	}
	m, err := LoadCA(data, data, Options{})
	if err != nil {
		return err
	}
	key, ok := m.key.(*ecdsa.PrivateKey)
	if !ok {
		return &CAError{Op: "load", Err: errors.New("stored root key is not ECDSA")}
	}
	ca.Manager = m
	ca.PrivateKey = key
	return nil
}

func (ca *SelfSignCA) create() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return &CAError{Op: "create", Err: err}
	}
	serial, err := randomSerial()
	if err != nil {
		return &CAError{Op: "create", Err: err}
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "opencards proxy CA",
			Organization: []string{"opencards proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return &CAError{Op: "create", Err: err}
	}
	root, err := x509.ParseCertificate(der)
	if err != nil {
		return &CAError{Op: "create", Err: err}
	}
	m, err := NewManager(root, key, Options{})
	if err != nil {
		return err
	}
	ca.Manager = m
	ca.PrivateKey = key
	return nil
}

// saveTo writes the root certificate followed by its key.
func (ca *SelfSignCA) saveTo(out io.Writer) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(ca.PrivateKey)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: ca.GetRootCA().Raw}); err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}

func (ca *SelfSignCA) save() error {
	var buf bytes.Buffer
	if err := ca.saveTo(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(ca.caFile(), buf.Bytes(), 0o600); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.GetRootCA().Raw})
	return os.WriteFile(ca.caCertFile(), certPEM, 0o644) //nolint:gosec // public certificate
}
