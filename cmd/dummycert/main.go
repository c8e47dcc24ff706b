package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/StarNumber12046/opencards/cert"
)

// Generate fake/test server certificates signed by the proxy root CA.

type Config struct {
	commonName string
	certPath   string
}

func loadConfig() *Config {
	config := new(Config)
	flag.StringVar(&config.commonName, "commonName", "", "server commonName")
	flag.StringVar(&config.certPath, "cert_path", "", "path of the root CA files")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return config
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	config := loadConfig()
	if config.commonName == "" {
		slog.Error("commonName required")
		os.Exit(2)
	}

	ca, err := cert.NewSelfSignCA(config.certPath)
	if err != nil {
		slog.Error("failed to load CA", "error", err)
		os.Exit(1)
	}

	if err := writeLeaf(os.Stdout, ca.Manager, config.commonName); err != nil {
		slog.Error("failed to write certificate", "error", err)
		os.Exit(1)
	}
}

// writeLeaf issues a leaf for commonName and writes its certificate and key as PEM.
func writeLeaf(out io.Writer, m *cert.Manager, commonName string) error {
	record, err := m.IssueCertificate(commonName)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%v-cert.pem\n", commonName)
	if err := pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: record.Certificate.Certificate[0]}); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%v-key.pem\n", commonName)

	keyBytes, err := x509.MarshalPKCS8PrivateKey(record.Certificate.PrivateKey)
	if err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
}
