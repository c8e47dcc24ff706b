package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
	"go.uber.org/atomic"
)

const (
	defaultCacheSize = 1024
	defaultValidity  = 365 * 24 * time.Hour
)

// Options tunes leaf issuance.
type Options struct {
	// CacheSize caps the number of cached leaves. Least recently used entries are evicted first.
	CacheSize int
	// Validity is the lifetime of an issued leaf. It never extends past the root's NotAfter.
	Validity time.Duration
}

// CertificateRecord is one issued leaf.
type CertificateRecord struct {
	Hostname    string
	Certificate *tls.Certificate
	Expiry      time.Time
}

// Expired reports whether the record must no longer be served at now.
func (r *CertificateRecord) Expired(now time.Time) bool {
	return !now.Before(r.Expiry)
}

// Manager owns a root key pair and issues leaves on demand.
type Manager struct {
	opts Options

	rootMu     sync.RWMutex
	root       *x509.Certificate
	key        crypto.Signer
	generation uint64

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group

	signCount atomic.Uint64
	now       func() time.Time
}

// NewManager creates a Manager for the given root. key may be nil, in which case
// every issuance fails with a CAError until Rotate provides one.
func NewManager(root *x509.Certificate, key crypto.Signer, opts Options) (*Manager, error) {
	if root == nil {
		return nil, errors.New("root certificate required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Validity <= 0 {
		opts.Validity = defaultValidity
	}
	m := &Manager{
		opts:  opts,
		root:  root,
		key:   key,
		cache: lru.New(opts.CacheSize),
		group: new(singleflight.Group),
		now:   time.Now,
	}
	if key != nil {
		if err := checkKeyPair(root, key); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GetRootCA returns the current root certificate.
func (m *Manager) GetRootCA() *x509.Certificate {
	m.rootMu.RLock()
	defer m.rootMu.RUnlock()
	return m.root
}

// GetCert implements CA.
func (m *Manager) GetCert(commonName string) (*tls.Certificate, error) {
	rec, err := m.IssueCertificate(commonName)
	if err != nil {
		return nil, err
	}
	return rec.Certificate, nil
}

// SignCount returns how many leaves were signed since the Manager was created.
func (m *Manager) SignCount() uint64 {
	return m.signCount.Load()
}

// CacheLen returns the number of cached leaves.
func (m *Manager) CacheLen() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return m.cache.Len()
}

// IssueCertificate returns a cached leaf for hostname, signing a new one on a miss.
// At most one signing call per hostname is in flight at any time.
func (m *Manager) IssueCertificate(hostname string) (*CertificateRecord, error) {
	if hostname == "" {
		return nil, &CAError{Op: "issue", Err: errEmptyHostname}
	}
	if rec, ok := m.cached(hostname); ok {
		slog.Debug("cert cache hit", "hostname", hostname)
		return rec, nil
	}

	val, err := m.group.Do(hostname, func() (any, error) {
		// a flight that finished just before this one started may have filled the cache
		if rec, ok := m.cached(hostname); ok {
			return rec, nil
		}
		return m.issue(hostname)
	})
	if err != nil {
		return nil, err
	}
	rec, ok := val.(*CertificateRecord)
	if !ok {
		return nil, &CAError{Hostname: hostname, Op: "issue", Err: errors.New("unexpected cache value")}
	}
	return rec, nil
}

// Rotate replaces the root key pair and drops every cached leaf.
func (m *Manager) Rotate(root *x509.Certificate, key crypto.Signer) error {
	if root == nil || key == nil {
		return &CAError{Op: "rotate", Err: errNoRootKey}
	}
	if err := checkKeyPair(root, key); err != nil {
		return &CAError{Op: "rotate", Err: err}
	}

	m.rootMu.Lock()
	m.root = root
	m.key = key
	m.generation++
	m.rootMu.Unlock()

	m.cacheMu.Lock()
	m.cache.Clear()
	m.cacheMu.Unlock()
	slog.Info("root CA rotated", "subject", root.Subject.CommonName)
	return nil
}

func (m *Manager) cached(hostname string) (*CertificateRecord, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	val, ok := m.cache.Get(hostname)
	if !ok {
		return nil, false
	}
	rec, ok := val.(*CertificateRecord)
	if !ok || rec.Expired(m.now()) {
		m.cache.Remove(hostname)
		return nil, false
	}
	return rec, true
}

func (m *Manager) issue(hostname string) (*CertificateRecord, error) {
	m.rootMu.RLock()
	root, key, gen := m.root, m.key, m.generation
	m.rootMu.RUnlock()

	if key == nil {
		return nil, &CAError{Hostname: hostname, Op: "sign", Err: errNoRootKey}
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, &CAError{Hostname: hostname, Op: "keygen", Err: err}
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, &CAError{Hostname: hostname, Op: "serial", Err: err}
	}

	now := m.now()
	notAfter := now.Add(m.opts.Validity)
	if notAfter.After(root.NotAfter) {
		notAfter = root.NotAfter
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"opencards proxy"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, root, &leafKey.PublicKey, key)
	if err != nil {
		return nil, &CAError{Hostname: hostname, Op: "sign", Err: err}
	}
	m.signCount.Inc()

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &CAError{Hostname: hostname, Op: "parse", Err: err}
	}
	rec := &CertificateRecord{
		Hostname: hostname,
		Certificate: &tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  leafKey,
			Leaf:        leaf,
		},
		Expiry: notAfter,
	}

	m.rootMu.RLock()
	rotated := gen != m.generation
	m.rootMu.RUnlock()
	if !rotated {
		m.cacheMu.Lock()
		m.cache.Add(hostname, rec)
		m.cacheMu.Unlock()
	}
	slog.Debug("leaf certificate issued", "hostname", hostname, "expiry", notAfter)
	return rec, nil
}

func checkKeyPair(root *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(root.PublicKey) {
		return errors.New("private key does not match root certificate")
	}
	return nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
