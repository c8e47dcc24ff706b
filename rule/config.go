package rule

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/StarNumber12046/opencards/internal/helper"
)

const (
	DefaultTargetDomain   = "api.skycards.oldapes.com"
	DefaultRedirectPort   = 443
	DefaultRedirectScheme = "https"
)

// Config is the redirect policy. It is read-only once Validate succeeds.
type Config struct {
	TargetDomain   string `json:"target_domain" yaml:"target_domain"`
	RedirectHost   string `json:"redirect_host" yaml:"redirect_host"`
	RedirectPort   int    `json:"redirect_port" yaml:"redirect_port"`
	RedirectScheme string `json:"redirect_scheme" yaml:"redirect_scheme"`
	// PreserveSNI sends TargetDomain as SNI to the redirect endpoint instead of RedirectHost.
	PreserveSNI bool `json:"preserve_sni" yaml:"preserve_sni"`
	// Exemptions are checked in order. nil means DefaultExemptions, an empty
	// list disables exemptions altogether.
	Exemptions []Exemption `json:"exemption_rules" yaml:"exemption_rules"`
}

// NewConfig returns a Config redirecting the default target domain to host:port.
func NewConfig(host string, port int) *Config {
	return &Config{
		TargetDomain:   DefaultTargetDomain,
		RedirectHost:   host,
		RedirectPort:   port,
		RedirectScheme: DefaultRedirectScheme,
		Exemptions:     DefaultExemptions(),
	}
}

// Validate checks cfg and fills in defaults.
func (cfg *Config) Validate() error {
	if cfg.TargetDomain == "" {
		return errors.New("target_domain is required")
	}
	if cfg.RedirectHost == "" {
		return errors.New("redirect_host is required")
	}
	if cfg.RedirectPort < 1 || cfg.RedirectPort > 65535 {
		return fmt.Errorf("redirect_port %d out of range 1-65535", cfg.RedirectPort)
	}
	switch cfg.RedirectScheme {
	case "":
		cfg.RedirectScheme = DefaultRedirectScheme
	case "http", "https":
	default:
		return fmt.Errorf("redirect_scheme %q must be http or https", cfg.RedirectScheme)
	}
	if cfg.Exemptions == nil {
		cfg.Exemptions = DefaultExemptions()
	}
	for i, ex := range cfg.Exemptions {
		if err := ex.validate(); err != nil {
			return fmt.Errorf("exemption_rules[%d]: %w", i, err)
		}
	}
	return nil
}

// RedirectAddr is RedirectHost:RedirectPort.
func (cfg *Config) RedirectAddr() string {
	return net.JoinHostPort(cfg.RedirectHost, strconv.Itoa(cfg.RedirectPort))
}

// ServerName is the SNI presented to the redirect endpoint.
func (cfg *Config) ServerName() string {
	if cfg.PreserveSNI {
		return cfg.TargetDomain
	}
	return cfg.RedirectHost
}

// LoadFile reads a Config from a YAML or JSON file and validates it.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := helper.NewStructFromFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load rules %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("rules %s: %w", path, err)
	}
	return cfg, nil
}
