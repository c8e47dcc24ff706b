package main

import (
	"flag"
	"strings"

	"github.com/StarNumber12046/opencards/internal/helper"
	"github.com/StarNumber12046/opencards/rule"
)

type Config struct {
	version bool // show opencards-proxy version

	Addr              string   `json:"addr"`                // proxy listen addr
	MetricsAddr       string   `json:"metrics_addr"`        // prometheus metrics listen addr, disabled when empty
	SslInsecure       bool     `json:"ssl_insecure"`        // not verify upstream server SSL/TLS certificates.
	CABundle          string   `json:"ca_bundle"`           // extra roots trusted for upstream servers
	IgnoreHosts       []string `json:"ignore_hosts"`        // CONNECT hosts relayed without interception
	AllowHosts        []string `json:"allow_hosts"`         // only these CONNECT hosts are intercepted
	CertPath          string   `json:"cert_path"`           // path of generated root CA files
	CACert            string   `json:"ca_cert"`             // root CA certificate PEM, used with CAKey instead of CertPath
	CAKey             string   `json:"ca_key"`              // root CA private key PEM
	Debug             int      `json:"debug"`               // debug mode: 1 - print debug log
	Dump              string   `json:"dump"`                // dump filename
	DumpLevel         int      `json:"dump_level"`          // dump level: 0 - header, 1 - header + body
	Decode            bool     `json:"decode"`              // strip Content-Encoding from responses before relaying
	Upstream          string   `json:"upstream"`            // upstream proxy
	LogFile           string   `json:"log_file"`            // flow log file path
	ProxyAuth         string   `json:"proxy_auth"`          // require proxy authentication, user:pass|user2:pass2
	StreamLargeBodies int64    `json:"stream_large_bodies"` // bodies larger than this are streamed
	MaxConnections    int      `json:"max_connections"`     // concurrent client connections, 0 is unlimited

	Rules          string `json:"rules"`           // redirect rules file, YAML or JSON
	TargetDomain   string `json:"target_domain"`   // host whose requests are redirected
	RedirectHost   string `json:"redirect_host"`   // host requests are redirected to
	RedirectPort   int    `json:"redirect_port"`   // port requests are redirected to
	RedirectScheme string `json:"redirect_scheme"` // http or https
	PreserveSNI    bool   `json:"preserve_sni"`    // present target_domain as SNI to the redirect host

	filename string // read config from the filename
}

type stringList []string

func (l *stringList) String() string {
	return strings.Join(*l, ",")
}

func (l *stringList) Set(value string) error {
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*l = append(*l, v)
		}
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Addr:           ":9080",
		TargetDomain:   rule.DefaultTargetDomain,
		RedirectPort:   rule.DefaultRedirectPort,
		RedirectScheme: rule.DefaultRedirectScheme,
	}
}

func newFlagSet(config *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("opencards-proxy", flag.ContinueOnError)
	fs.BoolVar(&config.version, "version", false, "show opencards-proxy version")
	fs.StringVar(&config.Addr, "addr", config.Addr, "proxy listen addr")
	fs.StringVar(&config.MetricsAddr, "metrics_addr", config.MetricsAddr, "prometheus metrics listen addr")
	fs.BoolVar(&config.SslInsecure, "ssl_insecure", config.SslInsecure, "not verify upstream server SSL/TLS certificates.")
	fs.StringVar(&config.CABundle, "ca_bundle", config.CABundle, "PEM bundle of extra roots trusted for upstream servers")
	fs.Var((*stringList)(&config.IgnoreHosts), "ignore_hosts", "comma separated CONNECT hosts relayed without interception")
	fs.Var((*stringList)(&config.AllowHosts), "allow_hosts", "comma separated CONNECT hosts to intercept, all others are relayed")
	fs.StringVar(&config.CertPath, "cert_path", config.CertPath, "path of generated root CA files")
	fs.StringVar(&config.CACert, "ca_cert", config.CACert, "root CA certificate PEM file")
	fs.StringVar(&config.CAKey, "ca_key", config.CAKey, "root CA private key PEM file")
	fs.IntVar(&config.Debug, "debug", config.Debug, "debug mode: 1 - print debug log")
	fs.StringVar(&config.Dump, "dump", config.Dump, "dump filename")
	fs.IntVar(&config.DumpLevel, "dump_level", config.DumpLevel, "dump level: 0 - header, 1 - header + body")
	fs.BoolVar(&config.Decode, "decode", config.Decode, "strip Content-Encoding from responses")
	fs.StringVar(&config.Upstream, "upstream", config.Upstream, "upstream proxy")
	fs.StringVar(&config.LogFile, "log_file", config.LogFile, "write flow records as JSON lines to this file")
	fs.StringVar(&config.ProxyAuth, "proxy_auth", config.ProxyAuth, `require proxy authentication, e.g. "user:pass|user2:pass2"`)
	fs.Int64Var(&config.StreamLargeBodies, "stream_large_bodies", config.StreamLargeBodies, "stream bodies larger than this many bytes")
	fs.IntVar(&config.MaxConnections, "max_connections", config.MaxConnections, "max concurrent client connections, 0 is unlimited")
	fs.StringVar(&config.Rules, "rules", config.Rules, "redirect rules file, YAML or JSON")
	fs.StringVar(&config.TargetDomain, "target_domain", config.TargetDomain, "host whose requests are redirected")
	fs.StringVar(&config.RedirectHost, "redirect_host", config.RedirectHost, "host requests are redirected to")
	fs.IntVar(&config.RedirectPort, "redirect_port", config.RedirectPort, "port requests are redirected to")
	fs.StringVar(&config.RedirectScheme, "redirect_scheme", config.RedirectScheme, "scheme used towards the redirect host")
	fs.BoolVar(&config.PreserveSNI, "preserve_sni", config.PreserveSNI, "present target_domain as SNI to the redirect host")
	fs.StringVar(&config.filename, "f", config.filename, "read config from the filename")
	return fs
}

// loadConfig parses args. Values from the -f file are used where the same
// option is not given on the command line; list options given on both are joined.
func loadConfig(args []string) (*Config, error) {
	config := defaultConfig()
	if err := newFlagSet(config).Parse(args); err != nil {
		return nil, err
	}
	if config.filename == "" {
		return config, nil
	}

	fileConfig := defaultConfig()
	if err := helper.NewStructFromFile(config.filename, fileConfig); err != nil {
		return nil, err
	}
	if err := newFlagSet(fileConfig).Parse(args); err != nil {
		return nil, err
	}
	return fileConfig, nil
}

// rules builds the redirect policy from -rules or from the individual flags.
func (config *Config) rules() (*rule.Config, error) {
	if config.Rules != "" {
		return rule.LoadFile(config.Rules)
	}
	rules := rule.NewConfig(config.RedirectHost, config.RedirectPort)
	rules.TargetDomain = config.TargetDomain
	rules.RedirectScheme = config.RedirectScheme
	rules.PreserveSNI = config.PreserveSNI
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}
