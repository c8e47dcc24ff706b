package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/StarNumber12046/opencards/addon"
	"github.com/StarNumber12046/opencards/cert"
	"github.com/StarNumber12046/opencards/internal/helper"
	"github.com/StarNumber12046/opencards/proxy"
	"github.com/StarNumber12046/opencards/proxy/addons"
	"github.com/StarNumber12046/opencards/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if config.version {
		fmt.Println("opencards-proxy: " + version.String())
		os.Exit(0)
	}

	// Configure global slog logger.
	level := slog.LevelInfo
	addSource := false
	if config.Debug > 0 {
		level = slog.LevelDebug
		addSource = true // include file:line in debug mode only
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)

	if err := run(config); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}

func run(config *Config) error {
	rules, err := config.rules()
	if err != nil {
		return fmt.Errorf("redirect rules: %w", err)
	}

	ca, err := loadCA(config)
	if err != nil {
		return fmt.Errorf("failed to create CA: %w", err)
	}

	proxyConfig := proxy.NewConfig(config.Addr)
	proxyConfig.SslInsecure = config.SslInsecure
	proxyConfig.CABundle = config.CABundle
	proxyConfig.Upstream = config.Upstream
	proxyConfig.MaxConnections = config.MaxConnections
	if config.StreamLargeBodies > 0 {
		proxyConfig.StreamLargeBodies = config.StreamLargeBodies
	}

	p, err := proxy.NewProxy(*proxyConfig, ca, rules)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	slog.Info("opencards-proxy started",
		slog.String("version", version.Version),
		slog.String("target", rules.TargetDomain),
		slog.String("redirect", rules.RedirectScheme+"://"+rules.RedirectAddr()),
	)

	if len(config.IgnoreHosts) > 0 {
		p.SetShouldInterceptRule(func(host string) bool {
			return !helper.MatchHost(host, config.IgnoreHosts)
		})
	}
	if len(config.AllowHosts) > 0 {
		p.SetShouldInterceptRule(func(host string) bool {
			return helper.MatchHost(host, config.AllowHosts)
		})
	}

	if config.ProxyAuth != "" && strings.ToLower(config.ProxyAuth) != "any" {
		slog.Info("Enable entry authentication")
		auth, err := NewDefaultBasicAuth(config.ProxyAuth)
		if err != nil {
			return err
		}
		p.SetAuthProxy(auth.EntryAuth)
	}

	if config.Decode {
		p.AddAddon(&addon.Decoder{})
	}

	if config.LogFile != "" {
		// Use instance logger with file output
		instanceLog := addons.NewInstanceLogAddonWithFile(config.Addr, "", config.LogFile)
		defer instanceLog.Close()
		p.AddAddon(instanceLog)
		slog.Info("Logging to file", slog.String("file", config.LogFile))
	}
	p.AddAddon(&addons.LogAddon{})

	if config.Dump != "" {
		dumper, err := addon.NewDumperWithFilename(config.Dump, config.DumpLevel)
		if err != nil {
			slog.Warn("open dump file error", "error", err)
		} else {
			defer dumper.Close()
			p.AddAddon(dumper)
		}
	}

	if config.MetricsAddr != "" {
		metrics := addons.NewMetrics()
		metrics.WatchPool(p.PoolStats)
		p.AddAddon(metrics)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer := &http.Server{Addr: config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info("metrics listening", "addr", config.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server exited", "error", err)
			}
		}()
		defer metricsServer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown", "error", err)
		}
	}()

	err = p.Start()
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		return nil
	}
	return err
}

// loadCA uses the given root key pair, or the self-signed root kept in CertPath.
func loadCA(config *Config) (cert.CA, error) {
	switch {
	case config.CACert != "" && config.CAKey != "":
		return cert.LoadCAFromFiles(config.CACert, config.CAKey, cert.Options{})
	case config.CACert != "" || config.CAKey != "":
		return nil, errors.New("ca_cert and ca_key must be given together")
	default:
		return cert.NewSelfSignCA(config.CertPath)
	}
}
