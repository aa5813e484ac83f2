package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/gowps/internal/backend"
	"github.com/me/gowps/internal/config"
	"github.com/me/gowps/internal/logging"
	"github.com/me/gowps/internal/remote"
	"github.com/me/gowps/internal/worker"
	"github.com/me/gowps/pkg/model"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (GOWPS_WORKER_* env vars also apply)")
	server := flag.String("server", "", "GoWPS server URL")
	name := flag.String("name", "", "Worker name (default: hostname)")
	poll := flag.Duration("poll", 0, "Poll interval")

	// TLS flags apply to the server API.
	caCert := flag.String("ca-cert", "", "Path to CA certificate PEM file for internal PKI")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (testing only)")

	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	cfg, err := config.LoadWorker(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *poll > 0 {
		cfg.PollInterval = *poll
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	hostname, _ := os.Hostname()
	if cfg.Name == "" {
		cfg.Name = hostname
		if cfg.Name == "" {
			cfg.Name = "worker"
		}
	}

	tlsCfg, err := buildTLSConfig(*caCert, *insecure)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tls: %v\n", err)
		os.Exit(1)
	}
	client := worker.NewClient(cfg.Server, tlsCfg)
	client.SetWorkerKey(cfg.Key)

	backends, kinds, err := newBackends(cfg, client, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init backends: %v\n", err)
		os.Exit(1)
	}

	agent := worker.NewAgent(client, backends, worker.AgentConfig{
		Name:      cfg.Name,
		Hostname:  hostname,
		Backends:  kinds,
		Poll:      cfg.PollInterval,
		Heartbeat: cfg.Heartbeat,
		Runner:    worker.RunnerConfig{Lease: cfg.Lease},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting worker",
		"server", cfg.Server,
		"name", cfg.Name,
		"backends", kinds,
		"poll", cfg.PollInterval,
	)

	if err := agent.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "worker error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("worker stopped")
}

// newBackends registers the backends named in cfg. Remote jobs relay their
// progress through the server the worker is attached to.
func newBackends(cfg config.WorkerConfig, relay remote.Relay, logger *slog.Logger) (*backend.Registry, []model.BackendKind, error) {
	reg := backend.NewRegistry(logger)
	for _, name := range cfg.Backends {
		switch kind := model.BackendKind(name); kind {
		case model.BackendCWL:
			var runner string
			var extra []string
			if len(cfg.CWLRunner) > 0 {
				runner, extra = cfg.CWLRunner[0], cfg.CWLRunner[1:]
			}
			reg.Register(backend.NewCWLRunner(runner, extra, logger))
		case model.BackendDocker:
			reg.Register(backend.NewDocker(backend.DockerConfig{Binary: cfg.DockerPath}, logger))
		case model.BackendRemote:
			factory := remote.NewFactory(remote.ProviderOptions{
				HTTPClient: &http.Client{Timeout: time.Minute},
				Logger:     logger,
			})
			reg.Register(backend.NewRemote(remote.NewAdapter(factory, relay, remote.Config{}, logger)))
		default:
			return nil, nil, fmt.Errorf("unknown backend %q", name)
		}
	}
	return reg, reg.Kinds(), nil
}

// buildTLSConfig returns nil when the system CA pool applies.
func buildTLSConfig(caCertPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if caCertPath == "" {
		return nil, nil
	}
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", caCertPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", caCertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}
