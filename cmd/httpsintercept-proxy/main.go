// Command httpsintercept-proxy runs the proxy core as a standalone
// process: load configuration, load or create the CA, and serve.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/julien-duponchelle/httpsintercept/proxy-srv/audit"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/config"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/forward"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/handler"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/hooks"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/logger"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/server"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/tlsca"
	"github.com/julien-duponchelle/httpsintercept/proxy-srv/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to an HCL configuration file")
	logLevel := flag.String("log-level", "info", "minimum log level: trace, debug, info, warn, error")
	flag.Parse()

	logger.SetLevel(logger.LevelFromString(*logLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading configuration: %v", err)
	}

	subjectFields := cfg.CASubjectFields()
	store, err := tlsca.LoadOrCreateStoreWithSubject(cfg.CAFile, cfg.CAKeyFile, tlsca.CASubject{
		Country:      subjectFields.Country,
		State:        subjectFields.State,
		Locality:     subjectFields.Locality,
		Organization: subjectFields.Organization,
		CommonName:   subjectFields.CommonName,
	})
	if err != nil {
		logger.Fatal("loading CA: %v", err)
	}

	collector, err := audit.NewCollector(audit.Config{Driver: cfg.AuditDriver(), DSN: cfg.AuditDSN()})
	if err != nil {
		logger.Fatal("initializing audit collector: %v", err)
	}
	defer collector.Close()

	timeouts := forward.DefaultTimeouts()
	fwd := forward.NewHandler(upstream.NewDirectTransport(timeouts.Connect), timeouts)
	fwd.Audit = collector

	h := &handler.Handler{
		TLSStore:  store,
		Forwarder: fwd,
		Timeouts:  handler.DefaultTimeouts(),
		Hooks:     auditHooks(collector),
	}

	srv := server.New(h)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting httpsintercept-proxy on %s", cfg.ListenAddress)
	if err := srv.ListenAndServe(ctx, cfg.ListenAddress); err != nil {
		logger.Fatal("server stopped: %v", err)
	}
	os.Exit(0)
}

// auditHooks logs every classified error and records it against the
// audit trail. Request/response/connection-lifecycle events are
// recorded directly by forward.Handler, which has a real connection ID
// to attach them to. OnError receives no connection ID, so every error
// it sees is recorded with connID 0: both failures that happen before
// a connection ID exists (e.g. a malformed request line) and upstream
// failures that forward.Handler reports after starting a connection.
func auditHooks(collector audit.Collector) hooks.Hooks {
	return hooks.Hooks{
		OnError: func(ctx context.Context, err error) {
			logger.Warn("connection error: %v", err)
			_ = collector.RecordError(ctx, 0, "proxy_error", err.Error())
		},
	}
}
