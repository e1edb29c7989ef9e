package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"caselog/internal/maintenance"
	"caselog/pkg/api"
	"caselog/pkg/config"
	"caselog/pkg/fanout"
	"caselog/pkg/ingest"
	"caselog/pkg/logger"
	"caselog/pkg/search"
	"caselog/pkg/store"
)

// App encapsulates the engine components and lifecycle.
type App struct {
	cfg       *config.Config
	addr      string
	version   string
	buildDate string

	idx  *search.Index
	hub  *fanout.Hub
	proc *ingest.Processor
	srv  *http.Server

	stopMaintenance context.CancelFunc
}

// New opens the stores and assembles the engine. It does not start the
// HTTP server; call Run to start it and block until shutdown.
func New(cfg *config.Config, addr, dbPath, indexPath, version, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if cfg.Security.JWTSecret == "" {
		return nil, fmt.Errorf("no JWT secret configured; set security.jwt_secret or CASELOG_JWT_SECRET")
	}

	if err := store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}
	idx, err := search.OpenIndex(indexPath)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	hub := fanout.NewHub(cfg.Stream.Buffer)
	proc := ingest.NewProcessor(idx, hub)

	a := &App{
		cfg:       cfg,
		addr:      addr,
		version:   version,
		buildDate: buildDate,
		idx:       idx,
		hub:       hub,
		proc:      proc,
	}
	return a, nil
}

// Run rebuilds derived state from the log, starts the periodic index
// committer, the maintenance scheduler and the HTTP server, then blocks
// until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	// The index lives outside the log's consistency domain; replaying the
	// log on boot brings both back in sync after any crash.
	if err := a.proc.Rebuild(); err != nil {
		return fmt.Errorf("startup rebuild: %w", err)
	}
	a.idx.StartCommitter(a.cfg.Search.CommitInterval.Duration())

	cancelMaint, err := maintenance.Start(ctx, a.cfg.Maintenance, a.proc)
	if err != nil {
		return err
	}
	a.stopMaintenance = cancelMaint

	logger.Info("engine_starting", "addr", a.addr, "version", a.version, "build_date", a.buildDate)
	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

func (a *App) startHTTP(ctx context.Context) <-chan error {
	handler := api.Handler(a.cfg, a.proc, a.idx, a.hub)
	a.srv = &http.Server{
		Addr:              a.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		tls := a.cfg.Server.TLS
		var err error
		if tls.CertFile != "" && tls.KeyFile != "" {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

func (a *App) shutdown() {
	if a.stopMaintenance != nil {
		a.stopMaintenance()
	}
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(ctx)
	}
	if a.idx != nil {
		if err := a.idx.Close(); err != nil {
			logger.Error("index_close_failed", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
	logger.Info("engine_stopped")
}
