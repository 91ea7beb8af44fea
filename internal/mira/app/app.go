// Package app assembles the Mira companion: store, persona, generation
// backend, Matrix transport, dialogue engine, anniversary sweep and the
// health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/anindo/mira/common/version"
	"github.com/anindo/mira/internal/mira/engine"
	"github.com/anindo/mira/internal/mira/extract"
	"github.com/anindo/mira/internal/mira/llm"
	"github.com/anindo/mira/internal/mira/matrix"
	"github.com/anindo/mira/internal/mira/media"
	"github.com/anindo/mira/internal/mira/observability"
	"github.com/anindo/mira/internal/mira/onboarding"
	"github.com/anindo/mira/internal/mira/persona"
	"github.com/anindo/mira/internal/mira/store"
	"github.com/anindo/mira/internal/mira/sweep"
)

// Config holds application configuration.
type Config struct {
	// DatabaseURL selects the postgres backend when non-empty; otherwise
	// DatabasePath selects embedded sqlite.
	DatabaseURL  string
	DatabasePath string

	Matrix matrix.Config
	LLM    llm.Config

	// PersonaPath points at a persona pack on disk. Empty uses the embedded
	// default pack.
	PersonaPath string

	// MediaDir holds engagement images. Empty disables media sends.
	MediaDir string

	// HTTPAddr is the listen address of the health server, e.g. ":8080".
	// Empty disables it.
	HTTPAddr string

	SweepHour   int
	SweepMinute int

	DriftProbability float64
	GenTimeout       time.Duration
}

// App is the assembled companion.
type App struct {
	store   store.Store
	client  *matrix.Client
	engine  *engine.Engine
	sweep   *sweep.Sweep
	httpSrv *http.Server
}

// New builds the application from configuration. Nothing starts running
// until Run.
func New(ctx context.Context, cfg Config) (*App, error) {
	var (
		st       store.Store
		sqliteDB *store.SQLite
		err      error
	)
	if cfg.DatabaseURL != "" {
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres: %w", err)
		}
		slog.Info("using postgres store")
	} else {
		sqliteDB, err = store.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		st = sqliteDB
		slog.Info("using sqlite store", "path", cfg.DatabasePath)
	}

	pack, err := loadPack(cfg.PersonaPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	slog.Info("persona loaded", "name", pack.Name, "model", pack.Generation.Model)

	if cfg.LLM.Model == "" {
		cfg.LLM.Model = pack.Generation.Model
	}
	provider := llm.New(cfg.LLM)

	var mediaSource media.Source
	if cfg.MediaDir != "" {
		mediaSource = media.NewDirSource(os.DirFS(cfg.MediaDir), nil)
		slog.Info("engagement media enabled", "dir", cfg.MediaDir)
	}

	// The Matrix sync token is persisted only on the sqlite backend; the
	// postgres pool does not expose a database/sql handle.
	mxCfg := cfg.Matrix
	if sqliteDB != nil {
		mxCfg.DB = sqliteDB.DB()
	}
	client, err := matrix.New(&mxCfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	metrics := observability.NewMetrics("mira")
	locks := engine.NewKeyedMutex()
	eng := engine.New(engine.Config{
		Store:      st,
		Transport:  client,
		Provider:   provider,
		Pack:       pack,
		Drifter:    extract.NewMoodDrifter(cfg.DriftProbability, rand.NewSource(time.Now().UnixNano())),
		Media:      mediaSource,
		Metrics:    metrics,
		Locks:      locks,
		GenTimeout: cfg.GenTimeout,
	})

	sw := sweep.New(sweep.Config{
		Store:    st,
		Notifier: client,
		Pack:     pack,
		Locks:    locks,
		Metrics:  metrics,
		Media:    mediaSource,
		Hour:     cfg.SweepHour,
		Minute:   cfg.SweepMinute,
	})

	a := &App{
		store:  st,
		client: client,
		engine: eng,
		sweep:  sw,
	}
	if cfg.HTTPAddr != "" {
		a.httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           (&healthServer{store: st, startedAt: time.Now()}).router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return a, nil
}

func loadPack(path string) (*persona.Pack, error) {
	if path == "" {
		return persona.Default()
	}
	return persona.LoadFile(path)
}

// Run starts all subsystems and blocks until ctx is cancelled, then shuts
// them down.
func (a *App) Run(ctx context.Context) error {
	slog.Info("starting", "version", version.Info())

	if a.httpSrv != nil {
		go func() {
			slog.Info("health server listening", "addr", a.httpSrv.Addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "err", err)
			}
		}()
	}

	if err := a.client.Start(ctx, a.dispatch); err != nil {
		return fmt.Errorf("app: start matrix: %w", err)
	}

	go a.sweep.Run(ctx)

	<-ctx.Done()
	slog.Info("shutting down")

	a.client.Stop()
	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown", "err", err)
		}
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("store close", "err", err)
	}
	return nil
}

// dispatch maps a transport event to an engine event and handles it off the
// sync loop so a slow generation never stalls incoming traffic.
func (a *App) dispatch(_ context.Context, msg matrix.Incoming) {
	// A fresh context: the sync loop's context ends with the handler call,
	// while the turn outlives it.
	go a.engine.HandleEvent(context.Background(), toEngineEvent(msg))
}

func toEngineEvent(msg matrix.Incoming) engine.Event {
	kind := onboarding.InputText
	if msg.Kind == matrix.KindReaction {
		kind = onboarding.InputButton
	}
	return engine.Event{
		UserID: msg.Sender,
		RoomID: msg.RoomID,
		Input:  onboarding.Input{Kind: kind, Text: msg.Body},
	}
}
