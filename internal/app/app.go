package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"example.com/mafia/internal/auth"
	"example.com/mafia/internal/config"
	"example.com/mafia/internal/game"
	"example.com/mafia/internal/httpapi"
	"example.com/mafia/internal/mafia"
	"example.com/mafia/internal/migrate"
	"example.com/mafia/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	db     *pgxpool.Pool
	rdb    *redis.Client
	engine *mafia.Service

	srv *http.Server
}

func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	gameCfg := GameConfig(cfg)
	if err := gameCfg.Validate(); err != nil {
		return nil, fmt.Errorf("game config: %w", err)
	}

	if cfg.Postgres.RunMigrations {
		if err := migrate.Up(cfg.Postgres.URL, cfg.Postgres.MigrationsDir, log); err != nil {
			return nil, err
		}
	}

	// --- Postgres ---
	dbpool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})

	// Quick connectivity checks (fail fast).
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		dbpool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping (%s db=%d): %w", cfg.Redis.Addr, cfg.Redis.DB, err)
	}

	authSvc := auth.NewService([]byte(cfg.Auth.Secret))

	// --- Stores ---
	users := store.NewUserStore(dbpool)
	stats := store.NewStatsStore(dbpool)
	wallets := store.NewWalletStore(dbpool)

	authH := &httpapi.AuthHandler{
		Users:           users,
		Stats:           stats,
		Wallets:         wallets,
		Auth:            authSvc,
		TokenTTL:        cfg.Auth.TokenTTL,
		StartingBalance: cfg.Game.StartingBalance,
		Log:             log,
	}

	// --- Game ---
	gw := game.NewGateway(log)
	engine := mafia.NewService(gameCfg, mafia.Deps{
		Store:     mafia.NewRedisSnapshotStore(rdb, cfg.Redis.SessionTTL),
		Transport: gw,
		Ledger:    wallets,
		Results:   stats,
		Log:       log.With("component", "mafia"),
	})
	gameSrv := game.NewServer(engine, gw, authSvc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Post("/api/auth/register", authH.Register)
	r.Post("/api/auth/login", authH.Login)
	r.With(httpapi.AuthMiddleware(authSvc)).Get("/api/me", authH.Me)

	gameSrv.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	return &App{cfg: cfg, log: log, db: dbpool, rdb: rdb, engine: engine, srv: srv}, nil
}

// GameConfig maps server settings onto the engine's configuration.
func GameConfig(cfg config.Config) mafia.Config {
	g := mafia.DefaultConfig()
	g.RoleReveal = cfg.Game.RoleReveal
	g.Night = cfg.Game.Night
	g.Discuss = cfg.Game.Discuss
	g.Vote = cfg.Game.Vote
	g.ResolveDelay = cfg.Game.ResolveDelay
	g.SilentMin = cfg.Game.SilentMin
	g.SilentMax = cfg.Game.SilentMax
	g.Warning = cfg.Game.Warning
	g.ForfeitMisses = cfg.Game.ForfeitMisses
	g.HostFee = cfg.Game.HostFee
	g.Reward = mafia.RewardPolicy{
		Base:        cfg.Game.BaseReward,
		PerPlayer:   cfg.Game.PerPlayerReward,
		PerRound:    cfg.Game.PerRoundReward,
		DeadPercent: cfg.Game.DeadWinnerPercent,
	}
	return g
}

func (a *App) Run(ctx context.Context) error {
	n, err := a.engine.RecoverAll(ctx)
	if err != nil {
		a.log.Warn("session recovery failed", "err", err)
	} else if n > 0 {
		a.log.Info("sessions recovered", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)

	a.log.Info("http server starting", "addr", a.cfg.HTTP.Addr)

	g.Go(func() error {
		err := a.srv.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.log.Info("http server shutting down")
		return a.srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	return multierr.Append(err, a.Close(context.Background()))
}

// Close stops the engine first so no round loop touches the stores after
// they are closed. Snapshots stay in Redis for the next process.
func (a *App) Close(ctx context.Context) error {
	if a.engine != nil {
		a.engine.Close()
	}
	var err error
	if a.db != nil {
		a.db.Close()
	}
	if a.rdb != nil {
		err = multierr.Append(err, a.rdb.Close())
	}
	return err
}
