package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/credit-pool/internal/api"
	"github.com/atmx/credit-pool/internal/config"
	"github.com/atmx/credit-pool/internal/events"
	"github.com/atmx/credit-pool/internal/memledger"
	"github.com/atmx/credit-pool/internal/metrics"
	"github.com/atmx/credit-pool/internal/pool"
	"github.com/atmx/credit-pool/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the credit pool HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.New(cfgPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// withRetry runs connect with the section's retry policy.
func withRetry[T any](ctx context.Context, name string, rc config.RetryConfig, connect func() (T, error)) (T, error) {
	return retry.DoWithData[T](connect,
		retry.Context(ctx),
		retry.Attempts(rc.MaxRetryTimes),
		retry.Delay(rc.RetryInterval),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("connection attempt failed, retrying", "service", name, "attempt", n+1, "err", err)
		}),
	)
}

func serve(parent context.Context, cfg *config.Config) error {
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := withRetry(ctx, "postgres", cfg.Database.RetryConfig, func() (*pgxpool.Pool, error) {
			p, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return nil, err
			}
			if err := p.Ping(ctx); err != nil {
				p.Close()
				return nil, err
			}
			return p, nil
		})
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pg.Close)
		ps := store.NewPostgresStore(pg)
		if err := ps.Migrate(ctx); err != nil {
			return err
		}
		st = ps
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb, err := withRetry(ctx, "redis", cfg.Redis.RetryConfig, func() (*redis.Client, error) {
				c := redis.NewClient(opt)
				if err := c.Ping(ctx).Err(); err != nil {
					c.Close()
					return nil, err
				}
				return c, nil
			})
			if err != nil {
				return fmt.Errorf("redis connection failed: %w", err)
			}
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Pool ---
	p, ledger, err := openPool(ctx, cfg, st)
	if err != nil {
		return err
	}

	rec, err := store.NewRecorder(ctx, st, 5*time.Second)
	if err != nil {
		return fmt.Errorf("snapshot recorder: %w", err)
	}
	p.OnCommit(rec.Record)
	p.OnCommit(metrics.Observe)
	metrics.Observe(p.State(), nil)

	// --- Event fan-out ---
	hub := events.NewHub()
	go hub.Run()
	cleanup = append(cleanup, hub.Close)
	p.OnCommit(hub.Publish)

	if cfg.NATS.URL != "" {
		nc, err := withRetry(ctx, "nats", cfg.NATS.RetryConfig, func() (*nats.Conn, error) {
			return events.Connect(cfg.NATS.URL)
		})
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		cleanup = append(cleanup, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
		p.OnCommit(events.NewPublisher(nc, cfg.NATS.Subject).Publish)
		slog.Info("publishing pool events to NATS", "subject", cfg.NATS.Subject)
	}

	// --- HTTP service ---
	var dev *memledger.Ledger
	if cfg.Pool.DevEndpoints {
		dev = ledger
		slog.Warn("dev endpoints enabled: /api/v1/dev/mint and /api/v1/dev/collateral")
	}
	svc := api.NewService(p, st, dev)

	finalizer := api.NewFinalizer(p, cfg.Finalizer.Interval)
	go finalizer.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      newRouter(svc, hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("credit-pool listening", "addr", srv.Addr, "pool", p.Address())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down credit-pool...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("credit-pool stopped", "snapshot_version", rec.Version())
	return nil
}

// openPool restores the pool and its ledger balances from the latest
// snapshot, or creates and seeds a new one. The collaborators are
// in-memory ledgers; the seeder is credited the seed amount before a fresh
// pool pulls it.
func openPool(ctx context.Context, cfg *config.Config, st store.Store) (*pool.Pool, *memledger.Ledger, error) {
	addr, treasury, seeder, err := cfg.Pool.Addresses()
	if err != nil {
		return nil, nil, err
	}
	seed, err := cfg.Pool.SeedAmountInt()
	if err != nil {
		return nil, nil, err
	}
	params, err := cfg.Pool.PoolParams()
	if err != nil {
		return nil, nil, err
	}
	roles, err := cfg.Pool.Roles()
	if err != nil {
		return nil, nil, err
	}

	ledger := memledger.New(addr)
	auth := pool.NewStaticAuthorizer().
		Grant(pool.RoleManager, roles.Admins...).
		Grant(pool.RoleUtilizeOnBehalf, roles.OnBehalfUtilizers...).
		Grant(pool.RoleRewardsCollector, roles.RewardsCollectors...)

	poolCfg := pool.Config{
		Address:    addr,
		Treasury:   treasury,
		Seeder:     seeder,
		SeedAmount: seed,
		Params:     params,
		Risk:       cfg.Pool.ModelRisk(),
	}
	deps := pool.Deps{
		Asset:      ledger.Asset(),
		Collateral: ledger.Collateral,
		Incentives: ledger.Incentives,
		Exits:      ledger.Exits,
		Rewards:    ledger.Rewards,
		Auth:       auth,
		Clock:      pool.UnixClock(),
		Logger:     slog.Default(),
		// Snapshots carry the ledger balances so a restart resumes them.
		Checkpointer: ledger,
	}

	snap, err := st.LatestSnapshot(ctx)
	switch {
	case err == nil:
		if snap.State.Ledger == nil {
			return nil, nil, fmt.Errorf("restore snapshot %d: no ledger checkpoint", snap.Version)
		}
		if err := ledger.Load(snap.State.Ledger); err != nil {
			return nil, nil, fmt.Errorf("restore snapshot %d: %w", snap.Version, err)
		}
		p, err := pool.Restore(poolCfg, deps, snap.State)
		if err != nil {
			return nil, nil, fmt.Errorf("restore snapshot %d: %w", snap.Version, err)
		}
		slog.Info("pool restored", "version", snap.Version, "index", snap.State.UtilizeIndex.Dec())
		return p, ledger, nil
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	ledger.Token.Mint(seeder, seed)
	p, err := pool.New(ctx, poolCfg, deps)
	if err != nil {
		return nil, nil, err
	}
	return p, ledger, nil
}

func newRouter(svc *api.Service, hub *events.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"credit-pool"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live pool events.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})
	return r
}
