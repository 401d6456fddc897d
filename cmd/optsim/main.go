package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/option-sim/internal/config"
	"github.com/atmx/option-sim/internal/metrics"
	"github.com/atmx/option-sim/internal/model"
	"github.com/atmx/option-sim/internal/sim"
	"github.com/atmx/option-sim/internal/store"
)

const usage = `usage: optsim <command> [flags]

commands:
  run       run an experiment
  validate  load and validate a config, print the resolved config
  show      print one stored trajectory as JSON lines
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "validate":
		err = validateCmd(os.Args[2:])
	case "show":
		err = showCmd(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("optsim failed", "err", err)
		os.Exit(1)
	}
}

func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}

// loadConfig reads the config file if one is given, otherwise the built-in
// defaults, and validates it.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config (defaults when empty)")
	seed := fs.Uint64("seed", 0, "override simulation.seed")
	workers := fs.Int("workers", 0, "override simulation.workers")
	out := fs.String("out", "", "write trajectory records as JSON lines to this file")
	metricsAddr := fs.String("metrics-addr", "", "serve /health and /metrics on this address")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := setupLogger(*logLevel); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "seed":
			cfg.Simulation.Seed = *seed
		case "workers":
			cfg.Simulation.Workers = *workers
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	slog.Info("config loaded",
		"path", *configPath,
		"subsets", cfg.SubsetNames(),
		"runs", cfg.Simulation.Runs,
		"timesteps", cfg.Simulation.Timesteps,
		"seed", cfg.Simulation.Seed,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Metrics.Addr != "" {
		srv := metricsServer(cfg.Metrics.Addr)
		go func() {
			slog.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics shutdown error", "err", err)
			}
		}()
	}

	e, err := sim.FromConfig(cfg)
	if err != nil {
		return err
	}
	orch := &sim.Orchestrator{Workers: cfg.Simulation.Workers, Sink: st}
	res, err := orch.Run(ctx, e)
	if err != nil {
		return fmt.Errorf("experiment %s: %w", e.ID, err)
	}

	if err := res.CheckConsistency(); err != nil {
		return fmt.Errorf("experiment %s: counterparty check: %w", e.ID, err)
	}
	logSummaries(res)

	if *out != "" {
		if err := writeRecords(*out, res); err != nil {
			return err
		}
		slog.Info("records written", "path", *out)
	}

	fmt.Println(res.ExperimentID)
	if failed := res.Failed(); len(failed) > 0 {
		return fmt.Errorf("experiment %s: %d of %d runs failed", e.ID, len(failed), len(res.Trajectories))
	}
	return nil
}

func validateCmd(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("validate: --config is required")
	}
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func showCmd(args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config")
	dbURL := fs.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL URL (overrides store.database_url)")
	experiment := fs.String("experiment", "", "experiment ID")
	subset := fs.Int("subset", 0, "subset ID")
	run := fs.Int("run", 1, "run ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := setupLogger("warn"); err != nil {
		return err
	}
	if *experiment == "" {
		return errors.New("show: --experiment is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *dbURL != "" {
		cfg.Store.DatabaseURL = *dbURL
	}
	if cfg.Store.DatabaseURL == "" {
		return errors.New("show: store.database_url is required")
	}

	ctx := context.Background()
	st, cleanup, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer cleanup()

	t, err := st.GetTrajectory(ctx, *experiment, *subset, *run)
	if err != nil {
		return fmt.Errorf("show %s subset=%d run=%d: %w", *experiment, *subset, *run, err)
	}
	return encodeRecords(os.Stdout, t.Records(*experiment))
}

// openStore selects PostgreSQL (optionally behind a Redis cache) when a
// database URL is configured, the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("store.database_url not set, using in-memory store (trajectories will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.EnsureSchema(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid store.redis_url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}
	return st, closeAll, nil
}

func metricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"optsim"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func logSummaries(res *sim.Result) {
	for _, t := range res.Trajectories {
		attrs := []any{
			"experiment", res.ExperimentID,
			"subset", t.Subset,
			"run", t.RunID,
			"timesteps", len(t.States) - 1,
		}
		s := t.Summary()
		attrs = append(attrs,
			"offering", s.Offering,
			"matched_pairs", s.Matched,
			"exercised_pairs", s.Exercised,
			"final_price", s.FinalPrice.String(),
			"buyer_pnl", s.BuyerPnL.String(),
			"seller_pnl", s.SellerPnL.String(),
		)
		if t.Err != nil {
			slog.Error("run summary", append(attrs, "status", store.StatusFailed, "err", t.Err)...)
			continue
		}
		slog.Info("run summary", append(attrs, "status", store.StatusOK)...)
	}
}

func writeRecords(path string, res *sim.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	for _, t := range res.Trajectories {
		if err := encodeRecords(f, t.Records(res.ExperimentID)); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return f.Close()
}

func encodeRecords(w io.Writer, records []model.Record) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return bw.Flush()
}
