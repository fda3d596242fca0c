package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealflow-cli/internal/extract"
	"github.com/sells-group/dealflow-cli/internal/intake"
	"github.com/sells-group/dealflow-cli/internal/metrics"
	"github.com/sells-group/dealflow-cli/internal/reconcile"
	"github.com/sells-group/dealflow-cli/internal/resilience"
	"github.com/sells-group/dealflow-cli/internal/store"
	anthropicpkg "github.com/sells-group/dealflow-cli/pkg/anthropic"
)

// appEnv holds the store and services shared by the commands.
type appEnv struct {
	Store     store.Store
	Metrics   *metrics.Metrics
	Breakers  *resilience.ServiceBreakers
	Intake    *intake.Service // nil unless extraction is configured
	Reconcile *reconcile.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dealflow.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initApp validates cfg for mode, opens and migrates the store, and builds
// the services. Modes that extract ("extract", "serve", "notion") also wire
// the Anthropic client. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init metrics")
	}

	breakers := resilience.NewServiceBreakers(
		cfg.Circuit.Breaker(),
		m.CircuitStateChanged,
	)

	env := &appEnv{
		Store:     st,
		Metrics:   m,
		Breakers:  breakers,
		Reconcile: reconcile.New(st, m),
	}

	if mode != "store" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.ClientOptions{
			BaseURL:        cfg.Anthropic.BaseURL,
			MaxRetries:     cfg.Anthropic.MaxRetries,
			RequestTimeout: cfg.Extraction.Timeout(),
		})
		engine := extract.NewEngine(client, breakers.Get("anthropic"), extract.Config{
			Model:       cfg.Anthropic.Model,
			MaxTokens:   cfg.Anthropic.MaxTokens,
			Temperature: cfg.Anthropic.Temperature,
			CacheTTL:    cfg.Anthropic.CacheTTL,
		})
		env.Intake = intake.New(st, engine, m, cfg.Extraction.Timeout())
	}

	zap.L().Debug("app initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
	)
	return env, nil
}
