package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/campora/places-sync/internal/cost"
	"github.com/campora/places-sync/internal/dedup"
	"github.com/campora/places-sync/internal/enrich"
	"github.com/campora/places-sync/internal/importer"
	"github.com/campora/places-sync/internal/ingest"
	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/internal/store"
	anthropicpkg "github.com/campora/places-sync/pkg/anthropic"
	"github.com/campora/places-sync/pkg/places"
)

// appEnv holds the initialized store and pipeline components shared by
// the sync/candidates/serve commands.
type appEnv struct {
	Store        store.Store
	Orchestrator *ingest.Orchestrator
	Importer     *importer.Executor
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv sets up the store, directory client, scoring engine, and
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	if cfg.Places.APIKey == "" {
		_ = st.Close()
		return nil, eris.New("places API key is required (CAMPORA_PLACES_API_KEY)")
	}
	var placeOpts []places.Option
	if cfg.Places.BaseURL != "" {
		placeOpts = append(placeOpts, places.WithBaseURL(cfg.Places.BaseURL))
	}
	client := places.NewClient(cfg.Places.APIKey, placeOpts...)

	engine := dedup.NewEngine(dedup.Config{
		Threshold:        cfg.Dedup.Threshold,
		ProximityRadiusM: cfg.Dedup.ProximityRadiusM,
		Weights: model.Weights{
			Name:     cfg.Dedup.NameWeight,
			Location: cfg.Dedup.LocationWeight,
			Contact:  cfg.Dedup.ContactWeight,
			Category: cfg.Dedup.CategoryWeight,
		},
	})

	// AI normalization is optional; scoring runs on raw fields without it.
	var normalizer enrich.Normalizer = enrich.Passthrough{}
	if cfg.Enrich.Provider == "claude" {
		if cfg.Enrich.AnthropicKey == "" {
			_ = st.Close()
			return nil, eris.New("anthropic key is required when enrich.provider is claude (CAMPORA_ENRICH_ANTHROPIC_KEY)")
		}
		normalizer = enrich.NewClaudeNormalizer(anthropicpkg.NewClient(cfg.Enrich.AnthropicKey), cfg.Enrich.Model)
		zap.L().Info("claude venue normalizer enabled", zap.String("model", cfg.Enrich.Model))
	}

	calc := cost.NewCalculator(cost.Rates{Places: cost.PlacesRate{
		SearchPerCall: cfg.Pricing.Places.SearchPerCall,
		PhotoPerCall:  cfg.Pricing.Places.PhotoPerCall,
	}})

	orch := ingest.NewOrchestrator(st, client, engine, normalizer, calc, scopesFromConfig(), ingest.Config{
		PageSize:           cfg.Places.PageSize,
		RateLimit:          cfg.Places.RateLimit,
		MaxRetries:         cfg.Places.MaxRetries,
		PageTimeout:        time.Duration(cfg.Places.PageTimeoutSecs) * time.Second,
		SearchRadiusM:      cfg.Dedup.SearchRadiusM,
		MaxPlacesDefault:   cfg.Ingest.MaxPlacesDefault,
		ProgressEveryPages: cfg.Ingest.ProgressEveryPages,
	})

	return &appEnv{
		Store:        st,
		Orchestrator: orch,
		Importer:     importer.NewExecutor(st),
	}, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "places-sync.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func scopesFromConfig() map[string]model.Scope {
	scopes := make(map[string]model.Scope, len(cfg.Scopes))
	for slug, sc := range cfg.Scopes {
		scopes[slug] = model.Scope{
			Slug:     slug,
			SWLat:    sc.SWLat,
			SWLng:    sc.SWLng,
			NELat:    sc.NELat,
			NELng:    sc.NELng,
			Category: sc.Category,
			Query:    sc.Query,
		}
	}
	return scopes
}
