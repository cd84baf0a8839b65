// Package ingest owns the sync job lifecycle: it drives the directory
// client page by page, scores every venue, and writes review candidates.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/campora/places-sync/internal/cost"
	"github.com/campora/places-sync/internal/dedup"
	"github.com/campora/places-sync/internal/enrich"
	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/internal/resilience"
	"github.com/campora/places-sync/internal/store"
	"github.com/campora/places-sync/pkg/places"
)

// ErrScopeNotFound is returned when a trigger names an unconfigured scope.
var ErrScopeNotFound = eris.New("ingest: scope not configured")

// RunningError reports that a scope already has a processing job. It
// carries the existing job id so callers can reference it.
type RunningError struct {
	Scope string
	JobID string
}

func (e *RunningError) Error() string {
	return fmt.Sprintf("ingest: sync already running for scope %s (job %s)", e.Scope, e.JobID)
}

// IsAlreadyRunning reports whether the error chain contains a RunningError.
func IsAlreadyRunning(err error) bool {
	var re *RunningError
	return eris.As(err, &re)
}

// Config tunes orchestration behavior.
type Config struct {
	PageSize      int
	RateLimit     float64
	MaxRetries    int
	PageTimeout   time.Duration
	SearchRadiusM float64
	// MaxPlacesDefault applies when a trigger passes maxPlaces <= 0.
	MaxPlacesDefault int
	// ProgressEveryPages controls how often a progress snapshot is logged.
	ProgressEveryPages int
}

// DefaultConfig returns standard orchestration tuning.
func DefaultConfig() Config {
	return Config{
		PageSize:           20,
		RateLimit:          10,
		MaxRetries:         3,
		PageTimeout:        30 * time.Second,
		SearchRadiusM:      2000,
		MaxPlacesDefault:   100,
		ProgressEveryPages: 10,
	}
}

// run tracks an in-flight ingestion for one scope.
type run struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator coordinates ingestion runs, one active per scope.
type Orchestrator struct {
	store      store.Store
	client     places.Client
	engine     *dedup.Engine
	normalizer enrich.Normalizer
	calc       *cost.Calculator
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	cfg        Config
	scopes     map[string]model.Scope

	mu   sync.Mutex
	runs map[string]*run // scope slug → active run
}

// NewOrchestrator creates an Orchestrator. A nil normalizer defaults to
// pass-through.
func NewOrchestrator(st store.Store, client places.Client, engine *dedup.Engine, normalizer enrich.Normalizer, calc *cost.Calculator, scopes map[string]model.Scope, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	if cfg.SearchRadiusM <= 0 {
		cfg.SearchRadiusM = def.SearchRadiusM
	}
	if cfg.MaxPlacesDefault <= 0 {
		cfg.MaxPlacesDefault = def.MaxPlacesDefault
	}
	if cfg.ProgressEveryPages <= 0 {
		cfg.ProgressEveryPages = def.ProgressEveryPages
	}
	if normalizer == nil {
		normalizer = enrich.Passthrough{}
	}
	return &Orchestrator{
		store:      st,
		client:     client,
		engine:     engine,
		normalizer: normalizer,
		calc:       calc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		cfg:        cfg,
		scopes:     scopes,
		runs:       make(map[string]*run),
	}
}

// Trigger starts an ingestion run for a scope and returns the new job
// immediately; paging proceeds in the background.
func (o *Orchestrator) Trigger(ctx context.Context, scopeSlug string, syncType model.SyncType, maxPlaces int) (*model.SyncJob, error) {
	scope, ok := o.scopes[scopeSlug]
	if !ok {
		return nil, eris.Wrapf(ErrScopeNotFound, "slug %s", scopeSlug)
	}
	if maxPlaces <= 0 {
		maxPlaces = o.cfg.MaxPlacesDefault
	}
	if syncType == "" {
		syncType = model.SyncTypeFull
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if r, ok := o.runs[scopeSlug]; ok {
		return nil, &RunningError{Scope: scopeSlug, JobID: r.jobID}
	}

	job, err := o.store.CreateJob(ctx, scopeSlug, syncType, maxPlaces)
	if err != nil {
		if eris.Is(err, store.ErrActiveJobExists) {
			// Another process owns the scope; surface its job id.
			if active, aerr := o.store.GetActiveJob(ctx, scopeSlug); aerr == nil && active != nil {
				return nil, &RunningError{Scope: scopeSlug, JobID: active.ID}
			}
			return nil, &RunningError{Scope: scopeSlug}
		}
		return nil, err
	}

	// The run outlives the trigger request.
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{jobID: job.ID, cancel: cancel, done: make(chan struct{})}
	o.runs[scopeSlug] = r

	go func() {
		defer close(r.done)
		defer func() {
			o.mu.Lock()
			delete(o.runs, scopeSlug)
			o.mu.Unlock()
		}()
		o.runJob(runCtx, job, scope, syncType, maxPlaces)
	}()

	return job, nil
}

// Cancel stops a processing job. The conditional status update makes
// cancellation of an already-terminal job a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*model.SyncJob, error) {
	job, err := o.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	for _, r := range o.runs {
		if r.jobID == jobID {
			r.cancel()
			break
		}
	}
	o.mu.Unlock()

	return job, nil
}

// Status returns the currently processing job for a scope, or nil.
func (o *Orchestrator) Status(ctx context.Context, scopeSlug string) (*model.SyncJob, error) {
	return o.store.GetActiveJob(ctx, scopeSlug)
}

// Logs returns job history, newest first.
func (o *Orchestrator) Logs(ctx context.Context, limit int) ([]model.SyncJob, error) {
	return o.store.ListJobs(ctx, limit)
}

// Wait blocks until the active run for a scope finishes. It exists for
// the CLI and for tests; the HTTP surface never calls it.
func (o *Orchestrator) Wait(scopeSlug string) {
	o.mu.Lock()
	r, ok := o.runs[scopeSlug]
	o.mu.Unlock()
	if ok {
		<-r.done
	}
}

// runJob drives one ingestion run to a terminal status.
func (o *Orchestrator) runJob(ctx context.Context, job *model.SyncJob, scope model.Scope, syncType model.SyncType, maxPlaces int) {
	log := zap.L().With(
		zap.String("scope", scope.Slug),
		zap.String("sync_job_id", job.ID),
		zap.String("sync_type", string(syncType)),
	)
	log.Info("sync started", zap.Int("max_places", maxPlaces))

	var (
		pageToken string
		found     int
		pages     int
	)

	for {
		// Cancellation is cooperative: checked between pages, never
		// mid-fetch.
		if ctx.Err() != nil {
			log.Info("sync cancelled", zap.Int("places_found", found))
			return
		}

		resp, attempts, err := o.fetchPage(ctx, scope, pageToken)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("sync cancelled during fetch", zap.Int("places_found", found))
				return
			}
			o.failJob(job.ID, scope, pageToken, attempts, err, log)
			return
		}
		pages++

		metrics := model.JobMetrics{
			APIRequestsMade:  1,
			EstimatedCostUSD: o.calc.SearchCall(),
		}
		for i := range resp.Places {
			delta, err := o.processVenue(ctx, job.ID, scope, syncType, &resp.Places[i])
			if err != nil {
				o.failJob(job.ID, scope, pageToken, attempts, err, log)
				return
			}
			metrics.Add(delta)
		}
		found += metrics.PlacesFound

		// Metrics apply once per page so status reads observe a
		// consistent snapshot.
		if err := o.store.AddJobMetrics(ctx, job.ID, metrics); err != nil {
			// The job left processing under us (e.g. a concurrent
			// cancel). The page's candidates stay; counters freeze.
			log.Warn("metrics not applied", zap.Error(err))
			return
		}

		log.Debug("page ingested",
			zap.Int("page", pages),
			zap.Int("venues", len(resp.Places)),
			zap.Int("places_found", found),
		)
		if pages%o.cfg.ProgressEveryPages == 0 {
			log.Info("sync progress",
				zap.Int("pages", pages),
				zap.Int("places_found", found),
				zap.Int("max_places", maxPlaces),
			)
		}

		if resp.NextPageToken == "" || found >= maxPlaces {
			break
		}
		pageToken = resp.NextPageToken
	}

	if err := o.store.CompleteJob(ctx, job.ID); err != nil {
		log.Warn("complete job failed", zap.Error(err))
		return
	}
	log.Info("sync completed", zap.Int("places_found", found), zap.Int("pages", pages))
}

// fetchPage retrieves one result page with rate limiting, a per-page
// timeout, retry with backoff, and circuit breaking. It reports how many
// attempts were made for failure diagnostics.
func (o *Orchestrator) fetchPage(ctx context.Context, scope model.Scope, pageToken string) (*places.SearchResponse, int, error) {
	attempts := 0
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = o.cfg.MaxRetries
	retryCfg.OnRetry = resilience.RetryLogger("places", "search")

	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*places.SearchResponse, error) {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "ingest: rate limit wait")
		}
		attempts++

		pageCtx, cancel := context.WithTimeout(ctx, o.cfg.PageTimeout)
		defer cancel()

		resp, err := resilience.ExecuteVal(pageCtx, o.breaker, func(ctx context.Context) (*places.SearchResponse, error) {
			return o.client.SearchNearby(ctx, &places.SearchRequest{
				TextQuery: scope.Query,
				Category:  scope.Category,
				SWLat:     scope.SWLat,
				SWLng:     scope.SWLng,
				NELat:     scope.NELat,
				NELng:     scope.NELng,
				PageSize:  o.cfg.PageSize,
				PageToken: pageToken,
			})
		})
		if err != nil {
			// A stuck fetch that hit the page deadline counts as
			// transient so it is retried like any 5xx.
			if pageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, resilience.NewTransientError(eris.Wrap(err, "ingest: page timeout"), 0)
			}
			return nil, err
		}
		return resp, nil
	})
	return resp, attempts, err
}

// processVenue persists one raw venue and, when it is new to the catalog,
// scores it and writes a review candidate.
func (o *Orchestrator) processVenue(ctx context.Context, jobID string, scope model.Scope, syncType model.SyncType, p *places.Place) (model.JobMetrics, error) {
	raw := rawPlaceFrom(p, jobID)

	rawID, inserted, err := o.store.UpsertRawPlace(ctx, raw)
	if err != nil {
		return model.JobMetrics{}, err
	}
	raw.ID = rawID

	metrics := model.JobMetrics{PlacesFound: 1}
	if inserted {
		// Photo references are billed once, when the venue first enters
		// the catalog.
		metrics.PhotosDownloaded = len(raw.PhotoURLs)
		metrics.EstimatedCostUSD = o.calc.PhotoCalls(len(raw.PhotoURLs))
	} else {
		metrics.PlacesUpdated = 1
		// Incremental re-syncs only refresh the backlink for venues
		// already in the catalog.
		if syncType == model.SyncTypeIncremental {
			return metrics, nil
		}
	}

	normalized, err := o.normalizer.Normalize(ctx, raw)
	if err != nil {
		// Normalizers are best-effort by contract; score the raw fields.
		normalized = raw
	}

	lat, lng := scope.Center()
	radius := o.cfg.SearchRadiusM
	if normalized.Latitude != nil && normalized.Longitude != nil {
		lat, lng = *normalized.Latitude, *normalized.Longitude
	}

	listings, err := o.store.NearbyListings(ctx, lat, lng, radius)
	if err != nil {
		return model.JobMetrics{}, err
	}

	result := o.engine.Score(normalized, listings)

	_, err = o.store.CreateCandidate(ctx, &model.ImportCandidate{
		RawPlaceID:      rawID,
		SyncJobID:       jobID,
		Name:            normalized.Name,
		Address:         normalized.Address,
		Rating:          raw.Rating,
		RatingCount:     raw.RatingCount,
		ConfidenceScore: result.Score,
		IsDuplicate:     result.IsDuplicate,
		DuplicateOf:     result.DuplicateOf,
		Breakdown:       result.Breakdown,
		Comparison:      result.Comparison,
	})
	if err != nil {
		// A pending candidate from an earlier run still awaits review;
		// the re-seen venue is not re-queued.
		if eris.Is(err, store.ErrPendingCandidateExists) {
			return metrics, nil
		}
		return model.JobMetrics{}, err
	}
	return metrics, nil
}

func (o *Orchestrator) failJob(jobID string, scope model.Scope, pageToken string, attempts int, cause error, log *zap.Logger) {
	details := map[string]any{
		"scope":    scope.Slug,
		"attempts": attempts,
	}
	if pageToken != "" {
		details["page_token"] = pageToken
	}

	// The run context may already be cancelled; recording the failure
	// must still go through.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FailJob(ctx, jobID, cause.Error(), details); err != nil {
		log.Error("fail job not recorded", zap.Error(err))
	}
	log.Error("sync failed", zap.Error(cause))
}

// rawPlaceFrom maps a directory result into our raw venue shape, keeping
// the original payload for audit and replay.
func rawPlaceFrom(p *places.Place, jobID string) *model.RawPlace {
	raw := &model.RawPlace{
		ExternalPlaceID:   p.ID,
		Name:              p.DisplayName.Text,
		Address:           p.FormattedAddress,
		Phone:             p.InternationalPhoneNumber,
		Rating:            p.Rating,
		RatingCount:       p.UserRatingCount,
		LastSeenSyncJobID: jobID,
	}
	if p.Location != nil {
		lat, lng := p.Location.Latitude, p.Location.Longitude
		raw.Latitude = &lat
		raw.Longitude = &lng
	}
	if len(p.Types) > 0 {
		raw.Category = p.Types[0]
	}
	for _, photo := range p.Photos {
		raw.PhotoURLs = append(raw.PhotoURLs, photo.Name)
	}
	if b, err := json.Marshal(p); err == nil {
		raw.Payload = b
	}
	return raw
}
