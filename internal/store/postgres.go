package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/campora/places-sync/internal/db"
	"github.com/campora/places-sync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_job":        `SELECT id, scope, sync_type, status, max_places, places_found, places_updated, api_requests_made, photos_downloaded, estimated_cost_usd, error_message, error_details, started_at, finished_at FROM sync_jobs WHERE id = $1`,
	"get_active_job": `SELECT id, scope, sync_type, status, max_places, places_found, places_updated, api_requests_made, photos_downloaded, estimated_cost_usd, error_message, error_details, started_at, finished_at FROM sync_jobs WHERE scope = $1 AND status = 'processing' LIMIT 1`,
	"add_job_metrics": `UPDATE sync_jobs SET places_found = places_found + $1, places_updated = places_updated + $2, api_requests_made = api_requests_made + $3, photos_downloaded = photos_downloaded + $4, estimated_cost_usd = estimated_cost_usd + $5 WHERE id = $6 AND status = 'processing'`,
	"get_candidate":  `SELECT id, raw_place_id, sync_job_id, name, address, rating, rating_count, confidence_score, is_duplicate, duplicate_of, status, rejection_reason, breakdown, comparison, imported_listing_id, decided_by, decided_at, created_at FROM import_candidates WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sync_jobs (
	id                 TEXT PRIMARY KEY,
	scope              TEXT NOT NULL,
	sync_type          TEXT NOT NULL DEFAULT 'full',
	status             TEXT NOT NULL DEFAULT 'processing',
	max_places         INTEGER NOT NULL DEFAULT 0,
	places_found       INTEGER NOT NULL DEFAULT 0,
	places_updated     INTEGER NOT NULL DEFAULT 0,
	api_requests_made  INTEGER NOT NULL DEFAULT 0,
	photos_downloaded  INTEGER NOT NULL DEFAULT 0,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message      TEXT,
	error_details      JSONB,
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at        TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_sync_jobs_scope_processing
	ON sync_jobs(scope) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_sync_jobs_started_at ON sync_jobs(started_at DESC);

CREATE TABLE IF NOT EXISTS raw_places (
	id                    TEXT PRIMARY KEY,
	external_place_id     TEXT NOT NULL UNIQUE,
	name                  TEXT NOT NULL,
	address               TEXT,
	latitude              DOUBLE PRECISION,
	longitude             DOUBLE PRECISION,
	phone                 TEXT,
	rating                DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating_count          INTEGER NOT NULL DEFAULT 0,
	category              TEXT,
	photo_urls            JSONB,
	payload               JSONB,
	last_seen_sync_job_id TEXT,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_candidates (
	id                  TEXT PRIMARY KEY,
	raw_place_id        TEXT NOT NULL REFERENCES raw_places(id),
	sync_job_id         TEXT,
	name                TEXT NOT NULL,
	address             TEXT,
	rating              DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating_count        INTEGER NOT NULL DEFAULT 0,
	confidence_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_duplicate        BOOLEAN NOT NULL DEFAULT false,
	duplicate_of        TEXT,
	status              TEXT NOT NULL DEFAULT 'pending',
	rejection_reason    TEXT,
	breakdown           JSONB NOT NULL,
	comparison          JSONB,
	imported_listing_id TEXT,
	decided_by          TEXT,
	decided_at          TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_candidates_pending
	ON import_candidates(raw_place_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_candidates_status ON import_candidates(status);
CREATE INDEX IF NOT EXISTS idx_candidates_created_at ON import_candidates(created_at);

CREATE TABLE IF NOT EXISTS listings (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	address            TEXT,
	phone              TEXT,
	latitude           DOUBLE PRECISION,
	longitude          DOUBLE PRECISION,
	category           TEXT,
	rating             DOUBLE PRECISION NOT NULL DEFAULT 0,
	rating_count       INTEGER NOT NULL DEFAULT 0,
	source_place_id    TEXT,
	source_sync_job_id TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listings_lat_lng ON listings(latitude, longitude);

CREATE TABLE IF NOT EXISTS listing_photos (
	id         TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL REFERENCES listings(id),
	url        TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_listing_photos_listing_id ON listing_photos(listing_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const jobColumns = `id, scope, sync_type, status, max_places, places_found, places_updated, api_requests_made, photos_downloaded, estimated_cost_usd, error_message, error_details, started_at, finished_at`

func (s *PostgresStore) CreateJob(ctx context.Context, scope string, syncType model.SyncType, maxPlaces int) (*model.SyncJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_jobs (id, scope, sync_type, status, max_places, started_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, scope, string(syncType), string(model.SyncJobStatusProcessing), maxPlaces, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, eris.Wrapf(ErrActiveJobExists, "scope %s", scope)
		}
		return nil, eris.Wrap(err, "postgres: insert sync job")
	}

	return &model.SyncJob{
		ID:        id,
		Scope:     scope,
		SyncType:  syncType,
		Status:    model.SyncJobStatusProcessing,
		MaxPlaces: maxPlaces,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) AddJobMetrics(ctx context.Context, jobID string, delta model.JobMetrics) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET places_found = places_found + $1, places_updated = places_updated + $2, api_requests_made = api_requests_made + $3, photos_downloaded = photos_downloaded + $4, estimated_cost_usd = estimated_cost_usd + $5 WHERE id = $6 AND status = 'processing'`,
		delta.PlacesFound, delta.PlacesUpdated, delta.APIRequestsMade, delta.PhotosDownloaded, delta.EstimatedCostUSD, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: add metrics for job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not processing", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, finished_at = $2 WHERE id = $3 AND status = 'processing'`,
		string(model.SyncJobStatusCompleted), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not processing", jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID string, message string, details map[string]any) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal error details")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, error_message = $2, error_details = $3, finished_at = $4 WHERE id = $5 AND status = 'processing'`,
		string(model.SyncJobStatusFailed), message, detailsJSON, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job %s not processing", jobID)
	}
	return nil
}

// CancelJob moves a processing job to cancelled. Cancelling a job that is
// already terminal is a no-op and returns the job unchanged.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_jobs SET status = $1, finished_at = $2 WHERE id = $3 AND status = 'processing'`,
		string(model.SyncJobStatusCancelled), time.Now().UTC(), jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrJobNotFound, "id %s", jobID)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) GetActiveJob(ctx context.Context, scope string) (*model.SyncJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs WHERE scope = $1 AND status = 'processing' LIMIT 1`, scope)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get active job for %s", scope)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM sync_jobs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.SyncJob, error) {
	var j model.SyncJob
	var detailsJSON []byte
	var errMsg *string
	if err := row.Scan(&j.ID, &j.Scope, &j.SyncType, &j.Status, &j.MaxPlaces,
		&j.PlacesFound, &j.PlacesUpdated, &j.APIRequestsMade, &j.PhotosDownloaded,
		&j.EstimatedCostUSD, &errMsg, &detailsJSON, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &j.ErrorDetails); err != nil {
			return nil, eris.Wrap(err, "unmarshal error details")
		}
	}
	return &j, nil
}

func (s *PostgresStore) UpsertRawPlace(ctx context.Context, place *model.RawPlace) (string, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	photosJSON, err := json.Marshal(place.PhotoURLs)
	if err != nil {
		return "", false, eris.Wrap(err, "postgres: marshal photo urls")
	}

	var outID string
	var inserted bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO raw_places (id, external_place_id, name, address, latitude, longitude, phone, rating, rating_count, category, photo_urls, payload, last_seen_sync_job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (external_place_id) DO UPDATE SET last_seen_sync_job_id = EXCLUDED.last_seen_sync_job_id
		 RETURNING id, (xmax = 0)`,
		id, place.ExternalPlaceID, place.Name, place.Address, place.Latitude, place.Longitude,
		place.Phone, place.Rating, place.RatingCount, place.Category, photosJSON, place.Payload,
		place.LastSeenSyncJobID, now,
	).Scan(&outID, &inserted)
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: upsert raw place %s", place.ExternalPlaceID)
	}
	return outID, inserted, nil
}

func (s *PostgresStore) GetRawPlace(ctx context.Context, id string) (*model.RawPlace, error) {
	var p model.RawPlace
	var photosJSON []byte
	var addr, phone, category, lastSeen *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, external_place_id, name, address, latitude, longitude, phone, rating, rating_count, category, photo_urls, payload, last_seen_sync_job_id, created_at FROM raw_places WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.ExternalPlaceID, &p.Name, &addr, &p.Latitude, &p.Longitude,
		&phone, &p.Rating, &p.RatingCount, &category, &photosJSON, &p.Payload, &lastSeen, &p.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get raw place %s", id)
	}
	if addr != nil {
		p.Address = *addr
	}
	if phone != nil {
		p.Phone = *phone
	}
	if category != nil {
		p.Category = *category
	}
	if lastSeen != nil {
		p.LastSeenSyncJobID = *lastSeen
	}
	if len(photosJSON) > 0 {
		if err := json.Unmarshal(photosJSON, &p.PhotoURLs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal photo urls")
		}
	}
	return &p, nil
}

const candidateColumns = `id, raw_place_id, sync_job_id, name, address, rating, rating_count, confidence_score, is_duplicate, duplicate_of, status, rejection_reason, breakdown, comparison, imported_listing_id, decided_by, decided_at, created_at`

func (s *PostgresStore) CreateCandidate(ctx context.Context, c *model.ImportCandidate) (*model.ImportCandidate, error) {
	out := *c
	out.ID = uuid.New().String()
	out.Status = model.CandidateStatusPending
	out.CreatedAt = time.Now().UTC()

	breakdownJSON, err := json.Marshal(out.Breakdown)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal breakdown")
	}
	var comparisonJSON []byte
	if out.Comparison != nil {
		comparisonJSON, err = json.Marshal(out.Comparison)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal comparison")
		}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO import_candidates (id, raw_place_id, sync_job_id, name, address, rating, rating_count, confidence_score, is_duplicate, duplicate_of, status, breakdown, comparison, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (raw_place_id) WHERE status = 'pending' DO NOTHING`,
		out.ID, out.RawPlaceID, out.SyncJobID, out.Name, out.Address, out.Rating, out.RatingCount,
		out.ConfidenceScore, out.IsDuplicate, out.DuplicateOf, string(out.Status),
		breakdownJSON, comparisonJSON, out.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert candidate")
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrPendingCandidateExists, "raw place %s", out.RawPlaceID)
	}
	return &out, nil
}

// DecideCandidate applies an approve or reject decision with a conditional
// update so only the first writer wins.
func (s *PostgresStore) DecideCandidate(ctx context.Context, id string, decision model.CandidateStatus, decidedBy, reason string) (*model.ImportCandidate, error) {
	if decision != model.CandidateStatusApproved && decision != model.CandidateStatusRejected {
		return nil, eris.Wrapf(ErrInvalidStateTransition, "decision %s", decision)
	}
	if decision == model.CandidateStatusRejected && reason == "" {
		return nil, ErrRejectionReasonRequired
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE import_candidates SET status = $1, decided_by = $2, decided_at = $3, rejection_reason = $4 WHERE id = $5 AND status = 'pending'`,
		string(decision), decidedBy, time.Now().UTC(), nullIfEmpty(reason), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: decide candidate %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, s.classifyDecideFailure(ctx, id)
	}
	return s.GetCandidate(ctx, id)
}

// classifyDecideFailure re-reads a candidate after a lost conditional
// update and maps the current state to the right workflow error.
func (s *PostgresStore) classifyDecideFailure(ctx context.Context, id string) error {
	current, err := s.GetCandidate(ctx, id)
	if err != nil {
		return err
	}
	switch current.Status {
	case model.CandidateStatusApproved, model.CandidateStatusRejected:
		return eris.Wrapf(ErrConflictAlreadyDecided, "candidate %s is %s", id, current.Status)
	default:
		return eris.Wrapf(ErrInvalidStateTransition, "candidate %s is %s", id, current.Status)
	}
}

// MarkImported moves an approved candidate to imported, recording the
// listing it materialized into.
func (s *PostgresStore) MarkImported(ctx context.Context, id string, listingID string) (*model.ImportCandidate, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_candidates SET status = $1, imported_listing_id = $2 WHERE id = $3 AND status = 'approved'`,
		string(model.CandidateStatusImported), listingID, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: mark imported %s", id)
	}
	if tag.RowsAffected() == 0 {
		current, err := s.GetCandidate(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrInvalidStateTransition, "candidate %s is %s, want approved", id, current.Status)
	}
	return s.GetCandidate(ctx, id)
}

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*model.ImportCandidate, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candidateColumns+` FROM import_candidates WHERE id = $1`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrCandidateNotFound, "id %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get candidate %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.ImportCandidate, int, error) {
	query := `SELECT ` + candidateColumns + `, COUNT(*) OVER() AS total FROM import_candidates WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.IsDuplicate != nil {
		query += fmt.Sprintf(` AND is_duplicate = $%d`, argIdx)
		args = append(args, *filter.IsDuplicate)
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.ImportCandidate
	total := 0
	for rows.Next() {
		c, n, err := scanCandidateWithTotal(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan candidate")
		}
		total = n
		out = append(out, *c)
	}
	return out, total, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func scanCandidate(row rowScanner) (*model.ImportCandidate, error) {
	c, _, err := scanCandidateInto(row, false)
	return c, err
}

func scanCandidateWithTotal(row rowScanner) (*model.ImportCandidate, int, error) {
	return scanCandidateInto(row, true)
}

func scanCandidateInto(row rowScanner, withTotal bool) (*model.ImportCandidate, int, error) {
	var c model.ImportCandidate
	var breakdownJSON, comparisonJSON []byte
	var syncJobID, addr, reason, decidedBy *string
	total := 0

	dest := []any{&c.ID, &c.RawPlaceID, &syncJobID, &c.Name, &addr, &c.Rating, &c.RatingCount,
		&c.ConfidenceScore, &c.IsDuplicate, &c.DuplicateOf, &c.Status, &reason,
		&breakdownJSON, &comparisonJSON, &c.ImportedListingID, &decidedBy, &c.DecidedAt, &c.CreatedAt}
	if withTotal {
		dest = append(dest, &total)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	if syncJobID != nil {
		c.SyncJobID = *syncJobID
	}
	if addr != nil {
		c.Address = *addr
	}
	if reason != nil {
		c.RejectionReason = *reason
	}
	if decidedBy != nil {
		c.DecidedBy = *decidedBy
	}
	if err := json.Unmarshal(breakdownJSON, &c.Breakdown); err != nil {
		return nil, 0, eris.Wrap(err, "unmarshal breakdown")
	}
	if len(comparisonJSON) > 0 {
		c.Comparison = &model.DuplicateComparison{}
		if err := json.Unmarshal(comparisonJSON, c.Comparison); err != nil {
			return nil, 0, eris.Wrap(err, "unmarshal comparison")
		}
	}
	return &c, total, nil
}

// NearbyListings returns listings inside a bounding box around the given
// point. Precise distance filtering is the scoring engine's job.
func (s *PostgresStore) NearbyListings(ctx context.Context, lat, lng, radiusM float64) ([]model.Listing, error) {
	latDelta := radiusM / 111320.0
	lngDelta := radiusM / (111320.0 * math.Max(0.01, math.Cos(lat*math.Pi/180)))

	rows, err := s.pool.Query(ctx,
		`SELECT id, name, address, phone, latitude, longitude, category FROM listings
		 WHERE latitude BETWEEN $1 AND $2 AND longitude BETWEEN $3 AND $4
		 ORDER BY id`,
		lat-latDelta, lat+latDelta, lng-lngDelta, lng+lngDelta,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: nearby listings")
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		var l model.Listing
		var addr, phone, category *string
		if err := rows.Scan(&l.ID, &l.Name, &addr, &phone, &l.Latitude, &l.Longitude, &category); err != nil {
			return nil, eris.Wrap(err, "postgres: scan listing")
		}
		if addr != nil {
			l.Address = *addr
		}
		if phone != nil {
			l.Phone = *phone
		}
		if category != nil {
			l.Category = *category
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: nearby listings iterate")
}

func (s *PostgresStore) CreateListing(ctx context.Context, payload *model.ListingPayload) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, name, address, phone, latitude, longitude, category, rating, rating_count, source_place_id, source_sync_job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, payload.Name, payload.Address, payload.Phone, payload.Latitude, payload.Longitude,
		payload.Category, payload.Rating, payload.RatingCount, payload.SourcePlaceID,
		payload.SourceSyncJobID, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert listing")
	}
	return id, nil
}

func (s *PostgresStore) AddListingPhotos(ctx context.Context, listingID string, urls []string) error {
	for _, url := range urls {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO listing_photos (id, listing_id, url, created_at) VALUES ($1, $2, $3, $4)`,
			uuid.New().String(), listingID, url, time.Now().UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert photo for listing %s", listingID)
		}
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
