package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/campora/places-sync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	estimated_cost_usd REAL NOT NULL DEFAULT 0,
	error_message      TEXT,
	error_details      TEXT,
	started_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at        DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_sync_jobs_scope_processing
	ON sync_jobs(scope) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_sync_jobs_started_at ON sync_jobs(started_at DESC);

CREATE TABLE IF NOT EXISTS raw_places (
	id                    TEXT PRIMARY KEY,
	external_place_id     TEXT NOT NULL UNIQUE,
	name                  TEXT NOT NULL,
	address               TEXT,
	latitude              REAL,
	longitude             REAL,
	phone                 TEXT,
	rating                REAL NOT NULL DEFAULT 0,
	rating_count          INTEGER NOT NULL DEFAULT 0,
	category              TEXT,
	photo_urls            TEXT,
	payload               TEXT,
	last_seen_sync_job_id TEXT,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS import_candidates (
	id                  TEXT PRIMARY KEY,
	raw_place_id        TEXT NOT NULL REFERENCES raw_places(id),
	sync_job_id         TEXT,
	name                TEXT NOT NULL,
	address             TEXT,
	rating              REAL NOT NULL DEFAULT 0,
	rating_count        INTEGER NOT NULL DEFAULT 0,
	confidence_score    REAL NOT NULL DEFAULT 0,
	is_duplicate        INTEGER NOT NULL DEFAULT 0,
	duplicate_of        TEXT,
	status              TEXT NOT NULL DEFAULT 'pending',
	rejection_reason    TEXT,
	breakdown           TEXT NOT NULL,
	comparison          TEXT,
	imported_listing_id TEXT,
	decided_by          TEXT,
	decided_at          DATETIME,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now'))
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
	latitude           REAL,
	longitude          REAL,
	category           TEXT,
	rating             REAL NOT NULL DEFAULT 0,
	rating_count       INTEGER NOT NULL DEFAULT 0,
	source_place_id    TEXT,
	source_sync_job_id TEXT,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_listings_lat_lng ON listings(latitude, longitude);

CREATE TABLE IF NOT EXISTS listing_photos (
	id         TEXT PRIMARY KEY,
	listing_id TEXT NOT NULL REFERENCES listings(id),
	url        TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_listing_photos_listing_id ON listing_photos(listing_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const sqliteJobColumns = `id, scope, sync_type, status, max_places, places_found, places_updated, api_requests_made, photos_downloaded, estimated_cost_usd, error_message, error_details, started_at, finished_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, scope string, syncType model.SyncType, maxPlaces int) (*model.SyncJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_jobs (id, scope, sync_type, status, max_places, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, scope, string(syncType), string(model.SyncJobStatusProcessing), maxPlaces, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, eris.Wrapf(ErrActiveJobExists, "scope %s", scope)
		}
		return nil, eris.Wrap(err, "sqlite: insert sync job")
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

func (s *SQLiteStore) AddJobMetrics(ctx context.Context, jobID string, delta model.JobMetrics) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET places_found = places_found + ?, places_updated = places_updated + ?, api_requests_made = api_requests_made + ?, photos_downloaded = photos_downloaded + ?, estimated_cost_usd = estimated_cost_usd + ? WHERE id = ? AND status = 'processing'`,
		delta.PlacesFound, delta.PlacesUpdated, delta.APIRequestsMade, delta.PhotosDownloaded, delta.EstimatedCostUSD, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: add metrics for job %s", jobID)
	}
	return requireRows(res, "sqlite: job %s not processing", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, finished_at = ? WHERE id = ? AND status = 'processing'`,
		string(model.SyncJobStatusCompleted), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return requireRows(res, "sqlite: job %s not processing", jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, message string, details map[string]any) error {
	var detailsJSON any
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal error details")
		}
		detailsJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, error_message = ?, error_details = ?, finished_at = ? WHERE id = ? AND status = 'processing'`,
		string(model.SyncJobStatusFailed), message, detailsJSON, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	return requireRows(res, "sqlite: job %s not processing", jobID)
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_jobs SET status = ?, finished_at = ? WHERE id = ? AND status = 'processing'`,
		string(model.SyncJobStatusCancelled), time.Now().UTC(), jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	return s.GetJob(ctx, jobID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM sync_jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrJobNotFound, "id %s", jobID)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) GetActiveJob(ctx context.Context, scope string) (*model.SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM sync_jobs WHERE scope = ? AND status = 'processing' LIMIT 1`, scope)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get active job for %s", scope)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]model.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM sync_jobs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// UpsertRawPlace inserts a new raw place or, when the external id was seen
// before, refreshes its last-seen backlink.
func (s *SQLiteStore) UpsertRawPlace(ctx context.Context, place *model.RawPlace) (string, bool, error) {
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM raw_places WHERE external_place_id = ?`, place.ExternalPlaceID,
	).Scan(&existingID)
	switch {
	case err == nil:
		_, err = s.db.ExecContext(ctx,
			`UPDATE raw_places SET last_seen_sync_job_id = ? WHERE id = ?`,
			place.LastSeenSyncJobID, existingID,
		)
		if err != nil {
			return "", false, eris.Wrapf(err, "sqlite: refresh raw place %s", place.ExternalPlaceID)
		}
		return existingID, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return "", false, eris.Wrapf(err, "sqlite: lookup raw place %s", place.ExternalPlaceID)
	}

	id := uuid.New().String()
	photosJSON, err := json.Marshal(place.PhotoURLs)
	if err != nil {
		return "", false, eris.Wrap(err, "sqlite: marshal photo urls")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_places (id, external_place_id, name, address, latitude, longitude, phone, rating, rating_count, category, photo_urls, payload, last_seen_sync_job_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, place.ExternalPlaceID, place.Name, place.Address, place.Latitude, place.Longitude,
		place.Phone, place.Rating, place.RatingCount, place.Category, string(photosJSON),
		string(place.Payload), place.LastSeenSyncJobID, time.Now().UTC(),
	)
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: insert raw place %s", place.ExternalPlaceID)
	}
	return id, true, nil
}

func (s *SQLiteStore) GetRawPlace(ctx context.Context, id string) (*model.RawPlace, error) {
	var p model.RawPlace
	var photosJSON, payload sql.NullString
	var addr, phone, category, lastSeen sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, external_place_id, name, address, latitude, longitude, phone, rating, rating_count, category, photo_urls, payload, last_seen_sync_job_id, created_at FROM raw_places WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.ExternalPlaceID, &p.Name, &addr, &p.Latitude, &p.Longitude,
		&phone, &p.Rating, &p.RatingCount, &category, &photosJSON, &payload, &lastSeen, &p.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get raw place %s", id)
	}
	p.Address = addr.String
	p.Phone = phone.String
	p.Category = category.String
	p.LastSeenSyncJobID = lastSeen.String
	if payload.Valid {
		p.Payload = []byte(payload.String)
	}
	if photosJSON.Valid && photosJSON.String != "" {
		if err := json.Unmarshal([]byte(photosJSON.String), &p.PhotoURLs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal photo urls")
		}
	}
	return &p, nil
}

const sqliteCandidateColumns = `id, raw_place_id, sync_job_id, name, address, rating, rating_count, confidence_score, is_duplicate, duplicate_of, status, rejection_reason, breakdown, comparison, imported_listing_id, decided_by, decided_at, created_at`

func (s *SQLiteStore) CreateCandidate(ctx context.Context, c *model.ImportCandidate) (*model.ImportCandidate, error) {
	out := *c
	out.ID = uuid.New().String()
	out.Status = model.CandidateStatusPending
	out.CreatedAt = time.Now().UTC()

	breakdownJSON, err := json.Marshal(out.Breakdown)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal breakdown")
	}
	var comparisonJSON any
	if out.Comparison != nil {
		b, err := json.Marshal(out.Comparison)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal comparison")
		}
		comparisonJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO import_candidates (id, raw_place_id, sync_job_id, name, address, rating, rating_count, confidence_score, is_duplicate, duplicate_of, status, breakdown, comparison, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (raw_place_id) WHERE status = 'pending' DO NOTHING`,
		out.ID, out.RawPlaceID, out.SyncJobID, out.Name, out.Address, out.Rating, out.RatingCount,
		out.ConfidenceScore, out.IsDuplicate, out.DuplicateOf, string(out.Status),
		string(breakdownJSON), comparisonJSON, out.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert candidate")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert candidate rows")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrPendingCandidateExists, "raw place %s", out.RawPlaceID)
	}
	return &out, nil
}

func (s *SQLiteStore) DecideCandidate(ctx context.Context, id string, decision model.CandidateStatus, decidedBy, reason string) (*model.ImportCandidate, error) {
	if decision != model.CandidateStatusApproved && decision != model.CandidateStatusRejected {
		return nil, eris.Wrapf(ErrInvalidStateTransition, "decision %s", decision)
	}
	if decision == model.CandidateStatusRejected && reason == "" {
		return nil, ErrRejectionReasonRequired
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE import_candidates SET status = ?, decided_by = ?, decided_at = ?, rejection_reason = ? WHERE id = ? AND status = 'pending'`,
		string(decision), decidedBy, time.Now().UTC(), nullIfEmpty(reason), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: decide candidate %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: decide candidate rows %s", id)
	}
	if n == 0 {
		return nil, s.classifyDecideFailure(ctx, id)
	}
	return s.GetCandidate(ctx, id)
}

func (s *SQLiteStore) classifyDecideFailure(ctx context.Context, id string) error {
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

func (s *SQLiteStore) MarkImported(ctx context.Context, id string, listingID string) (*model.ImportCandidate, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE import_candidates SET status = ?, imported_listing_id = ? WHERE id = ? AND status = 'approved'`,
		string(model.CandidateStatusImported), listingID, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark imported %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark imported rows %s", id)
	}
	if n == 0 {
		current, err := s.GetCandidate(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrInvalidStateTransition, "candidate %s is %s, want approved", id, current.Status)
	}
	return s.GetCandidate(ctx, id)
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.ImportCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCandidateColumns+` FROM import_candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrCandidateNotFound, "id %s", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get candidate %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.ImportCandidate, int, error) {
	query := `SELECT ` + sqliteCandidateColumns + `, COUNT(*) OVER() AS total FROM import_candidates WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.IsDuplicate != nil {
		query += ` AND is_duplicate = ?`
		args = append(args, *filter.IsDuplicate)
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close()

	var out []model.ImportCandidate
	total := 0
	for rows.Next() {
		c, n, err := scanCandidateWithTotal(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan candidate")
		}
		total = n
		out = append(out, *c)
	}
	return out, total, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) NearbyListings(ctx context.Context, lat, lng, radiusM float64) ([]model.Listing, error) {
	latDelta := radiusM / 111320.0
	lngDelta := radiusM / (111320.0 * math.Max(0.01, math.Cos(lat*math.Pi/180)))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, address, phone, latitude, longitude, category FROM listings
		 WHERE latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?
		 ORDER BY id`,
		lat-latDelta, lat+latDelta, lng-lngDelta, lng+lngDelta,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: nearby listings")
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		var l model.Listing
		var addr, phone, category sql.NullString
		if err := rows.Scan(&l.ID, &l.Name, &addr, &phone, &l.Latitude, &l.Longitude, &category); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan listing")
		}
		l.Address = addr.String
		l.Phone = phone.String
		l.Category = category.String
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: nearby listings iterate")
}

func (s *SQLiteStore) CreateListing(ctx context.Context, payload *model.ListingPayload) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO listings (id, name, address, phone, latitude, longitude, category, rating, rating_count, source_place_id, source_sync_job_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, payload.Name, payload.Address, payload.Phone, payload.Latitude, payload.Longitude,
		payload.Category, payload.Rating, payload.RatingCount, payload.SourcePlaceID,
		payload.SourceSyncJobID, time.Now().UTC(),
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert listing")
	}
	return id, nil
}

func (s *SQLiteStore) AddListingPhotos(ctx context.Context, listingID string, urls []string) error {
	for _, url := range urls {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO listing_photos (id, listing_id, url, created_at) VALUES (?, ?, ?, ?)`,
			uuid.New().String(), listingID, url, time.Now().UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert photo for listing %s", listingID)
		}
	}
	return nil
}

func requireRows(res sql.Result, format, arg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf(format, arg)
	}
	return nil
}
