// Package store persists sync jobs, raw places, import candidates, and
// materialized listings behind a driver-agnostic interface.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/campora/places-sync/internal/model"
)

// Guarded-transition and lookup failures surfaced by candidate and job
// operations. Callers match these with eris.Is.
var (
	// ErrCandidateNotFound is returned when a candidate id does not exist.
	ErrCandidateNotFound = eris.New("candidate not found")

	// ErrConflictAlreadyDecided is returned when an approve/reject loses
	// the race against another reviewer's decision.
	ErrConflictAlreadyDecided = eris.New("candidate already decided")

	// ErrInvalidStateTransition is returned for any transition the review
	// state machine does not permit.
	ErrInvalidStateTransition = eris.New("invalid candidate state transition")

	// ErrRejectionReasonRequired is returned when reject is called without
	// a reason.
	ErrRejectionReasonRequired = eris.New("rejection reason required")

	// ErrPendingCandidateExists is returned when a raw place already has a
	// pending candidate awaiting review.
	ErrPendingCandidateExists = eris.New("pending candidate exists for raw place")

	// ErrJobNotFound is returned when a sync job id does not exist.
	ErrJobNotFound = eris.New("sync job not found")

	// ErrActiveJobExists is returned when a scope already has a job in
	// processing state.
	ErrActiveJobExists = eris.New("active sync job exists for scope")
)

// CandidateFilter specifies criteria for listing import candidates.
type CandidateFilter struct {
	Status      model.CandidateStatus `json:"status,omitempty"`
	IsDuplicate *bool                 `json:"is_duplicate,omitempty"`
	Limit       int                   `json:"limit,omitempty"`
	Offset      int                   `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Sync jobs
	CreateJob(ctx context.Context, scope string, syncType model.SyncType, maxPlaces int) (*model.SyncJob, error)
	AddJobMetrics(ctx context.Context, jobID string, delta model.JobMetrics) error
	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID string, message string, details map[string]any) error
	CancelJob(ctx context.Context, jobID string) (*model.SyncJob, error)
	GetJob(ctx context.Context, jobID string) (*model.SyncJob, error)
	GetActiveJob(ctx context.Context, scope string) (*model.SyncJob, error)
	ListJobs(ctx context.Context, limit int) ([]model.SyncJob, error)

	// Raw places
	UpsertRawPlace(ctx context.Context, place *model.RawPlace) (id string, inserted bool, err error)
	GetRawPlace(ctx context.Context, id string) (*model.RawPlace, error)

	// Import candidates
	CreateCandidate(ctx context.Context, c *model.ImportCandidate) (*model.ImportCandidate, error)
	DecideCandidate(ctx context.Context, id string, decision model.CandidateStatus, decidedBy, reason string) (*model.ImportCandidate, error)
	MarkImported(ctx context.Context, id string, listingID string) (*model.ImportCandidate, error)
	GetCandidate(ctx context.Context, id string) (*model.ImportCandidate, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.ImportCandidate, int, error)

	// Listings
	NearbyListings(ctx context.Context, lat, lng, radiusM float64) ([]model.Listing, error)
	CreateListing(ctx context.Context, payload *model.ListingPayload) (string, error)
	AddListingPhotos(ctx context.Context, listingID string, urls []string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
