// Package importer materializes approved review candidates into platform
// listings.
package importer

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/internal/store"
)

// ErrImportPersistenceFailed is returned when the listing write fails.
// The candidate stays approved so the import can be retried.
var ErrImportPersistenceFailed = eris.New("importer: listing write failed")

// Executor turns approved candidates into listings.
type Executor struct {
	store store.Store
}

// NewExecutor creates an Executor backed by the given store.
func NewExecutor(st store.Store) *Executor {
	return &Executor{store: st}
}

// Import creates a listing from an approved candidate and marks the
// candidate imported exactly once. Photos are copied best-effort after
// the listing exists; a photo failure never blocks the import.
func (e *Executor) Import(ctx context.Context, candidateID string) (*model.ImportCandidate, error) {
	c, err := e.store.GetCandidate(ctx, candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CandidateStatusApproved {
		return nil, eris.Wrapf(store.ErrInvalidStateTransition, "candidate %s is %s, not approved", candidateID, c.Status)
	}

	raw, err := e.store.GetRawPlace(ctx, c.RawPlaceID)
	if err != nil {
		return nil, err
	}

	listingID, err := e.store.CreateListing(ctx, &model.ListingPayload{
		Name:            c.Name,
		Address:         c.Address,
		Phone:           raw.Phone,
		Latitude:        raw.Latitude,
		Longitude:       raw.Longitude,
		Category:        raw.Category,
		Rating:          c.Rating,
		RatingCount:     c.RatingCount,
		SourcePlaceID:   raw.ExternalPlaceID,
		SourceSyncJobID: c.SyncJobID,
		PhotoURLs:       raw.PhotoURLs,
	})
	if err != nil {
		zap.L().Error("listing write failed",
			zap.String("candidate_id", candidateID),
			zap.Error(err),
		)
		return nil, eris.Wrapf(ErrImportPersistenceFailed, "candidate %s: %v", candidateID, err)
	}

	if len(raw.PhotoURLs) > 0 {
		if err := e.store.AddListingPhotos(ctx, listingID, raw.PhotoURLs); err != nil {
			zap.L().Warn("photo copy failed",
				zap.String("listing_id", listingID),
				zap.Int("photos", len(raw.PhotoURLs)),
				zap.Error(err),
			)
		}
	}

	imported, err := e.store.MarkImported(ctx, candidateID, listingID)
	if err != nil {
		// The listing exists but the candidate did not flip, most
		// likely a concurrent import that won the conditional update.
		return nil, err
	}

	zap.L().Info("candidate imported",
		zap.String("candidate_id", candidateID),
		zap.String("listing_id", listingID),
	)
	return imported, nil
}
