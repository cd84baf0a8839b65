package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campora/places-sync/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedRawPlace(t *testing.T, st *SQLiteStore, externalID string) string {
	t.Helper()
	lat, lng := 18.790, 98.990
	id, inserted, err := st.UpsertRawPlace(context.Background(), &model.RawPlace{
		ExternalPlaceID: externalID,
		Name:            "Riverside Camp",
		Address:         "99 Moo 4, Mae Rim, Chiang Mai",
		Latitude:        &lat,
		Longitude:       &lng,
		Phone:           "+66 53 123 456",
		Rating:          4.6,
		RatingCount:     212,
		Category:        "campground",
		PhotoURLs:       []string{"https://photos.example/1.jpg"},
		Payload:         []byte(`{"id":"` + externalID + `"}`),
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func seedCandidate(t *testing.T, st *SQLiteStore, rawPlaceID string) *model.ImportCandidate {
	t.Helper()
	c, err := st.CreateCandidate(context.Background(), &model.ImportCandidate{
		RawPlaceID:      rawPlaceID,
		Name:            "Riverside Camp",
		Address:         "99 Moo 4, Mae Rim, Chiang Mai",
		Rating:          4.6,
		RatingCount:     212,
		ConfidenceScore: 0.42,
		Breakdown: model.ConfidenceBreakdown{
			NameSimilarity: 1.0,
			Weights:        model.DefaultWeights(),
		},
	})
	require.NoError(t, err)
	return c
}

// --- Sync jobs ---

func TestSQLite_JobLifecycle_Complete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "chiang-mai-north", model.SyncTypeFull, 100)
	require.NoError(t, err)
	assert.Equal(t, model.SyncJobStatusProcessing, job.Status)

	active, err := st.GetActiveJob(ctx, "chiang-mai-north")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, job.ID, active.ID)

	require.NoError(t, st.AddJobMetrics(ctx, job.ID, model.JobMetrics{
		PlacesFound: 20, APIRequestsMade: 1, EstimatedCostUSD: 0.032,
	}))
	require.NoError(t, st.AddJobMetrics(ctx, job.ID, model.JobMetrics{
		PlacesFound: 15, PlacesUpdated: 5, APIRequestsMade: 1, EstimatedCostUSD: 0.032,
	}))
	require.NoError(t, st.CompleteJob(ctx, job.ID))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncJobStatusCompleted, got.Status)
	assert.Equal(t, 35, got.PlacesFound)
	assert.Equal(t, 5, got.PlacesUpdated)
	assert.Equal(t, 2, got.APIRequestsMade)
	assert.InDelta(t, 0.064, got.EstimatedCostUSD, 0.0001)
	require.NotNil(t, got.FinishedAt)

	// No longer the active job.
	active, err = st.GetActiveJob(ctx, "chiang-mai-north")
	require.NoError(t, err)
	assert.Nil(t, active)

	// Metrics are frozen once terminal.
	err = st.AddJobMetrics(ctx, job.ID, model.JobMetrics{PlacesFound: 1})
	assert.Error(t, err)
}

func TestSQLite_JobLifecycle_Fail(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "chiang-mai-north", model.SyncTypeFull, 100)
	require.NoError(t, err)

	require.NoError(t, st.FailJob(ctx, job.ID, "directory unreachable", map[string]any{
		"attempts": 3, "last_status": 503,
	}))

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncJobStatusFailed, got.Status)
	assert.Equal(t, "directory unreachable", got.ErrorMessage)
	assert.EqualValues(t, 3, got.ErrorDetails["attempts"])
}

func TestSQLite_CancelJob_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, "chiang-mai-north", model.SyncTypeFull, 100)
	require.NoError(t, err)

	got, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncJobStatusCancelled, got.Status)

	// Cancelling again is a no-op, not an error.
	again, err := st.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncJobStatusCancelled, again.Status)

	// Cancelling a completed job leaves it completed.
	job2, err := st.CreateJob(ctx, "chiang-mai-south", model.SyncTypeFull, 100)
	require.NoError(t, err)
	require.NoError(t, st.CompleteJob(ctx, job2.ID))
	got2, err := st.CancelJob(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncJobStatusCompleted, got2.Status)
}

func TestSQLite_CreateJob_OnePerScope(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.CreateJob(ctx, "chiang-mai-north", model.SyncTypeFull, 100)
	require.NoError(t, err)

	_, err = st.CreateJob(ctx, "chiang-mai-north", model.SyncTypeFull, 100)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrActiveJobExists))

	// Other scopes run in parallel.
	_, err = st.CreateJob(ctx, "chiang-mai-south", model.SyncTypeFull, 100)
	require.NoError(t, err)

	// Once terminal, the scope frees up.
	require.NoError(t, st.CompleteJob(ctx, first.ID))
	_, err = st.CreateJob(ctx, "chiang-mai-north", model.SyncTypeIncremental, 50)
	require.NoError(t, err)
}

func TestSQLite_ListJobs_NewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a, err := st.CreateJob(ctx, "scope-a", model.SyncTypeFull, 10)
	require.NoError(t, err)
	require.NoError(t, st.CompleteJob(ctx, a.ID))
	b, err := st.CreateJob(ctx, "scope-b", model.SyncTypeFull, 10)
	require.NoError(t, err)

	jobs, err := st.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, b.ID, jobs[0].ID)
	assert.Equal(t, a.ID, jobs[1].ID)

	jobs, err = st.ListJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, b.ID, jobs[0].ID)
}

// --- Raw places ---

func TestSQLite_UpsertRawPlace_InsertThenRefresh(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lat, lng := 18.790, 98.990
	place := &model.RawPlace{
		ExternalPlaceID:   "ChIJ-riverside",
		Name:              "Riverside Camp",
		Latitude:          &lat,
		Longitude:         &lng,
		PhotoURLs:         []string{"https://photos.example/1.jpg"},
		Payload:           []byte(`{"id":"ChIJ-riverside"}`),
		LastSeenSyncJobID: "job-1",
	}

	id1, inserted, err := st.UpsertRawPlace(ctx, place)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Re-seen in a later job: same row, refreshed backlink.
	place.LastSeenSyncJobID = "job-2"
	id2, inserted, err := st.UpsertRawPlace(ctx, place)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, id1, id2)

	got, err := st.GetRawPlace(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "ChIJ-riverside", got.ExternalPlaceID)
	assert.Equal(t, "job-2", got.LastSeenSyncJobID)
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, 18.790, *got.Latitude, 0.0001)
	assert.Equal(t, []string{"https://photos.example/1.jpg"}, got.PhotoURLs)
	assert.JSONEq(t, `{"id":"ChIJ-riverside"}`, string(got.Payload))
}

// --- Candidate state machine ---

func TestSQLite_CandidateApproveThenImport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rpID := seedRawPlace(t, st, "ChIJ-1")
	c := seedCandidate(t, st, rpID)
	assert.Equal(t, model.CandidateStatusPending, c.Status)

	approved, err := st.DecideCandidate(ctx, c.ID, model.CandidateStatusApproved, "admin@campora.io", "")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusApproved, approved.Status)
	assert.Equal(t, "admin@campora.io", approved.DecidedBy)
	require.NotNil(t, approved.DecidedAt)

	imported, err := st.MarkImported(ctx, c.ID, "listing-42")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusImported, imported.Status)
	require.NotNil(t, imported.ImportedListingID)
	assert.Equal(t, "listing-42", *imported.ImportedListingID)

	// Imported is terminal.
	_, err = st.DecideCandidate(ctx, c.ID, model.CandidateStatusApproved, "admin@campora.io", "")
	assert.True(t, eris.Is(err, ErrInvalidStateTransition))
	_, err = st.MarkImported(ctx, c.ID, "listing-43")
	assert.True(t, eris.Is(err, ErrInvalidStateTransition))
}

func TestSQLite_CandidateReject(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rpID := seedRawPlace(t, st, "ChIJ-2")
	c := seedCandidate(t, st, rpID)

	_, err := st.DecideCandidate(ctx, c.ID, model.CandidateStatusRejected, "admin@campora.io", "")
	assert.True(t, eris.Is(err, ErrRejectionReasonRequired))

	rejected, err := st.DecideCandidate(ctx, c.ID, model.CandidateStatusRejected, "admin@campora.io", "duplicate of existing listing")
	require.NoError(t, err)
	assert.Equal(t, model.CandidateStatusRejected, rejected.Status)
	assert.Equal(t, "duplicate of existing listing", rejected.RejectionReason)

	// Second decision loses.
	_, err = st.DecideCandidate(ctx, c.ID, model.CandidateStatusApproved, "other@campora.io", "")
	assert.True(t, eris.Is(err, ErrConflictAlreadyDecided))

	// Rejected never imports.
	_, err = st.MarkImported(ctx, c.ID, "listing-9")
	assert.True(t, eris.Is(err, ErrInvalidStateTransition))
}

func TestSQLite_CandidateDecide_ConcurrentOnlyOneWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rpID := seedRawPlace(t, st, "ChIJ-race")
	c := seedCandidate(t, st, rpID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = st.DecideCandidate(ctx, c.ID, model.CandidateStatusApproved, "admin@campora.io", "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = st.DecideCandidate(ctx, c.ID, model.CandidateStatusRejected, "other@campora.io", "duplicate of existing listing")
	}()
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case eris.Is(err, ErrConflictAlreadyDecided):
			conflicts++
		default:
			t.Fatalf("unexpected decide error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	final, err := st.GetCandidate(ctx, c.ID)
	require.NoError(t, err)
	if errs[0] == nil {
		assert.Equal(t, model.CandidateStatusApproved, final.Status)
	} else {
		assert.Equal(t, model.CandidateStatusRejected, final.Status)
		assert.Equal(t, "duplicate of existing listing", final.RejectionReason)
	}
}

func TestSQLite_CandidateDecide_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.DecideCandidate(context.Background(), "no-such-id", model.CandidateStatusApproved, "admin", "")
	assert.True(t, eris.Is(err, ErrCandidateNotFound))
}

func TestSQLite_OnePendingCandidatePerRawPlace(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rpID := seedRawPlace(t, st, "ChIJ-3")
	c := seedCandidate(t, st, rpID)

	_, err := st.CreateCandidate(ctx, &model.ImportCandidate{
		RawPlaceID: rpID,
		Name:       "Riverside Camp",
		Breakdown:  model.ConfidenceBreakdown{Weights: model.DefaultWeights()},
	})
	assert.True(t, eris.Is(err, ErrPendingCandidateExists))

	// After the pending candidate is decided, a re-sync may create a new one.
	_, err = st.DecideCandidate(ctx, c.ID, model.CandidateStatusRejected, "admin", "stale data")
	require.NoError(t, err)

	_, err = st.CreateCandidate(ctx, &model.ImportCandidate{
		RawPlaceID: rpID,
		Name:       "Riverside Camp",
		Breakdown:  model.ConfidenceBreakdown{Weights: model.DefaultWeights()},
	})
	require.NoError(t, err)
}

func TestSQLite_ListCandidates_FilterAndTotal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i, ext := range []string{"ChIJ-a", "ChIJ-b", "ChIJ-c"} {
		rpID := seedRawPlace(t, st, ext)
		dup := "lst-existing"
		c := &model.ImportCandidate{
			RawPlaceID: rpID,
			Name:       "Camp " + ext,
			Breakdown:  model.ConfidenceBreakdown{Weights: model.DefaultWeights()},
		}
		if i == 0 {
			c.IsDuplicate = true
			c.DuplicateOf = &dup
			c.ConfidenceScore = 0.95
		}
		_, err := st.CreateCandidate(ctx, c)
		require.NoError(t, err)
	}

	all, total, err := st.ListCandidates(ctx, CandidateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, 3, total)

	dupTrue := true
	dups, total, err := st.ListCandidates(ctx, CandidateFilter{IsDuplicate: &dupTrue})
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, 1, total)
	require.NotNil(t, dups[0].DuplicateOf)
	assert.Equal(t, "lst-existing", *dups[0].DuplicateOf)

	pending, total, err := st.ListCandidates(ctx, CandidateFilter{Status: model.CandidateStatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	// Total reflects all matches, not the page size.
	assert.Equal(t, 3, total)

	page2, _, err := st.ListCandidates(ctx, CandidateFilter{Status: model.CandidateStatusPending, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}

func TestSQLite_CandidateBreakdownRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rpID := seedRawPlace(t, st, "ChIJ-bd")
	dup := "lst-007"
	created, err := st.CreateCandidate(ctx, &model.ImportCandidate{
		RawPlaceID:      rpID,
		Name:            "Riverside Camp",
		ConfidenceScore: 0.958,
		IsDuplicate:     true,
		DuplicateOf:     &dup,
		Breakdown: model.ConfidenceBreakdown{
			NameSimilarity:    1.0,
			LocationProximity: 0.88,
			ContactMatch:      1.0,
			CategoryMatch:     1.0,
			Weights:           model.DefaultWeights(),
		},
		Comparison: &model.DuplicateComparison{
			ListingID:      "lst-007",
			ListingName:    "Riverside Camp",
			NameMatch:      true,
			PhoneMatch:     true,
			DistanceMeters: 59.5,
		},
	})
	require.NoError(t, err)

	got, err := st.GetCandidate(ctx, created.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.958, got.ConfidenceScore, 0.0001)
	assert.InDelta(t, 0.88, got.Breakdown.LocationProximity, 0.0001)
	assert.InDelta(t, 0.40, got.Breakdown.Weights.Name, 0.0001)
	require.NotNil(t, got.Comparison)
	assert.Equal(t, "lst-007", got.Comparison.ListingID)
	assert.InDelta(t, 59.5, got.Comparison.DistanceMeters, 0.001)
}

// --- Listings ---

func TestSQLite_CreateListingAndNearby(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	lat, lng := 18.7905, 98.9898
	id, err := st.CreateListing(ctx, &model.ListingPayload{
		Name:          "Riverside Camp",
		Address:       "99 Moo 4, Mae Rim, Chiang Mai",
		Phone:         "+66 53 123 456",
		Latitude:      &lat,
		Longitude:     &lng,
		Category:      "campground",
		Rating:        4.6,
		RatingCount:   212,
		SourcePlaceID: "ChIJ-riverside",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, st.AddListingPhotos(ctx, id, []string{
		"https://photos.example/1.jpg",
		"https://photos.example/2.jpg",
	}))

	// Within 500 m of the listing.
	near, err := st.NearbyListings(ctx, 18.790, 98.990, 500)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, id, near[0].ID)
	assert.Equal(t, "Riverside Camp", near[0].Name)
	assert.Equal(t, "campground", near[0].Category)

	// A distant point sees nothing.
	far, err := st.NearbyListings(ctx, 19.5, 99.9, 500)
	require.NoError(t, err)
	assert.Empty(t, far)
}
