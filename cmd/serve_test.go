package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campora/places-sync/internal/cost"
	"github.com/campora/places-sync/internal/dedup"
	"github.com/campora/places-sync/internal/importer"
	"github.com/campora/places-sync/internal/ingest"
	"github.com/campora/places-sync/internal/model"
	"github.com/campora/places-sync/internal/store"
	"github.com/campora/places-sync/pkg/places"
)

// stubDirectory answers every search with one canned page, optionally
// blocking until the request context is cancelled.
type stubDirectory struct {
	resp  places.SearchResponse
	block bool
}

func (s *stubDirectory) SearchNearby(ctx context.Context, _ *places.SearchRequest) (*places.SearchResponse, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	resp := s.resp
	return &resp, nil
}

func newTestEnv(t *testing.T, dir places.Client) *appEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	scopes := map[string]model.Scope{
		"chiang-mai-north": {
			Slug:  "chiang-mai-north",
			SWLat: 18.75, SWLng: 98.95, NELat: 18.85, NELng: 99.05,
			Category: "campground",
			Query:    "campground",
		},
	}
	orch := ingest.NewOrchestrator(st, dir, dedup.NewEngine(dedup.DefaultConfig()), nil,
		cost.NewCalculator(cost.DefaultRates()), scopes, ingest.Config{RateLimit: 1000})

	return &appEnv{
		Store:        st,
		Orchestrator: orch,
		Importer:     importer.NewExecutor(st),
	}
}

func newTestServer(t *testing.T, dir places.Client) (*httptest.Server, *appEnv) {
	t.Helper()
	env := newTestEnv(t, dir)
	srv := httptest.NewServer(newRouter(env, []string{"https://admin.campora.io"}))
	t.Cleanup(srv.Close)
	return srv, env
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func seedPendingCandidate(t *testing.T, st store.Store) *model.ImportCandidate {
	t.Helper()
	ctx := context.Background()
	lat, lng := 18.790, 98.990
	rawID, _, err := st.UpsertRawPlace(ctx, &model.RawPlace{
		ExternalPlaceID: "ext-api-1",
		Name:            "Riverside Camp",
		Address:         "99 Moo 4, Mae Rim, Chiang Mai",
		Latitude:        &lat,
		Longitude:       &lng,
		Phone:           "+66 53 123 456",
		Category:        "campground",
	})
	require.NoError(t, err)
	c, err := st.CreateCandidate(ctx, &model.ImportCandidate{
		RawPlaceID:      rawID,
		Name:            "Riverside Camp",
		Address:         "99 Moo 4, Mae Rim, Chiang Mai",
		ConfidenceScore: 0.42,
		Breakdown:       model.ConfidenceBreakdown{Weights: model.DefaultWeights()},
	})
	require.NoError(t, err)
	return c
}

func TestServe_Health(t *testing.T) {
	srv, _ := newTestServer(t, &stubDirectory{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestServe_TriggerAndStatus(t *testing.T) {
	srv, env := newTestServer(t, &stubDirectory{})

	resp := postJSON(t, srv.URL+"/sync/trigger", map[string]any{
		"scope": "chiang-mai-north", "sync_type": "full", "max_places": 10,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job model.SyncJob
	decodeBody(t, resp, &job)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "chiang-mai-north", job.Scope)
	assert.Equal(t, model.SyncJobStatusProcessing, job.Status)

	env.Orchestrator.Wait("chiang-mai-north")

	resp, err := http.Get(srv.URL + "/sync/status?scope=chiang-mai-north")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var status struct {
		Active *model.SyncJob `json:"active"`
	}
	decodeBody(t, resp, &status)
	assert.Nil(t, status.Active)

	resp, err = http.Get(srv.URL + "/sync/logs?limit=5")
	require.NoError(t, err)
	var logs struct {
		Jobs []model.SyncJob `json:"jobs"`
	}
	decodeBody(t, resp, &logs)
	require.Len(t, logs.Jobs, 1)
	assert.Equal(t, model.SyncJobStatusCompleted, logs.Jobs[0].Status)
}

func TestServe_TriggerValidation(t *testing.T) {
	srv, _ := newTestServer(t, &stubDirectory{})

	resp := postJSON(t, srv.URL+"/sync/trigger", map[string]any{"scope": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/sync/trigger", map[string]any{"scope": "x", "sync_type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/sync/trigger", map[string]any{"scope": "nowhere"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServe_TriggerConflictAndCancel(t *testing.T) {
	srv, env := newTestServer(t, &stubDirectory{block: true})

	resp := postJSON(t, srv.URL+"/sync/trigger", map[string]any{"scope": "chiang-mai-north"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var job model.SyncJob
	decodeBody(t, resp, &job)

	resp = postJSON(t, srv.URL+"/sync/trigger", map[string]any{"scope": "chiang-mai-north"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var conflict map[string]string
	decodeBody(t, resp, &conflict)
	assert.Equal(t, job.ID, conflict["active_job_id"])

	resp = postJSON(t, srv.URL+"/sync/cancel", map[string]any{"job_id": job.ID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled model.SyncJob
	decodeBody(t, resp, &cancelled)
	assert.Equal(t, model.SyncJobStatusCancelled, cancelled.Status)
	env.Orchestrator.Wait("chiang-mai-north")

	resp = postJSON(t, srv.URL+"/sync/cancel", map[string]any{"job_id": "no-such-job"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServe_CandidateListAndGet(t *testing.T) {
	srv, env := newTestServer(t, &stubDirectory{})
	c := seedPendingCandidate(t, env.Store)

	resp, err := http.Get(srv.URL + "/candidates?status=pending")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Candidates []model.ImportCandidate `json:"candidates"`
		Total      int                     `json:"total"`
	}
	decodeBody(t, resp, &list)
	assert.Equal(t, 1, list.Total)
	require.Len(t, list.Candidates, 1)
	assert.Equal(t, c.ID, list.Candidates[0].ID)

	resp, err = http.Get(srv.URL + "/candidates/" + c.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.ImportCandidate
	decodeBody(t, resp, &got)
	assert.Equal(t, "Riverside Camp", got.Name)

	resp, err = http.Get(srv.URL + "/candidates/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestServe_ApproveImportsListing(t *testing.T) {
	srv, env := newTestServer(t, &stubDirectory{})
	c := seedPendingCandidate(t, env.Store)

	resp := postJSON(t, srv.URL+"/candidates/"+c.ID+"/approve", map[string]any{"decided_by": "reviewer@campora.io"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var approved struct {
		Candidate model.ImportCandidate `json:"candidate"`
		ListingID *string               `json:"listing_id"`
	}
	decodeBody(t, resp, &approved)
	assert.Equal(t, model.CandidateStatusImported, approved.Candidate.Status)
	require.NotNil(t, approved.ListingID)

	listings, err := env.Store.NearbyListings(context.Background(), 18.790, 98.990, 500)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, *approved.ListingID, listings[0].ID)

	// Re-approving an imported candidate is an invalid transition.
	resp = postJSON(t, srv.URL+"/candidates/"+c.ID+"/approve", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()
}

func TestServe_RejectFlow(t *testing.T) {
	srv, env := newTestServer(t, &stubDirectory{})
	c := seedPendingCandidate(t, env.Store)

	// A reason is mandatory for rejections.
	resp := postJSON(t, srv.URL+"/candidates/"+c.ID+"/reject", map[string]any{"decided_by": "reviewer@campora.io"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/candidates/"+c.ID+"/reject", map[string]any{
		"decided_by": "reviewer@campora.io", "reason": "duplicate of existing listing",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var rejected model.ImportCandidate
	decodeBody(t, resp, &rejected)
	assert.Equal(t, model.CandidateStatusRejected, rejected.Status)
	assert.Equal(t, "duplicate of existing listing", rejected.RejectionReason)

	// A second decision conflicts with the recorded one.
	resp = postJSON(t, srv.URL+"/candidates/"+c.ID+"/reject", map[string]any{
		"decided_by": "other@campora.io", "reason": "also no",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestServe_CORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &stubDirectory{})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/candidates", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://admin.campora.io")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://admin.campora.io", resp.Header.Get("Access-Control-Allow-Origin"))
}
