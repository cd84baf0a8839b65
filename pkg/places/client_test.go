package places

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campora/places-sync/internal/resilience"
)

func TestSearchNearby_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.id")
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.location")

		var body searchTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "camping", body.TextQuery)
		assert.Equal(t, "campground", body.IncludedType)
		assert.Equal(t, 20, body.PageSize)
		require.NotNil(t, body.LocationRestriction)
		assert.InDelta(t, 18.70, body.LocationRestriction.Rectangle.Low.Latitude, 0.001)
		assert.InDelta(t, 99.10, body.LocationRestriction.Rectangle.High.Longitude, 0.001)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SearchResponse{
			Places: []Place{
				{
					ID:                       "ChIJ-riverside",
					DisplayName:              DisplayName{Text: "Riverside Camp & Café"},
					FormattedAddress:         "99 Moo 4, Mae Rim, Chiang Mai",
					InternationalPhoneNumber: "+66 53 123 456",
					Location:                 &LatLng{Latitude: 18.790, Longitude: 98.990},
					Rating:                   4.6,
					UserRatingCount:          212,
					Types:                    []string{"campground", "cafe"},
					Photos:                   []Photo{{Name: "places/ChIJ-riverside/photos/a"}},
				},
			},
			NextPageToken: "page-2-token",
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{
		TextQuery: "camping",
		Category:  "campground",
		SWLat:     18.70, SWLng: 98.90,
		NELat: 18.90, NELng: 99.10,
		PageSize: 20,
	})

	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	assert.Equal(t, "ChIJ-riverside", resp.Places[0].ID)
	assert.Equal(t, "Riverside Camp & Café", resp.Places[0].DisplayName.Text)
	require.NotNil(t, resp.Places[0].Location)
	assert.InDelta(t, 18.790, resp.Places[0].Location.Latitude, 0.0001)
	assert.Equal(t, []string{"campground", "cafe"}, resp.Places[0].Types)
	assert.Equal(t, "page-2-token", resp.NextPageToken)
}

func TestSearchNearby_Pagination(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		var body searchTextRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		if body.PageToken == "" {
			_ = json.NewEncoder(w).Encode(SearchResponse{
				Places:        []Place{{ID: "place-1", DisplayName: DisplayName{Text: "First"}}},
				NextPageToken: "page-2-token",
			})
		} else {
			assert.Equal(t, "page-2-token", body.PageToken)
			_ = json.NewEncoder(w).Encode(SearchResponse{
				Places: []Place{{ID: "place-2", DisplayName: DisplayName{Text: "Second"}}},
			})
		}
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))

	// First page.
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{TextQuery: "camping"})
	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	assert.Equal(t, "place-1", resp.Places[0].ID)
	assert.Equal(t, "page-2-token", resp.NextPageToken)

	// Second page.
	resp, err = client.SearchNearby(context.Background(), &SearchRequest{
		TextQuery: "camping",
		PageToken: resp.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	assert.Equal(t, "place-2", resp.Places[0].ID)
	assert.Empty(t, resp.NextPageToken)

	assert.Equal(t, 2, callCount)
}

func TestSearchNearby_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(SearchResponse{})
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{TextQuery: "nonexistent"})

	require.NoError(t, err)
	assert.Empty(t, resp.Places)
	assert.Empty(t, resp.NextPageToken)
}

func TestSearchNearby_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "invalid API key"}`))
	}))
	defer srv.Close()

	client := NewClient("bad-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{TextQuery: "camping"})

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnauthorized))
	assert.False(t, resilience.IsTransient(err))
}

func TestSearchNearby_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "rate limit exceeded"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{TextQuery: "camping"})

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, resilience.IsRateLimited(err))
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 7*time.Second, resilience.RetryAfter(err))
}

func TestSearchNearby_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": "backend unavailable"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{TextQuery: "camping"})

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSearchNearby_BadRequestNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid page token"}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(context.Background(), &SearchRequest{TextQuery: "camping", PageToken: "bogus"})

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "400")
}

func TestSearchNearby_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// Simulate slow response — context should cancel first.
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately.

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.SearchNearby(ctx, &SearchRequest{TextQuery: "camping"})

	assert.Error(t, err)
	assert.Nil(t, resp)
}
