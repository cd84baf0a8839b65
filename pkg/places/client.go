// Package places is a client for the external places directory API.
package places

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/campora/places-sync/internal/resilience"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

const fieldMask = "places.id,places.displayName,places.formattedAddress," +
	"places.internationalPhoneNumber,places.location,places.rating," +
	"places.userRatingCount,places.types,places.photos,nextPageToken"

// ErrUnauthorized indicates the directory rejected our credentials.
var ErrUnauthorized = eris.New("places: unauthorized")

// Client performs place directory search operations.
type Client interface {
	SearchNearby(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
}

// SearchRequest describes one page of a text search within a bounding
// rectangle.
type SearchRequest struct {
	TextQuery string
	Category  string
	SWLat     float64
	SWLng     float64
	NELat     float64
	NELng     float64
	PageSize  int
	PageToken string
}

// SearchResponse is one page of search results.
type SearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken"`
}

// Place represents a place returned by the directory.
type Place struct {
	ID                       string      `json:"id"`
	DisplayName              DisplayName `json:"displayName"`
	FormattedAddress         string      `json:"formattedAddress"`
	InternationalPhoneNumber string      `json:"internationalPhoneNumber"`
	Location                 *LatLng     `json:"location"`
	Rating                   float64     `json:"rating"`
	UserRatingCount          int         `json:"userRatingCount"`
	Types                    []string    `json:"types"`
	Photos                   []Photo     `json:"photos"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text string `json:"text"`
}

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Photo is a photo reference attached to a place.
type Photo struct {
	Name string `json:"name"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a places directory client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type searchTextRequest struct {
	TextQuery           string               `json:"textQuery"`
	IncludedType        string               `json:"includedType,omitempty"`
	PageSize            int                  `json:"pageSize,omitempty"`
	PageToken           string               `json:"pageToken,omitempty"`
	LocationRestriction *locationRestriction `json:"locationRestriction,omitempty"`
}

type locationRestriction struct {
	Rectangle rectangle `json:"rectangle"`
}

type rectangle struct {
	Low  LatLng `json:"low"`
	High LatLng `json:"high"`
}

func (c *httpClient) SearchNearby(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	payload := searchTextRequest{
		TextQuery:    req.TextQuery,
		IncludedType: req.Category,
		PageSize:     req.PageSize,
		PageToken:    req.PageToken,
		LocationRestriction: &locationRestriction{
			Rectangle: rectangle{
				Low:  LatLng{Latitude: req.SWLat, Longitude: req.SWLng},
				High: LatLng{Latitude: req.NELat, Longitude: req.NELng},
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "places: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "places: create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)
	httpReq.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "places: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "places: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp, respBody)
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "places: unmarshal response")
	}

	return &result, nil
}

func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return eris.Wrapf(ErrUnauthorized, "status %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		err := eris.Errorf("places: rate limited: %s", string(body))
		return resilience.NewRateLimitedError(err, parseRetryAfter(resp.Header.Get("Retry-After")))
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		err := eris.Errorf("places: status %d: %s", resp.StatusCode, string(body))
		return resilience.NewTransientError(err, resp.StatusCode)
	default:
		return eris.Errorf("places: unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
