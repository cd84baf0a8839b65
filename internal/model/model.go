// Package model defines the core types shared across the ingestion pipeline.
package model

import (
	"time"
)

// SyncJobStatus represents the current state of an ingestion run.
type SyncJobStatus string

const (
	SyncJobStatusIdle       SyncJobStatus = "idle"
	SyncJobStatusProcessing SyncJobStatus = "processing"
	SyncJobStatusCompleted  SyncJobStatus = "completed"
	SyncJobStatusFailed     SyncJobStatus = "failed"
	SyncJobStatusCancelled  SyncJobStatus = "cancelled"
)

// Terminal reports whether the job has left the processing state for good.
func (s SyncJobStatus) Terminal() bool {
	switch s {
	case SyncJobStatusCompleted, SyncJobStatusFailed, SyncJobStatusCancelled:
		return true
	default:
		return false
	}
}

// SyncType selects between a full re-crawl of a scope and an incremental
// pass that only refreshes places seen before.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// SyncJob represents a single ingestion run for one scope.
type SyncJob struct {
	ID               string         `json:"id"`
	Scope            string         `json:"scope"`
	SyncType         SyncType       `json:"sync_type"`
	Status           SyncJobStatus  `json:"status"`
	MaxPlaces        int            `json:"max_places"`
	PlacesFound      int            `json:"places_found"`
	PlacesUpdated    int            `json:"places_updated"`
	APIRequestsMade  int            `json:"api_requests_made"`
	PhotosDownloaded int            `json:"photos_downloaded"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	ErrorDetails     map[string]any `json:"error_details,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
}

// JobMetrics is a per-page delta applied atomically to a processing job.
// All fields are non-negative so job counters only ever grow.
type JobMetrics struct {
	PlacesFound      int
	PlacesUpdated    int
	APIRequestsMade  int
	PhotosDownloaded int
	EstimatedCostUSD float64
}

// Add accumulates another delta into m.
func (m *JobMetrics) Add(d JobMetrics) {
	m.PlacesFound += d.PlacesFound
	m.PlacesUpdated += d.PlacesUpdated
	m.APIRequestsMade += d.APIRequestsMade
	m.PhotosDownloaded += d.PhotosDownloaded
	m.EstimatedCostUSD += d.EstimatedCostUSD
}

// RawPlace is a venue exactly as returned by the external directory.
// The payload is preserved verbatim for audit and replay; only the
// last-seen backlink changes after creation.
type RawPlace struct {
	ID                string    `json:"id"`
	ExternalPlaceID   string    `json:"external_place_id"`
	Name              string    `json:"name"`
	Address           string    `json:"address,omitempty"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	Rating            float64   `json:"rating,omitempty"`
	RatingCount       int       `json:"rating_count,omitempty"`
	Category          string    `json:"category,omitempty"`
	PhotoURLs         []string  `json:"photo_urls,omitempty"`
	Payload           []byte    `json:"payload,omitempty"`
	LastSeenSyncJobID string    `json:"last_seen_sync_job_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// CandidateStatus represents the review state of an import candidate.
type CandidateStatus string

const (
	CandidateStatusPending  CandidateStatus = "pending"
	CandidateStatusApproved CandidateStatus = "approved"
	CandidateStatusRejected CandidateStatus = "rejected"
	CandidateStatusImported CandidateStatus = "imported"
)

// CanTransitionTo reports whether the one-directional review state machine
// permits moving from s to next. pending may move to approved or rejected;
// approved may move to imported; rejected and imported are terminal.
func (s CandidateStatus) CanTransitionTo(next CandidateStatus) bool {
	switch s {
	case CandidateStatusPending:
		return next == CandidateStatusApproved || next == CandidateStatusRejected
	case CandidateStatusApproved:
		return next == CandidateStatusImported
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible from s.
func (s CandidateStatus) Terminal() bool {
	return s == CandidateStatusRejected || s == CandidateStatusImported
}

// Weights are the fixed combination weights for the confidence sub-scores.
type Weights struct {
	Name     float64 `json:"name"`
	Location float64 `json:"location"`
	Contact  float64 `json:"contact"`
	Category float64 `json:"category"`
}

// DefaultWeights returns the standard sub-score weighting.
func DefaultWeights() Weights {
	return Weights{Name: 0.40, Location: 0.35, Contact: 0.15, Category: 0.10}
}

// ConfidenceBreakdown holds the named sub-scores that explain a candidate's
// overall confidence score. All values are clamped to [0, 1]. Attached at
// candidate-creation time and never mutated afterward.
type ConfidenceBreakdown struct {
	NameSimilarity    float64 `json:"name_similarity"`
	LocationProximity float64 `json:"location_proximity"`
	ContactMatch      float64 `json:"contact_match"`
	CategoryMatch     float64 `json:"category_match"`
	Weights           Weights `json:"weights"`
}

// Combined returns the weighted confidence score, clamped to [0, 1].
func (b ConfidenceBreakdown) Combined() float64 {
	s := b.NameSimilarity*b.Weights.Name +
		b.LocationProximity*b.Weights.Location +
		b.ContactMatch*b.Weights.Contact +
		b.CategoryMatch*b.Weights.Category
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// DuplicateComparison records the specific existing listing a flagged
// duplicate was compared against, with field-by-field match indicators.
type DuplicateComparison struct {
	ListingID      string  `json:"listing_id"`
	ListingName    string  `json:"listing_name"`
	NameMatch      bool    `json:"name_match"`
	AddressMatch   bool    `json:"address_match"`
	PhoneMatch     bool    `json:"phone_match"`
	DistanceMeters float64 `json:"distance_meters"`
}

// ImportCandidate is the reviewable unit produced for every fetched venue.
type ImportCandidate struct {
	ID                string               `json:"id"`
	RawPlaceID        string               `json:"raw_place_id"`
	SyncJobID         string               `json:"sync_job_id,omitempty"`
	Name              string               `json:"name"`
	Address           string               `json:"address,omitempty"`
	Rating            float64              `json:"rating,omitempty"`
	RatingCount       int                  `json:"rating_count,omitempty"`
	ConfidenceScore   float64              `json:"confidence_score"`
	IsDuplicate       bool                 `json:"is_duplicate"`
	DuplicateOf       *string              `json:"duplicate_of,omitempty"`
	Status            CandidateStatus      `json:"status"`
	RejectionReason   string               `json:"rejection_reason,omitempty"`
	Breakdown         ConfidenceBreakdown  `json:"confidence_breakdown"`
	Comparison        *DuplicateComparison `json:"duplicate_comparison,omitempty"`
	ImportedListingID *string              `json:"imported_listing_id,omitempty"`
	DecidedBy         string               `json:"decided_by,omitempty"`
	DecidedAt         *time.Time           `json:"decided_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

// Listing is the narrow read shape of a platform listing used for
// duplicate comparison. The platform's full listing schema is owned by the
// CRUD layer and stays out of this subsystem.
type Listing struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Address   string   `json:"address,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Category  string   `json:"category,omitempty"`
}

// ListingPayload is the normalized shape handed to the listing-persistence
// collaborator when an approved candidate is materialized.
type ListingPayload struct {
	Name            string   `json:"name"`
	Address         string   `json:"address,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Category        string   `json:"category,omitempty"`
	Rating          float64  `json:"rating,omitempty"`
	RatingCount     int      `json:"rating_count,omitempty"`
	SourcePlaceID   string   `json:"source_place_id"`
	SourceSyncJobID string   `json:"source_sync_job_id,omitempty"`
	PhotoURLs       []string `json:"photo_urls,omitempty"`
}

// Scope is the geographic/category boundary an ingestion run operates
// within. The slug is the canonical identifier used for job ownership.
type Scope struct {
	Slug     string  `json:"slug"`
	SWLat    float64 `json:"sw_lat"`
	SWLng    float64 `json:"sw_lng"`
	NELat    float64 `json:"ne_lat"`
	NELng    float64 `json:"ne_lng"`
	Category string  `json:"category,omitempty"`
	Query    string  `json:"query,omitempty"`
}

// Center returns the midpoint of the scope rectangle, used as the anchor
// for nearby-listing lookups when a venue has no coordinates.
func (s Scope) Center() (lat, lng float64) {
	return (s.SWLat + s.NELat) / 2, (s.SWLng + s.NELng) / 2
}
