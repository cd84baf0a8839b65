package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from    CandidateStatus
		to      CandidateStatus
		allowed bool
	}{
		{CandidateStatusPending, CandidateStatusApproved, true},
		{CandidateStatusPending, CandidateStatusRejected, true},
		{CandidateStatusPending, CandidateStatusImported, false},
		{CandidateStatusApproved, CandidateStatusImported, true},
		{CandidateStatusApproved, CandidateStatusRejected, false},
		{CandidateStatusApproved, CandidateStatusPending, false},
		{CandidateStatusRejected, CandidateStatusApproved, false},
		{CandidateStatusRejected, CandidateStatusImported, false},
		{CandidateStatusImported, CandidateStatusApproved, false},
		{CandidateStatusImported, CandidateStatusPending, false},
	}

	for _, tt := range tests {
		got := tt.from.CanTransitionTo(tt.to)
		assert.Equal(t, tt.allowed, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestCandidateStatus_Terminal(t *testing.T) {
	assert.False(t, CandidateStatusPending.Terminal())
	assert.False(t, CandidateStatusApproved.Terminal())
	assert.True(t, CandidateStatusRejected.Terminal())
	assert.True(t, CandidateStatusImported.Terminal())
}

func TestSyncJobStatus_Terminal(t *testing.T) {
	assert.False(t, SyncJobStatusIdle.Terminal())
	assert.False(t, SyncJobStatusProcessing.Terminal())
	assert.True(t, SyncJobStatusCompleted.Terminal())
	assert.True(t, SyncJobStatusFailed.Terminal())
	assert.True(t, SyncJobStatusCancelled.Terminal())
}

func TestConfidenceBreakdown_Combined(t *testing.T) {
	b := ConfidenceBreakdown{
		NameSimilarity:    1.0,
		LocationProximity: 0.8,
		ContactMatch:      1.0,
		CategoryMatch:     0.0,
		Weights:           DefaultWeights(),
	}
	assert.InDelta(t, 0.40+0.28+0.15, b.Combined(), 1e-9)
}

func TestConfidenceBreakdown_Combined_Clamped(t *testing.T) {
	b := ConfidenceBreakdown{
		NameSimilarity: 5.0, // out-of-range input must not escape [0,1]
		Weights:        Weights{Name: 1.0},
	}
	assert.Equal(t, 1.0, b.Combined())

	b.NameSimilarity = -3.0
	assert.Equal(t, 0.0, b.Combined())
}

func TestConfidenceBreakdown_Combined_Deterministic(t *testing.T) {
	b := ConfidenceBreakdown{
		NameSimilarity:    0.73,
		LocationProximity: 0.41,
		ContactMatch:      1.0,
		CategoryMatch:     1.0,
		Weights:           DefaultWeights(),
	}
	first := b.Combined()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, b.Combined())
	}
}

func TestJobMetrics_Add(t *testing.T) {
	m := JobMetrics{PlacesFound: 10, APIRequestsMade: 1, EstimatedCostUSD: 0.032}
	m.Add(JobMetrics{PlacesFound: 20, PlacesUpdated: 3, APIRequestsMade: 1, PhotosDownloaded: 5, EstimatedCostUSD: 0.032})

	assert.Equal(t, 30, m.PlacesFound)
	assert.Equal(t, 3, m.PlacesUpdated)
	assert.Equal(t, 2, m.APIRequestsMade)
	assert.Equal(t, 5, m.PhotosDownloaded)
	assert.InDelta(t, 0.064, m.EstimatedCostUSD, 1e-9)
}

func TestScope_Center(t *testing.T) {
	s := Scope{SWLat: 18.70, SWLng: 98.90, NELat: 18.90, NELng: 99.10}
	lat, lng := s.Center()
	assert.InDelta(t, 18.80, lat, 1e-9)
	assert.InDelta(t, 99.00, lng, 1e-9)
}
