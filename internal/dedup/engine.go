// Package dedup scores freshly fetched venues against the existing listing
// set and explains the result with a per-component breakdown.
package dedup

import (
	"math"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/campora/places-sync/internal/model"
)

const earthRadiusM = 6371000.0

// Config tunes the scoring engine.
type Config struct {
	// Threshold is the combined score at or above which a venue is
	// flagged as a duplicate.
	Threshold float64

	// ProximityRadiusM is the distance at which the location sub-score
	// saturates to zero.
	ProximityRadiusM float64

	Weights model.Weights
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:        0.85,
		ProximityRadiusM: 500,
		Weights:          model.DefaultWeights(),
	}
}

// Engine compares venues against existing listings.
type Engine struct {
	cfg Config
}

// NewEngine creates a scoring engine. Zero or missing config fields fall
// back to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ProximityRadiusM <= 0 {
		cfg.ProximityRadiusM = def.ProximityRadiusM
	}
	if cfg.Weights == (model.Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Engine{cfg: cfg}
}

// Result is the outcome of scoring one venue against the listing set.
type Result struct {
	Breakdown   model.ConfidenceBreakdown
	Score       float64
	IsDuplicate bool
	// DuplicateOf and Comparison are set only when IsDuplicate is true.
	DuplicateOf *string
	Comparison  *model.DuplicateComparison
}

// Score compares a venue against the given listings and returns the best
// match. With no listings the venue scores zero on every component and is
// never a duplicate.
func (e *Engine) Score(place *model.RawPlace, listings []model.Listing) Result {
	best := Result{
		Breakdown: model.ConfidenceBreakdown{Weights: e.cfg.Weights},
	}
	if len(listings) == 0 {
		return best
	}

	type scored struct {
		listing   model.Listing
		breakdown model.ConfidenceBreakdown
		score     float64
		distance  float64
	}

	candidates := make([]scored, 0, len(listings))
	for _, l := range listings {
		b, dist := e.compare(place, &l)
		candidates = append(candidates, scored{
			listing:   l,
			breakdown: b,
			score:     b.Combined(),
			distance:  dist,
		})
	}

	// Highest score wins; ties broken by smallest distance, then by
	// listing identifier so the result is deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].listing.ID < candidates[j].listing.ID
	})

	top := candidates[0]
	best.Breakdown = top.breakdown
	best.Score = top.score
	best.IsDuplicate = top.score >= e.cfg.Threshold

	if best.IsDuplicate {
		id := top.listing.ID
		best.DuplicateOf = &id
		best.Comparison = &model.DuplicateComparison{
			ListingID:      top.listing.ID,
			ListingName:    top.listing.Name,
			NameMatch:      top.breakdown.NameSimilarity >= 0.9,
			AddressMatch:   addressesMatch(place.Address, top.listing.Address),
			PhoneMatch:     phonesMatch(place.Phone, top.listing.Phone),
			DistanceMeters: math.Round(top.distance*10) / 10,
		}
		zap.L().Debug("duplicate flagged",
			zap.String("place", place.Name),
			zap.String("listing_id", top.listing.ID),
			zap.Float64("score", top.score),
		)
	}

	return best
}

// compare computes the component breakdown for one listing pair, returning
// the breakdown and the great-circle distance in meters (infinite when
// either side has no coordinates).
func (e *Engine) compare(place *model.RawPlace, listing *model.Listing) (model.ConfidenceBreakdown, float64) {
	dist := math.Inf(1)
	proximity := 0.0
	if place.Latitude != nil && place.Longitude != nil &&
		listing.Latitude != nil && listing.Longitude != nil {
		dist = haversineM(*place.Latitude, *place.Longitude, *listing.Latitude, *listing.Longitude)
		proximity = clamp01(1 - dist/e.cfg.ProximityRadiusM)
	}

	contact := 0.0
	if phonesMatch(place.Phone, listing.Phone) || addressesMatch(place.Address, listing.Address) {
		contact = 1.0
	}

	category := 0.0
	if categoriesMatch(place.Category, listing.Category) {
		category = 1.0
	}

	return model.ConfidenceBreakdown{
		NameSimilarity:    nameSimilarity(place.Name, listing.Name),
		LocationProximity: proximity,
		ContactMatch:      contact,
		CategoryMatch:     category,
		Weights:           e.cfg.Weights,
	}, dist
}

// nameSimilarity blends whole-string edit similarity with token-set overlap
// so reordered and partially decorated names ("Riverside Camp & Café" vs.
// "Riverside Camp") still score high. Case and diacritic insensitive.
func nameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	edit := levenshtein.Similarity(na, nb, nil)
	token := tokenOverlap(nameTokens(a), nameTokens(b))
	return clamp01(math.Max(edit, token))
}

// tokenOverlap is the Jaccard similarity of the two token sets.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	union := len(set)
	common := 0
	for _, t := range b {
		if _, ok := set[t]; ok {
			common++
			delete(set, t)
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(common) / float64(union)
}

func addressesMatch(a, b string) bool {
	na, nb := normalizeAddress(a), normalizeAddress(b)
	return na != "" && na == nb
}

func categoriesMatch(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}

// haversineM returns the great-circle distance between two coordinates in
// meters.
func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
