// Package cost computes budget figures for directory API usage.
package cost

// Rates holds per-provider pricing configuration.
type Rates struct {
	Places PlacesRate `yaml:"places" mapstructure:"places"`
}

// PlacesRate holds the external directory's per-call pricing in USD.
type PlacesRate struct {
	SearchPerCall float64 `yaml:"search_per_call" mapstructure:"search_per_call"`
	PhotoPerCall  float64 `yaml:"photo_per_call" mapstructure:"photo_per_call"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// SearchCall returns the cost of one paged directory search request.
func (c *Calculator) SearchCall() float64 {
	return c.rates.Places.SearchPerCall
}

// PhotoCalls returns the cost of fetching n photo references.
func (c *Calculator) PhotoCalls(n int) float64 {
	if n <= 0 {
		return 0
	}
	return float64(n) * c.rates.Places.PhotoPerCall
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Places: PlacesRate{
			SearchPerCall: 0.032,
			PhotoPerCall:  0.007,
		},
	}
}
