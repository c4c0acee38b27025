package registry

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Tier is the ordered capability classification of a backend.
// Higher tiers are more capable and generally more expensive.
type Tier int

const (
	// TierUnknown is the zero value and never valid on a descriptor.
	TierUnknown Tier = iota
	// Tier1 covers fast, small models.
	Tier1
	// Tier2 covers balanced models.
	Tier2
	// Tier3 covers advanced reasoning models.
	Tier3
)

// String returns the canonical tier name ("Tier_1").
func (t Tier) String() string {
	if t < Tier1 || t > Tier3 {
		return "Tier_unknown"
	}
	return fmt.Sprintf("Tier_%d", int(t))
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// ParseTier accepts "Tier_1", "tier1", "t1" or "1" (case-insensitive).
func ParseTier(s string) (Tier, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "tier")
	v = strings.TrimPrefix(v, "t")
	v = strings.TrimPrefix(v, "_")
	n, err := strconv.Atoi(v)
	if err != nil || !Tier(n).Valid() {
		return TierUnknown, fmt.Errorf("invalid capability tier %q", s)
	}
	return Tier(n), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler; yaml.v3, TOML and JSON
// decoders all use it.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// GlobalRegion is the region value meaning "served everywhere".
const GlobalRegion = "global"

// DefaultPriorSuccess is the prior success probability assumed when a
// catalog entry omits it.
const DefaultPriorSuccess = 0.99

// BackendDescriptor describes one interchangeable execution target.
// Descriptors are values; the registry hands out copies so a routing
// decision always sees a consistent snapshot.
type BackendDescriptor struct {
	ID                string   `json:"id"`
	Vendor            string   `json:"vendor"`
	Tier              Tier     `json:"tier"`
	ContextWindow     int      `json:"context_window"`
	CostInPerMillion  float64  `json:"cost_in_per_million"`
	CostOutPerMillion float64  `json:"cost_out_per_million"`
	SupportsTools     bool     `json:"supports_tools"`
	Active            bool     `json:"active"`
	QuotaRPM          int      `json:"quota_rpm"`
	QuotaTPM          int      `json:"quota_tpm"`
	Regions           []string `json:"regions"`

	// PriorSuccess is the configured probability (0,1] that a call succeeds.
	// It is static configuration and is not learned from outcomes.
	PriorSuccess float64 `json:"prior_success"`
}

// Validate checks descriptor invariants.
func (d BackendDescriptor) Validate() error {
	switch {
	case d.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidDescriptor)
	case d.Vendor == "":
		return fmt.Errorf("%w: %s: vendor is required", ErrInvalidDescriptor, d.ID)
	case !d.Tier.Valid():
		return fmt.Errorf("%w: %s: invalid tier %d", ErrInvalidDescriptor, d.ID, int(d.Tier))
	case d.ContextWindow <= 0:
		return fmt.Errorf("%w: %s: context window must be positive", ErrInvalidDescriptor, d.ID)
	case d.CostInPerMillion < 0 || d.CostOutPerMillion < 0:
		return fmt.Errorf("%w: %s: costs must be non-negative", ErrInvalidDescriptor, d.ID)
	case d.QuotaRPM < 0 || d.QuotaTPM < 0:
		return fmt.Errorf("%w: %s: quotas must be non-negative", ErrInvalidDescriptor, d.ID)
	case d.PriorSuccess <= 0 || d.PriorSuccess > 1:
		return fmt.Errorf("%w: %s: prior success must be in (0,1], got %v", ErrInvalidDescriptor, d.ID, d.PriorSuccess)
	}
	return nil
}

// ServesRegion reports whether the backend may serve region.
// An empty region, or a backend listing "global", always matches.
func (d BackendDescriptor) ServesRegion(region string) bool {
	if region == "" || len(d.Regions) == 0 {
		return true
	}
	return slices.ContainsFunc(d.Regions, func(r string) bool {
		return strings.EqualFold(r, GlobalRegion) || strings.EqualFold(r, region)
	})
}

// EstimateCost returns the cost of a call with the given token counts.
func (d BackendDescriptor) EstimateCost(tokensIn, tokensOut int) float64 {
	return float64(tokensIn)/1e6*d.CostInPerMillion + float64(tokensOut)/1e6*d.CostOutPerMillion
}

// AverageCostPerMillion is the mean of input and output prices.
func (d BackendDescriptor) AverageCostPerMillion() float64 {
	return (d.CostInPerMillion + d.CostOutPerMillion) / 2
}

func (d BackendDescriptor) clone() BackendDescriptor {
	d.Regions = slices.Clone(d.Regions)
	return d
}
