package policy

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Constraint is the category-specific payload of a rule. The set of
// implementations is closed: only this package can add one, and the
// verifier switches over all of them.
type Constraint interface {
	// Category returns the category the constraint belongs to.
	Category() Category

	sealed()
}

// CostConstraint caps estimated spend. Zero fields are not enforced.
type CostConstraint struct {
	MaxCostPerRequest float64 `yaml:"max_cost_per_request" json:"max_cost_per_request,omitempty"`
	MaxDailyCost      float64 `yaml:"max_daily_cost" json:"max_daily_cost,omitempty"`
}

// VendorConstraint restricts vendors. Matching is case-insensitive.
// An empty allow list allows every vendor not on the deny list.
type VendorConstraint struct {
	AllowedVendors []string `yaml:"allowed_vendors" json:"allowed_vendors,omitempty"`
	BlockedVendors []string `yaml:"blocked_vendors" json:"blocked_vendors,omitempty"`
}

// BehavioralConstraint limits prompt size and per-tenant request rate.
// Zero fields are not enforced.
type BehavioralConstraint struct {
	MaxPromptLength      int `yaml:"max_prompt_length" json:"max_prompt_length,omitempty"`
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute" json:"max_requests_per_minute,omitempty"`
}

// PerformanceConstraint sets floors on observed backend behaviour.
// Zero fields are not enforced.
type PerformanceConstraint struct {
	MaxP95Latency  time.Duration `yaml:"max_p95_latency" json:"max_p95_latency,omitempty"`
	MinSuccessRate float64       `yaml:"min_success_rate" json:"min_success_rate,omitempty"`
}

// ResidencyConstraint lists the regions a backend must serve from.
type ResidencyConstraint struct {
	AllowedRegions []string `yaml:"allowed_regions" json:"allowed_regions"`
}

// ComplianceConstraint lists metadata keys that must be present and non-empty.
type ComplianceConstraint struct {
	RequiredMetadata []string `yaml:"required_metadata" json:"required_metadata"`
}

// Malformed stands in for a constraint payload that could not be decoded
// or failed validation. Evaluating it always errors, so the rule fails open.
type Malformed struct {
	Of  Category
	Err error
}

func (CostConstraint) Category() Category        { return CategoryCost }
func (VendorConstraint) Category() Category      { return CategoryVendor }
func (BehavioralConstraint) Category() Category  { return CategoryBehavioral }
func (PerformanceConstraint) Category() Category { return CategoryPerformance }
func (ResidencyConstraint) Category() Category   { return CategoryDataResidency }
func (ComplianceConstraint) Category() Category  { return CategoryCompliance }
func (m Malformed) Category() Category           { return m.Of }

func (CostConstraint) sealed()        {}
func (VendorConstraint) sealed()      {}
func (BehavioralConstraint) sealed()  {}
func (PerformanceConstraint) sealed() {}
func (ResidencyConstraint) sealed()   {}
func (ComplianceConstraint) sealed()  {}
func (Malformed) sealed()             {}

func (c CostConstraint) validate() error {
	if c.MaxCostPerRequest < 0 || c.MaxDailyCost < 0 {
		return errors.New("cost limits must be non-negative")
	}
	if c.MaxCostPerRequest == 0 && c.MaxDailyCost == 0 {
		return errors.New("one of max_cost_per_request or max_daily_cost is required")
	}
	return nil
}

func (c VendorConstraint) validate() error {
	if len(c.AllowedVendors) == 0 && len(c.BlockedVendors) == 0 {
		return errors.New("one of allowed_vendors or blocked_vendors is required")
	}
	return nil
}

func (c BehavioralConstraint) validate() error {
	if c.MaxPromptLength < 0 || c.MaxRequestsPerMinute < 0 {
		return errors.New("behavioral limits must be non-negative")
	}
	if c.MaxPromptLength == 0 && c.MaxRequestsPerMinute == 0 {
		return errors.New("one of max_prompt_length or max_requests_per_minute is required")
	}
	return nil
}

func (c PerformanceConstraint) validate() error {
	if c.MaxP95Latency < 0 {
		return errors.New("max_p95_latency must be non-negative")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return errors.New("min_success_rate must be between 0 and 1")
	}
	if c.MaxP95Latency == 0 && c.MinSuccessRate == 0 {
		return errors.New("one of max_p95_latency or min_success_rate is required")
	}
	return nil
}

func (c ResidencyConstraint) validate() error {
	if len(c.AllowedRegions) == 0 {
		return errors.New("allowed_regions must not be empty")
	}
	return nil
}

func (c ComplianceConstraint) validate() error {
	if len(c.RequiredMetadata) == 0 {
		return errors.New("required_metadata must not be empty")
	}
	return nil
}

// DecodeConstraint decodes a YAML payload into the variant for category.
// Decoding never fails: bad payloads come back as Malformed.
func DecodeConstraint(category Category, node *yaml.Node) Constraint {
	var (
		c   Constraint
		err error
	)

	switch category {
	case CategoryCost:
		var v CostConstraint
		err = decodeAndValidate(node, &v)
		c = v
	case CategoryVendor:
		var v VendorConstraint
		err = decodeAndValidate(node, &v)
		c = v
	case CategoryBehavioral:
		var v BehavioralConstraint
		err = decodeAndValidate(node, &v)
		c = v
	case CategoryPerformance:
		var v PerformanceConstraint
		err = decodeAndValidate(node, &v)
		c = v
	case CategoryDataResidency:
		var v ResidencyConstraint
		err = decodeAndValidate(node, &v)
		c = v
	case CategoryCompliance:
		var v ComplianceConstraint
		err = decodeAndValidate(node, &v)
		c = v
	default:
		err = fmt.Errorf("unknown category %q", category)
	}

	if err != nil {
		return Malformed{Of: category, Err: err}
	}
	return c
}

type validator interface {
	validate() error
}

func decodeAndValidate[T validator](node *yaml.Node, out *T) error {
	if node == nil || node.Kind == 0 {
		return errors.New("constraints payload is missing")
	}
	if err := node.Decode(out); err != nil {
		return fmt.Errorf("decode constraints: %w", err)
	}
	return (*out).validate()
}
