/*
Package factory provides JSON to Go hotel policy conversion.

PURPOSE:
  Converts a JSON hotel policy (taxes, service charge, rate seasons, invoice
  numbering) into the audit configuration types. Revenue managers edit the
  policy as JSON; the factory validates it and builds the Go structs the
  night audit reads.

JSON SCHEMA:
  {
    "taxes": [
      {"id": "vat", "name": "VAT", "rate": "10",
       "applies_to": ["room", "food-beverage", "extra", "service-charge"]}
    ],
    "service_charge": {"rate": "5", "applies_to": ["food-beverage"]},
    "rate_seasons": [
      {"name": "Summer", "from": "2026-07-01", "to": "2026-08-31", "multiplier": "1.2"},
      {"name": "Festival", "room_type": "suite", "from": "2026-08-07", "to": "2026-08-09", "multiplier": "1.5"}
    ],
    "invoice_sequence": {
      "prefix_template": "INV-{YYYY}-", "padding_length": 6,
      "reset_period": "yearly", "start_number": 0
    }
  }

RULES:
  - Rates are percentages in [0, 100]; multipliers must be positive
  - applies_to lists charge types; "payment" is not chargeable
  - Seasons are inclusive date ranges with from <= to
  - "active" defaults to true
  - Sequence padding defaults to 6, reset period to yearly

USAGE:
  f := factory.NewPolicyFactory()
  policy, err := f.ParsePolicy(jsonString)
  seq := policy.SequenceAsOf(auditDate) // nil when the JSON has none

SEE ALSO:
  - audit/types.go: TaxConfiguration, ServiceChargeConfiguration
  - audit/rates.go: RateSeason
  - audit/sequence.go: Sequence
*/
package factory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/night-audit/audit"
)

// ErrInvalidPolicy wraps every validation failure.
var ErrInvalidPolicy = errors.New("invalid hotel policy")

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// HotelPolicyJSON is the JSON representation of a hotel policy.
type HotelPolicyJSON struct {
	Taxes           []TaxJSON          `json:"taxes"`
	ServiceCharge   *ServiceChargeJSON `json:"service_charge,omitempty"`
	RateSeasons     []RateSeasonJSON   `json:"rate_seasons,omitempty"`
	InvoiceSequence *SequenceJSON      `json:"invoice_sequence,omitempty"`
}

// TaxJSON is one tax rule.
type TaxJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Rate      decimal.Decimal `json:"rate"`
	AppliesTo []string        `json:"applies_to"`
	Active    *bool           `json:"active,omitempty"`
}

// ServiceChargeJSON is the service charge rule.
type ServiceChargeJSON struct {
	Rate      decimal.Decimal `json:"rate"`
	AppliesTo []string        `json:"applies_to"`
	Active    *bool           `json:"active,omitempty"`
}

// RateSeasonJSON is one dated rate multiplier.
type RateSeasonJSON struct {
	Name       string          `json:"name"`
	RoomType   string          `json:"room_type,omitempty"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// SequenceJSON configures invoice numbering.
type SequenceJSON struct {
	Prefix         string `json:"prefix,omitempty"`
	PrefixTemplate string `json:"prefix_template,omitempty"`
	PaddingLength  int    `json:"padding_length,omitempty"`
	ResetPeriod    string `json:"reset_period,omitempty"`
	StartNumber    int64  `json:"start_number,omitempty"`
}

// =============================================================================
// HOTEL POLICY - Parsed result
// =============================================================================

// HotelPolicy is a validated policy in domain types.
type HotelPolicy struct {
	Taxes         []audit.TaxConfiguration
	ServiceCharge *audit.ServiceChargeConfiguration
	Seasons       []audit.RateSeason

	// Sequence has no ID or PeriodStart yet; see SequenceAsOf.
	Sequence *audit.Sequence
}

// SequenceAsOf anchors the invoice sequence in the reset period containing
// date and renders its prefix. Returns nil when the policy has no sequence.
func (p *HotelPolicy) SequenceAsOf(date time.Time) *audit.Sequence {
	if p.Sequence == nil {
		return nil
	}
	seq := *p.Sequence
	seq.PeriodStart = seq.ResetPeriod.PeriodStart(audit.BusinessDate(date))
	if seq.PrefixTemplate != "" {
		seq.Prefix = audit.RenderPrefix(seq.PrefixTemplate, seq.PeriodStart)
	}
	return &seq
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory creates hotel policies from JSON.
type PolicyFactory struct{}

// NewPolicyFactory creates a new policy factory.
func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses and validates a JSON hotel policy.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (*HotelPolicy, error) {
	var pj HotelPolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return f.FromJSON(pj)
}

// FromJSON converts HotelPolicyJSON to a HotelPolicy.
func (f *PolicyFactory) FromJSON(pj HotelPolicyJSON) (*HotelPolicy, error) {
	policy := &HotelPolicy{}

	seen := make(map[string]bool)
	for i, tj := range pj.Taxes {
		if tj.ID == "" {
			return nil, invalid("taxes[%d]: id is required", i)
		}
		if seen[tj.ID] {
			return nil, invalid("taxes[%d]: duplicate id %q", i, tj.ID)
		}
		seen[tj.ID] = true
		if err := checkPercent(tj.Rate); err != nil {
			return nil, invalid("tax %s: %v", tj.ID, err)
		}
		appliesTo, err := parseChargeTypes(tj.AppliesTo)
		if err != nil {
			return nil, invalid("tax %s: %v", tj.ID, err)
		}
		name := tj.Name
		if name == "" {
			name = tj.ID
		}
		policy.Taxes = append(policy.Taxes, audit.TaxConfiguration{
			ID:        tj.ID,
			Name:      name,
			Rate:      tj.Rate,
			AppliesTo: appliesTo,
			IsActive:  active(tj.Active),
		})
	}

	if sj := pj.ServiceCharge; sj != nil {
		if err := checkPercent(sj.Rate); err != nil {
			return nil, invalid("service charge: %v", err)
		}
		appliesTo, err := parseChargeTypes(sj.AppliesTo)
		if err != nil {
			return nil, invalid("service charge: %v", err)
		}
		policy.ServiceCharge = &audit.ServiceChargeConfiguration{
			Rate:      sj.Rate,
			AppliesTo: appliesTo,
			IsActive:  active(sj.Active),
		}
	}

	for i, rj := range pj.RateSeasons {
		season, err := parseRateSeason(rj)
		if err != nil {
			return nil, invalid("rate_seasons[%d]: %v", i, err)
		}
		policy.Seasons = append(policy.Seasons, season)
	}

	if sj := pj.InvoiceSequence; sj != nil {
		seq, err := parseSequence(*sj)
		if err != nil {
			return nil, invalid("invoice_sequence: %v", err)
		}
		policy.Sequence = &seq
	}

	return policy, nil
}

// ToJSON converts a HotelPolicy to HotelPolicyJSON.
func (f *PolicyFactory) ToJSON(policy *HotelPolicy) HotelPolicyJSON {
	pj := HotelPolicyJSON{Taxes: []TaxJSON{}}

	for _, t := range policy.Taxes {
		isActive := t.IsActive
		pj.Taxes = append(pj.Taxes, TaxJSON{
			ID:        t.ID,
			Name:      t.Name,
			Rate:      t.Rate,
			AppliesTo: chargeTypeStrings(t.AppliesTo),
			Active:    &isActive,
		})
	}

	if sc := policy.ServiceCharge; sc != nil {
		isActive := sc.IsActive
		pj.ServiceCharge = &ServiceChargeJSON{
			Rate:      sc.Rate,
			AppliesTo: chargeTypeStrings(sc.AppliesTo),
			Active:    &isActive,
		}
	}

	for _, s := range policy.Seasons {
		pj.RateSeasons = append(pj.RateSeasons, RateSeasonJSON{
			Name:       s.Name,
			RoomType:   s.RoomType,
			From:       audit.FormatDate(s.From),
			To:         audit.FormatDate(s.To),
			Multiplier: s.Multiplier,
		})
	}

	if seq := policy.Sequence; seq != nil {
		pj.InvoiceSequence = &SequenceJSON{
			Prefix:         seq.Prefix,
			PrefixTemplate: seq.PrefixTemplate,
			PaddingLength:  seq.PaddingLength,
			ResetPeriod:    string(seq.ResetPeriod),
			StartNumber:    seq.CurrentNumber,
		}
	}

	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

var hundred = decimal.NewFromInt(100)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPolicy, fmt.Sprintf(format, args...))
}

func active(b *bool) bool { return b == nil || *b }

func checkPercent(rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return fmt.Errorf("rate %s must be between 0 and 100", rate)
	}
	return nil
}

func parseChargeType(s string) (audit.ChargeType, error) {
	switch t := audit.ChargeType(s); t {
	case audit.ChargeRoom, audit.ChargeFoodBeverage, audit.ChargeExtra,
		audit.ChargeTax, audit.ChargeServiceCharge:
		return t, nil
	case audit.ChargePayment:
		return "", fmt.Errorf("payments cannot be charged")
	}
	return "", fmt.Errorf("unknown charge type %q", s)
}

func parseChargeTypes(ss []string) ([]audit.ChargeType, error) {
	if len(ss) == 0 {
		return nil, fmt.Errorf("applies_to is empty")
	}
	out := make([]audit.ChargeType, 0, len(ss))
	for _, s := range ss {
		t, err := parseChargeType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func chargeTypeStrings(ts []audit.ChargeType) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}

func parseRateSeason(rj RateSeasonJSON) (audit.RateSeason, error) {
	if rj.Name == "" {
		return audit.RateSeason{}, fmt.Errorf("name is required")
	}
	from, err := audit.ParseDate(rj.From)
	if err != nil {
		return audit.RateSeason{}, fmt.Errorf("from: %w", err)
	}
	to, err := audit.ParseDate(rj.To)
	if err != nil {
		return audit.RateSeason{}, fmt.Errorf("to: %w", err)
	}
	if to.Before(from) {
		return audit.RateSeason{}, fmt.Errorf("%s ends before it starts", rj.Name)
	}
	if !rj.Multiplier.IsPositive() {
		return audit.RateSeason{}, fmt.Errorf("%s: multiplier must be positive", rj.Name)
	}
	return audit.RateSeason{
		Name:       rj.Name,
		RoomType:   rj.RoomType,
		From:       from,
		To:         to,
		Multiplier: rj.Multiplier,
	}, nil
}

func parseSequence(sj SequenceJSON) (audit.Sequence, error) {
	seq := audit.Sequence{
		Type:           audit.GuestFolioSequence,
		Prefix:         sj.Prefix,
		PrefixTemplate: sj.PrefixTemplate,
		CurrentNumber:  sj.StartNumber,
		PaddingLength:  sj.PaddingLength,
		ResetPeriod:    audit.ResetPeriod(sj.ResetPeriod),
		IsActive:       true,
	}
	if seq.PaddingLength == 0 {
		seq.PaddingLength = 6
	}
	if seq.PaddingLength < 1 || seq.PaddingLength > 12 {
		return audit.Sequence{}, fmt.Errorf("padding_length %d out of range", seq.PaddingLength)
	}
	if seq.ResetPeriod == "" {
		seq.ResetPeriod = audit.ResetYearly
	}
	if !seq.ResetPeriod.Valid() {
		return audit.Sequence{}, fmt.Errorf("unknown reset_period %q", sj.ResetPeriod)
	}
	if seq.CurrentNumber < 0 {
		return audit.Sequence{}, fmt.Errorf("start_number must not be negative")
	}
	if seq.Prefix == "" && seq.PrefixTemplate == "" {
		seq.Prefix = "INV-"
	}
	return seq, nil
}
