package factory

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
)

const fullPolicy = `{
	"taxes": [
		{"id": "vat", "name": "VAT", "rate": "10", "applies_to": ["room", "food-beverage", "service-charge"]},
		{"id": "city", "rate": 2.5, "applies_to": ["room"], "active": false}
	],
	"service_charge": {"rate": "5", "applies_to": ["food-beverage"]},
	"rate_seasons": [
		{"name": "Summer", "from": "2026-07-01", "to": "2026-08-31", "multiplier": "1.2"},
		{"name": "Festival", "room_type": "suite", "from": "2026-08-07", "to": "2026-08-09", "multiplier": "1.5"}
	],
	"invoice_sequence": {"prefix_template": "INV-{YYYY}-", "padding_length": 5, "start_number": 1287}
}`

func TestParsePolicy_Full(t *testing.T) {
	f := NewPolicyFactory()

	p, err := f.ParsePolicy(fullPolicy)

	require.NoError(t, err)
	require.Len(t, p.Taxes, 2)
	assert.Equal(t, "VAT", p.Taxes[0].Name)
	assert.True(t, p.Taxes[0].IsActive)
	assert.Equal(t, []audit.ChargeType{audit.ChargeRoom, audit.ChargeFoodBeverage, audit.ChargeServiceCharge}, p.Taxes[0].AppliesTo)
	assert.Equal(t, "city", p.Taxes[1].Name, "name defaults to id")
	assert.Equal(t, "2.5", p.Taxes[1].Rate.String())
	assert.False(t, p.Taxes[1].IsActive)

	require.NotNil(t, p.ServiceCharge)
	assert.Equal(t, "5", p.ServiceCharge.Rate.String())
	assert.True(t, p.ServiceCharge.IsActive)

	require.Len(t, p.Seasons, 2)
	assert.Equal(t, "suite", p.Seasons[1].RoomType)
	assert.Equal(t, audit.NewDate(2026, time.August, 9), p.Seasons[1].To)

	require.NotNil(t, p.Sequence)
	assert.Equal(t, int64(1287), p.Sequence.CurrentNumber)
	assert.Equal(t, audit.ResetYearly, p.Sequence.ResetPeriod)
	assert.Equal(t, audit.GuestFolioSequence, p.Sequence.Type)
}

func TestSequenceAsOf_AnchorsPeriodAndPrefix(t *testing.T) {
	p, err := NewPolicyFactory().ParsePolicy(fullPolicy)
	require.NoError(t, err)

	seq := p.SequenceAsOf(audit.NewDate(2025, time.December, 31))

	require.NotNil(t, seq)
	assert.Equal(t, audit.NewDate(2025, time.January, 1), seq.PeriodStart)
	assert.Equal(t, "INV-2025-", seq.Prefix)
	assert.Equal(t, "INV-2025-01288", seq.Format(seq.CurrentNumber+1))
	assert.True(t, p.Sequence.PeriodStart.IsZero(), "parsed policy is not modified")
}

func TestSequenceAsOf_NoSequence(t *testing.T) {
	p, err := NewPolicyFactory().ParsePolicy(`{"taxes": []}`)
	require.NoError(t, err)

	assert.Nil(t, p.SequenceAsOf(time.Now()))
}

func TestParsePolicy_SequenceDefaults(t *testing.T) {
	p, err := NewPolicyFactory().ParsePolicy(`{"invoice_sequence": {}}`)
	require.NoError(t, err)

	assert.Equal(t, "INV-", p.Sequence.Prefix)
	assert.Equal(t, 6, p.Sequence.PaddingLength)
	assert.Equal(t, audit.ResetYearly, p.Sequence.ResetPeriod)
}

func TestParsePolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"taxes": [`},
		{"tax without id", `{"taxes": [{"rate": "10", "applies_to": ["room"]}]}`},
		{"duplicate tax", `{"taxes": [{"id": "vat", "rate": "10", "applies_to": ["room"]}, {"id": "vat", "rate": "5", "applies_to": ["room"]}]}`},
		{"negative rate", `{"taxes": [{"id": "vat", "rate": "-1", "applies_to": ["room"]}]}`},
		{"rate over 100", `{"service_charge": {"rate": "150", "applies_to": ["room"]}}`},
		{"taxing payments", `{"taxes": [{"id": "vat", "rate": "10", "applies_to": ["payment"]}]}`},
		{"unknown charge type", `{"taxes": [{"id": "vat", "rate": "10", "applies_to": ["spa"]}]}`},
		{"empty applies_to", `{"service_charge": {"rate": "10", "applies_to": []}}`},
		{"season backwards", `{"rate_seasons": [{"name": "x", "from": "2026-08-01", "to": "2026-07-01", "multiplier": "1.1"}]}`},
		{"season bad date", `{"rate_seasons": [{"name": "x", "from": "01/08/2026", "to": "2026-08-31", "multiplier": "1.1"}]}`},
		{"season zero multiplier", `{"rate_seasons": [{"name": "x", "from": "2026-08-01", "to": "2026-08-31", "multiplier": "0"}]}`},
		{"unknown reset period", `{"invoice_sequence": {"reset_period": "weekly"}}`},
		{"padding too long", `{"invoice_sequence": {"padding_length": 40}}`},
	}

	f := NewPolicyFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tt.json)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPolicy), err.Error())
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewPolicyFactory()
	p, err := f.ParsePolicy(fullPolicy)
	require.NoError(t, err)

	again, err := f.FromJSON(f.ToJSON(p))

	require.NoError(t, err)
	assert.Equal(t, p.Taxes, again.Taxes)
	assert.Equal(t, p.ServiceCharge, again.ServiceCharge)
	assert.Equal(t, p.Seasons, again.Seasons)
	assert.Equal(t, p.Sequence, again.Sequence)
}
