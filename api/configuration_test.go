package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/night-audit/audit"
	"github.com/warp/night-audit/factory"
)

const cityPolicy = `{
	"taxes": [
		{"id": "vat", "name": "VAT", "rate": "10", "applies_to": ["room", "food-beverage"]},
		{"id": "city", "name": "City tax", "rate": "3", "applies_to": ["room"]}
	],
	"service_charge": {"rate": "5", "applies_to": ["food-beverage"]},
	"rate_seasons": [{"name": "Spring fair", "from": "2026-03-10", "to": "2026-03-20", "multiplier": "1.25"}],
	"invoice_sequence": {"prefix_template": "H1-{YY}{MM}-", "padding_length": 4, "reset_period": "monthly"}
}`

func TestConfiguration_EmptyHotel(t *testing.T) {
	api := newTestAPI(t, march15)

	rec := api.do(http.MethodGet, "/api/configuration", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	pj := decode[factory.HotelPolicyJSON](t, rec)
	assert.Empty(t, pj.Taxes)
	assert.Nil(t, pj.ServiceCharge)
	assert.Nil(t, pj.InvoiceSequence)
}

func TestConfiguration_PutThenGet(t *testing.T) {
	// GIVEN: An empty hotel
	api := newTestAPI(t, march15)

	// WHEN: Applying a policy
	rec := api.do(http.MethodPut, "/api/configuration", cityPolicy)

	// THEN: Everything it names is stored, and the sequence is anchored in March
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pj := decode[factory.HotelPolicyJSON](t, rec)
	require.Len(t, pj.Taxes, 2)
	require.Len(t, pj.RateSeasons, 1)
	require.NotNil(t, pj.InvoiceSequence)
	assert.Equal(t, "H1-2603-", pj.InvoiceSequence.Prefix)

	ctx := context.Background()
	seq, err := api.store.ActiveSequence(ctx, audit.GuestFolioSequence)
	require.NoError(t, err)
	require.NotNil(t, seq)
	assert.Equal(t, audit.NewDate(2026, 3, 1), seq.PeriodStart)
	assert.Equal(t, "H1-2603-0001", seq.Format(1))

	m, err := api.store.Multiplier(ctx, "standard", audit.NewDate(2026, 3, 14))
	require.NoError(t, err)
	assert.Equal(t, "1.25", m.String())
}

func TestConfiguration_ReplaceKeepsCounterAndDeactivatesTaxes(t *testing.T) {
	// GIVEN: A hotel that has already issued invoices
	api := newTestAPI(t, march15)
	api.loadScenario("typical-night")
	api.runAudit("2026-03-14")

	// WHEN: Replacing the policy without the VAT entry
	rec := api.do(http.MethodPut, "/api/configuration", `{
		"taxes": [{"id": "gst", "rate": "7", "applies_to": ["room"]}],
		"invoice_sequence": {"prefix": "INV-", "padding_length": 8}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The counter survives, VAT is inactive, service charge is gone
	ctx := context.Background()
	seq, err := api.store.ActiveSequence(ctx, audit.GuestFolioSequence)
	require.NoError(t, err)
	assert.Equal(t, int64(43), seq.CurrentNumber)
	assert.Equal(t, "INV-00000044", seq.Format(seq.CurrentNumber+1))

	taxes, err := api.store.ListTaxConfigurations(ctx)
	require.NoError(t, err)
	active := map[string]bool{}
	for _, tc := range taxes {
		active[tc.ID] = tc.IsActive
	}
	assert.Equal(t, map[string]bool{"gst": true, "vat": false}, active)

	sc, err := api.store.ServiceChargeConfiguration(ctx)
	require.NoError(t, err)
	assert.Nil(t, sc)
}

func TestConfiguration_RejectsInvalidPolicy(t *testing.T) {
	api := newTestAPI(t, march15)

	rec := api.do(http.MethodPut, "/api/configuration", `{"taxes": [{"id": "vat", "rate": "120", "applies_to": ["room"]}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/api/configuration", `{"taxes": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	taxes, err := api.store.ListTaxConfigurations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, taxes)
}
