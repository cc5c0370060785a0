package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerengine/internal/gate"
	"ledgerengine/internal/money"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func samplePolicy(t *testing.T, version string) Policy {
	t.Helper()
	return Policy{
		ID:             "SE_REPR_MEAL_V1",
		Version:        version,
		Country:        "SE",
		EffectiveFrom:  mustDate(t, "2025-01-01"),
		CatalogVersion: "2025_v1.0",
		Match:          Match{Intent: "representation_meal"},
		VAT:            VATSpec{Rate: money.MustParse("12")},
		Posting: []PostingTemplate{
			{AccountRef: "bank", Side: Credit, Amount: AmountGross},
		},
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"id":"X","version":"1.0","country":"SE","effective_from":"2025-01-01T00:00:00Z","catalog_version":"2025_v1.0","match":{"intent":"x"},"vat":{"rate":"12"},"posting":[{"account":"1930","side":"K","amount":"gross"}],"made_up_field":1}`)
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestParseRejectsPostingLineWithBothAccountAndRef(t *testing.T) {
	p := samplePolicy(t, "1.0")
	p.Posting[0].Account = "1930"
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	_, err = Parse(raw)
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestParseRejectsPostingLineWithNeitherAccountNorRef(t *testing.T) {
	p := samplePolicy(t, "1.0")
	p.Posting[0].AccountRef = ""
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	_, err = Parse(raw)
	assert.ErrorIs(t, err, ErrPolicyInvalid)
}

func TestSelectFromOrdersBySpecificityThenVersion(t *testing.T) {
	broad := samplePolicy(t, "1.0")
	broad.ID = "broad"

	narrow := samplePolicy(t, "1.0")
	narrow.ID = "narrow"
	narrow.Match.Slots = map[string]string{"purpose": "client lunch"}

	newerBroad := samplePolicy(t, "2.0")
	newerBroad.ID = "newer-broad"

	candidates := []*Policy{&broad, &narrow, &newerBroad}
	out := SelectFrom(candidates, "representation_meal", map[string]interface{}{"purpose": "client lunch"})

	require.Len(t, out, 3)
	assert.Equal(t, "narrow", out[0].ID, "narrower match (more slot predicates) wins first")
	assert.Equal(t, "newer-broad", out[1].ID, "among equally-specific matches, newer version wins")
	assert.Equal(t, "broad", out[2].ID)
}

func TestSelectFromFiltersBySlotMismatch(t *testing.T) {
	narrow := samplePolicy(t, "1.0")
	narrow.Match.Slots = map[string]string{"purpose": "client lunch"}

	out := SelectFrom([]*Policy{&narrow}, "representation_meal", map[string]interface{}{"purpose": "team building"})
	assert.Empty(t, out)
}

func TestStoreForCountryAndDateIgnoresIntent(t *testing.T) {
	store := NewStore()
	p := samplePolicy(t, "1.0")
	require.NoError(t, store.Add(&p))

	out := store.ForCountryAndDate("SE", mustDate(t, "2025-06-01"))
	require.Len(t, out, 1)

	out = store.ForCountryAndDate("DE", mustDate(t, "2025-06-01"))
	assert.Empty(t, out)

	out = store.ForCountryAndDate("SE", mustDate(t, "2024-01-01"))
	assert.Empty(t, out)
}

func TestStoreGetNotFound(t *testing.T) {
	store := NewStore()
	_, err := store.Get("missing", "1.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareVersionsNumericAware(t *testing.T) {
	assert.True(t, compareVersions("2025_v1.10", "2025_v1.2") > 0, "1.10 should be newer than 1.2 numerically")
	assert.True(t, compareVersions("1.0", "1.0") == 0)
}

func TestStoplightDefaults(t *testing.T) {
	s := gate.Stoplight{}.Defaults()
	assert.Equal(t, gate.Clarify, s.OnMissingRequired)
	assert.Equal(t, gate.Park, s.OnFail)
}
