package catalog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func sampleCatalogJSON(t *testing.T, version string) []byte {
	t.Helper()
	c := AccountCatalog{
		Version:       version,
		EffectiveFrom: mustDate(t, "2025-01-01"),
		Country:       "SE",
		Accounts: []AccountRecord{
			{Number: "1930", Name: "Bank", Type: Asset, SemanticTags: []string{"bank"}},
			{Number: "6071", Name: "Representation", Type: Expense, SemanticTags: []string{"deductible_net_expense"}},
		},
	}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	return raw
}

func TestParseCatalogRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"version":"v1","effective_from":"2025-01-01T00:00:00Z","accounts":[{"number":"1930","name":"Bank","type":"asset"}],"unexpected_field":true}`)
	_, err := ParseCatalog(raw)
	assert.Error(t, err)
}

func TestParseCatalogRejectsDuplicateAccountNumbers(t *testing.T) {
	c := AccountCatalog{
		Version:       "v1",
		EffectiveFrom: mustDate(t, "2025-01-01"),
		Accounts: []AccountRecord{
			{Number: "1930", Name: "Bank", Type: Asset},
			{Number: "1930", Name: "Bank 2", Type: Asset},
		},
	}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	_, err = ParseCatalog(raw)
	assert.ErrorContains(t, err, "duplicate account number")
}

func TestResolveAccountByTagAmbiguous(t *testing.T) {
	c := AccountCatalog{
		Version:       "v1",
		EffectiveFrom: mustDate(t, "2025-01-01"),
		Accounts: []AccountRecord{
			{Number: "1930", Name: "Bank", Type: Asset, SemanticTags: []string{"bank"}},
			{Number: "1931", Name: "Bank 2", Type: Asset, SemanticTags: []string{"bank"}},
		},
	}
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	_, err = ParseCatalog(raw)
	assert.ErrorContains(t, err, "maps to both")
}

func TestStoreResolveForDateEffectiveWindow(t *testing.T) {
	store := NewStore()
	v1 := AccountCatalog{
		Version:       "2025_v1.0",
		EffectiveFrom: mustDate(t, "2025-01-01"),
		EffectiveTo:   ptr(mustDate(t, "2025-06-30")),
		Country:       "SE",
		Accounts:      []AccountRecord{{Number: "1930", Name: "Bank", Type: Asset}},
	}
	v2 := AccountCatalog{
		Version:       "2025_v2.0",
		EffectiveFrom: mustDate(t, "2025-07-01"),
		Country:       "SE",
		Accounts:      []AccountRecord{{Number: "1930", Name: "Bank", Type: Asset}},
	}
	raw1, _ := json.Marshal(v1)
	raw2, _ := json.Marshal(v2)
	_, err := store.LoadJSON(raw1)
	require.NoError(t, err)
	_, err = store.LoadJSON(raw2)
	require.NoError(t, err)

	onOldCutover, err := store.ResolveForDate("SE", mustDate(t, "2025-06-30"))
	require.NoError(t, err)
	assert.Equal(t, "2025_v1.0", onOldCutover.Version)

	dayAfter, err := store.ResolveForDate("SE", mustDate(t, "2025-07-01"))
	require.NoError(t, err)
	assert.Equal(t, "2025_v2.0", dayAfter.Version)

	_, err = store.ResolveForDate("SE", mustDate(t, "2024-12-31"))
	assert.ErrorIs(t, err, ErrNoCatalogForDate)
}

func TestValidateNumberRegionRestriction(t *testing.T) {
	c := AccountCatalog{
		Version:       "v1",
		EffectiveFrom: mustDate(t, "2025-01-01"),
		Accounts: []AccountRecord{
			{Number: "1930", Name: "Bank", Type: Asset, AllowedRegions: []string{"DE"}},
		},
	}
	require.NoError(t, c.index())

	err := ValidateNumber(&c, "1930", "SE")
	assert.ErrorIs(t, err, ErrRegionNotAllowed)

	err = ValidateNumber(&c, "1930", "DE")
	assert.NoError(t, err)

	err = ValidateNumber(&c, "9999", "DE")
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestStoreResolveForDateSameDayCutoverPrefersNewer(t *testing.T) {
	store := NewStore()
	older := AccountCatalog{
		Version:       "2025_v1.0",
		EffectiveFrom: mustDate(t, "2025-01-01"),
		Country:       "SE",
		Accounts:      []AccountRecord{{Number: "1930", Name: "Bank", Type: Asset}},
	}
	newer := AccountCatalog{
		Version:       "2025_v2.0",
		EffectiveFrom: mustDate(t, "2025-07-01"),
		Country:       "SE",
		Accounts:      []AccountRecord{{Number: "1930", Name: "Bank", Type: Asset}},
	}
	rawOlder, _ := json.Marshal(older)
	rawNewer, _ := json.Marshal(newer)
	_, err := store.LoadJSON(rawOlder)
	require.NoError(t, err)
	_, err = store.LoadJSON(rawNewer)
	require.NoError(t, err)

	resolved, err := store.ResolveForDate("SE", mustDate(t, "2025-07-01"))
	require.NoError(t, err)
	assert.Equal(t, "2025_v2.0", resolved.Version)
}

func ptr[T any](v T) *T { return &v }
