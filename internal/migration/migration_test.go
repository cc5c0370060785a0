package migration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/money"
	"ledgerengine/internal/policy"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

// targetCatalog builds a catalog through ParseCatalog (a JSON round trip)
// since AccountCatalog's account index is only built there.
func targetCatalog(t *testing.T, version string, accounts ...string) *catalog.AccountCatalog {
	t.Helper()
	unindexed := catalog.AccountCatalog{Version: version, EffectiveFrom: mustDate(t, "2025-07-01")}
	for _, a := range accounts {
		unindexed.Accounts = append(unindexed.Accounts, catalog.AccountRecord{Number: a, Name: a, Type: catalog.Expense})
	}
	raw, err := json.Marshal(unindexed)
	require.NoError(t, err)
	parsed, err := catalog.ParseCatalog(raw)
	require.NoError(t, err)
	return parsed
}

func TestMigrateRewritesMappedAccounts(t *testing.T) {
	source := &policy.Policy{
		ID:             "SE_REPR_MEAL_V1",
		Version:        "1.0",
		Country:        "SE",
		CatalogVersion: "2025_v1.0",
		Posting: []policy.PostingTemplate{
			{Account: "6071", Side: policy.Debit, Amount: policy.AmountDeductibleNet},
		},
	}
	rule := Rule{
		FromVersion:     "2025_v1.0",
		ToVersion:       "2025_v2.0",
		AccountMappings: map[string]string{"6071": "6073"},
	}
	target := targetCatalog(t, "2025_v2.0", "6073")

	migrated, err := Migrate(source, rule, target)
	require.NoError(t, err)
	assert.Equal(t, "6073", migrated.Posting[0].Account)
	assert.Equal(t, "2025_v2.0", migrated.CatalogVersion)
	assert.Equal(t, "1.0->2025_v2.0", migrated.Version)
	assert.Equal(t, source.ID, migrated.ID, "migration preserves the policy id")
}

func TestMigrateBlocksOnDeprecatedAccountWithNoMapping(t *testing.T) {
	source := &policy.Policy{
		ID:      "SE_REPR_MEAL_V1",
		Country: "SE",
		Posting: []policy.PostingTemplate{
			{Account: "6071", Side: policy.Debit, Amount: policy.AmountDeductibleNet},
		},
	}
	rule := Rule{
		ToVersion:          "2025_v2.0",
		DeprecatedAccounts: []string{"6071"},
	}
	target := targetCatalog(t, "2025_v2.0", "6073")

	_, err := Migrate(source, rule, target)
	assert.ErrorIs(t, err, ErrMigrationBlocked)
}

func TestMigrateRejectsCatalogVersionMismatch(t *testing.T) {
	source := &policy.Policy{ID: "p", Posting: []policy.PostingTemplate{{Account: "1930", Side: policy.Credit, Amount: policy.AmountGross}}}
	rule := Rule{ToVersion: "2025_v2.0"}
	target := targetCatalog(t, "2025_v3.0", "1930")

	_, err := Migrate(source, rule, target)
	assert.Error(t, err)
}

// vat_rate_changes overrides the migrated policy's global VAT rate when it
// names the account a posting line already references, whether or not that
// account was also remapped in this same rule.
func TestMigrateAppliesVATRateChangeToMappedAccount(t *testing.T) {
	source := &policy.Policy{
		ID:      "SE_REPR_MEAL_V1",
		Country: "SE",
		VAT:     policy.VATSpec{Rate: money.MustParse("12")},
		Posting: []policy.PostingTemplate{
			{Account: "6071", Side: policy.Debit, Amount: policy.AmountDeductibleNet},
		},
	}
	rule := Rule{
		ToVersion:       "2025_v2.0",
		AccountMappings: map[string]string{"6071": "6073"},
		VATRateChanges:  map[string]string{"6073": "25"},
	}
	target := targetCatalog(t, "2025_v2.0", "6073")

	migrated, err := Migrate(source, rule, target)
	require.NoError(t, err)
	assert.True(t, money.Equal(migrated.VAT.Rate, money.MustParse("25")))
}

// An override keyed on an account that was never remapped still applies,
// since vat_rate_changes is matched against the rewritten (here: unchanged)
// account numbers on the migrated policy.
func TestMigrateAppliesVATRateChangeToUnmappedAccount(t *testing.T) {
	source := &policy.Policy{
		ID:      "p",
		Country: "SE",
		VAT:     policy.VATSpec{Rate: money.MustParse("12")},
		Posting: []policy.PostingTemplate{
			{Account: "1930", Side: policy.Credit, Amount: policy.AmountGross},
		},
	}
	rule := Rule{
		ToVersion:      "2025_v2.0",
		VATRateChanges: map[string]string{"1930": "6"},
	}
	target := targetCatalog(t, "2025_v2.0", "1930")

	migrated, err := Migrate(source, rule, target)
	require.NoError(t, err)
	assert.True(t, money.Equal(migrated.VAT.Rate, money.MustParse("6")))
}

// No vat_rate_changes entries touch any posting account: the source
// policy's own VAT.Rate passes through untouched.
func TestMigrateLeavesVATRateUntouchedWhenNoOverrideApplies(t *testing.T) {
	source := &policy.Policy{
		ID:      "p",
		Country: "SE",
		VAT:     policy.VATSpec{Rate: money.MustParse("12")},
		Posting: []policy.PostingTemplate{
			{Account: "6071", Side: policy.Debit, Amount: policy.AmountDeductibleNet},
		},
	}
	rule := Rule{
		ToVersion:      "2025_v2.0",
		VATRateChanges: map[string]string{"9999": "25"},
	}
	target := targetCatalog(t, "2025_v2.0", "6071")

	migrated, err := Migrate(source, rule, target)
	require.NoError(t, err)
	assert.True(t, money.Equal(migrated.VAT.Rate, money.MustParse("12")))
}

// Two posting accounts both named in vat_rate_changes but with different
// rates is a conflict: the migration must fail rather than silently pick
// a winner.
func TestMigrateFailsOnConflictingVATRateChanges(t *testing.T) {
	source := &policy.Policy{
		ID:      "p",
		Country: "SE",
		VAT:     policy.VATSpec{Rate: money.MustParse("12")},
		Posting: []policy.PostingTemplate{
			{Account: "6071", Side: policy.Debit, Amount: policy.AmountDeductibleNet},
			{Account: "6072", Side: policy.Debit, Amount: policy.AmountNonDeductibleNet},
		},
	}
	rule := Rule{
		ToVersion:      "2025_v2.0",
		VATRateChanges: map[string]string{"6071": "25", "6072": "6"},
	}
	target := targetCatalog(t, "2025_v2.0", "6071", "6072")

	_, err := Migrate(source, rule, target)
	assert.ErrorIs(t, err, ErrConflictingVATRateChange)
}

func TestMigrateLeavesAccountRefLinesUnresolved(t *testing.T) {
	source := &policy.Policy{
		ID:      "p",
		Country: "SE",
		Posting: []policy.PostingTemplate{
			{AccountRef: "bank", Side: policy.Credit, Amount: policy.AmountGross},
		},
	}
	rule := Rule{ToVersion: "2025_v2.0"}
	target := targetCatalog(t, "2025_v2.0", "1930")

	migrated, err := Migrate(source, rule, target)
	require.NoError(t, err)
	assert.Equal(t, "bank", migrated.Posting[0].AccountRef)
	assert.Empty(t, migrated.Posting[0].Account)
}
