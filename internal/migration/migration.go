// Package migration implements component C: translating a Policy from
// one account-catalog version to another through an explicit, pairwise
// migration rule. There is no implicit chain traversal — a multi-hop
// migration is an explicit sequence of pairwise calls (spec §4.3).
package migration

import (
	"fmt"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/money"
	"ledgerengine/internal/policy"
)

// Rule is a version-to-version migration rule document.
type Rule struct {
	FromVersion        string            `json:"from_version"`
	ToVersion          string            `json:"to_version"`
	AccountMappings    map[string]string `json:"account_mappings,omitempty"`
	NewAccounts        []string          `json:"new_accounts,omitempty"`
	DeprecatedAccounts []string          `json:"deprecated_accounts,omitempty"`
	VATRateChanges     map[string]string `json:"vat_rate_changes,omitempty"` // account -> decimal rate literal
}

func (r Rule) deprecated(account string) bool {
	for _, d := range r.DeprecatedAccounts {
		if d == account {
			return true
		}
	}
	return false
}

// ErrMigrationBlocked is returned when a source account cannot be
// rewritten: it is deprecated in the target version with no mapping.
var ErrMigrationBlocked = fmt.Errorf("migration: blocked")

// ErrConflictingVATRateChange is returned when rule.VATRateChanges names
// two different rates for two accounts the same policy posts to: a
// policy carries one global vat.rate (spec §4.2), so two conflicting
// per-account overrides cannot both be applied.
var ErrConflictingVATRateChange = fmt.Errorf("migration: conflicting vat_rate_changes")

// Migrate rewrites sourcePolicy's posting accounts through rule into an
// equivalent policy bound to targetCatalog. The id is preserved and the
// version is bumped to rule.ToVersion-qualified policy version; every
// rewritten account is validated against targetCatalog before the result
// is returned (spec §4.3 step 3).
func Migrate(sourcePolicy *policy.Policy, rule Rule, targetCatalog *catalog.AccountCatalog) (*policy.Policy, error) {
	if rule.ToVersion != targetCatalog.Version {
		return nil, fmt.Errorf("migration: rule targets %s but catalog is %s", rule.ToVersion, targetCatalog.Version)
	}

	migrated := *sourcePolicy
	migrated.CatalogVersion = targetCatalog.Version
	migrated.Version = sourcePolicy.Version + "->" + rule.ToVersion
	migrated.Posting = make([]policy.PostingTemplate, len(sourcePolicy.Posting))
	copy(migrated.Posting, sourcePolicy.Posting)

	for i, line := range migrated.Posting {
		if line.Account == "" {
			continue // account_ref lines resolve against the catalog at propose time, nothing to rewrite here
		}
		if mapped, ok := rule.AccountMappings[line.Account]; ok {
			migrated.Posting[i].Account = mapped
		} else if rule.deprecated(line.Account) {
			return nil, fmt.Errorf("%w: account %s is deprecated in %s with no mapping", ErrMigrationBlocked, line.Account, rule.ToVersion)
		}
		// accounts with neither a mapping nor a deprecation entry are assumed unchanged
	}

	for _, line := range migrated.Posting {
		if line.Account == "" {
			continue
		}
		if err := catalog.ValidateNumber(targetCatalog, line.Account, migrated.Country); err != nil {
			return nil, fmt.Errorf("migration: %w", err)
		}
	}

	if err := applyVATRateChanges(&migrated, rule); err != nil {
		return nil, err
	}

	return &migrated, nil
}

// applyVATRateChanges updates the migrated policy's single global
// vat.rate when rule.VATRateChanges names an override for one of the
// (already-rewritten) accounts the policy posts to (spec §4.3 step 1:
// "vat_rate_changes (per-account rate overrides)"). A policy carries one
// vat.rate for its whole proposal, so every posting account the policy
// references that appears in VATRateChanges must agree on the new rate;
// disagreement is ErrConflictingVATRateChange rather than a silently
// picked winner.
func applyVATRateChanges(migrated *policy.Policy, rule Rule) error {
	if len(rule.VATRateChanges) == 0 {
		return nil
	}

	var override *money.D
	var overrideAccount string
	for _, line := range migrated.Posting {
		if line.Account == "" {
			continue
		}
		raw, ok := rule.VATRateChanges[line.Account]
		if !ok {
			continue
		}
		rate, err := money.Parse(raw)
		if err != nil {
			return fmt.Errorf("migration: vat_rate_changes[%s]: %w", line.Account, err)
		}
		if override != nil && !override.Equal(rate) {
			return fmt.Errorf("%w: account %s wants %s but account %s already set %s", ErrConflictingVATRateChange, line.Account, rate, overrideAccount, *override)
		}
		override = &rate
		overrideAccount = line.Account
	}

	if override != nil {
		migrated.VAT.Rate = *override
	}
	return nil
}
