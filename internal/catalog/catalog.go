// Package catalog implements component A (Account Catalog): loading and
// validating date-indexed chart-of-accounts versions and resolving a
// country/date pair to the catalog and account that apply.
//
// Catalogs are loaded once at startup and are immutable afterwards, so
// lookups never take a lock (spec §5, "Shared-resource policy").
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// AccountClass is a free-text sub-classification (e.g. "6000-series
// expense"); unlike Type it is not a closed enum because the chart of
// accounts itself defines the taxonomy.
type AccountClass string

// AccountType is the closed set of fundamental account types.
type AccountType string

const (
	Asset     AccountType = "asset"
	Liability AccountType = "liability"
	Equity    AccountType = "equity"
	Income    AccountType = "income"
	Expense   AccountType = "expense"
)

var validTypes = map[AccountType]bool{
	Asset: true, Liability: true, Equity: true, Income: true, Expense: true,
}

// AccountRecord is one account in a chart of accounts.
type AccountRecord struct {
	Number          string       `json:"number" validate:"required"`
	Name            string       `json:"name" validate:"required"`
	Class           AccountClass `json:"class,omitempty"`
	Type            AccountType  `json:"type" validate:"required,oneof=asset liability equity income expense"`
	DefaultVATRate  *string      `json:"default_vat_rate,omitempty"`
	AllowedRegions  []string     `json:"allowed_regions,omitempty"`
	SemanticTags    []string     `json:"semantic_tags,omitempty"`
}

func (a AccountRecord) regionAllowed(country string) bool {
	if len(a.AllowedRegions) == 0 {
		return true
	}
	for _, r := range a.AllowedRegions {
		if r == country {
			return true
		}
	}
	return false
}

// AccountCatalog is one version of a chart of accounts, e.g. "2025_v1.0".
type AccountCatalog struct {
	Version       string          `json:"version" validate:"required"`
	EffectiveFrom time.Time       `json:"effective_from" validate:"required"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	Country       string          `json:"country,omitempty"`
	Accounts      []AccountRecord `json:"accounts" validate:"required,min=1,dive"`

	byNumber map[string]AccountRecord
	byTag    map[string]string // semantic tag -> account number, per catalog
}

func (c *AccountCatalog) index() error {
	c.byNumber = make(map[string]AccountRecord, len(c.Accounts))
	c.byTag = make(map[string]string)
	for _, a := range c.Accounts {
		if _, dup := c.byNumber[a.Number]; dup {
			return fmt.Errorf("catalog %s: duplicate account number %s", c.Version, a.Number)
		}
		c.byNumber[a.Number] = a
		for _, tag := range a.SemanticTags {
			if other, dup := c.byTag[tag]; dup {
				return fmt.Errorf("catalog %s: semantic tag %q maps to both %s and %s", c.Version, tag, other, a.Number)
			}
			c.byTag[tag] = a.Number
		}
	}
	return nil
}

// covers reports whether date d falls within [EffectiveFrom, EffectiveTo].
// A same-day cutover tie is resolved by the caller (ResolveForDate) always
// preferring the newer catalog, per spec §8.3.
func (c *AccountCatalog) covers(d time.Time) bool {
	if d.Before(c.EffectiveFrom) {
		return false
	}
	if c.EffectiveTo != nil && d.After(*c.EffectiveTo) {
		return false
	}
	return true
}

// ResolveAccountByTag resolves a semantic account_ref to its number within
// this catalog. A tag mapped to more than one account is already
// rejected when the catalog is indexed; a tag with no mapping returns
// false, which the rule engine surfaces as ErrUnknownAccount.
func (c *AccountCatalog) ResolveAccountByTag(tag string) (string, bool) {
	number, ok := c.byTag[tag]
	return number, ok
}

// AccountByNumber returns the indexed account record for number, so
// callers (the rule engine's VAT-rate fallback, in particular) can read
// fields like DefaultVATRate without reaching past the catalog into its
// private index.
func (c *AccountCatalog) AccountByNumber(number string) (AccountRecord, bool) {
	a, ok := c.byNumber[number]
	return a, ok
}

// Errors returned by Store lookups. These are the typed results spec §7
// calls for; no panics, no exceptions across component boundaries.
var (
	ErrNotFound        = fmt.Errorf("catalog: not found")
	ErrNoCatalogForDate = fmt.Errorf("catalog: no catalog for date")
	ErrUnknownAccount  = fmt.Errorf("catalog: unknown account")
	ErrRegionNotAllowed = fmt.Errorf("catalog: account not permitted for region")
)

var validate = validator.New()

// ParseCatalog validates and indexes a single catalog document. Unknown
// JSON fields are rejected at load time (spec §6.4): ParseCatalog decodes
// with a json.Decoder configured with DisallowUnknownFields, and
// Store.LoadJSON goes through it.
func ParseCatalog(raw []byte) (*AccountCatalog, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var c AccountCatalog
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("catalog: schema validation failed: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Store holds every loaded catalog version, keyed by version label.
// Replacement is always whole-version (spec §4.1): callers never mutate
// an AccountCatalog in place, they load a new version and add it.
type Store struct {
	versions map[string]*AccountCatalog
}

// NewStore builds an empty store; load failures (schema, duplicate
// numbers) are the caller's responsibility to treat as fatal at startup,
// per spec §4.1.
func NewStore() *Store {
	return &Store{versions: make(map[string]*AccountCatalog)}
}

// Add registers a loaded catalog version.
func (s *Store) Add(c *AccountCatalog) error {
	if c.Version == "" {
		return fmt.Errorf("catalog: version must not be empty")
	}
	s.versions[c.Version] = c
	return nil
}

// LoadJSON parses and registers a catalog document in one step.
func (s *Store) LoadJSON(raw []byte) (*AccountCatalog, error) {
	c, err := ParseCatalog(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Add(c); err != nil {
		return nil, err
	}
	return c, nil
}

// GetCatalog returns the named version.
func (s *Store) GetCatalog(version string) (*AccountCatalog, error) {
	c, ok := s.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	return c, nil
}

// ResolveForDate returns the catalog version effective for country on
// date d. When two catalogs' windows both cover d (a same-day cutover),
// the newer EffectiveFrom wins, per spec §8.3.
func (s *Store) ResolveForDate(country string, d time.Time) (*AccountCatalog, error) {
	var best *AccountCatalog
	for _, c := range s.versions {
		if c.Country != "" && c.Country != country {
			continue
		}
		if !c.covers(d) {
			continue
		}
		if best == nil || c.EffectiveFrom.After(best.EffectiveFrom) {
			best = c
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: country=%s date=%s", ErrNoCatalogForDate, country, d.Format("2006-01-02"))
	}
	return best, nil
}

// ValidateNumber checks that number exists in catalog and is permitted
// for country.
func ValidateNumber(c *AccountCatalog, number, country string) error {
	acc, ok := c.byNumber[number]
	if !ok {
		return fmt.Errorf("%w: %s in catalog %s", ErrUnknownAccount, number, c.Version)
	}
	if !acc.regionAllowed(country) {
		return fmt.Errorf("%w: %s not permitted for %s in catalog %s", ErrRegionNotAllowed, number, country, c.Version)
	}
	return nil
}
