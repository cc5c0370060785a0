// Package policy implements component B (Policy Store): loading and
// schema-validating the versioned posting-rule DSL, and selecting the
// candidate policies for an (country, intent, date) triple.
//
// The DSL's VAT mode and posting amount-formula names are modeled as
// closed Go string-const enumerations rather than open strings or maps
// (spec §9, "Dynamic dictionaries in Policy DSL → closed variants"):
// adding a new formula or VAT mode is an engine change, which is the
// intended governance boundary.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"ledgerengine/internal/gate"
	"ledgerengine/internal/money"
)

// Op is the closed set of requirement comparison operators.
type Op string

const (
	OpGTE    Op = ">="
	OpGT     Op = ">"
	OpEQ     Op = "=="
	OpExists Op = "exists"
	OpIn     Op = "in"
)

// Requirement is one `requires` predicate evaluated against intent slots.
type Requirement struct {
	Field string      `json:"field" validate:"required"`
	Op    Op          `json:"op" validate:"required,oneof=>= > == exists in"`
	Value interface{} `json:"value,omitempty"`
}

// VATMode is the closed set of VAT treatments a policy may select.
type VATMode string

const (
	Standard         VATMode = "STANDARD"
	ReverseCharge    VATMode = "REVERSE_CHARGE"
	SplitDeductible  VATMode = "SPLIT_DEDUCTIBLE"
	Capped           VATMode = "CAPPED"
)

// VATSpec is the `vat` block of a policy.
type VATSpec struct {
	Rate            money.D            `json:"rate"`
	CapPerPerson    *money.D           `json:"cap_per_person,omitempty"`
	Code            string             `json:"code,omitempty"`
	Mode            VATMode            `json:"mode,omitempty"`
	DeductibleSplit bool               `json:"deductible_split,omitempty"`
	ReportBoxes     map[string]string  `json:"report_boxes,omitempty"`
}

// AmountName is the closed set of amount formulas a posting template line
// may reference (spec §4.4 step 3).
type AmountName string

const (
	AmountGross             AmountName = "gross"
	AmountNet               AmountName = "net"
	AmountVAT               AmountName = "vat"
	AmountDeductibleNet     AmountName = "deductible_net"
	AmountNonDeductibleNet  AmountName = "non_deductible_net"
	AmountVATDeductible     AmountName = "vat_deductible"
	AmountVATNonDeductible  AmountName = "vat_non_deductible"
	AmountVATOutput         AmountName = "vat_output"
	AmountVATInput          AmountName = "vat_input"
	AmountNetAfterCap       AmountName = "net_after_cap" // alias for deductible_net
)

// Side is the closed debit/credit side of a posting line.
type Side string

const (
	Debit  Side = "D"
	Credit Side = "K"
)

// PostingTemplate is one line of the policy's posting template.
type PostingTemplate struct {
	Account     string     `json:"account,omitempty"`
	AccountRef  string     `json:"account_ref,omitempty"`
	Side        Side       `json:"side" validate:"required,oneof=D K"`
	Amount      AmountName `json:"amount" validate:"required"`
	Description string     `json:"description,omitempty"`
	Dimensions  []string   `json:"dimensions,omitempty"`
}

// validateShape returns an error unless exactly one of Account and
// AccountRef is set; AccountRef is resolved against a catalog later, by
// the rule engine.
func (t PostingTemplate) validateShape() error {
	if t.Account == "" && t.AccountRef == "" {
		return fmt.Errorf("policy: posting line must set account or account_ref")
	}
	if t.Account != "" && t.AccountRef != "" {
		return fmt.Errorf("policy: posting line must not set both account and account_ref")
	}
	return nil
}

// Match is the predicate a policy is selected under: an intent name plus
// optional slot-equality constraints that make the policy more specific
// than a bare intent match.
type Match struct {
	Intent string            `json:"intent" validate:"required"`
	Slots  map[string]string `json:"slots,omitempty"`
}

// specificity counts the predicates beyond the bare intent name; a
// higher count is narrower and is preferred by Select (spec §4.2 and the
// Open Question this spec resolved as "specificity then newer version").
func (m Match) specificity() int { return len(m.Slots) }

// Policy is one versioned posting-rule document (spec §3.2, §4.2).
type Policy struct {
	ID             string            `json:"id" validate:"required"`
	Version        string            `json:"version" validate:"required"`
	Country        string            `json:"country" validate:"required,len=2"`
	EffectiveFrom  time.Time         `json:"effective_from" validate:"required"`
	EffectiveTo    *time.Time        `json:"effective_to,omitempty"`
	CatalogVersion string            `json:"catalog_version" validate:"required"`
	Match          Match             `json:"match" validate:"required"`
	Requires       []Requirement     `json:"requires,omitempty"`
	VAT            VATSpec           `json:"vat"`
	Posting        []PostingTemplate `json:"posting" validate:"required,min=1,dive"`
	Stoplight       gate.Stoplight   `json:"stoplight"`
}

func (p *Policy) validateShape() error {
	for i, line := range p.Posting {
		if err := line.validateShape(); err != nil {
			return fmt.Errorf("policy %s line %d: %w", p.ID, i, err)
		}
	}
	return nil
}

func (p Policy) covers(d time.Time) bool {
	if d.Before(p.EffectiveFrom) {
		return false
	}
	if p.EffectiveTo != nil && d.After(*p.EffectiveTo) {
		return false
	}
	return true
}

// Errors returned by Store lookups (spec §7: typed results, not
// exceptions, cross a component boundary).
var (
	ErrNotFound     = fmt.Errorf("policy: not found")
	ErrPolicyInvalid = fmt.Errorf("policy: schema invalid")
)

var validate = validator.New()

// Parse validates and returns a single policy document. Unknown JSON
// fields are rejected at load time (spec §6.4).
func Parse(raw []byte) (*Policy, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var p Policy
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode: %s", ErrPolicyInvalid, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyInvalid, err)
	}
	if err := p.validateShape(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPolicyInvalid, err)
	}
	return &p, nil
}

// Store indexes loaded policies by country and intent for selection.
// Neither Parse nor the Store checks a policy's account references
// against a catalog: Parse checks document shape only, and a policy that
// references an unknown account stays selectable. The unknown account
// surfaces when the rule engine resolves the posting lines
// (ruleengine.ErrUnknownAccount) or when migration validates them.
type Store struct {
	byID      map[string]*Policy
	byCountry map[string][]*Policy
}

// NewStore builds an empty policy store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Policy),
		byCountry: make(map[string][]*Policy),
	}
}

// Add registers a parsed, valid policy.
func (s *Store) Add(p *Policy) error {
	if _, dup := s.byID[p.ID+"@"+p.Version]; dup {
		return fmt.Errorf("policy: duplicate id+version %s@%s", p.ID, p.Version)
	}
	s.byID[p.ID+"@"+p.Version] = p
	s.byCountry[p.Country] = append(s.byCountry[p.Country], p)
	return nil
}

// LoadJSON parses and registers a policy document in one step.
func (s *Store) LoadJSON(raw []byte) (*Policy, error) {
	p, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the policy with id@version.
func (s *Store) Get(id, version string) (*Policy, error) {
	p, ok := s.byID[id+"@"+version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, id, version)
	}
	return p, nil
}

// ForCountryAndDate returns every policy (any intent) whose country
// matches and whose effective interval contains date. This is the
// listing the Repository Port's list_policies egress method exposes
// (spec §6.2); intent matching and specificity ordering are applied
// afterwards by SelectFrom, so the repository layer never needs to know
// about intents.
func (s *Store) ForCountryAndDate(country string, date time.Time) []*Policy {
	var out []*Policy
	for _, p := range s.byCountry[country] {
		if p.covers(date) {
			out = append(out, p)
		}
	}
	return out
}

// SelectFrom filters candidates (as returned by ForCountryAndDate) down
// to those matching intentName and slots, ordered narrowest-match first,
// then newest version (spec §4.2, and the Open Question this spec
// resolved as "specificity then newer version").
func SelectFrom(candidates []*Policy, intentName string, slots map[string]interface{}) []*Policy {
	var out []*Policy
	for _, p := range candidates {
		if p.Match.Intent != intentName {
			continue
		}
		if !matchesSlots(p.Match.Slots, slots) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Match.specificity(), out[j].Match.specificity()
		if si != sj {
			return si > sj // narrower (more predicates) first
		}
		return compareVersions(out[i].Version, out[j].Version) > 0 // newer first
	})
	return out
}

// Select is a convenience wrapper combining ForCountryAndDate and
// SelectFrom for callers (tests, simple flows) that have direct access
// to the Store rather than going through the Repository Port.
func (s *Store) Select(country, intentName string, date time.Time, slots map[string]interface{}) []*Policy {
	return SelectFrom(s.ForCountryAndDate(country, date), intentName, slots)
}

func matchesSlots(want map[string]string, have map[string]interface{}) bool {
	for k, v := range want {
		actual, ok := have[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", actual) != v {
			return false
		}
	}
	return true
}

// compareVersions orders dotted/underscored numeric-ish version labels
// (e.g. "2025_v1.0", "2025_v1.2") by their embedded numeric components,
// falling back to a plain string compare when no numbers are present.
// Returns >0 if a is newer than b.
func compareVersions(a, b string) int {
	na, nb := extractNumbers(a), extractNumbers(b)
	for i := 0; i < len(na) || i < len(nb); i++ {
		var x, y int
		if i < len(na) {
			x = na[i]
		}
		if i < len(nb) {
			y = nb[i]
		}
		if x != y {
			return x - y
		}
	}
	return strings.Compare(a, b)
}

func extractNumbers(s string) []int {
	var nums []int
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			n, _ := strconv.Atoi(cur.String())
			nums = append(nums, n)
			cur.Reset()
		}
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return nums
}
