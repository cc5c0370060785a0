// Package ruleengine implements component D: given an extraction, an
// intent, a selected policy and the resolved catalog it applies against,
// compute a single balanced posting proposal in one pass.
//
// The engine is pure: it performs no I/O and, for identical inputs,
// returns byte-identical output every time (spec §8.2 property 8, §9
// "Coroutine/event-loop I/O → step boundary only"). It never panics
// across its boundary; every failure mode is a typed, sentinel-wrapped
// error the orchestrator pattern-matches on (spec §7).
package ruleengine

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/extraction"
	"ledgerengine/internal/gate"
	"ledgerengine/internal/money"
	"ledgerengine/internal/policy"
)

// Closed failure taxonomy (spec §4.4 Outputs, §7).
var (
	ErrPolicyNotApplicable = errors.New("ruleengine: policy not applicable")
	ErrProposalUnbalanced  = errors.New("ruleengine: proposal unbalanced")
	ErrUnknownAccount      = errors.New("ruleengine: unknown account")
	ErrVATComputationError = errors.New("ruleengine: vat computation error")
)

// Line is one debit or credit line of a proposal.
type Line struct {
	Account     string            `json:"account"`
	Side        policy.Side       `json:"side"`
	Amount      money.D           `json:"amount"`
	Description string            `json:"description"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// Proposal is the output of the rule engine (spec §3.2 PostingProposal).
// It carries no gate outcome: component E (gate.Decide) computes one from
// MissingRequired and Confidence, and the orchestrator records it in the
// run's payload rather than on the Proposal.
type Proposal struct {
	Lines           []Line            `json:"lines"`
	VATCode         string            `json:"vat_code,omitempty"`
	VATMode         string            `json:"vat_mode,omitempty"`
	ReportBoxes     map[string]string `json:"report_boxes,omitempty"`
	Confidence      float64           `json:"confidence"`
	ReasonCodes     []string          `json:"reason_codes"`
	PolicyID        string            `json:"policy_id"`
	MissingRequired []string          `json:"missing_required,omitempty"`
}

// Balanced reports whether debit and credit totals are exactly equal
// (spec §8.1 invariant 1).
func (p Proposal) Balanced() bool {
	d, k := money.Zero(), money.Zero()
	for _, l := range p.Lines {
		if l.Side == policy.Debit {
			d = d.Add(l.Amount)
		} else {
			k = k.Add(l.Amount)
		}
	}
	return d.Equal(k)
}

// Propose computes a balanced posting proposal from rec/intent/pol/cat in
// one pass, per spec §4.4.
func Propose(rec extraction.Record, intent extraction.Intent, pol *policy.Policy, cat *catalog.AccountCatalog) (*Proposal, error) {
	stoplight := pol.Stoplight.Defaults()

	// Step 1 — requirement check.
	missing := missingRequired(pol.Requires, intent)
	if len(missing) > 0 && stoplight.OnMissingRequired == gate.Park {
		return &Proposal{
			PolicyID:        pol.ID,
			Confidence:      intent.Confidence,
			MissingRequired: missing,
			ReasonCodes:     baseReasonCodes(pol, intent),
		}, nil
	}

	// Step 2 — VAT computation.
	amounts, vatMode, reportBoxes, capApplied, reverseCharge, err := computeVAT(rec, intent, pol, cat)
	if err != nil {
		return nil, err
	}

	// Step 3 — line generation.
	lines, err := generateLines(pol, cat, intent, amounts)
	if err != nil {
		return nil, err
	}

	// Step 4 — balance check (with bounded rounding absorption).
	lines, roundingApplied, err := balance(lines, cat, pol.Country)
	if err != nil {
		return nil, err
	}

	splitDeductible := capApplied && pol.VAT.DeductibleSplit

	proposal := &Proposal{
		Lines:           lines,
		VATCode:         vatCode(pol),
		VATMode:         vatMode,
		ReportBoxes:     reportBoxes,
		Confidence:      intent.Confidence,
		PolicyID:        pol.ID,
		MissingRequired: missing,
	}
	proposal.ReasonCodes = reasonCodes(pol, intent, capApplied, reverseCharge, splitDeductible, roundingApplied)

	if !proposal.Balanced() {
		return nil, fmt.Errorf("%w: policy %s", ErrProposalUnbalanced, pol.ID)
	}

	return proposal, nil
}

func baseReasonCodes(pol *policy.Policy, intent extraction.Intent) []string {
	return []string{
		fmt.Sprintf("policy:%s", pol.ID),
		fmt.Sprintf("intent:%s(conf=%.2f)", intent.Name, intent.Confidence),
	}
}

func reasonCodes(pol *policy.Policy, intent extraction.Intent, capApplied, reverseCharge, splitDeductible, roundingApplied bool) []string {
	codes := baseReasonCodes(pol, intent)
	codes = append(codes, fmt.Sprintf("vat:%s", vatCode(pol)))
	if capApplied {
		codes = append(codes, "cap-applied")
	}
	if reverseCharge {
		codes = append(codes, "reverse-charge")
	}
	if splitDeductible {
		codes = append(codes, "split-deductible")
	}
	if from, ok := migratedFrom(pol.Version); ok {
		codes = append(codes, fmt.Sprintf("migrated-from:%s", from))
	}
	if roundingApplied {
		codes = append(codes, "rounding-adjusted")
	}
	return codes
}

func migratedFrom(version string) (string, bool) {
	if idx := strings.Index(version, "->"); idx >= 0 {
		return version[:idx], true
	}
	return "", false
}

func vatCode(pol *policy.Policy) string {
	if pol.VAT.Code != "" {
		return pol.VAT.Code
	}
	return pol.VAT.Rate.String()
}

// missingRequired evaluates pol.Requires against intent's slots.
func missingRequired(reqs []policy.Requirement, intent extraction.Intent) []string {
	var missing []string
	for _, r := range reqs {
		if !satisfies(r, intent) {
			missing = append(missing, r.Field)
		}
	}
	sort.Strings(missing)
	return missing
}

func satisfies(r policy.Requirement, intent extraction.Intent) bool {
	switch r.Op {
	case policy.OpExists:
		return intent.HasSlot(r.Field)
	case policy.OpIn:
		values, ok := r.Value.([]interface{})
		if !ok {
			return false
		}
		actual, present := intent.Slots[r.Field]
		if !present {
			return false
		}
		for _, v := range values {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", actual) {
				return true
			}
		}
		return false
	case policy.OpEQ:
		actual, present := intent.Slots[r.Field]
		if !present {
			return false
		}
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", r.Value)
	case policy.OpGT, policy.OpGTE:
		actual, ok := intent.SlotFloat(r.Field)
		if !ok {
			return false
		}
		want, ok := toFloat(r.Value)
		if !ok {
			return false
		}
		if r.Op == policy.OpGT {
			return actual > want
		}
		return actual >= want
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

type amountSet map[policy.AmountName]money.D

// resolveVATRate returns the policy's own VAT.Rate when set; a policy
// that leaves VAT.Rate unset (the zero decimal) falls back to the
// default_vat_rate of the first posting-template account that carries
// one (spec §3.2 AccountRecord.default_vat_rate), so a policy authored
// without an explicit rate still inherits the catalog's own answer for
// the accounts it posts to.
func resolveVATRate(pol *policy.Policy, cat *catalog.AccountCatalog) (money.D, error) {
	if !pol.VAT.Rate.IsZero() {
		return pol.VAT.Rate, nil
	}
	for _, tmpl := range pol.Posting {
		account := tmpl.Account
		if account == "" {
			resolved, ok := cat.ResolveAccountByTag(tmpl.AccountRef)
			if !ok {
				continue
			}
			account = resolved
		}
		rec, ok := cat.AccountByNumber(account)
		if !ok || rec.DefaultVATRate == nil {
			continue
		}
		rate, err := money.Parse(*rec.DefaultVATRate)
		if err != nil {
			return money.Zero(), fmt.Errorf("%w: account %s default_vat_rate: %s", ErrVATComputationError, account, err)
		}
		return rate, nil
	}
	return money.Zero(), fmt.Errorf("%w: policy %s sets no vat.rate and no posting account provides a default_vat_rate", ErrVATComputationError, pol.ID)
}

func computeVAT(rec extraction.Record, intent extraction.Intent, pol *policy.Policy, cat *catalog.AccountCatalog) (amountSet, string, map[string]string, bool, bool, error) {
	gross := rec.TotalGross
	rate, err := resolveVATRate(pol, cat)
	if err != nil {
		return nil, "", nil, false, false, err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(100)) {
		return nil, "", nil, false, false, fmt.Errorf("%w: vat rate %s out of range", ErrVATComputationError, rate)
	}
	rateFraction := rate.Div(decimal.NewFromInt(100))

	if pol.VAT.Mode == policy.ReverseCharge {
		net := gross
		vatOutput := net.Mul(rateFraction)
		vatInput := vatOutput

		amounts := amountSet{
			policy.AmountGross:            gross,
			policy.AmountNet:              net,
			policy.AmountVAT:              money.Zero(),
			policy.AmountDeductibleNet:    net,
			policy.AmountNonDeductibleNet: money.Zero(),
			policy.AmountVATDeductible:    money.Zero(),
			policy.AmountVATNonDeductible: money.Zero(),
			policy.AmountVATOutput:        vatOutput,
			policy.AmountVATInput:         vatInput,
			policy.AmountNetAfterCap:      net,
		}

		reportBoxes := map[string]string{}
		sources := map[string]money.D{"net": net, "output": vatOutput, "input": vatInput, "gross": gross}
		for name, box := range pol.VAT.ReportBoxes {
			if v, ok := sources[name]; ok {
				reportBoxes[box] = money.Round2(v).StringFixed(money.Scale)
			}
		}

		return amounts, string(policy.ReverseCharge), reportBoxes, false, true, nil
	}

	net := gross.Div(decimal.NewFromInt(1).Add(rateFraction))
	vat := gross.Sub(net)

	deductibleNet := net
	nonDeductibleNet := money.Zero()
	vatDeductible := vat
	vatNonDeductible := money.Zero()
	capApplied := false

	if pol.VAT.CapPerPerson != nil {
		attendees, ok := intent.SlotFloat("attendees_count")
		if ok && attendees >= 1 {
			capApplied = true
			capNet := pol.VAT.CapPerPerson.Mul(decimal.NewFromFloat(attendees))
			if net.LessThan(capNet) {
				deductibleNet = net
			} else {
				deductibleNet = capNet
			}
			nonDeductibleNet = net.Sub(deductibleNet)
			vatDeductible = deductibleNet.Mul(rateFraction)
			vatNonDeductible = vat.Sub(vatDeductible)
		}
	}

	amounts := amountSet{
		policy.AmountGross:            gross,
		policy.AmountNet:              net,
		policy.AmountVAT:              vat,
		policy.AmountDeductibleNet:    deductibleNet,
		policy.AmountNonDeductibleNet: nonDeductibleNet,
		policy.AmountVATDeductible:    vatDeductible,
		policy.AmountVATNonDeductible: vatNonDeductible,
		policy.AmountVATOutput:        money.Zero(),
		policy.AmountVATInput:         money.Zero(),
		policy.AmountNetAfterCap:      deductibleNet,
	}

	vatMode := string(policy.Standard)
	if capApplied {
		vatMode = string(policy.Capped)
		if pol.VAT.DeductibleSplit {
			vatMode = string(policy.Capped) + "+" + string(policy.SplitDeductible)
		}
	}

	return amounts, vatMode, nil, capApplied, false, nil
}

func generateLines(pol *policy.Policy, cat *catalog.AccountCatalog, intent extraction.Intent, amounts amountSet) ([]Line, error) {
	lines := make([]Line, 0, len(pol.Posting))
	for _, tmpl := range pol.Posting {
		account := tmpl.Account
		if account == "" {
			resolved, ok := cat.ResolveAccountByTag(tmpl.AccountRef)
			if !ok {
				return nil, fmt.Errorf("%w: account_ref %q has no unique mapping in catalog %s", ErrUnknownAccount, tmpl.AccountRef, cat.Version)
			}
			account = resolved
		}
		if err := catalog.ValidateNumber(cat, account, pol.Country); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, err)
		}

		amount, ok := amounts[tmpl.Amount]
		if !ok {
			return nil, fmt.Errorf("%w: unresolvable amount formula %q", ErrVATComputationError, tmpl.Amount)
		}

		var dims map[string]string
		if len(tmpl.Dimensions) > 0 {
			dims = make(map[string]string, len(tmpl.Dimensions))
			for _, name := range tmpl.Dimensions {
				if v, ok := intent.SlotString(name); ok {
					dims[name] = v
				}
			}
		}

		lines = append(lines, Line{
			Account:     account,
			Side:        tmpl.Side,
			Amount:      money.Round2(amount),
			Description: tmpl.Description,
			Dimensions:  dims,
		})
	}
	return lines, nil
}

// balance computes sum(D) - sum(K) and, if the discrepancy is within
// tolerance, appends a single rounding line against the catalog's
// designated rounding account (semantic tag "rounding_account").
// Tolerance is 0.02 per line, summed across the proposal's lines, per
// spec §4.4 step 4 / §8.3.
func balance(lines []Line, cat *catalog.AccountCatalog, country string) ([]Line, bool, error) {
	d, k := money.Zero(), money.Zero()
	for _, l := range lines {
		if l.Side == policy.Debit {
			d = d.Add(l.Amount)
		} else {
			k = k.Add(l.Amount)
		}
	}
	diff := d.Sub(k)
	if diff.IsZero() {
		return lines, false, nil
	}

	tolerance := decimal.NewFromFloat(0.02).Mul(decimal.NewFromInt(int64(len(lines))))
	if diff.Abs().GreaterThan(tolerance) {
		return nil, false, fmt.Errorf("%w: debit/credit discrepancy %s exceeds tolerance %s", ErrProposalUnbalanced, diff, tolerance)
	}

	roundingAccount, ok := cat.ResolveAccountByTag("rounding_account")
	if !ok {
		return nil, false, fmt.Errorf("%w: discrepancy %s but catalog %s has no rounding_account tag", ErrProposalUnbalanced, diff, cat.Version)
	}
	if err := catalog.ValidateNumber(cat, roundingAccount, country); err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownAccount, err)
	}

	side := policy.Credit // debits exceed credits: absorb with a credit
	amount := diff
	if diff.IsNegative() {
		side = policy.Debit
		amount = diff.Abs()
	}

	lines = append(lines, Line{
		Account:     roundingAccount,
		Side:        side,
		Amount:      money.Round2(amount),
		Description: "rounding adjustment",
	})
	return lines, true, nil
}
