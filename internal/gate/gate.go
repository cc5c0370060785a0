// Package gate implements component E (the Stoplight): the pure tri-state
// decision function mapping confidence, completeness and rule outcome to
// {AUTO, CLARIFY, PARK}, plus the single deterministic clarifying
// question a CLARIFY outcome carries.
//
// Grounded on the teacher's typed-result idiom (posting_engine.go's
// ValidationResult/PostingError): this never panics or raises, it always
// returns a value.
package gate

import (
	"fmt"
	"sort"
)

// Outcome is the closed tri-state gate result.
type Outcome string

const (
	Auto    Outcome = "AUTO"
	Clarify Outcome = "CLARIFY"
	Park    Outcome = "PARK"
)

// Question is the single structured clarification a CLARIFY outcome
// carries. It is derived deterministically from the input so identical
// inputs always produce an identical question (spec §4.5, §8.2).
type Question struct {
	Slot string `json:"slot"`
	Text string `json:"text"`
}

// Stoplight is the policy-authored gating configuration (spec §4.2):
// what to do when required slots are missing, what to do when the rule
// engine reports a recoverable failure, and the confidence floor below
// which even a complete, rule-valid proposal is held for clarification.
type Stoplight struct {
	OnMissingRequired   Outcome `json:"on_missing_required"`
	OnFail              Outcome `json:"on_fail"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// Defaults fills zero-value fields with spec §4.5's stated defaults.
func (s Stoplight) Defaults() Stoplight {
	if s.OnMissingRequired == "" {
		s.OnMissingRequired = Clarify
	}
	if s.OnFail == "" {
		s.OnFail = Park
	}
	return s
}

// Decide applies spec §4.5 in order: missing-required first, then a
// recoverable rule-engine failure, then the confidence floor
// (non-strict: confidence == threshold still passes, spec §8.3), else
// AUTO.
func Decide(missingRequired []string, ruleRecoverableFailure bool, confidence float64, stoplight Stoplight) (Outcome, *Question) {
	stoplight = stoplight.Defaults()

	if len(missingRequired) > 0 {
		return stoplight.OnMissingRequired, questionFor(missingRequired, confidence)
	}
	if ruleRecoverableFailure {
		return stoplight.OnFail, nil
	}
	if confidence < stoplight.ConfidenceThreshold {
		return Clarify, lowConfidenceQuestion(confidence)
	}
	return Auto, nil
}

// questionFor deterministically picks the first missing field, by sorted
// name, so repeated runs over the same missing set always ask the same
// question (spec: "selected deterministically so the same input always
// yields the same question").
func questionFor(missingRequired []string, confidence float64) *Question {
	sorted := append([]string(nil), missingRequired...)
	sort.Strings(sorted)
	first := sorted[0]
	return &Question{
		Slot: first,
		Text: fmt.Sprintf("Please provide a value for %q to continue.", first),
	}
}

func lowConfidenceQuestion(confidence float64) *Question {
	return &Question{
		Slot: "",
		Text: fmt.Sprintf("This classification has low confidence (%.2f). Please confirm or correct it.", confidence),
	}
}
