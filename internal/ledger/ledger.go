// Package ledger holds the entities that are persisted across component
// boundaries (spec §3.2, §6.5): the immutable JournalEntry a booking
// produces, the PipelineRun state machine the orchestrator drives, and
// the append-only AuditRecord trail. Keeping them in one leaf package
// lets repo, booking and orchestrator all depend on the same shapes
// without importing each other.
package ledger

import (
	"time"

	"ledgerengine/internal/money"
	"ledgerengine/internal/policy"
)

// JournalLine is one persisted line of a JournalEntry.
type JournalLine struct {
	ID          string            `json:"id"`
	EntryID     string            `json:"entry_id"`
	Ordinal     int               `json:"ordinal"`
	Account     string            `json:"account"`
	Side        policy.Side       `json:"side"`
	Amount      money.D           `json:"amount"`
	Description string            `json:"description"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
}

// JournalEntry is an immutable, balanced double-entry posting (spec
// §3.2). A correction is a new entry whose Notes references the
// original's ID; entries are never mutated in place.
type JournalEntry struct {
	ID                string        `json:"id"`
	CompanyID         string        `json:"company_id"`
	EntryDate         time.Time     `json:"entry_date"`
	Series            string        `json:"series"`
	Number            int64         `json:"number"`
	Notes             string        `json:"notes,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	CreatedBy         string        `json:"created_by"`
	Lines             []JournalLine `json:"lines"`
	SourcePipelineRun string        `json:"source_pipeline_run"`
}

// RunState is the closed set of PipelineRun lifecycle states (spec
// §3.2, §4.7).
type RunState string

const (
	Pending               RunState = "PENDING"
	Running               RunState = "RUNNING"
	AwaitingClarification RunState = "AWAITING_CLARIFICATION"
	Parked                RunState = "PARKED"
	Completed             RunState = "COMPLETED"
	Failed                RunState = "FAILED"
)

// Step is the closed set of pipeline steps, in execution order (spec
// §4.7).
type Step string

const (
	StepLoad            Step = "LOAD"
	StepExtractConsume  Step = "EXTRACT_CONSUME"
	StepIntentConsume   Step = "INTENT_CONSUME"
	StepPolicySelect    Step = "POLICY_SELECT"
	StepMigrate         Step = "MIGRATE"
	StepPropose         Step = "PROPOSE"
	StepGate            Step = "GATE"
	StepBook            Step = "BOOK"
	StepComplete        Step = "COMPLETE"
)

// ErrorKind is the closed set of error classifications a failed or
// parked run records (spec §4.7 "Error routing").
type ErrorKind string

const (
	KindConfigError     ErrorKind = "CONFIG_ERROR"
	KindEngineRejection ErrorKind = "ENGINE_REJECTION"
	KindInfrastructure  ErrorKind = "INFRASTRUCTURE"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindCancelled       ErrorKind = "CANCELLED"
)

// RunError is the structured error a run carries when FAILED or PARKED.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Step    Step      `json:"step"`
}

// InputRefs names the immutable inputs a run was started with (spec
// §3.2, §3.3: a run refers to at most one extraction and one intent).
type InputRefs struct {
	ExtractionRef string `json:"extraction_ref"`
	IntentRef     string `json:"intent_ref"`
}

// PipelineRun is the persistent record of one end-to-end processing
// attempt (spec §3.2, §4.7). Payload carries the step-keyed
// intermediate results (selected policy id/version, computed proposal,
// updated slots after clarification, …) so a crash-restart can resume
// from the last persisted step without recomputing earlier ones.
type PipelineRun struct {
	ID              string                 `json:"id"`
	CompanyID       string                 `json:"company_id"`
	Country         string                 `json:"country"`
	TransactionDate time.Time              `json:"transaction_date"`
	Actor           string                 `json:"actor"`
	InputRefs       InputRefs              `json:"input_refs"`
	State           RunState               `json:"state"`
	CurrentStep     Step                   `json:"current_step"`
	StartedAt       time.Time              `json:"started_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	Error           *RunError              `json:"error,omitempty"`
	Payload         map[string]interface{} `json:"payload"`
	JournalEntryID  string                 `json:"journal_entry_id,omitempty"`

	// Claim fields back the lease-based recovery of spec §5.
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
}

// AuditRecord is one append-only audit entry (spec §3.2). Records for a
// given run are strictly ordered by step index (spec §8.1 invariant 6);
// Ordinal captures that order explicitly so storage need not rely on
// insertion order alone.
type AuditRecord struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Step          Step      `json:"step"`
	Ordinal       int       `json:"ordinal"`
	Timestamp     time.Time `json:"timestamp"`
	Actor         string    `json:"actor"`
	PayloadDigest string    `json:"payload_digest"`
}
