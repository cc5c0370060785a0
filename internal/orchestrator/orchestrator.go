// Package orchestrator implements component G: the deterministic step
// state machine that drives an input through extraction/intent
// consumption, policy selection, optional migration, proposal
// construction, gating and booking, persisting after every step so a
// crash can resume from the last completed one.
//
// Grounded on the teacher's engine.go (AccountingEngine: one composition
// root wiring every service behind a single façade) and on the step
// shape of the pack's agentic_valuation pipeline orchestrator
// (numbered stages, validate-then-proceed, persist between stages),
// generalized to the explicit state machine of spec §4.7.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ledgerengine/internal/booking"
	"ledgerengine/internal/extraction"
	"ledgerengine/internal/gate"
	"ledgerengine/internal/ledger"
	"ledgerengine/internal/migration"
	"ledgerengine/internal/policy"
	"ledgerengine/internal/repo"
	"ledgerengine/internal/ruleengine"
)

// payloadAs recovers a typed Payload entry. A freshly-set entry (within
// the same run() call that set it) is already the concrete type and
// returns directly; an entry that has round-tripped through a
// repository's JSON persistence (every ClaimRun/LoadRun call) comes back
// as the generic shape encoding/json produces (map[string]interface{},
// float64, ...) and is re-decoded through a JSON hop into T.
func payloadAs[T any](v interface{}) (T, bool) {
	var out T
	if v == nil {
		return out, false
	}
	if t, ok := v.(T); ok {
		return t, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false
	}
	return out, true
}

// Config is the orchestrator's explicit configuration (spec §9: "Global
// state / singletons → explicit dependencies" — no config file, no
// environment binding, just constructor fields, the same shape as the
// teacher's NewStorage(dbPath)/NewAccountingEngine(dbPath)).
type Config struct {
	// StepDeadline bounds each run's end-to-end processing (spec §5,
	// default 15s).
	StepDeadline time.Duration
	// ClaimLease is how long a worker's claim on a run is valid before
	// it may be reclaimed (spec §5).
	ClaimLease time.Duration
	// MaxStepRetries is the number of retries after the first attempt of
	// a failing repository call; the default of 2 allows at most 3
	// attempts in all.
	MaxStepRetries uint64
	// DefaultPageSize holds a page size for entry listings. No code in
	// this module reads it: repo/bolt's ListEntries falls back to 20 on
	// its own when the requested page size is not positive.
	DefaultPageSize int
}

// DefaultConfig matches the defaults spec.md states explicitly.
func DefaultConfig() Config {
	return Config{
		StepDeadline:    15 * time.Second,
		ClaimLease:      30 * time.Second,
		MaxStepRetries:  2,
		DefaultPageSize: 20,
	}
}

// Service is the Pipeline Orchestrator (component G): the composition
// root wiring B -> C -> A -> D -> E -> F behind start_run/get_run/
// provide_clarification/cancel_run (spec §6.1).
type Service struct {
	repo    repo.Repository
	booking *booking.Service
	cfg     Config
	log     zerolog.Logger
}

// NewService wires the orchestrator over repo, the single narrow
// dependency every other component (A, B, F) is reached through.
func NewService(r repo.Repository, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		repo:    r,
		booking: booking.NewService(r),
		cfg:     cfg,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
}

// StartRun begins a new PipelineRun and drives it to its first
// suspension point (AWAITING_CLARIFICATION, PARKED, COMPLETED or
// FAILED), per spec §6.1 and §4.7.
func (s *Service) StartRun(ctx context.Context, companyID, actor string, rec extraction.Record, intent extraction.Intent, transactionDate time.Time, country string) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}

	now := time.Now()
	run := &ledger.PipelineRun{
		ID:              uuid.New().String(),
		CompanyID:       companyID,
		Country:         country,
		TransactionDate: transactionDate,
		Actor:           actor,
		InputRefs:       ledger.InputRefs{ExtractionRef: uuid.New().String(), IntentRef: uuid.New().String()},
		State:           ledger.Pending,
		CurrentStep:     ledger.StepLoad,
		StartedAt:       now,
		UpdatedAt:       now,
		Payload: map[string]interface{}{
			"extraction": rec,
			"intent":     intent,
		},
	}

	if err := s.withRetry(ctx, func() error { return s.repo.SaveRun(ctx, run) }); err != nil {
		return "", fmt.Errorf("orchestrator: save initial run: %w", err)
	}

	s.run(ctx, run)
	return run.ID, nil
}

// GetRun returns the current state of a run, including the pending
// clarification question when AWAITING_CLARIFICATION (spec §6.1).
func (s *Service) GetRun(ctx context.Context, runID string) (*ledger.PipelineRun, error) {
	return s.repo.LoadRun(ctx, runID)
}

// ProvideClarification injects slot updates into an AWAITING_CLARIFICATION
// run and resumes it from POLICY_SELECT — never from extraction, which
// is immutable (spec §4.7).
func (s *Service) ProvideClarification(ctx context.Context, runID string, slotUpdates map[string]interface{}) (string, error) {
	run, err := s.repo.LoadRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}
	if run.State != ledger.AwaitingClarification {
		return "", fmt.Errorf("orchestrator: run %s is not awaiting clarification (state=%s)", runID, run.State)
	}

	intent, _ := payloadAs[extraction.Intent](run.Payload["intent"])
	if intent.Slots == nil {
		intent.Slots = map[string]interface{}{}
	}
	for k, v := range slotUpdates {
		intent.Slots[k] = v
	}
	run.Payload["intent"] = intent
	run.State = ledger.Running
	run.CurrentStep = ledger.StepPolicySelect
	run.UpdatedAt = time.Now()

	if err := s.withRetry(ctx, func() error { return s.repo.SaveRun(ctx, run) }); err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}

	s.run(ctx, run)
	return run.ID, nil
}

// CancelRun cooperatively cancels a run: the flag is checked between
// steps, never mid-step (spec §5).
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	run, err := s.repo.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	run.Payload["cancel_requested"] = true
	return s.withRetry(ctx, func() error { return s.repo.SaveRun(ctx, run) })
}

// run drives a claimed PipelineRun through its remaining steps until it
// suspends, completes or fails. It is also where a crash-restart resumes:
// calling run again with the persisted run picks up at CurrentStep.
func (s *Service) run(ctx context.Context, run *ledger.PipelineRun) {
	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepDeadline)
	defer cancel()

	claimed, err := s.repo.ClaimRun(stepCtx, run.ID, uuid.New().String(), s.cfg.ClaimLease)
	if err != nil {
		s.log.Warn().Err(err).Str("run_id", run.ID).Msg("claim failed")
		return
	}
	*run = *claimed
	defer func() { _ = s.repo.ReleaseRun(ctx, run.ID) }()

	// The ordinal continues from the previous drive of this run (kept in
	// the payload), so a resumed run's audit records keep their order.
	auditOrdinal, _ := payloadAs[int](run.Payload["audit_ordinal"])
	audit := func(step ledger.Step) {
		auditOrdinal++
		run.Payload["audit_ordinal"] = auditOrdinal
		_ = s.withRetry(ctx, func() error {
			return s.repo.AppendAudit(ctx, &ledger.AuditRecord{
				ID:            uuid.New().String(),
				RunID:         run.ID,
				Step:          step,
				Ordinal:       auditOrdinal,
				Timestamp:     time.Now(),
				Actor:         run.Actor,
				PayloadDigest: digest(run.Payload),
			})
		})
	}

	steps := []ledger.Step{
		ledger.StepLoad, ledger.StepExtractConsume, ledger.StepIntentConsume,
		ledger.StepPolicySelect, ledger.StepMigrate, ledger.StepPropose,
		ledger.StepGate, ledger.StepBook,
	}

	startIdx := 0
	for i, st := range steps {
		if st == run.CurrentStep {
			startIdx = i
			break
		}
	}

	for _, st := range steps[startIdx:] {
		if cancelled, _ := run.Payload["cancel_requested"].(bool); cancelled {
			s.fail(ctx, run, ledger.KindCancelled, "cancelled by control plane", st)
			return
		}
		if stepCtx.Err() != nil {
			s.fail(ctx, run, ledger.KindTimeout, "step deadline exceeded", st)
			return
		}

		run.CurrentStep = st
		if done := s.step(stepCtx, run, st, audit); done {
			return
		}
	}

	now := time.Now()
	run.State = ledger.Completed
	run.CurrentStep = ledger.StepComplete
	run.UpdatedAt = now
	_ = s.withRetry(ctx, func() error { return s.repo.SaveRun(ctx, run) })
	audit(ledger.StepComplete)
}

// step executes one named step, persisting the run afterward. It returns
// true if the run has reached a terminal/suspended state and the driving
// loop should stop.
func (s *Service) step(ctx context.Context, run *ledger.PipelineRun, st ledger.Step, audit func(ledger.Step)) bool {
	switch st {
	case ledger.StepLoad, ledger.StepExtractConsume, ledger.StepIntentConsume:
		// Inputs were embedded in Payload at StartRun / ProvideClarification;
		// these steps exist to give each a distinct, audited, resumable
		// checkpoint (spec §4.7), not additional computation.
		audit(st)
		return s.persistRunning(ctx, run)

	case ledger.StepPolicySelect:
		return s.stepPolicySelect(ctx, run, audit)

	case ledger.StepMigrate:
		// Migrates only if StepPolicySelect stashed a migration requirement
		// (policy's catalog_version differs from the date-resolved one);
		// otherwise this is a no-op checkpoint.
		return s.stepMigrate(ctx, run, audit)

	case ledger.StepPropose:
		return s.stepPropose(ctx, run, audit)

	case ledger.StepGate:
		return s.stepGate(ctx, run, audit)

	case ledger.StepBook:
		return s.stepBook(ctx, run, audit)
	}
	return false
}

func (s *Service) persistRunning(ctx context.Context, run *ledger.PipelineRun) bool {
	run.UpdatedAt = time.Now()
	if err := s.withRetry(ctx, func() error { return s.repo.SaveRun(ctx, run) }); err != nil {
		s.fail(ctx, run, ledger.KindInfrastructure, err.Error(), run.CurrentStep)
		return true
	}
	return false
}

func (s *Service) stepPolicySelect(ctx context.Context, run *ledger.PipelineRun, audit func(ledger.Step)) bool {
	intent, _ := payloadAs[extraction.Intent](run.Payload["intent"])

	var candidates []*policy.Policy
	err := s.withRetry(ctx, func() error {
		var err error
		candidates, err = s.repo.ListPolicies(ctx, run.Country, run.TransactionDate)
		return err
	})
	if err != nil {
		s.fail(ctx, run, ledger.KindInfrastructure, err.Error(), ledger.StepPolicySelect)
		return true
	}

	matches := policy.SelectFrom(candidates, intent.Name, intent.Slots)
	if len(matches) == 0 {
		s.park(ctx, run, ledger.KindConfigError, fmt.Sprintf("%s: no policy matches intent %q", ruleengine.ErrPolicyNotApplicable, intent.Name), ledger.StepPolicySelect)
		return true
	}

	chosen := matches[0]
	run.Payload["policy_id"] = chosen.ID
	run.Payload["policy_version"] = chosen.Version

	catalogVersion, err := s.resolveCatalogVersion(ctx, run)
	if err != nil {
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepPolicySelect)
		return true
	}
	if chosen.CatalogVersion != catalogVersion {
		run.Payload["needs_migration_to"] = catalogVersion
	} else {
		delete(run.Payload, "needs_migration_to")
	}

	audit(ledger.StepPolicySelect)
	return s.persistRunning(ctx, run)
}

// resolveCatalogVersion returns the catalog version in force for the
// run's country/date, per component A's date-resolution rule (spec
// §4.1, §8.3), so stepPolicySelect can tell whether the chosen policy's
// own catalog_version has fallen behind and a migration is needed.
func (s *Service) resolveCatalogVersion(ctx context.Context, run *ledger.PipelineRun) (string, error) {
	cat, err := s.repo.ResolveCatalogForDate(ctx, run.Country, run.TransactionDate)
	if err != nil {
		return "", fmt.Errorf("resolve catalog: %w", err)
	}
	return cat.Version, nil
}

func (s *Service) stepMigrate(ctx context.Context, run *ledger.PipelineRun, audit func(ledger.Step)) bool {
	target, needsMigration := run.Payload["needs_migration_to"].(string)
	if !needsMigration {
		audit(ledger.StepMigrate)
		return s.persistRunning(ctx, run)
	}

	pol, err := s.repo.GetPolicy(ctx, run.Payload["policy_id"].(string), run.Payload["policy_version"].(string))
	if err != nil {
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepMigrate)
		return true
	}
	targetCatalog, err := s.repo.GetCatalog(ctx, target)
	if err != nil {
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepMigrate)
		return true
	}

	rule, ok := payloadAs[migration.Rule](run.Payload["migration_rule"])
	if !ok {
		s.fail(ctx, run, ledger.KindConfigError, fmt.Sprintf("no migration rule supplied for %s -> %s", pol.CatalogVersion, target), ledger.StepMigrate)
		return true
	}

	migrated, err := migration.Migrate(pol, rule, targetCatalog)
	if err != nil {
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepMigrate)
		return true
	}
	run.Payload["migrated_policy"] = migrated

	audit(ledger.StepMigrate)
	return s.persistRunning(ctx, run)
}

func (s *Service) stepPropose(ctx context.Context, run *ledger.PipelineRun, audit func(ledger.Step)) bool {
	rec, _ := payloadAs[extraction.Record](run.Payload["extraction"])
	intent, _ := payloadAs[extraction.Intent](run.Payload["intent"])

	pol, ok := payloadAs[*policy.Policy](run.Payload["migrated_policy"])
	if !ok {
		var err error
		pol, err = s.repo.GetPolicy(ctx, run.Payload["policy_id"].(string), run.Payload["policy_version"].(string))
		if err != nil {
			s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepPropose)
			return true
		}
	}

	cat, err := s.repo.GetCatalog(ctx, pol.CatalogVersion)
	if err != nil {
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepPropose)
		return true
	}

	proposal, err := ruleengine.Propose(rec, intent, pol, cat)
	if err != nil {
		s.routeEngineError(ctx, run, err, ledger.StepPropose)
		return true
	}
	run.Payload["proposal"] = proposal

	audit(ledger.StepPropose)
	return s.persistRunning(ctx, run)
}

func (s *Service) stepGate(ctx context.Context, run *ledger.PipelineRun, audit func(ledger.Step)) bool {
	proposal, _ := payloadAs[*ruleengine.Proposal](run.Payload["proposal"])
	pol, err := s.currentPolicy(ctx, run)
	if err != nil {
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), ledger.StepGate)
		return true
	}

	outcome, question := gate.Decide(proposal.MissingRequired, false, proposal.Confidence, pol.Stoplight.Defaults())
	run.Payload["gate"] = string(outcome)
	if question != nil {
		run.Payload["question"] = *question
	}

	audit(ledger.StepGate)

	switch outcome {
	case gate.Clarify:
		now := time.Now()
		run.State = ledger.AwaitingClarification
		run.UpdatedAt = now
		_ = s.withRetry(ctx, func() error { return s.repo.SaveRun(ctx, run) })
		return true
	case gate.Park:
		s.park(ctx, run, ledger.KindEngineRejection, "gate outcome PARK", ledger.StepGate)
		return true
	default:
		return s.persistRunning(ctx, run)
	}
}

func (s *Service) stepBook(ctx context.Context, run *ledger.PipelineRun, audit func(ledger.Step)) bool {
	proposal, _ := payloadAs[*ruleengine.Proposal](run.Payload["proposal"])

	var entry *ledgerEntryResult
	err := s.withRetry(ctx, func() error {
		e, err := s.booking.Create(ctx, proposal, run.CompanyID, "GL", run.TransactionDate, run.Actor, run)
		if err != nil {
			return err
		}
		entry = &ledgerEntryResult{id: e.ID}
		return nil
	})
	if err != nil {
		s.fail(ctx, run, ledger.KindInfrastructure, err.Error(), ledger.StepBook)
		return true
	}
	run.JournalEntryID = entry.id
	audit(ledger.StepBook)
	return false
}

type ledgerEntryResult struct{ id string }

func (s *Service) currentPolicy(ctx context.Context, run *ledger.PipelineRun) (*policy.Policy, error) {
	if pol, ok := payloadAs[*policy.Policy](run.Payload["migrated_policy"]); ok && pol != nil {
		return pol, nil
	}
	return s.repo.GetPolicy(ctx, run.Payload["policy_id"].(string), run.Payload["policy_version"].(string))
}

// routeEngineError applies spec §4.7's error routing table for failures
// surfaced by the Rule Engine.
func (s *Service) routeEngineError(ctx context.Context, run *ledger.PipelineRun, err error, step ledger.Step) {
	switch {
	case errors.Is(err, ruleengine.ErrPolicyNotApplicable):
		s.park(ctx, run, ledger.KindConfigError, err.Error(), step)
	case errors.Is(err, ruleengine.ErrUnknownAccount):
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), step)
	case errors.Is(err, ruleengine.ErrProposalUnbalanced), errors.Is(err, ruleengine.ErrVATComputationError):
		s.park(ctx, run, ledger.KindEngineRejection, err.Error(), step)
	default:
		s.fail(ctx, run, ledger.KindConfigError, err.Error(), step)
	}
}

func (s *Service) fail(ctx context.Context, run *ledger.PipelineRun, kind ledger.ErrorKind, message string, step ledger.Step) {
	now := time.Now()
	run.State = ledger.Failed
	run.Error = &ledger.RunError{Kind: kind, Message: message, Step: step}
	run.UpdatedAt = now
	_ = s.repo.SaveRun(ctx, run)
}

func (s *Service) park(ctx context.Context, run *ledger.PipelineRun, kind ledger.ErrorKind, message string, step ledger.Step) {
	now := time.Now()
	run.State = ledger.Parked
	run.Error = &ledger.RunError{Kind: kind, Message: message, Step: step}
	run.UpdatedAt = now
	_ = s.repo.SaveRun(ctx, run)
}

// withRetry wraps a repository call with the bounded exponential backoff
// spec §4.7 calls for on infrastructure errors: the first attempt plus at
// most cfg.MaxStepRetries retries; callers mark the run FAILED with kind
// INFRASTRUCTURE once these are exhausted.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.cfg.MaxStepRetries), ctx)
	return backoff.Retry(op, b)
}

// digest returns a content-addressed SHA-256 digest of the step output
// (spec §3.2 AuditRecord.payload_digest). encoding/json already sorts
// map keys when marshaling map[string]interface{}, so the encoding is
// canonical without any extra normalization pass.
func digest(payload map[string]interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ReaperSchedule starts a cron-driven sweep that reclaims any run whose
// lease has expired, so a crashed worker's claim does not block the run
// forever (spec §5, "expired claims may be reclaimed"). runIDs supplies
// the candidate set to check — the narrow Repository Port (spec §6.2)
// has no "list runs by state" egress method, so the caller (which does
// have visibility into its own outstanding runs) is responsible for
// naming them.
func (s *Service) ReaperSchedule(spec string, runIDs func() []string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		for _, id := range runIDs() {
			run, err := s.repo.LoadRun(ctx, id)
			if err != nil {
				continue
			}
			if run.State != ledger.Running || run.ClaimExpiresAt == nil || run.ClaimExpiresAt.After(time.Now()) {
				continue
			}
			s.log.Info().Str("run_id", id).Msg("reclaiming expired claim")
			s.run(ctx, run)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: schedule reaper: %w", err)
	}
	c.Start()
	return c, nil
}
