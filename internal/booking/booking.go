// Package booking implements component F: turning a balanced
// PostingProposal into an immutable JournalEntry, with gap-free
// (company, series) numbering and a single-transaction write of the
// entry, its lines and the owning run.
//
// Grounded on the teacher's posting_engine.go (PostTransaction's
// validate-then-persist shape, ReverseTransaction's "a correction is a
// new entry, never a mutation" idiom) and multi_company.go's
// company-scoped modeling.
package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ledgerengine/internal/ledger"
	"ledgerengine/internal/repo"
	"ledgerengine/internal/ruleengine"
)

// ErrNotBalanced is booking's defense-in-depth check (spec §4.6): the
// rule engine should already have enforced this, but booking refuses to
// persist an unbalanced entry regardless.
var ErrNotBalanced = fmt.Errorf("booking: proposal not balanced")

// Service is the Booking Service (component F).
type Service struct {
	repo repo.Repository
}

// NewService builds a Booking Service over the given Repository Port.
func NewService(r repo.Repository) *Service {
	return &Service{repo: r}
}

// Create allocates the next (series, number) for companyID and persists
// a balanced JournalEntry, updating run to COMPLETED with the new
// entry's ID in the same repository transaction (spec §6.2: "insert_entry
// + save_run(state=COMPLETED) occur in one transaction").
func (s *Service) Create(ctx context.Context, proposal *ruleengine.Proposal, companyID, series string, entryDate time.Time, actor string, run *ledger.PipelineRun) (*ledger.JournalEntry, error) {
	return s.create(ctx, proposal, companyID, series, entryDate, actor, run, "")
}

func (s *Service) create(ctx context.Context, proposal *ruleengine.Proposal, companyID, series string, entryDate time.Time, actor string, run *ledger.PipelineRun, notes string) (*ledger.JournalEntry, error) {
	if !proposal.Balanced() {
		return nil, fmt.Errorf("%w: policy %s", ErrNotBalanced, proposal.PolicyID)
	}

	number, err := s.repo.AllocateNumber(ctx, companyID, series)
	if err != nil {
		return nil, fmt.Errorf("booking: allocate number: %w", err)
	}

	entry := &ledger.JournalEntry{
		ID:                uuid.New().String(),
		CompanyID:         companyID,
		EntryDate:         entryDate,
		Series:            series,
		Number:            number,
		Notes:             notes,
		CreatedAt:         time.Now(),
		CreatedBy:         actor,
		SourcePipelineRun: run.ID,
	}
	for i, line := range proposal.Lines {
		entry.Lines = append(entry.Lines, ledger.JournalLine{
			ID:          uuid.New().String(),
			EntryID:     entry.ID,
			Ordinal:     i,
			Account:     line.Account,
			Side:        line.Side,
			Amount:      line.Amount,
			Description: line.Description,
			Dimensions:  line.Dimensions,
		})
	}

	now := time.Now()
	run.State = ledger.Completed
	run.CurrentStep = ledger.StepComplete
	run.UpdatedAt = now
	run.CompletedAt = &now
	run.JournalEntryID = entry.ID

	if err := s.repo.InsertEntry(ctx, entry, run); err != nil {
		return nil, fmt.Errorf("booking: insert entry: %w", err)
	}
	return entry, nil
}

// Correct books a new balanced entry that references originalID in its
// notes; the original entry is never mutated (spec §3.2, §4.6).
func (s *Service) Correct(ctx context.Context, originalID string, proposal *ruleengine.Proposal, companyID, series string, entryDate time.Time, actor string, run *ledger.PipelineRun) (*ledger.JournalEntry, error) {
	return s.create(ctx, proposal, companyID, series, entryDate, actor, run, fmt.Sprintf("correction of %s", originalID))
}

func (s *Service) ByPipeline(ctx context.Context, runID string) (*ledger.JournalEntry, error) {
	return s.repo.ByPipeline(ctx, runID)
}

func (s *Service) List(ctx context.Context, companyID string, page repo.Page) (repo.EntryPage, error) {
	return s.repo.ListEntries(ctx, companyID, page)
}
