// Package repo defines the Repository Port (component H): the single
// transactional persistence interface components A, B, F and G depend
// on (spec §6.2). It is intentionally narrow — callers never reach past
// it into a concrete store, so the orchestrator, booking service and
// catalog/policy loaders can be exercised against any implementation
// (bbolt-backed in repo/bolt, or an in-memory fake in tests).
package repo

import (
	"context"
	"errors"
	"time"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/ledger"
	"ledgerengine/internal/policy"
)

// Errors every implementation must return for the corresponding
// condition, so callers can use errors.Is regardless of backend.
var (
	ErrNotFound      = errors.New("repo: not found")
	ErrClaimConflict = errors.New("repo: run already claimed")
)

// Page is the pagination contract for ListEntries. This package sets no
// default page size; repo/bolt's ListEntries uses a page size of 20 when
// Size is not positive, and orchestrator.Config.DefaultPageSize is not
// passed to it.
type Page struct {
	Number int
	Size   int
}

// EntryPage is one page of journal entries plus the total count, enough
// for a caller to compute whether further pages exist.
type EntryPage struct {
	Entries    []*ledger.JournalEntry
	TotalCount int
}

// Repository is the transactional persistence port. Every method that
// writes state does so within a single transaction; InsertEntry is
// always called together with a SaveRun(state=COMPLETED) inside one
// transaction by the booking service (spec §6.2).
type Repository interface {
	SaveRun(ctx context.Context, run *ledger.PipelineRun) error
	LoadRun(ctx context.Context, id string) (*ledger.PipelineRun, error)

	// ClaimRun compare-and-swaps state PENDING -> RUNNING (or takes a
	// RUNNING run whose claim was released or has expired) and stamps
	// claimedBy/expiry. It returns ErrClaimConflict if another worker holds
	// a live claim.
	ClaimRun(ctx context.Context, id, claimedBy string, lease time.Duration) (*ledger.PipelineRun, error)
	ReleaseRun(ctx context.Context, id string) error

	AppendAudit(ctx context.Context, rec *ledger.AuditRecord) error

	// AllocateNumber returns the next gap-free number for (companyID,
	// series), atomically. Failure leaves the sequence untouched (spec
	// §8.1 invariant 7, §5 "Ordering guarantees").
	AllocateNumber(ctx context.Context, companyID, series string) (int64, error)
	InsertEntry(ctx context.Context, entry *ledger.JournalEntry, run *ledger.PipelineRun) error
	LoadEntry(ctx context.Context, id string) (*ledger.JournalEntry, error)
	ListEntries(ctx context.Context, companyID string, page Page) (EntryPage, error)
	ByPipeline(ctx context.Context, runID string) (*ledger.JournalEntry, error)

	GetPolicy(ctx context.Context, id, version string) (*policy.Policy, error)
	ListPolicies(ctx context.Context, country string, date time.Time) ([]*policy.Policy, error)
	GetCatalog(ctx context.Context, version string) (*catalog.AccountCatalog, error)

	// ResolveCatalogForDate returns the catalog version in force for
	// country on date, applying the same-day-cutover rule of spec §8.3.
	ResolveCatalogForDate(ctx context.Context, country string, date time.Time) (*catalog.AccountCatalog, error)
}
