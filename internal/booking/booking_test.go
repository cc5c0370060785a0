package booking

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/ledger"
	"ledgerengine/internal/money"
	"ledgerengine/internal/policy"
	"ledgerengine/internal/repo"
	"ledgerengine/internal/repo/bolt"
	"ledgerengine/internal/ruleengine"
)

func openTestRepo(t *testing.T) *bolt.Repository {
	t.Helper()
	r, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), policy.NewStore(), catalog.NewStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func balancedProposal() *ruleengine.Proposal {
	return &ruleengine.Proposal{
		PolicyID:   "SE_REPR_MEAL_V1",
		Confidence: 0.95,
		Lines: []ruleengine.Line{
			{Account: "6071", Side: policy.Debit, Amount: money.MustParse("100.00")},
			{Account: "1930", Side: policy.Credit, Amount: money.MustParse("100.00")},
		},
	}
}

func unbalancedProposal() *ruleengine.Proposal {
	return &ruleengine.Proposal{
		PolicyID: "BROKEN",
		Lines: []ruleengine.Line{
			{Account: "6071", Side: policy.Debit, Amount: money.MustParse("100.00")},
			{Account: "1930", Side: policy.Credit, Amount: money.MustParse("90.00")},
		},
	}
}

func pendingRun(id string) *ledger.PipelineRun {
	return &ledger.PipelineRun{
		ID:          id,
		CompanyID:   "co-1",
		State:       ledger.Running,
		CurrentStep: ledger.StepBook,
		StartedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Payload:     map[string]interface{}{},
	}
}

func TestCreatePersistsBalancedEntryAndCompletesRun(t *testing.T) {
	r := openTestRepo(t)
	svc := NewService(r)
	run := pendingRun("run-1")
	ctx := context.Background()

	entry, err := svc.Create(ctx, balancedProposal(), "co-1", "default", time.Now(), "alice", run)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Number)
	require.Len(t, entry.Lines, 2)
	assert.Equal(t, ledger.Completed, run.State)
	assert.Equal(t, ledger.StepComplete, run.CurrentStep)
	assert.Equal(t, entry.ID, run.JournalEntryID)
	require.NotNil(t, run.CompletedAt)

	loadedRun, err := r.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Completed, loadedRun.State)

	loadedEntry, err := svc.ByPipeline(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, entry.ID, loadedEntry.ID)
}

func TestCreateRejectsUnbalancedProposal(t *testing.T) {
	r := openTestRepo(t)
	svc := NewService(r)
	run := pendingRun("run-1")

	_, err := svc.Create(context.Background(), unbalancedProposal(), "co-1", "default", time.Now(), "alice", run)
	assert.ErrorIs(t, err, ErrNotBalanced)
	assert.Equal(t, ledger.Running, run.State, "a rejected booking must not mutate run state")
}

func TestCorrectReferencesOriginalAndBooksNewEntry(t *testing.T) {
	r := openTestRepo(t)
	svc := NewService(r)
	ctx := context.Background()

	original, err := svc.Create(ctx, balancedProposal(), "co-1", "default", time.Now(), "alice", pendingRun("run-1"))
	require.NoError(t, err)

	correction, err := svc.Correct(ctx, original.ID, balancedProposal(), "co-1", "default", time.Now(), "bob", pendingRun("run-2"))
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, correction.ID)
	assert.Equal(t, int64(2), correction.Number, "correction still consumes the next gap-free number")
	assert.Contains(t, correction.Notes, original.ID)

	reloadedOriginal, err := r.LoadEntry(ctx, original.ID)
	require.NoError(t, err)
	assert.Empty(t, reloadedOriginal.Notes, "the original entry is never mutated")
}

func TestListReturnsEntriesForCompany(t *testing.T) {
	r := openTestRepo(t)
	svc := NewService(r)
	ctx := context.Background()

	_, err := svc.Create(ctx, balancedProposal(), "co-1", "default", time.Now(), "alice", pendingRun("run-1"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, balancedProposal(), "co-1", "default", time.Now(), "alice", pendingRun("run-2"))
	require.NoError(t, err)

	page, err := svc.List(ctx, "co-1", repo.Page{Number: 0, Size: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.TotalCount)
}
