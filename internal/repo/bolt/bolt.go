// Package bolt is the bundled concrete Repository implementation,
// grounded directly on the teacher's storage.go: one bbolt bucket per
// entity, a db.Update/db.View transaction closure per operation. It
// serializes with encoding/json rather than the teacher's protobuf path
// — see DESIGN.md for why that dependency could not be carried forward
// — which mirrors what the teacher's own event_store.go already does
// for event payloads.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"ledgerengine/internal/catalog"
	"ledgerengine/internal/ledger"
	"ledgerengine/internal/policy"
	"ledgerengine/internal/repo"
)

var (
	bucketRuns          = []byte("pipeline_runs")
	bucketEntries        = []byte("journal_entries")
	bucketAudit          = []byte("audit")
	bucketSequences      = []byte("series_sequences")
	bucketEntriesByRun   = []byte("entries_by_run")
	bucketEntriesByCo    = []byte("entries_by_company")
)

// Repository is the bbolt-backed Repository. Policies and catalogs are
// immutable once loaded (spec §5), so they live in plain in-memory
// stores seeded at construction time rather than in bbolt; runs, entries
// and audit records are the mutable state bbolt guards.
type Repository struct {
	db       *bbolt.DB
	policies *policy.Store
	catalogs *catalog.Store
}

// Open creates (or reopens) a bbolt-backed repository at path, seeded
// with the given immutable policy and catalog stores.
func Open(path string, policies *policy.Store, catalogs *catalog.Store) (*Repository, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}
	r := &Repository{db: db, policies: policies, catalogs: catalogs}
	if err := r.initBuckets(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) initBuckets() error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketEntries, bucketAudit, bucketSequences, bucketEntriesByRun, bucketEntriesByCo} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("bolt: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (r *Repository) SaveRun(_ context.Context, run *ledger.PipelineRun) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRuns), []byte(run.ID), run)
	})
}

func (r *Repository) LoadRun(_ context.Context, id string) (*ledger.PipelineRun, error) {
	var run ledger.PipelineRun
	err := r.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketRuns), []byte(id), &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ClaimRun CASes PENDING -> RUNNING (or takes a RUNNING run whose claim
// was released or has expired, as when a run resumes after
// clarification) inside a single bbolt write transaction, so two workers
// racing for the same run can never both succeed (spec §5).
func (r *Repository) ClaimRun(_ context.Context, id, claimedBy string, lease time.Duration) (*ledger.PipelineRun, error) {
	var result ledger.PipelineRun
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		var run ledger.PipelineRun
		if err := getJSON(b, []byte(id), &run); err != nil {
			return err
		}

		now := time.Now()
		claimable := run.State == ledger.Pending ||
			(run.State == ledger.Running && (run.ClaimExpiresAt == nil || run.ClaimExpiresAt.Before(now)))
		if !claimable {
			return repo.ErrClaimConflict
		}

		run.State = ledger.Running
		run.ClaimedBy = claimedBy
		expiry := now.Add(lease)
		run.ClaimExpiresAt = &expiry
		run.UpdatedAt = now

		if err := putJSON(b, []byte(id), &run); err != nil {
			return err
		}
		result = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *Repository) ReleaseRun(_ context.Context, id string) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		var run ledger.PipelineRun
		if err := getJSON(b, []byte(id), &run); err != nil {
			return err
		}
		run.ClaimedBy = ""
		run.ClaimExpiresAt = nil
		return putJSON(b, []byte(id), &run)
	})
}

func (r *Repository) AppendAudit(_ context.Context, rec *ledger.AuditRecord) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		key := fmt.Sprintf("%s_%06d_%s", rec.RunID, rec.Ordinal, rec.ID)
		return putJSON(b, []byte(key), rec)
	})
}

// AllocateNumber uses bbolt's per-bucket monotonic sequence, scoped by a
// nested bucket keyed "company|series", so allocation is gap-free on
// success and rolls back with the transaction on failure (spec §5, §8.1
// invariant 7).
func (r *Repository) AllocateNumber(_ context.Context, companyID, series string) (int64, error) {
	var number int64
	err := r.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketSequences)
		key := []byte(companyID + "|" + series)
		seqBucket, err := root.CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		n, err := seqBucket.NextSequence()
		if err != nil {
			return err
		}
		number = int64(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: allocate number for %s/%s: %w", companyID, series, err)
	}
	return number, nil
}

func (r *Repository) InsertEntry(_ context.Context, entry *ledger.JournalEntry, run *ledger.PipelineRun) error {
	return r.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketEntries), []byte(entry.ID), entry); err != nil {
			return err
		}
		if err := tx.Bucket(bucketEntriesByRun).Put([]byte(run.ID), []byte(entry.ID)); err != nil {
			return err
		}
		coIndex, err := tx.Bucket(bucketEntriesByCo).CreateBucketIfNotExists([]byte(entry.CompanyID))
		if err != nil {
			return err
		}
		if err := coIndex.Put([]byte(entry.ID), nil); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketRuns), []byte(run.ID), run)
	})
}

func (r *Repository) LoadEntry(_ context.Context, id string) (*ledger.JournalEntry, error) {
	var entry ledger.JournalEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(bucketEntries), []byte(id), &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *Repository) ListEntries(_ context.Context, companyID string, page repo.Page) (repo.EntryPage, error) {
	var out repo.EntryPage
	err := r.db.View(func(tx *bbolt.Tx) error {
		coIndex := tx.Bucket(bucketEntriesByCo).Bucket([]byte(companyID))
		if coIndex == nil {
			return nil
		}
		var ids []string
		c := coIndex.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		out.TotalCount = len(ids)

		size := page.Size
		if size <= 0 {
			size = 20
		}
		start := page.Number * size
		if start >= len(ids) {
			return nil
		}
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		entriesBucket := tx.Bucket(bucketEntries)
		for _, id := range ids[start:end] {
			var entry ledger.JournalEntry
			if err := getJSON(entriesBucket, []byte(id), &entry); err != nil {
				return err
			}
			out.Entries = append(out.Entries, &entry)
		}
		return nil
	})
	return out, err
}

func (r *Repository) ByPipeline(_ context.Context, runID string) (*ledger.JournalEntry, error) {
	var entry ledger.JournalEntry
	err := r.db.View(func(tx *bbolt.Tx) error {
		entryID := tx.Bucket(bucketEntriesByRun).Get([]byte(runID))
		if entryID == nil {
			return repo.ErrNotFound
		}
		return getJSON(tx.Bucket(bucketEntries), entryID, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *Repository) GetPolicy(_ context.Context, id, version string) (*policy.Policy, error) {
	return r.policies.Get(id, version)
}

func (r *Repository) ListPolicies(_ context.Context, country string, date time.Time) ([]*policy.Policy, error) {
	return r.policies.ForCountryAndDate(country, date), nil
}

func (r *Repository) GetCatalog(_ context.Context, version string) (*catalog.AccountCatalog, error) {
	return r.catalogs.GetCatalog(version)
}

func (r *Repository) ResolveCatalogForDate(_ context.Context, country string, date time.Time) (*catalog.AccountCatalog, error) {
	return r.catalogs.ResolveForDate(country, date)
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bolt: marshal: %w", err)
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data := b.Get(key)
	if data == nil {
		return repo.ErrNotFound
	}
	return json.Unmarshal(data, v)
}
