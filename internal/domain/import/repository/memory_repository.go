package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
)

var (
	_ ImportRepository = (*MemoryStore)(nil)
	_ RelationStore    = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory implementation of ImportRepository.
// It is safe for concurrent use and returns copies, never internal pointers.
type MemoryStore struct {
	mu           sync.RWMutex
	batches      []*ImportBatch
	transactions []*Transaction
	checkpoints  []*Checkpoint
	sources      map[string]*Source
	relations    []*Relation
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sources: make(map[string]*Source),
		now:     time.Now,
	}
}

func copyTransaction(t *Transaction) *Transaction {
	c := *t
	c.RawFields = slices.Clone(t.RawFields)
	c.AlsoImportedBy = slices.Clone(t.AlsoImportedBy)
	return &c
}

// LatestBatch implements SnapshotStore.
func (s *MemoryStore) LatestBatch(_ context.Context, account string) (*ImportBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := s.latestBatch(account)
	if b == nil {
		return nil, nil
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) latestBatch(account string) *ImportBatch {
	for i := len(s.batches) - 1; i >= 0; i-- {
		if s.batches[i].Account == account {
			return s.batches[i]
		}
	}
	return nil
}

// ActiveTransaction implements SnapshotStore.
func (s *MemoryStore) ActiveTransaction(_ context.Context, account, transID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t := s.activeTransaction(account, transID); t != nil {
		return copyTransaction(t), nil
	}
	return nil, nil
}

func (s *MemoryStore) activeTransaction(account, transID string) *Transaction {
	for _, t := range s.transactions {
		if t.Account == account && t.TransID == transID && t.Active() {
			return t
		}
	}
	return nil
}

// CountActiveOnDate implements SnapshotStore.
func (s *MemoryStore) CountActiveOnDate(_ context.Context, account string, entryDate time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, t := range s.transactions {
		if t.Account == account && t.Active() && t.ParentID == nil && t.EntryDate.Equal(entryDate) {
			n++
		}
	}
	return n, nil
}

// LatestCheckpoint implements SnapshotStore.
func (s *MemoryStore) LatestCheckpoint(_ context.Context, account string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Account == account && (latest == nil || cp.Sequence > latest.Sequence) {
			latest = cp
		}
	}
	if latest == nil {
		return nil, nil
	}
	c := *latest
	return &c, nil
}

// LastSequence implements SnapshotStore.
func (s *MemoryStore) LastSequence(_ context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for _, t := range s.transactions {
		if t.Account == account {
			last = max(last, t.Sequence)
		}
	}
	for _, cp := range s.checkpoints {
		if cp.Account == account {
			last = max(last, cp.Sequence)
		}
	}
	return last, nil
}

// Commit implements SnapshotStore. The change set is validated in full before
// anything is applied.
func (s *MemoryStore) Commit(_ context.Context, cs *ChangeSet) error {
	if cs == nil || cs.Batch == nil {
		return fmt.Errorf("change set has no batch: %w", common.ErrBadRequest)
	}
	account := cs.Batch.Account

	s.mu.Lock()
	defer s.mu.Unlock()

	var latestID *uuid.UUID
	if b := s.latestBatch(account); b != nil {
		latestID = &b.ID
	}
	if !sameID(latestID, cs.BaselineID) {
		return ErrStaleBaseline
	}

	byID := make(map[uuid.UUID]*Transaction, len(s.transactions))
	for _, t := range s.transactions {
		byID[t.ID] = t
	}
	for _, id := range cs.Tombstones {
		t, ok := byID[id]
		if !ok || !t.Active() {
			return fmt.Errorf("tombstone target %s is not active: %w", id, ErrStaleBaseline)
		}
	}
	for _, id := range cs.Confirmations {
		if _, ok := byID[id]; !ok {
			return fmt.Errorf("confirmation target %s: %w", id, common.ErrNotFound)
		}
	}

	tombstoned := make(map[uuid.UUID]bool, len(cs.Tombstones))
	for _, id := range cs.Tombstones {
		tombstoned[id] = true
	}
	for _, ins := range cs.Inserts {
		if t := s.activeTransaction(account, ins.TransID); t != nil && !tombstoned[t.ID] {
			return fmt.Errorf("transaction %q is already active: %w", ins.TransID, common.ErrConflict)
		}
	}

	now := s.now()
	batch := *cs.Batch
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}
	s.batches = append(s.batches, &batch)

	for _, cp := range cs.Checkpoints {
		c := *cp
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		s.checkpoints = append(s.checkpoints, &c)
	}
	for _, id := range cs.Tombstones {
		batchID := batch.ID
		byID[id].RemovedBy = &batchID
	}
	for _, id := range cs.Confirmations {
		byID[id].AlsoImportedBy = append(byID[id].AlsoImportedBy, batch.ID)
	}
	for _, ins := range cs.Inserts {
		t := copyTransaction(ins)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		s.transactions = append(s.transactions, t)
	}
	return nil
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ListTransactions implements QueryStore. Results are ordered by sequence.
func (s *MemoryStore) ListTransactions(_ context.Context, account string, includeRemoved bool) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Transaction
	for _, t := range s.transactions {
		if t.Account != account || (!includeRemoved && !t.Active()) {
			continue
		}
		out = append(out, copyTransaction(t))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ListCheckpoints implements QueryStore. Results are in chain order.
func (s *MemoryStore) ListCheckpoints(_ context.Context, account string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if cp.Account == account {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// ListBatches implements QueryStore.
func (s *MemoryStore) ListBatches(_ context.Context, account string) ([]*ImportBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ImportBatch
	for i := len(s.batches) - 1; i >= 0; i-- {
		if s.batches[i].Account == account {
			c := *s.batches[i]
			c.Content = ""
			out = append(out, &c)
		}
	}
	return out, nil
}

// ActiveAmountAfter implements QueryStore.
func (s *MemoryStore) ActiveAmountAfter(_ context.Context, account string, seq int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, t := range s.transactions {
		if t.Account == account && t.Active() && t.ParentID == nil && t.Sequence > seq {
			sum += t.Amount
		}
	}
	return sum, nil
}

// GetSource implements SourceStore.
func (s *MemoryStore) GetSource(_ context.Context, account string) (*Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.sources[account]
	if !ok {
		return nil, nil
	}
	c := *src
	c.Schema = src.Schema.WithDefaults()
	return &c, nil
}

// SaveSource implements SourceStore.
func (s *MemoryStore) SaveSource(_ context.Context, src *Source) error {
	if src.Account == "" {
		return fmt.Errorf("source account is required: %w", common.ErrBadRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *src
	c.Schema = src.Schema.WithDefaults()
	c.UpdatedAt = s.now()
	s.sources[src.Account] = &c
	return nil
}

// AddRelation implements RelationStore.
func (s *MemoryStore) AddRelation(_ context.Context, rel *Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.relations {
		if r.Account == rel.Account && r.FromID == rel.FromID && r.ToID == rel.ToID && r.Kind == rel.Kind {
			return fmt.Errorf("relation %s -> %s (%s): %w", rel.FromID, rel.ToID, rel.Kind, common.ErrConflict)
		}
	}
	c := *rel
	c.CreatedAt = s.now()
	s.relations = append(s.relations, &c)
	return nil
}

// ListRelations implements RelationStore. Both directions are returned.
func (s *MemoryStore) ListRelations(_ context.Context, account string, transactionID uuid.UUID) ([]*Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Relation
	for _, r := range s.relations {
		if r.Account == account && (r.FromID == transactionID || r.ToID == transactionID) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}
