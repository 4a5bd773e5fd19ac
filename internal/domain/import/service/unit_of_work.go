package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
)

// unitOfWork overlays the changes staged by one import on top of the store,
// so lookups and per-day counts see earlier steps of the same import before
// anything is committed.
type unitOfWork struct {
	store   repository.SnapshotStore
	account string

	tombstoned map[uuid.UUID]bool
	confirmed  map[uuid.UUID]bool
	staged     map[string]*repository.Transaction // by trans id
	removed    map[int64]int                      // per entry date, in unix micros
	added      map[int64]int
}

func newUnitOfWork(store repository.SnapshotStore, account string) *unitOfWork {
	return &unitOfWork{
		store:      store,
		account:    account,
		tombstoned: make(map[uuid.UUID]bool),
		confirmed:  make(map[uuid.UUID]bool),
		staged:     make(map[string]*repository.Transaction),
		removed:    make(map[int64]int),
		added:      make(map[int64]int),
	}
}

// countFunc adapts count to identity.CountFunc.
func (u *unitOfWork) countFunc(ctx context.Context) func(time.Time) (int, error) {
	return func(entryDate time.Time) (int, error) {
		return u.count(ctx, entryDate)
	}
}

// count is the number of active top-level transactions on entryDate once the
// staged changes are applied.
func (u *unitOfWork) count(ctx context.Context, entryDate time.Time) (int, error) {
	n, err := u.store.CountActiveOnDate(ctx, u.account, entryDate)
	if err != nil {
		return 0, err
	}
	day := entryDate.UnixMicro()
	return n - u.removed[day] + u.added[day], nil
}

// active returns the transaction that would be active under transID.
func (u *unitOfWork) active(ctx context.Context, transID string) (*repository.Transaction, error) {
	if t, ok := u.staged[transID]; ok {
		return t, nil
	}
	t, err := u.store.ActiveTransaction(ctx, u.account, transID)
	if err != nil || t == nil {
		return nil, err
	}
	if u.tombstoned[t.ID] {
		return nil, nil
	}
	return t, nil
}

func (u *unitOfWork) isStaged(t *repository.Transaction) bool {
	s, ok := u.staged[t.TransID]
	return ok && s.ID == t.ID
}

func (u *unitOfWork) tombstone(t *repository.Transaction) {
	u.tombstoned[t.ID] = true
	if t.ParentID == nil {
		u.removed[t.EntryDate.UnixMicro()]++
	}
}

// confirm reports false when t was already confirmed by this import.
func (u *unitOfWork) confirm(t *repository.Transaction) bool {
	if u.confirmed[t.ID] {
		return false
	}
	u.confirmed[t.ID] = true
	return true
}

func (u *unitOfWork) stage(t *repository.Transaction) {
	u.staged[t.TransID] = t
	if t.ParentID == nil {
		u.added[t.EntryDate.UnixMicro()]++
	}
}
