// Package repository provides data access for snapshot reconciliation entities.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

// ErrStaleBaseline is returned by Commit when another import committed for the
// account after the change set's baseline was read.
var ErrStaleBaseline = errors.New("snapshot baseline changed during import")

// ImportBatch is one committed import attempt and the snapshot it carried.
type ImportBatch struct {
	ID         uuid.UUID  `db:"id"`
	Account    string     `db:"account"`
	Content    string     `db:"content"`
	Checksum   string     `db:"checksum"`
	PreviousID *uuid.UUID `db:"previous_id"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Transaction is a persisted transaction. Rows are never deleted: a rollback
// sets RemovedBy.
type Transaction struct {
	ID              uuid.UUID   `db:"id"`
	Account         string      `db:"account"`
	TransID         string      `db:"trans_id"`
	EntryDate       time.Time   `db:"entry_date"`
	EffectiveDate   *time.Time  `db:"effective_date"`
	Description     string      `db:"description"`
	Amount          int64       `db:"amount"`
	RunningTotal    *int64      `db:"running_total"`
	UniqueID        *string     `db:"unique_id"`
	RawFields       []string    `db:"raw_fields"`
	ParentID        *uuid.UUID  `db:"parent_id"`
	CheckpointID    *uuid.UUID  `db:"checkpoint_id"`
	FirstImportedBy uuid.UUID   `db:"first_imported_by"`
	AlsoImportedBy  []uuid.UUID `db:"also_imported_by"`
	RemovedBy       *uuid.UUID  `db:"removed_by"`
	Sequence        int64       `db:"seq"`
	CreatedAt       time.Time   `db:"created_at"`
}

// Active reports whether the transaction has not been rolled back.
func (t *Transaction) Active() bool {
	return t.RemovedBy == nil
}

// Checkpoint is one node of an account's reconciliation chain.
type Checkpoint struct {
	ID         uuid.UUID  `db:"id"`
	Account    string     `db:"account"`
	PreviousID *uuid.UUID `db:"previous_id"`
	Balance    int64      `db:"balance"`
	At         time.Time  `db:"at"`
	ImportedBy *uuid.UUID `db:"imported_by"`
	Notes      string     `db:"notes"`
	Sequence   int64      `db:"seq"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Source is the registered export layout of an account.
type Source struct {
	Account   string             `db:"account"`
	Schema    schema.FieldSchema `db:"schema"`
	UpdatedAt time.Time          `db:"updated_at"`
}

// Relation links two transactions of an account, e.g. the legs of a transfer.
type Relation struct {
	Account   string    `db:"account"`
	FromID    uuid.UUID `db:"from_id"`
	ToID      uuid.UUID `db:"to_id"`
	Kind      string    `db:"kind"`
	CreatedAt time.Time `db:"created_at"`
}

// ChangeSet is everything one import writes. Commit applies it atomically.
type ChangeSet struct {
	Batch *ImportBatch
	// BaselineID is the batch the diff was computed against; nil on the first import.
	BaselineID    *uuid.UUID
	Checkpoints   []*Checkpoint // chain order
	Tombstones    []uuid.UUID   // transaction row ids, set removed_by = Batch.ID
	Confirmations []uuid.UUID   // transaction row ids re-observed by Batch
	Inserts       []*Transaction
}

// SnapshotStore is what the import engine reads and writes.
type SnapshotStore interface {
	// LatestBatch returns nil, nil when the account has never been imported.
	LatestBatch(ctx context.Context, account string) (*ImportBatch, error)
	// ActiveTransaction returns nil, nil when no active transaction has the id.
	ActiveTransaction(ctx context.Context, account, transID string) (*Transaction, error)
	// CountActiveOnDate counts active transactions without a parent on entryDate.
	CountActiveOnDate(ctx context.Context, account string, entryDate time.Time) (int, error)
	// LatestCheckpoint returns nil, nil when the chain is empty.
	LatestCheckpoint(ctx context.Context, account string) (*Checkpoint, error)
	// LastSequence is the highest sequence used by the account's transactions and checkpoints.
	LastSequence(ctx context.Context, account string) (int64, error)
	Commit(ctx context.Context, cs *ChangeSet) error
}

// QueryStore serves read-only views.
type QueryStore interface {
	ListTransactions(ctx context.Context, account string, includeRemoved bool) ([]*Transaction, error)
	ListCheckpoints(ctx context.Context, account string) ([]*Checkpoint, error)
	// ListBatches returns batches newest first, without their content.
	ListBatches(ctx context.Context, account string) ([]*ImportBatch, error)
	// ActiveAmountAfter sums active top-level transactions with a sequence above seq.
	ActiveAmountAfter(ctx context.Context, account string, seq int64) (int64, error)
}

// SourceStore persists per-account schemas.
type SourceStore interface {
	// GetSource returns nil, nil when the account has no registered source.
	GetSource(ctx context.Context, account string) (*Source, error)
	SaveSource(ctx context.Context, src *Source) error
}

// RelationStore persists links between transactions.
type RelationStore interface {
	AddRelation(ctx context.Context, rel *Relation) error
	ListRelations(ctx context.Context, account string, transactionID uuid.UUID) ([]*Relation, error)
}

// ImportRepository defines data access operations for imports
type ImportRepository interface {
	SnapshotStore
	QueryStore
	SourceStore
}
