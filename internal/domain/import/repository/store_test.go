package repository

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
	"github.com/FACorreiaa/snapshot-reconciler/pkg/db"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

func newTx(batch uuid.UUID, transID string, day time.Time, amount int64, seq int64) *Transaction {
	return &Transaction{
		ID:              uuid.New(),
		Account:         "checking",
		TransID:         transID,
		EntryDate:       day,
		Description:     transID,
		Amount:          amount,
		RawFields:       []string{day.Format("02/01/2006"), transID, "x"},
		FirstImportedBy: batch,
		Sequence:        seq,
	}
}

// testStore runs the behaviour every ImportRepository must share.
func testStore(t *testing.T, store ImportRepository) {
	ctx := context.Background()

	t.Run("empty account", func(t *testing.T) {
		batch, err := store.LatestBatch(ctx, "checking")
		require.NoError(t, err)
		assert.Nil(t, batch)

		cp, err := store.LatestCheckpoint(ctx, "checking")
		require.NoError(t, err)
		assert.Nil(t, cp)

		seq, err := store.LastSequence(ctx, "checking")
		require.NoError(t, err)
		assert.Zero(t, seq)

		n, err := store.CountActiveOnDate(ctx, "checking", day1)
		require.NoError(t, err)
		assert.Zero(t, n)

		tx, err := store.ActiveTransaction(ctx, "checking", "nope")
		require.NoError(t, err)
		assert.Nil(t, tx)

		src, err := store.GetSource(ctx, "checking")
		require.NoError(t, err)
		assert.Nil(t, src)
	})

	b1 := uuid.New()
	root := &Checkpoint{ID: uuid.New(), Account: "checking", Balance: 10000, At: day1, ImportedBy: &b1, Notes: "opening balance", Sequence: 1}
	tx1 := newTx(b1, "2024-01-01 00:00:00.000000.0", day1, 1000, 2)
	tx1.RunningTotal = ptr(int64(11000))
	tx2 := newTx(b1, "2024-01-02 00:00:00.000000.0", day2, -250, 3)
	child := newTx(b1, "2024-01-01 00:00:00.000000.1", day1, 100, 4)
	child.ParentID = &tx1.ID

	first := &ChangeSet{
		Batch:       &ImportBatch{ID: b1, Account: "checking", Content: "a\nb\n", Checksum: "c1"},
		Checkpoints: []*Checkpoint{root},
		Inserts:     []*Transaction{tx1, tx2, child},
	}

	t.Run("first commit", func(t *testing.T) {
		require.NoError(t, store.Commit(ctx, first))

		batch, err := store.LatestBatch(ctx, "checking")
		require.NoError(t, err)
		require.NotNil(t, batch)
		assert.Equal(t, b1, batch.ID)
		assert.Equal(t, "a\nb\n", batch.Content)
		assert.Equal(t, "c1", batch.Checksum)
		assert.Nil(t, batch.PreviousID)

		n, err := store.CountActiveOnDate(ctx, "checking", day1)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "children are not counted")

		got, err := store.ActiveTransaction(ctx, "checking", tx1.TransID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, tx1.ID, got.ID)
		assert.Equal(t, tx1.RawFields, got.RawFields)
		assert.Equal(t, int64(11000), *got.RunningTotal)
		assert.True(t, got.EntryDate.Equal(day1))

		seq, err := store.LastSequence(ctx, "checking")
		require.NoError(t, err)
		assert.Equal(t, int64(4), seq)

		sum, err := store.ActiveAmountAfter(ctx, "checking", root.Sequence)
		require.NoError(t, err)
		assert.Equal(t, int64(750), sum)

		cp, err := store.LatestCheckpoint(ctx, "checking")
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, root.ID, cp.ID)
		assert.Equal(t, "opening balance", cp.Notes)
		assert.Nil(t, cp.PreviousID)
	})

	t.Run("stale baseline", func(t *testing.T) {
		again := &ChangeSet{Batch: &ImportBatch{ID: uuid.New(), Account: "checking", Content: "x", Checksum: "x"}}
		assert.ErrorIs(t, store.Commit(ctx, again), ErrStaleBaseline)
	})

	b2 := uuid.New()
	tx3 := newTx(b2, "2024-01-02 00:00:00.000000.1", day2, -500, 5)

	t.Run("rollback and confirm", func(t *testing.T) {
		second := &ChangeSet{
			Batch:         &ImportBatch{ID: b2, Account: "checking", Content: "a\nc\n", Checksum: "c2", PreviousID: &b1},
			BaselineID:    &b1,
			Tombstones:    []uuid.UUID{tx2.ID},
			Confirmations: []uuid.UUID{tx1.ID},
			Inserts:       []*Transaction{tx3},
		}
		require.NoError(t, store.Commit(ctx, second))

		active, err := store.ListTransactions(ctx, "checking", false)
		require.NoError(t, err)
		require.Len(t, active, 3)
		assert.Equal(t, []int64{2, 4, 5}, []int64{active[0].Sequence, active[1].Sequence, active[2].Sequence})
		assert.Equal(t, []uuid.UUID{b2}, active[0].AlsoImportedBy)

		all, err := store.ListTransactions(ctx, "checking", true)
		require.NoError(t, err)
		require.Len(t, all, 4)
		removed := all[1]
		assert.Equal(t, tx2.ID, removed.ID)
		require.NotNil(t, removed.RemovedBy)
		assert.Equal(t, b2, *removed.RemovedBy)
		assert.False(t, removed.Active())

		n, err := store.CountActiveOnDate(ctx, "checking", day2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		batches, err := store.ListBatches(ctx, "checking")
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, b2, batches[0].ID)
		assert.Empty(t, batches[0].Content)
		assert.Equal(t, "c2", batches[0].Checksum)
	})

	t.Run("tombstone of removed row", func(t *testing.T) {
		third := &ChangeSet{
			Batch:      &ImportBatch{ID: uuid.New(), Account: "checking", Content: "a\n", Checksum: "c3", PreviousID: &b2},
			BaselineID: &b2,
			Tombstones: []uuid.UUID{tx2.ID},
		}
		assert.ErrorIs(t, store.Commit(ctx, third), ErrStaleBaseline)

		batch, err := store.LatestBatch(ctx, "checking")
		require.NoError(t, err)
		assert.Equal(t, b2, batch.ID, "failed commit leaves no batch behind")
	})

	t.Run("duplicate active trans id", func(t *testing.T) {
		dup := newTx(b2, tx1.TransID, day1, 1000, 6)
		cs := &ChangeSet{
			Batch:      &ImportBatch{ID: uuid.New(), Account: "checking", Content: "d", Checksum: "d", PreviousID: &b2},
			BaselineID: &b2,
			Inserts:    []*Transaction{dup},
		}
		assert.Error(t, store.Commit(ctx, cs))
	})

	t.Run("accounts are isolated", func(t *testing.T) {
		batch, err := store.LatestBatch(ctx, "savings")
		require.NoError(t, err)
		assert.Nil(t, batch)

		txs, err := store.ListTransactions(ctx, "savings", true)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("sources", func(t *testing.T) {
		src := &Source{Account: "checking", Schema: schema.FieldSchema{
			Fields:      []schema.FieldTag{schema.EntryDate, schema.Description, schema.Debit, schema.Credit},
			Order:       schema.NewestFirst,
			HeaderLines: 1,
			Delimiter:   ";",
		}}
		require.NoError(t, store.SaveSource(ctx, src))

		got, err := store.GetSource(ctx, "checking")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, src.Schema.Fields, got.Schema.Fields)
		assert.Equal(t, schema.NewestFirst, got.Schema.Order)
		assert.Equal(t, ";", got.Schema.Delimiter)
		assert.Equal(t, schema.DefaultDateFormat, got.Schema.DateFormat)

		src.Schema.Order = schema.OldestFirst
		require.NoError(t, store.SaveSource(ctx, src))
		got, err = store.GetSource(ctx, "checking")
		require.NoError(t, err)
		assert.Equal(t, schema.OldestFirst, got.Schema.Order)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStore_Relations(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	from, to := uuid.New(), uuid.New()

	rel := &Relation{Account: "checking", FromID: from, ToID: to, Kind: "transfer"}
	require.NoError(t, store.AddRelation(ctx, rel))
	assert.Error(t, store.AddRelation(ctx, rel))

	for _, id := range []uuid.UUID{from, to} {
		rels, err := store.ListRelations(ctx, "checking", id)
		require.NoError(t, err)
		require.Len(t, rels, 1)
		assert.Equal(t, "transfer", rels[0].Kind)
	}
}

func TestSQLiteImportRepository(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sqlDB, err := db.OpenSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	testStore(t, NewSQLiteImportRepository(sqlDB))
}
