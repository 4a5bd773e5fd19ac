package service

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/differ"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/fieldlist"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/ledger"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

const account = "acc"

var (
	amountSchema = schema.FieldSchema{
		Fields: []schema.FieldTag{schema.EntryDate, schema.Amount, schema.Description, schema.Ignore},
		Order:  schema.NewestFirst,
	}
	runningTotalSchema = schema.FieldSchema{
		Fields: []schema.FieldTag{schema.EntryDate, schema.Description, schema.Amount, schema.RunningTotalInclusive},
	}
	dayOneSchema = schema.FieldSchema{
		Fields: []schema.FieldTag{schema.EntryDate, schema.Description, schema.Amount},
	}
)

func newTestEngine(t *testing.T, s schema.FieldSchema) (*Engine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	e := NewEngine(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := e.RegisterSource(context.Background(), account, s)
	require.NoError(t, err)
	return e, store
}

func snapshot(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func importOK(t *testing.T, e *Engine, lines ...string) *Result {
	t.Helper()
	res, err := e.Import(context.Background(), account, snapshot(lines...))
	require.NoError(t, err)
	return res
}

func activeIDs(t *testing.T, store *repository.MemoryStore) []string {
	t.Helper()
	txs, err := store.ListTransactions(context.Background(), account, false)
	require.NoError(t, err)
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.TransID
	}
	return ids
}

func TestImport_NewestFirstScenario(t *testing.T) {
	e, store := newTestEngine(t, amountSchema)

	res := importOK(t, e,
		`09/11/2011,"0.12","Cattle",""`,
		`09/11/2011,"1.23","Boat",""`,
		`09/11/2011,"4.56","Apple",""`,
	)

	require.NotNil(t, res.BatchID)
	assert.Equal(t, []string{
		"2011-11-09 00:00:00.000000.0",
		"2011-11-09 00:00:00.000000.1",
		"2011-11-09 00:00:00.000000.2",
	}, res.Inserted)
	assert.Empty(t, res.RolledBack)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], differ.ErrNoCommonLines)

	txs, err := store.ListTransactions(context.Background(), account, false)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, int64(456), txs[0].Amount)
	assert.Equal(t, "Apple", txs[0].Description)
	assert.Equal(t, int64(123), txs[1].Amount)
	assert.Equal(t, int64(12), txs[2].Amount)
	for _, tx := range txs {
		assert.Equal(t, *res.BatchID, tx.FirstImportedBy)
		assert.True(t, tx.Active())
	}
}

func TestImport_Idempotent(t *testing.T) {
	e, store := newTestEngine(t, amountSchema)
	rows := []string{`10/11/2011,"5.00","Dog",""`, `09/11/2011,"1.00","Cat",""`}

	first := importOK(t, e, rows...)
	require.NotNil(t, first.BatchID)

	second := importOK(t, e, rows...)
	assert.Nil(t, second.BatchID)
	assert.Empty(t, second.Inserted)
	assert.Empty(t, second.RolledBack)
	assert.Empty(t, second.Warnings)

	batches, err := store.ListBatches(context.Background(), account)
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestImport_DuplicateRowsRoundTrip(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	row := "01/02/2024,Coffee,-20.00"

	importOK(t, e, row, row, row, row)
	assert.Len(t, activeIDs(t, store), 4)

	again := importOK(t, e, row, row, row, row)
	assert.Nil(t, again.BatchID)

	removed := importOK(t, e, row, row, row)
	require.NotNil(t, removed.BatchID)
	assert.Equal(t, []string{"2024-02-01 00:00:00.000000.3"}, removed.RolledBack)
	assert.Empty(t, removed.Inserted)
	assert.Equal(t, 3, removed.Confirmed)
	assert.Equal(t, []string{
		"2024-02-01 00:00:00.000000.0",
		"2024-02-01 00:00:00.000000.1",
		"2024-02-01 00:00:00.000000.2",
	}, activeIDs(t, store))

	all, err := store.ListTransactions(context.Background(), account, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	for _, tx := range all[:3] {
		assert.Equal(t, []uuid.UUID{*removed.BatchID}, tx.AlsoImportedBy)
	}
}

func TestImport_PogoStickTakesNextPosition(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	a, b, c := "01/02/2024,A,-1.00", "01/02/2024,B,-2.00", "01/02/2024,C,-3.00"

	importOK(t, e, a, b, c)

	gone := importOK(t, e, a, c)
	assert.Equal(t, []string{"2024-02-01 00:00:00.000000.2", "2024-02-01 00:00:00.000000.1"}, gone.RolledBack)
	assert.Equal(t, []string{"2024-02-01 00:00:00.000000.1"}, gone.Inserted)

	back := importOK(t, e, a, b, c)
	assert.Equal(t, []string{"2024-02-01 00:00:00.000000.1"}, back.RolledBack)
	assert.Equal(t, []string{"2024-02-01 00:00:00.000000.1", "2024-02-01 00:00:00.000000.2"}, back.Inserted)

	txs, err := store.ListTransactions(context.Background(), account, false)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{txs[0].Description, txs[1].Description, txs[2].Description})

	all, err := store.ListTransactions(context.Background(), account, true)
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func TestImport_NoRippleAcrossDays(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	a, b := "01/02/2024,A,-1.00", "01/02/2024,B,-2.00"
	c, d := "02/02/2024,C,-3.00", "02/02/2024,D,-4.00"

	importOK(t, e, a, b, c, d)
	before := activeIDs(t, store)

	importOK(t, e, a, c, d)
	importOK(t, e, a, "01/02/2024,X,-9.00", b, c, d)

	after := activeIDs(t, store)
	dayTwo := func(ids []string) []string {
		var out []string
		for _, id := range ids {
			if strings.HasPrefix(id, "2024-02-02") {
				out = append(out, id)
			}
		}
		return out
	}
	assert.Equal(t, dayTwo(before), dayTwo(after))
	assert.Contains(t, after, "2024-02-01 00:00:00.000000.2")
}

func TestImport_InterleavedDates(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	rows := []string{"01/01/2024,A,-1.00", "02/01/2024,B,-2.00", "01/01/2024,C,-3.00"}

	res := importOK(t, e, rows...)
	assert.Equal(t, []string{
		"2024-01-01 00:00:00.000000.0",
		"2024-01-02 00:00:00.000000.0",
		"2024-01-01 00:00:00.000000.1",
	}, res.Inserted)
	assert.Len(t, activeIDs(t, store), 3)

	again := importOK(t, e, rows...)
	assert.Nil(t, again.BatchID)
}

func TestImport_InterleavedIdenticalRows(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	coffee, lunch := "01/01/2024,Coffee,-20.00", "02/01/2024,Lunch,-8.00"

	res := importOK(t, e, coffee, lunch, coffee)
	assert.Len(t, res.Inserted, 3)
	assert.ElementsMatch(t, []string{
		"2024-01-01 00:00:00.000000.0",
		"2024-01-01 00:00:00.000000.1",
		"2024-01-02 00:00:00.000000.0",
	}, activeIDs(t, store))

	removed := importOK(t, e, coffee, lunch)
	assert.Equal(t, []string{"2024-01-01 00:00:00.000000.1"}, removed.RolledBack)
	assert.Empty(t, removed.Inserted)
	assert.Equal(t, 2, removed.Confirmed)
	assert.ElementsMatch(t, []string{
		"2024-01-01 00:00:00.000000.0",
		"2024-01-02 00:00:00.000000.0",
	}, activeIDs(t, store))
}

func TestImport_DisjointSnapshotKeepsHistory(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	importOK(t, e, "01/01/2024,A,-1.00", "02/01/2024,B,-2.00")

	res := importOK(t, e, "05/01/2024,C,-3.00", "06/01/2024,D,-4.00")
	require.NotNil(t, res.BatchID)
	assert.Empty(t, res.RolledBack)
	assert.Equal(t, []string{"2024-01-05 00:00:00.000000.0", "2024-01-06 00:00:00.000000.0"}, res.Inserted)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], differ.ErrNoCommonLines)
	assert.Len(t, activeIDs(t, store), 4)
}

func TestImport_BadRowAbortsWholeImport(t *testing.T) {
	ctx := context.Background()
	good := []string{"01/01/2024,A,-1.00", "02/01/2024,B,-2.00"}

	tests := []struct {
		name    string
		row     string
		wantErr error
	}{
		{"amount", "03/01/2024,C,-2.5", normalizer.ErrInvalidAmount},
		{"field count", "03/01/2024,C", fieldlist.ErrSchemaMismatch},
		{"date", "2024-01-03,C,-1.00", normalizer.ErrInvalidDate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, store := newTestEngine(t, dayOneSchema)
			importOK(t, e, good[0])

			_, err := e.Import(ctx, account, snapshot(good[0], good[1], tt.row, "04/01/2024,D,-4.00"))
			require.ErrorIs(t, err, tt.wantErr)

			var rowErr *fieldlist.RowError
			require.ErrorAs(t, err, &rowErr)
			assert.Equal(t, 3, rowErr.Row)
			assert.Equal(t, tt.row, rowErr.Line)

			var abortErr *AbortError
			require.ErrorAs(t, err, &abortErr)
			assert.Equal(t, Inserting, abortErr.State)

			batches, err := store.ListBatches(ctx, account)
			require.NoError(t, err)
			assert.Len(t, batches, 1)
			all, err := store.ListTransactions(ctx, account, true)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestImport_RunningTotalExclusive(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, schema.FieldSchema{
		Fields: []schema.FieldTag{schema.EntryDate, schema.Description, schema.Amount, schema.RunningTotalExclusive},
	})
	opening, coffee := "01/01/2024,Opening,10.00,100.00", "02/01/2024,Coffee,-2.50,110.00"

	res := importOK(t, e, opening, coffee)
	assert.Equal(t, 3, res.Checkpoints)

	chain, err := e.History(ctx, account)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, ledger.OpeningNote, chain[0].Notes)
	assert.Equal(t, []int64{10000, 11000, 10750}, []int64{chain[0].Balance, chain[1].Balance, chain[2].Balance})

	bal, err := e.Balance(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(10750), bal.Balance)

	_, err = e.Import(ctx, account, snapshot(opening, coffee, "03/01/2024,Lunch,-5.00,110.00"))
	require.ErrorIs(t, err, ledger.ErrReconciliationMismatch)
	all, err := store.ListCheckpoints(ctx, account)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestImport_RunningTotalLedger(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, runningTotalSchema)
	opening := "01/01/2024,Opening,10.00,110.00"

	first := importOK(t, e, opening, "02/01/2024,Coffee,-2.50,107.50")
	assert.Equal(t, 3, first.Checkpoints)

	bal, err := e.Balance(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(10750), bal.Balance)
	assert.Equal(t, int64(0), bal.ActiveAfter)

	t.Run("mismatch aborts without partial state", func(t *testing.T) {
		_, err := e.Import(ctx, account, snapshot(opening, "02/01/2024,Coffee,-2.50,107.50", "03/01/2024,Lunch,-5.00,100.00"))
		require.ErrorIs(t, err, ledger.ErrReconciliationMismatch)

		var abortErr *AbortError
		require.ErrorAs(t, err, &abortErr)
		assert.Equal(t, Inserting, abortErr.State)

		batches, err := store.ListBatches(ctx, account)
		require.NoError(t, err)
		assert.Len(t, batches, 1)
		all, err := store.ListTransactions(ctx, account, true)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		chain, err := store.ListCheckpoints(ctx, account)
		require.NoError(t, err)
		assert.Len(t, chain, 3)
	})

	t.Run("rollback appends corrective checkpoint", func(t *testing.T) {
		res := importOK(t, e, opening, "02/01/2024,Coffee,-3.50,106.50")
		assert.Equal(t, []string{"2024-01-02 00:00:00.000000.0"}, res.RolledBack)
		assert.Equal(t, []string{"2024-01-02 00:00:00.000000.0"}, res.Inserted)
		assert.Equal(t, 2, res.Checkpoints)

		chain, err := e.History(ctx, account)
		require.NoError(t, err)
		require.Len(t, chain, 5)
		assert.Nil(t, chain[0].PreviousID)
		assert.Equal(t, ledger.OpeningNote, chain[0].Notes)
		assert.Equal(t, int64(10000), chain[0].Balance)
		assert.Equal(t, int64(11000), chain[3].Balance)
		assert.Contains(t, chain[3].Notes, "rollback of 1 transactions")
		assert.Equal(t, int64(10650), chain[4].Balance)

		bal, err := e.Balance(ctx, account)
		require.NoError(t, err)
		assert.Equal(t, int64(10650), bal.Balance)
	})

	t.Run("rolled back transaction is kept", func(t *testing.T) {
		all, err := store.ListTransactions(ctx, account, true)
		require.NoError(t, err)
		require.Len(t, all, 3)

		var removed []*repository.Transaction
		for _, tx := range all {
			if !tx.Active() {
				removed = append(removed, tx)
			}
		}
		require.Len(t, removed, 1)
		assert.Equal(t, int64(-250), removed[0].Amount)
		assert.NotNil(t, removed[0].CheckpointID)
	})
}

func TestImport_ClosureWithoutRunningTotal(t *testing.T) {
	e, _ := newTestEngine(t, dayOneSchema)
	importOK(t, e, "01/02/2024,A,-1.00", "02/02/2024,B,5.00")
	importOK(t, e, "01/02/2024,A,-1.00", "02/02/2024,B,5.00", "03/02/2024,C,2.25")

	bal, err := e.Balance(context.Background(), account)
	require.NoError(t, err)
	assert.Nil(t, bal.Checkpoint)
	assert.Equal(t, int64(625), bal.Balance)
}

func TestImport_EmptySnapshotIsAdvisory(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	importOK(t, e, "01/02/2024,A,-1.00")

	res, err := e.Import(context.Background(), account, []byte("\n\n"))
	require.NoError(t, err)
	assert.Nil(t, res.BatchID)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], ErrEmptySnapshot)
	assert.Len(t, activeIDs(t, store), 1)
}

func TestImport_HeaderLinesAndCarriageReturns(t *testing.T) {
	s := dayOneSchema
	s.HeaderLines = 1
	e, store := newTestEngine(t, s)

	res, err := e.Import(context.Background(), account, []byte("Date,Description,Amount\r\n01/02/2024,A,-1.00\r\n"))
	require.NoError(t, err)
	assert.Len(t, res.Inserted, 1)

	txs, err := store.ListTransactions(context.Background(), account, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"01/02/2024", "A", "-1.00"}, txs[0].RawFields)
}

func TestImport_NoSource(t *testing.T) {
	e := NewEngine(repository.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := e.Import(context.Background(), "unknown", snapshot("01/02/2024,A,-1.00"))
	require.ErrorIs(t, err, ErrNoSource)

	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, Idle, abortErr.State)
}

func TestImport_RollbackMismatch(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, dayOneSchema)
	importOK(t, e, "01/02/2024,A,-1.00", "02/02/2024,B,-2.00")

	// Tombstone B behind the engine's back, keeping the same baseline text.
	latest, err := store.LatestBatch(ctx, account)
	require.NoError(t, err)
	txs, err := store.ListTransactions(ctx, account, false)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, &repository.ChangeSet{
		Batch:      &repository.ImportBatch{ID: uuid.New(), Account: account, Content: latest.Content},
		BaselineID: &latest.ID,
		Tombstones: []uuid.UUID{txs[1].ID},
	}))

	_, err = e.Import(ctx, account, snapshot("01/02/2024,A,-1.00"))
	require.ErrorIs(t, err, ErrRollbackMismatch)

	var abortErr *AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, RollingBack, abortErr.State)
}

func TestImport_UniqueIDReuseAndConflict(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, schema.FieldSchema{
		Fields: []schema.FieldTag{schema.UniqueID, schema.EntryDate, schema.Amount, schema.Description},
	})
	importOK(t, e, "X1,01/02/2024,1.00,Shop")

	// Same fields, different quoting: no common line, but the row is known.
	res := importOK(t, e, `"X1","01/02/2024","1.00","Shop"`)
	assert.Empty(t, res.Inserted)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, []string{"X1"}, activeIDs(t, store))

	_, err := e.Import(ctx, account, snapshot("X1,01/02/2024,9.99,Other shop"))
	require.ErrorIs(t, err, ErrIdentityConflict)
}

func TestImport_PostProcessHook(t *testing.T) {
	s := dayOneSchema
	s.PostProcess = "clean_description"
	e, store := newTestEngine(t, s)

	importOK(t, e, `01/02/2024,"  Big    Shop ",-1.00`)

	txs, err := store.ListTransactions(context.Background(), account, false)
	require.NoError(t, err)
	assert.Equal(t, "Big Shop", txs[0].Description)
	assert.Equal(t, "  Big    Shop ", txs[0].RawFields[1])
}

func TestImport_CustomPostProcessor(t *testing.T) {
	store := repository.NewMemoryStore()
	e := NewEngine(store, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithPostProcessor("upper", func(tx *repository.Transaction) { tx.Description = strings.ToUpper(tx.Description) }))

	s := dayOneSchema
	s.PostProcess = "upper"
	_, err := e.RegisterSource(context.Background(), account, s)
	require.NoError(t, err)

	importOK(t, e, "01/02/2024,shop,-1.00")
	txs, err := store.ListTransactions(context.Background(), account, false)
	require.NoError(t, err)
	assert.Equal(t, "SHOP", txs[0].Description)
}

func TestRegisterSource_Validation(t *testing.T) {
	e := NewEngine(repository.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	s := dayOneSchema
	s.PostProcess = "missing"
	_, err := e.RegisterSource(ctx, account, s)
	assert.ErrorIs(t, err, ErrUnknownPostProcessor)

	_, err = e.RegisterSource(ctx, account, schema.FieldSchema{Fields: []schema.FieldTag{schema.Amount}})
	assert.ErrorIs(t, err, schema.ErrMissingRequiredField)

	src, err := e.RegisterSource(ctx, account, dayOneSchema)
	require.NoError(t, err)
	assert.Equal(t, schema.DefaultDateFormat, src.Schema.DateFormat)

	got, err := e.Source(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, dayOneSchema.Fields, got.Schema.Fields)

	_, err = e.Source(ctx, "other")
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestPreview_DoesNotCommit(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	importOK(t, e, "01/02/2024,A,-1.00")

	plan, err := e.Preview(context.Background(), account, snapshot("01/02/2024,A,-1.00", "02/02/2024,B,-2.00"))
	require.NoError(t, err)
	assert.False(t, plan.NoOp())
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "2024-02-02 00:00:00.000000.0", plan.Inserts[0].TransID)
	assert.Len(t, plan.Confirmations, 1)

	assert.Len(t, activeIDs(t, store), 1)
}

func TestImport_SameAccountIsSerialized(t *testing.T) {
	e, store := newTestEngine(t, dayOneSchema)
	rows := snapshot("01/02/2024,A,-1.00", "02/02/2024,B,-2.00")

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Import(context.Background(), account, rows)
		}()
	}
	wg.Wait()

	committed := 0
	for i := range workers {
		require.NoError(t, errs[i])
		if results[i].BatchID != nil {
			committed++
		}
	}
	assert.Equal(t, 1, committed)
	assert.Len(t, activeIDs(t, store), 2)
}

func TestRelations(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t, dayOneSchema)
	importOK(t, e, "01/02/2024,Out,-5.00", "01/02/2024,In,5.00")
	txs, err := store.ListTransactions(ctx, account, false)
	require.NoError(t, err)

	_, err = e.Relate(ctx, account, txs[0].ID, txs[1].ID, "transfer")
	require.NoError(t, err)
	_, err = e.Relate(ctx, account, txs[0].ID, txs[0].ID, "transfer")
	assert.Error(t, err)

	rels, err := e.Relations(ctx, account, txs[1].ID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "transfer", rels[0].Kind)
}

func TestChecksum(t *testing.T) {
	assert.Len(t, Checksum("abc"), 64)
	assert.Equal(t, Checksum("abc"), Checksum("abc"))
	assert.NotEqual(t, Checksum("abc"), Checksum("abd"))
}

func TestRowErrorsPointAtSnapshotRows(t *testing.T) {
	parser, err := fieldlist.NewParser(dayOneSchema)
	require.NoError(t, err)
	lines := []string{"01/01/2024,A,-1.00", "02/01/2024,B,oops", "03/01/2024,C,-3.00"}

	var rowErr *fieldlist.RowError
	_, err = newestFirst(parser, lines, 4)
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 6, rowErr.Row)

	_, err = oldestFirst(parser, lines, 4)
	require.ErrorAs(t, err, &rowErr)
	assert.Equal(t, 6, rowErr.Row)
}
