package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

var _ ImportRepository = (*SQLiteImportRepository)(nil)

// sqliteTime is a fixed-width UTC layout so stored times compare as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteImportRepository implements ImportRepository on a local SQLite file.
// It backs the command line tool; the schema comes from pkg/db migrations.
type SQLiteImportRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteImportRepository wraps an open, migrated SQLite database.
func NewSQLiteImportRepository(db *sql.DB) *SQLiteImportRepository {
	return &SQLiteImportRepository{db: db, now: time.Now}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTime)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(sqliteTime, s)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func parseNullUUID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteBatchColumns = `id, account, content, checksum, previous_id, created_at`

func scanBatch(row rowScanner) (*ImportBatch, error) {
	var (
		b           ImportBatch
		id, created string
		previous    sql.NullString
	)
	if err := row.Scan(&id, &b.Account, &b.Content, &b.Checksum, &previous, &created); err != nil {
		return nil, err
	}
	var err error
	if b.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if b.PreviousID, err = parseNullUUID(previous); err != nil {
		return nil, err
	}
	if b.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &b, nil
}

const sqliteTransactionColumns = `
	id, account, trans_id, entry_date, effective_date, description, amount, running_total,
	unique_id, raw_fields, parent_id, checkpoint_id, first_imported_by,
	(SELECT group_concat(batch_id, ',') FROM transaction_imports ti WHERE ti.transaction_id = transactions.id),
	removed_by, seq, created_at`

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t                                 Transaction
		id, entry, raw, firstBy, created  string
		effective, uniqueID, parent, cpID sql.NullString
		also, removedBy                   sql.NullString
		runningTotal                      sql.NullInt64
	)
	if err := row.Scan(&id, &t.Account, &t.TransID, &entry, &effective, &t.Description, &t.Amount,
		&runningTotal, &uniqueID, &raw, &parent, &cpID, &firstBy, &also, &removedBy, &t.Sequence, &created,
	); err != nil {
		return nil, err
	}

	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if t.EntryDate, err = parseTime(entry); err != nil {
		return nil, err
	}
	if effective.Valid {
		d, err := parseTime(effective.String)
		if err != nil {
			return nil, err
		}
		t.EffectiveDate = &d
	}
	if runningTotal.Valid {
		t.RunningTotal = &runningTotal.Int64
	}
	if uniqueID.Valid {
		t.UniqueID = &uniqueID.String
	}
	if err := json.Unmarshal([]byte(raw), &t.RawFields); err != nil {
		return nil, fmt.Errorf("failed to decode raw fields: %w", err)
	}
	if t.ParentID, err = parseNullUUID(parent); err != nil {
		return nil, err
	}
	if t.CheckpointID, err = parseNullUUID(cpID); err != nil {
		return nil, err
	}
	if t.FirstImportedBy, err = uuid.Parse(firstBy); err != nil {
		return nil, err
	}
	if also.Valid && also.String != "" {
		for _, s := range strings.Split(also.String, ",") {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			t.AlsoImportedBy = append(t.AlsoImportedBy, id)
		}
	}
	if t.RemovedBy, err = parseNullUUID(removedBy); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteCheckpointColumns = `id, account, previous_id, balance, at, imported_by, notes, seq, created_at`

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var (
		cp                   Checkpoint
		id, at, created      string
		previous, importedBy sql.NullString
	)
	if err := row.Scan(&id, &cp.Account, &previous, &cp.Balance, &at, &importedBy, &cp.Notes, &cp.Sequence, &created); err != nil {
		return nil, err
	}
	var err error
	if cp.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if cp.PreviousID, err = parseNullUUID(previous); err != nil {
		return nil, err
	}
	if cp.At, err = parseTime(at); err != nil {
		return nil, err
	}
	if cp.ImportedBy, err = parseNullUUID(importedBy); err != nil {
		return nil, err
	}
	if cp.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &cp, nil
}

// LatestBatch implements SnapshotStore.
func (r *SQLiteImportRepository) LatestBatch(ctx context.Context, account string) (*ImportBatch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteBatchColumns+` FROM import_batches WHERE account = ? ORDER BY n DESC LIMIT 1`, account)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest batch: %w", err)
	}
	return b, nil
}

// ActiveTransaction implements SnapshotStore.
func (r *SQLiteImportRepository) ActiveTransaction(ctx context.Context, account, transID string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions
		 WHERE account = ? AND trans_id = ? AND removed_by IS NULL`, account, transID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active transaction: %w", err)
	}
	return t, nil
}

// CountActiveOnDate implements SnapshotStore.
func (r *SQLiteImportRepository) CountActiveOnDate(ctx context.Context, account string, entryDate time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions
		 WHERE account = ? AND entry_date = ? AND removed_by IS NULL AND parent_id IS NULL`,
		account, formatTime(entryDate)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active transactions: %w", err)
	}
	return n, nil
}

// LatestCheckpoint implements SnapshotStore.
func (r *SQLiteImportRepository) LatestCheckpoint(ctx context.Context, account string) (*Checkpoint, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqliteCheckpointColumns+` FROM checkpoints WHERE account = ? ORDER BY seq DESC LIMIT 1`, account)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

// LastSequence implements SnapshotStore.
func (r *SQLiteImportRepository) LastSequence(ctx context.Context, account string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM transactions WHERE account = ?), 0),
			COALESCE((SELECT MAX(seq) FROM checkpoints WHERE account = ?), 0))`,
		account, account).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq, nil
}

// Commit implements SnapshotStore.
func (r *SQLiteImportRepository) Commit(ctx context.Context, cs *ChangeSet) (err error) {
	if cs == nil || cs.Batch == nil {
		return fmt.Errorf("change set has no batch: %w", common.ErrBadRequest)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	batch := cs.Batch
	now := r.now()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}

	var (
		latest   *uuid.UUID
		latestID string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM import_batches WHERE account = ? ORDER BY n DESC LIMIT 1`, batch.Account).Scan(&latestID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return fmt.Errorf("failed to read baseline: %w", err)
	default:
		id, perr := uuid.Parse(latestID)
		if perr != nil {
			return perr
		}
		latest = &id
	}
	if !sameID(latest, cs.BaselineID) {
		return ErrStaleBaseline
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO import_batches (id, account, content, checksum, previous_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batch.ID.String(), batch.Account, batch.Content, batch.Checksum, nullUUID(batch.PreviousID), formatTime(batch.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to insert import batch: %w", err)
	}

	for _, cp := range cs.Checkpoints {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO checkpoints (id, account, previous_id, balance, at, imported_by, notes, seq, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID.String(), cp.Account, nullUUID(cp.PreviousID), cp.Balance, formatTime(cp.At),
			nullUUID(cp.ImportedBy), cp.Notes, cp.Sequence, formatTime(cp.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}

	for _, id := range cs.Tombstones {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`UPDATE transactions SET removed_by = ? WHERE id = ? AND removed_by IS NULL`,
			batch.ID.String(), id.String())
		if err != nil {
			return fmt.Errorf("failed to tombstone transaction: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			err = fmt.Errorf("tombstone target %s is not active: %w", id, ErrStaleBaseline)
			return err
		}
	}

	for _, id := range cs.Confirmations {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO transaction_imports (transaction_id, batch_id, created_at) VALUES (?, ?, ?)`,
			id.String(), batch.ID.String(), formatTime(now),
		); err != nil {
			return fmt.Errorf("failed to record confirmation: %w", err)
		}
	}

	for _, t := range cs.Inserts {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		var raw []byte
		if raw, err = json.Marshal(t.RawFields); err != nil {
			return fmt.Errorf("failed to encode raw fields: %w", err)
		}
		var runningTotal, uniqueID any
		if t.RunningTotal != nil {
			runningTotal = *t.RunningTotal
		}
		if t.UniqueID != nil {
			uniqueID = *t.UniqueID
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (
				id, account, trans_id, entry_date, effective_date, description, amount, running_total,
				unique_id, raw_fields, parent_id, checkpoint_id, first_imported_by, seq, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID.String(), t.Account, t.TransID, formatTime(t.EntryDate), nullTime(t.EffectiveDate),
			t.Description, t.Amount, runningTotal, uniqueID, string(raw), nullUUID(t.ParentID),
			nullUUID(t.CheckpointID), t.FirstImportedBy.String(), t.Sequence, formatTime(t.CreatedAt),
		); err != nil {
			return fmt.Errorf("failed to insert transaction %q: %w", t.TransID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListTransactions implements QueryStore.
func (r *SQLiteImportRepository) ListTransactions(ctx context.Context, account string, includeRemoved bool) ([]*Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteTransactionColumns+` FROM transactions
		 WHERE account = ? AND (? OR removed_by IS NULL)
		 ORDER BY seq`, account, includeRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCheckpoints implements QueryStore.
func (r *SQLiteImportRepository) ListCheckpoints(ctx context.Context, account string) ([]*Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteCheckpointColumns+` FROM checkpoints WHERE account = ? ORDER BY seq`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ListBatches implements QueryStore.
func (r *SQLiteImportRepository) ListBatches(ctx context.Context, account string) ([]*ImportBatch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account, '', checksum, previous_id, created_at
		 FROM import_batches WHERE account = ? ORDER BY n DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []*ImportBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActiveAmountAfter implements QueryStore.
func (r *SQLiteImportRepository) ActiveAmountAfter(ctx context.Context, account string, seq int64) (int64, error) {
	var sum int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions
		 WHERE account = ? AND removed_by IS NULL AND parent_id IS NULL AND seq > ?`,
		account, seq).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum active amounts: %w", err)
	}
	return sum, nil
}

// GetSource implements SourceStore.
func (r *SQLiteImportRepository) GetSource(ctx context.Context, account string) (*Source, error) {
	var (
		src            Source
		raw, updatedAt string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT account, schema, updated_at FROM import_sources WHERE account = ?`, account,
	).Scan(&src.Account, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	var s schema.FieldSchema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to decode source schema: %w", err)
	}
	src.Schema = s.WithDefaults()
	if src.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &src, nil
}

// SaveSource implements SourceStore.
func (r *SQLiteImportRepository) SaveSource(ctx context.Context, src *Source) error {
	raw, err := json.Marshal(src.Schema)
	if err != nil {
		return fmt.Errorf("failed to encode source schema: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO import_sources (account, schema, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (account) DO UPDATE SET schema = excluded.schema, updated_at = excluded.updated_at`,
		src.Account, string(raw), formatTime(r.now()))
	if err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}
