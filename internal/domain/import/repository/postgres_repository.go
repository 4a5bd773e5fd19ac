package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

// PgxPool abstracts the subset of pgxpool.Pool used by the repository to allow mocking in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ PgxPool          = (*pgxpool.Pool)(nil)
	_ ImportRepository = (*PostgresImportRepository)(nil)
	_ RelationStore    = (*PostgresImportRepository)(nil)
)

const (
	latestBatchQuery = `
		SELECT id, account, content, checksum, previous_id, created_at
		FROM import_batches
		WHERE account = $1
		ORDER BY n DESC
		LIMIT 1`

	latestBatchIDQuery = `SELECT id FROM import_batches WHERE account = $1 ORDER BY n DESC LIMIT 1`

	transactionColumns = `
		t.id, t.account, t.trans_id, t.entry_date, t.effective_date, t.description,
		t.amount, t.running_total, t.unique_id, t.raw_fields, t.parent_id, t.checkpoint_id,
		t.first_imported_by,
		ARRAY(SELECT ti.batch_id FROM transaction_imports ti
		      WHERE ti.transaction_id = t.id ORDER BY ti.created_at) AS also_imported_by,
		t.removed_by, t.seq, t.created_at`

	activeTransactionQuery = `SELECT` + transactionColumns + `
		FROM transactions t
		WHERE t.account = $1 AND t.trans_id = $2 AND t.removed_by IS NULL`

	listTransactionsQuery = `SELECT` + transactionColumns + `
		FROM transactions t
		WHERE t.account = $1 AND ($2 OR t.removed_by IS NULL)
		ORDER BY t.seq`

	countActiveOnDateQuery = `
		SELECT COUNT(*) FROM transactions
		WHERE account = $1 AND entry_date = $2 AND removed_by IS NULL AND parent_id IS NULL`

	checkpointColumns = `id, account, previous_id, balance, at, imported_by, notes, seq, created_at`

	latestCheckpointQuery = `SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE account = $1 ORDER BY seq DESC LIMIT 1`

	listCheckpointsQuery = `SELECT ` + checkpointColumns + `
		FROM checkpoints WHERE account = $1 ORDER BY seq`

	lastSequenceQuery = `
		SELECT GREATEST(
			COALESCE((SELECT MAX(seq) FROM transactions WHERE account = $1), 0),
			COALESCE((SELECT MAX(seq) FROM checkpoints WHERE account = $1), 0))`

	listBatchesQuery = `
		SELECT id, account, '' AS content, checksum, previous_id, created_at
		FROM import_batches
		WHERE account = $1
		ORDER BY n DESC`

	activeAmountAfterQuery = `
		SELECT COALESCE(SUM(amount), 0)::bigint FROM transactions
		WHERE account = $1 AND removed_by IS NULL AND parent_id IS NULL AND seq > $2`

	lockAccountQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

	insertBatchQuery = `
		INSERT INTO import_batches (id, account, content, checksum, previous_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	insertCheckpointQuery = `
		INSERT INTO checkpoints (id, account, previous_id, balance, at, imported_by, notes, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	tombstoneQuery = `
		UPDATE transactions SET removed_by = $1
		WHERE id = $2 AND removed_by IS NULL`

	confirmQuery = `
		INSERT INTO transaction_imports (transaction_id, batch_id, created_at)
		VALUES ($1, $2, $3)`

	getSourceQuery = `SELECT account, schema, updated_at FROM import_sources WHERE account = $1`

	saveSourceQuery = `
		INSERT INTO import_sources (account, schema, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET schema = EXCLUDED.schema, updated_at = NOW()`

	addRelationQuery = `
		INSERT INTO transaction_relations (account, from_id, to_id, kind, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account, from_id, to_id, kind) DO NOTHING`

	listRelationsQuery = `
		SELECT account, from_id, to_id, kind, created_at
		FROM transaction_relations
		WHERE account = $1 AND (from_id = $2 OR to_id = $2)
		ORDER BY created_at`
)

var transactionCopyColumns = []string{
	"id", "account", "trans_id", "entry_date", "effective_date", "description", "amount",
	"running_total", "unique_id", "raw_fields", "parent_id", "checkpoint_id",
	"first_imported_by", "seq", "created_at",
}

// PostgresImportRepository implements ImportRepository using PostgreSQL
type PostgresImportRepository struct {
	pool   PgxPool
	logger *slog.Logger
	tracer trace.Tracer
}

// NewPostgresImportRepository creates a new PostgreSQL-backed import repository
func NewPostgresImportRepository(pool PgxPool, logger *slog.Logger) *PostgresImportRepository {
	return &PostgresImportRepository{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("reconciler/repository"),
	}
}

// LatestBatch returns the account's most recent import batch, or nil.
func (r *PostgresImportRepository) LatestBatch(ctx context.Context, account string) (*ImportBatch, error) {
	rows, err := r.pool.Query(ctx, latestBatchQuery, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest batch: %w", err)
	}
	batch, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[ImportBatch])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest batch: %w", err)
	}
	return batch, nil
}

// ActiveTransaction looks up the active transaction with transID, or nil.
func (r *PostgresImportRepository) ActiveTransaction(ctx context.Context, account, transID string) (*Transaction, error) {
	rows, err := r.pool.Query(ctx, activeTransactionQuery, account, transID)
	if err != nil {
		return nil, fmt.Errorf("failed to query active transaction: %w", err)
	}
	t, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[Transaction])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan active transaction: %w", err)
	}
	return t, nil
}

// CountActiveOnDate counts active top-level transactions on entryDate.
func (r *PostgresImportRepository) CountActiveOnDate(ctx context.Context, account string, entryDate time.Time) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countActiveOnDateQuery, account, entryDate).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active transactions: %w", err)
	}
	return n, nil
}

// LatestCheckpoint returns the tail of the account's checkpoint chain, or nil.
func (r *PostgresImportRepository) LatestCheckpoint(ctx context.Context, account string) (*Checkpoint, error) {
	rows, err := r.pool.Query(ctx, latestCheckpointQuery, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest checkpoint: %w", err)
	}
	cp, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[Checkpoint])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan latest checkpoint: %w", err)
	}
	return cp, nil
}

// LastSequence returns the highest sequence in use for the account.
func (r *PostgresImportRepository) LastSequence(ctx context.Context, account string) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, lastSequenceQuery, account).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq, nil
}

// Commit writes a change set in one transaction. Concurrent commits for the
// same account are serialized by an advisory lock, and the baseline is
// re-checked under it.
func (r *PostgresImportRepository) Commit(ctx context.Context, cs *ChangeSet) error {
	if cs == nil || cs.Batch == nil {
		return fmt.Errorf("change set has no batch: %w", common.ErrBadRequest)
	}

	ctx, span := r.tracer.Start(ctx, "PostgresImportRepository.Commit")
	defer span.End()
	span.SetAttributes(
		attribute.String("account", cs.Batch.Account),
		attribute.Int("tombstones", len(cs.Tombstones)),
		attribute.Int("inserts", len(cs.Inserts)),
		attribute.Int("checkpoints", len(cs.Checkpoints)),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB transaction failed")
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := r.commitTx(ctx, tx, cs); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			r.logger.ErrorContext(ctx, "failed to rollback transaction", slog.Any("error", rollbackErr))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "DB transaction commit failed")
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	span.SetStatus(codes.Ok, "committed")
	return nil
}

func (r *PostgresImportRepository) commitTx(ctx context.Context, tx pgx.Tx, cs *ChangeSet) error {
	batch := cs.Batch
	now := time.Now()
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = now
	}

	if _, err := tx.Exec(ctx, lockAccountQuery, batch.Account); err != nil {
		return fmt.Errorf("failed to lock account: %w", err)
	}

	var latest *uuid.UUID
	var latestID uuid.UUID
	err := tx.QueryRow(ctx, latestBatchIDQuery, batch.Account).Scan(&latestID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read baseline: %w", err)
	default:
		latest = &latestID
	}
	if !sameID(latest, cs.BaselineID) {
		return ErrStaleBaseline
	}

	if _, err := tx.Exec(ctx, insertBatchQuery,
		batch.ID, batch.Account, batch.Content, batch.Checksum, batch.PreviousID, batch.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert import batch: %w", err)
	}

	for _, cp := range cs.Checkpoints {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		if _, err := tx.Exec(ctx, insertCheckpointQuery,
			cp.ID, cp.Account, cp.PreviousID, cp.Balance, cp.At, cp.ImportedBy, cp.Notes, cp.Sequence, cp.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}

	for _, id := range cs.Tombstones {
		tag, err := tx.Exec(ctx, tombstoneQuery, batch.ID, id)
		if err != nil {
			return fmt.Errorf("failed to tombstone transaction: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("tombstone target %s is not active: %w", id, ErrStaleBaseline)
		}
	}

	for _, id := range cs.Confirmations {
		if _, err := tx.Exec(ctx, confirmQuery, id, batch.ID, now); err != nil {
			return fmt.Errorf("failed to record confirmation: %w", err)
		}
	}

	if len(cs.Inserts) == 0 {
		return nil
	}

	// Use COPY for bulk insert performance
	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{"transactions"},
		transactionCopyColumns,
		pgx.CopyFromSlice(len(cs.Inserts), func(i int) ([]any, error) {
			t := cs.Inserts[i]
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			return []any{
				t.ID, t.Account, t.TransID, t.EntryDate, t.EffectiveDate, t.Description, t.Amount,
				t.RunningTotal, t.UniqueID, t.RawFields, t.ParentID, t.CheckpointID,
				t.FirstImportedBy, t.Sequence, t.CreatedAt,
			}, nil
		}),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("transaction already active: %w", common.ErrConflict)
		}
		return fmt.Errorf("failed to bulk insert transactions: %w", err)
	}
	if int(copied) != len(cs.Inserts) {
		return fmt.Errorf("inserted %d of %d transactions", copied, len(cs.Inserts))
	}

	r.logger.DebugContext(ctx, "change set committed",
		"account", batch.Account,
		"batch_id", batch.ID,
		"inserts", len(cs.Inserts),
		"tombstones", len(cs.Tombstones))
	return nil
}

// ListTransactions returns the account's transactions in sequence order.
func (r *PostgresImportRepository) ListTransactions(ctx context.Context, account string, includeRemoved bool) ([]*Transaction, error) {
	rows, err := r.pool.Query(ctx, listTransactionsQuery, account, includeRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Transaction])
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}
	return out, nil
}

// ListCheckpoints returns the account's checkpoint chain in order.
func (r *PostgresImportRepository) ListCheckpoints(ctx context.Context, account string) ([]*Checkpoint, error) {
	rows, err := r.pool.Query(ctx, listCheckpointsQuery, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Checkpoint])
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	return out, nil
}

// ListBatches returns the account's batches, newest first, without content.
func (r *PostgresImportRepository) ListBatches(ctx context.Context, account string) ([]*ImportBatch, error) {
	rows, err := r.pool.Query(ctx, listBatchesQuery, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[ImportBatch])
	if err != nil {
		return nil, fmt.Errorf("failed to scan batches: %w", err)
	}
	return out, nil
}

// ActiveAmountAfter sums active top-level amounts after seq.
func (r *PostgresImportRepository) ActiveAmountAfter(ctx context.Context, account string, seq int64) (int64, error) {
	var sum int64
	if err := r.pool.QueryRow(ctx, activeAmountAfterQuery, account, seq).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum active amounts: %w", err)
	}
	return sum, nil
}

// GetSource returns the account's registered schema, or nil.
func (r *PostgresImportRepository) GetSource(ctx context.Context, account string) (*Source, error) {
	var (
		src Source
		raw []byte
	)
	err := r.pool.QueryRow(ctx, getSourceQuery, account).Scan(&src.Account, &raw, &src.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}

	var s schema.FieldSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode source schema: %w", err)
	}
	src.Schema = s.WithDefaults()
	return &src, nil
}

// SaveSource creates or replaces the account's schema.
func (r *PostgresImportRepository) SaveSource(ctx context.Context, src *Source) error {
	raw, err := json.Marshal(src.Schema)
	if err != nil {
		return fmt.Errorf("failed to encode source schema: %w", err)
	}
	if _, err := r.pool.Exec(ctx, saveSourceQuery, src.Account, raw); err != nil {
		return fmt.Errorf("failed to save source: %w", err)
	}
	return nil
}

// AddRelation links two transactions. A duplicate link is ErrConflict.
func (r *PostgresImportRepository) AddRelation(ctx context.Context, rel *Relation) error {
	tag, err := r.pool.Exec(ctx, addRelationQuery, rel.Account, rel.FromID, rel.ToID, rel.Kind)
	if err != nil {
		return fmt.Errorf("failed to add relation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relation %s -> %s (%s): %w", rel.FromID, rel.ToID, rel.Kind, common.ErrConflict)
	}
	return nil
}

// ListRelations returns the links touching a transaction in either direction.
func (r *PostgresImportRepository) ListRelations(ctx context.Context, account string, transactionID uuid.UUID) ([]*Relation, error) {
	rows, err := r.pool.Query(ctx, listRelationsQuery, account, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Relation])
	if err != nil {
		return nil, fmt.Errorf("failed to scan relations: %w", err)
	}
	return out, nil
}
