// Package service runs snapshot imports: it diffs a new export against the
// account's previous one, rolls back rows that disappeared, confirms rows that
// stayed and inserts new ones, all as one atomic change set.
package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/differ"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/fieldlist"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/identity"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/ledger"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/locker"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	"github.com/FACorreiaa/snapshot-reconciler/pkg/observability"
)

// Plan is everything one import would change. Import commits it, Preview
// only returns it.
type Plan struct {
	Account       string
	BatchID       uuid.UUID
	BaselineID    *uuid.UUID
	Rollbacks     []*repository.Transaction
	Confirmations []*repository.Transaction
	Inserts       []*repository.Transaction
	Checkpoints   []*repository.Checkpoint
	Warnings      []error

	batch *repository.ImportBatch
}

// NoOp reports whether the plan changes nothing.
func (p *Plan) NoOp() bool {
	return p.batch == nil
}

func (p *Plan) changeSet() *repository.ChangeSet {
	cs := &repository.ChangeSet{
		Batch:       p.batch,
		BaselineID:  p.BaselineID,
		Checkpoints: p.Checkpoints,
		Inserts:     p.Inserts,
	}
	for _, t := range p.Rollbacks {
		cs.Tombstones = append(cs.Tombstones, t.ID)
	}
	for _, t := range p.Confirmations {
		cs.Confirmations = append(cs.Confirmations, t.ID)
	}
	return cs
}

// Result is returned by a successful import. Inserted and RolledBack hold the
// trans ids downstream consumers should revisit.
type Result struct {
	Account     string
	BatchID     *uuid.UUID
	Inserted    []string
	RolledBack  []string
	Confirmed   int
	Checkpoints int
	Warnings    []error
}

func (p *Plan) result() *Result {
	r := &Result{
		Account:     p.Account,
		Confirmed:   len(p.Confirmations),
		Checkpoints: len(p.Checkpoints),
		Warnings:    p.Warnings,
		Inserted:    []string{},
		RolledBack:  []string{},
	}
	if !p.NoOp() {
		id := p.BatchID
		r.BatchID = &id
	}
	for _, t := range p.Inserts {
		r.Inserted = append(r.Inserted, t.TransID)
	}
	for _, t := range p.Rollbacks {
		r.RolledBack = append(r.RolledBack, t.TransID)
	}
	return r
}

// Engine imports snapshots for any number of accounts. Imports of one account
// are serialized through its Locker.
type Engine struct {
	store  repository.ImportRepository
	locker locker.Locker
	hooks  map[string]PostProcessor
	logger *slog.Logger
	tracer trace.Tracer

	lockTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker replaces the default in-process locker.
func WithLocker(l locker.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithPostProcessor registers a named hook sources can select.
func WithPostProcessor(name string, fn PostProcessor) Option {
	return func(e *Engine) { e.hooks[name] = fn }
}

// WithLockTimeout bounds how long Import waits for the account lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an import engine over store.
func NewEngine(store repository.ImportRepository, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locker: locker.NewLocalLocker(),
		hooks:  builtinPostProcessors(),
		logger: logger,
		tracer: otel.Tracer("reconciler/import"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Checksum is the blake2b-256 digest of a snapshot, hex encoded.
func Checksum(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Import reconciles snapshot against the account's previous import and
// commits the result atomically. Failures after the import started are
// returned as *AbortError and leave the store untouched.
func (e *Engine) Import(ctx context.Context, account string, snapshot []byte) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Import", trace.WithAttributes(
		attribute.String("account", account),
		attribute.Int("snapshot.bytes", len(snapshot)),
	))
	defer span.End()
	start := time.Now()

	lockCtx := ctx
	if e.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, e.lockTimeout)
		defer cancel()
	}
	unlock, err := e.locker.Lock(lockCtx, account)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock failed")
		return nil, fmt.Errorf("failed to lock account %s: %w", account, err)
	}
	defer unlock()

	r := newRun(account, e.logger)
	plan, err := e.plan(ctx, r, account, snapshot)
	if err != nil {
		return nil, e.fail(span, r, err)
	}

	if plan.NoOp() {
		observability.ImportsTotal.WithLabelValues("noop").Inc()
		e.countWarnings(plan.Warnings)
		e.logger.Info("import had no changes", "account", account, "warnings", len(plan.Warnings))
		span.SetStatus(codes.Ok, "no changes")
		return plan.result(), nil
	}

	commitStart := time.Now()
	if err := e.store.Commit(ctx, plan.changeSet()); err != nil {
		return nil, e.fail(span, r, fmt.Errorf("failed to commit import: %w", err))
	}
	observability.ObservePhase("commit", commitStart)
	r.enter(Committed)

	observability.ImportsTotal.WithLabelValues("committed").Inc()
	observability.TransactionsApplied.WithLabelValues("inserted").Add(float64(len(plan.Inserts)))
	observability.TransactionsApplied.WithLabelValues("rolled_back").Add(float64(len(plan.Rollbacks)))
	observability.TransactionsApplied.WithLabelValues("confirmed").Add(float64(len(plan.Confirmations)))
	e.countWarnings(plan.Warnings)

	e.logger.Info("import committed",
		"account", account,
		"batch_id", plan.BatchID,
		"inserted", len(plan.Inserts),
		"rolled_back", len(plan.Rollbacks),
		"confirmed", len(plan.Confirmations),
		"checkpoints", len(plan.Checkpoints),
		"duration", time.Since(start).String())
	span.SetAttributes(
		attribute.String("batch.id", plan.BatchID.String()),
		attribute.Int("inserted", len(plan.Inserts)),
		attribute.Int("rolled_back", len(plan.Rollbacks)),
	)
	span.SetStatus(codes.Ok, "committed")
	return plan.result(), nil
}

// Preview computes what Import would do without committing or locking.
func (e *Engine) Preview(ctx context.Context, account string, snapshot []byte) (*Plan, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Preview", trace.WithAttributes(attribute.String("account", account)))
	defer span.End()

	r := newRun(account, e.logger)
	plan, err := e.plan(ctx, r, account, snapshot)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, r.abort(err)
	}
	return plan, nil
}

func (e *Engine) fail(span trace.Span, r *run, err error) error {
	err = r.abort(err)
	observability.ImportsTotal.WithLabelValues("aborted").Inc()
	e.logger.Error("import aborted", "account", r.account, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) countWarnings(warnings []error) {
	for _, w := range warnings {
		label := "other"
		switch {
		case errors.Is(w, differ.ErrNoCommonLines):
			label = "no_common_lines"
		case errors.Is(w, ErrEmptySnapshot):
			label = "empty_snapshot"
		}
		observability.ImportWarnings.WithLabelValues(label).Inc()
	}
}

// plan runs every step of an import up to, but not including, the commit.
func (e *Engine) plan(ctx context.Context, r *run, account string, snapshot []byte) (*Plan, error) {
	src, err := e.store.GetSource(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load source: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, account)
	}
	parser, err := fieldlist.NewParser(src.Schema)
	if err != nil {
		return nil, fmt.Errorf("invalid source for %s: %w", account, err)
	}
	s := parser.Schema()
	hook, ok := e.hooks[s.PostProcess]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPostProcessor, s.PostProcess)
	}

	text, err := normalizer.DecodeSnapshot(snapshot, s.Encoding)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Account: account}
	newLines := s.Order.Apply(differ.Lines(s.Body(text)))
	if len(newLines) == 0 {
		plan.Warnings = append(plan.Warnings, ErrEmptySnapshot)
		return plan, nil
	}

	r.enter(Diffing)
	previous, err := e.store.LatestBatch(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous snapshot: %w", err)
	}
	var oldText string
	if previous != nil {
		oldText = previous.Content
		plan.BaselineID = &previous.ID
	}

	diffStart := time.Now()
	_, diffSpan := e.tracer.Start(ctx, "differ.Diff")
	oldLines := s.Order.Apply(differ.Lines(s.Body(oldText)))
	diff, err := differ.DiffLines(oldLines, newLines)
	diffSpan.End()
	observability.ObservePhase("diff", diffStart)
	if err != nil {
		return nil, err
	}
	plan.Warnings = append(plan.Warnings, diff.Warnings...)
	if diff.Empty() {
		return plan, nil
	}

	plan.batch = &repository.ImportBatch{
		ID:         uuid.New(),
		Account:    account,
		Content:    text,
		Checksum:   Checksum(text),
		PreviousID: plan.BaselineID,
	}
	plan.BatchID = plan.batch.ID

	seq, err := e.store.LastSequence(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence: %w", err)
	}
	next := func() int64 {
		seq++
		return seq
	}
	tail, err := e.store.LatestCheckpoint(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	chain := ledger.NewChain(account, plan.BatchID, tail, next)
	uow := newUnitOfWork(e.store, account)

	r.enter(RollingBack)
	rollbackStart := time.Now()
	if err := e.rollBack(ctx, plan, parser, diff.Deletes, len(oldLines)-len(diff.Deletes), uow, chain); err != nil {
		return nil, err
	}
	if err := e.confirm(ctx, plan, parser, diff.Common, uow); err != nil {
		return nil, err
	}
	observability.ObservePhase("rollback", rollbackStart)

	r.enter(Inserting)
	insertStart := time.Now()
	if err := e.insert(ctx, plan, parser, diff.Inserts, len(diff.Common), uow, chain, next, hook); err != nil {
		return nil, err
	}
	observability.ObservePhase("insert", insertStart)

	plan.Checkpoints = chain.Appended()
	return plan, nil
}

// newestFirst parses canonical-order lines and returns them newest first.
// offset is the number of snapshot rows ahead of lines.
func newestFirst(parser *fieldlist.Parser, lines []string, offset int) ([]*fieldlist.ParsedRecord, error) {
	rev := slices.Clone(lines)
	slices.Reverse(rev)
	records, err := parser.ParseLines(rev)
	var rowErr *fieldlist.RowError
	if errors.As(err, &rowErr) {
		rowErr.Row = offset + len(lines) - rowErr.Row + 1
	}
	return records, err
}

// oldestFirst parses canonical-order lines. offset is the number of snapshot
// rows ahead of lines.
func oldestFirst(parser *fieldlist.Parser, lines []string, offset int) ([]*fieldlist.ParsedRecord, error) {
	records, err := parser.ParseLines(lines)
	var rowErr *fieldlist.RowError
	if errors.As(err, &rowErr) {
		rowErr.Row += offset
	}
	return records, err
}

// rollBack tombstones the transactions behind rows that left the snapshot.
// Rows are walked newest first so per-day positions count down the same way
// they were handed out. offset is the number of previous-snapshot rows ahead
// of lines.
func (e *Engine) rollBack(ctx context.Context, plan *Plan, parser *fieldlist.Parser, lines []string, offset int,
	uow *unitOfWork, chain *ledger.Chain,
) error {
	if len(lines) == 0 {
		return nil
	}
	records, err := newestFirst(parser, lines, offset)
	if err != nil {
		return fmt.Errorf("failed to parse previous snapshot: %w", err)
	}
	assignments, err := identity.Assign(records, identity.NewestFirst, uow.countFunc(ctx))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRollbackMismatch, err)
	}

	var (
		amount int64
		ids    []string
	)
	for _, a := range assignments {
		stored, err := uow.active(ctx, a.TransID)
		if err != nil {
			return fmt.Errorf("failed to load transaction %s: %w", a.TransID, err)
		}
		if stored == nil {
			return fmt.Errorf("%w: %s is not active", ErrRollbackMismatch, a.TransID)
		}
		if !slices.Equal(stored.RawFields, a.Record.RawFields) {
			return fmt.Errorf("%w: %s was stored as %q, snapshot has %q",
				ErrRollbackMismatch, a.TransID, stored.RawFields, a.Record.RawFields)
		}

		uow.tombstone(stored)
		plan.Rollbacks = append(plan.Rollbacks, stored)
		amount += stored.Amount
		ids = append(ids, stored.TransID)
	}

	if parser.Schema().HasRunningTotal() {
		chain.Rollback(amount, ids)
	}
	return nil
}

// confirm records that rows present in both snapshots were seen again.
func (e *Engine) confirm(ctx context.Context, plan *Plan, parser *fieldlist.Parser, lines []string, uow *unitOfWork) error {
	if len(lines) == 0 {
		return nil
	}
	records, err := newestFirst(parser, lines, 0)
	if err != nil {
		return err
	}
	assignments, err := identity.Assign(records, identity.NewestFirst, uow.countFunc(ctx))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRollbackMismatch, err)
	}

	for _, a := range assignments {
		stored, err := uow.active(ctx, a.TransID)
		if err != nil {
			return fmt.Errorf("failed to load transaction %s: %w", a.TransID, err)
		}
		if stored == nil || !slices.Equal(stored.RawFields, a.Record.RawFields) {
			return fmt.Errorf("%w: unchanged row %q has no matching transaction %s",
				ErrRollbackMismatch, a.Record.Line, a.TransID)
		}
		if uow.confirm(stored) {
			plan.Confirmations = append(plan.Confirmations, stored)
		}
	}
	return nil
}

// insert builds transactions for new rows, oldest first, reconciling each
// declared running total against the ledger. offset is the number of snapshot
// rows ahead of lines.
func (e *Engine) insert(ctx context.Context, plan *Plan, parser *fieldlist.Parser, lines []string, offset int,
	uow *unitOfWork, chain *ledger.Chain, next func() int64, hook PostProcessor,
) error {
	if len(lines) == 0 {
		return nil
	}
	records, err := oldestFirst(parser, lines, offset)
	if err != nil {
		return err
	}
	assignments, err := identity.Assign(records, identity.OldestFirst, uow.countFunc(ctx))
	if err != nil {
		return err
	}

	for _, a := range assignments {
		rec := a.Record

		existing, err := uow.active(ctx, a.TransID)
		if err != nil {
			return fmt.Errorf("failed to load transaction %s: %w", a.TransID, err)
		}
		if existing != nil {
			if !slices.Equal(existing.RawFields, rec.RawFields) {
				return fmt.Errorf("%w: %s", ErrIdentityConflict, a.TransID)
			}
			// Same row already on record: reuse it.
			if !uow.isStaged(existing) && uow.confirm(existing) {
				plan.Confirmations = append(plan.Confirmations, existing)
			}
			continue
		}

		tx := &repository.Transaction{
			ID:              uuid.New(),
			Account:         plan.Account,
			TransID:         a.TransID,
			EntryDate:       rec.EntryDate,
			EffectiveDate:   rec.EffectiveDate,
			Description:     rec.Description,
			Amount:          rec.Amount,
			RunningTotal:    rec.RunningTotal,
			RawFields:       rec.RawFields,
			FirstImportedBy: plan.BatchID,
		}
		if rec.UniqueID != "" {
			uid := rec.UniqueID
			tx.UniqueID = &uid
		}
		hook(tx)

		var entry ledger.Entry
		if rec.HasRunningTotal() {
			entry = ledger.Entry{
				TransID:      a.TransID,
				Amount:       rec.Amount,
				RunningTotal: *rec.RunningTotal,
				Exclusive:    rec.RunningTotalExclusive,
				At:           a.At(),
			}
			chain.Open(entry)
		}
		tx.Sequence = next()
		if rec.HasRunningTotal() {
			cp, err := chain.Reconcile(entry)
			if err != nil {
				return err
			}
			cpID := cp.ID
			tx.CheckpointID = &cpID
		}

		uow.stage(tx)
		plan.Inserts = append(plan.Inserts, tx)
	}
	return nil
}
