package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/common"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/ledger"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/schema"
)

// BalanceReport explains the current balance of an account.
type BalanceReport struct {
	Account     string
	Checkpoint  *repository.Checkpoint // nil when the account has no chain
	ActiveAfter int64                  // active amounts recorded after Checkpoint
	Balance     int64
}

// RegisterSource validates and stores the export layout of an account.
func (e *Engine) RegisterSource(ctx context.Context, account string, s schema.FieldSchema) (*repository.Source, error) {
	if account == "" {
		return nil, fmt.Errorf("account is required: %w", common.ErrBadRequest)
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if _, ok := e.hooks[s.PostProcess]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPostProcessor, s.PostProcess)
	}

	src := &repository.Source{Account: account, Schema: s}
	if err := e.store.SaveSource(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to save source: %w", err)
	}
	e.logger.Info("source registered", "account", account, "fields", len(s.Fields), "order", s.Order.String())

	saved, err := e.store.GetSource(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to reload source: %w", err)
	}
	return saved, nil
}

// Source returns the registered layout of an account.
func (e *Engine) Source(ctx context.Context, account string) (*repository.Source, error) {
	src, err := e.store.GetSource(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load source: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, account)
	}
	return src, nil
}

// Balance returns the tail checkpoint's balance plus every active transaction
// recorded after it.
func (e *Engine) Balance(ctx context.Context, account string) (*BalanceReport, error) {
	tail, err := e.store.LatestCheckpoint(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	var after int64
	if tail != nil {
		after = tail.Sequence
	}
	sum, err := e.store.ActiveAmountAfter(ctx, account, after)
	if err != nil {
		return nil, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return &BalanceReport{
		Account:     account,
		Checkpoint:  tail,
		ActiveAfter: sum,
		Balance:     ledger.Balance(tail, sum),
	}, nil
}

// History returns the account's checkpoint chain after verifying its links.
func (e *Engine) History(ctx context.Context, account string) ([]*repository.Checkpoint, error) {
	chain, err := e.store.ListCheckpoints(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if err := ledger.VerifyChain(chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// Transactions lists an account's transactions in sequence order.
func (e *Engine) Transactions(ctx context.Context, account string, includeRemoved bool) ([]*repository.Transaction, error) {
	txs, err := e.store.ListTransactions(ctx, account, includeRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// Batches lists an account's imports, newest first, without their content.
func (e *Engine) Batches(ctx context.Context, account string) ([]*repository.ImportBatch, error) {
	batches, err := e.store.ListBatches(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

func (e *Engine) relations() (repository.RelationStore, error) {
	rs, ok := e.store.(repository.RelationStore)
	if !ok {
		return nil, ErrRelationsUnsupported
	}
	return rs, nil
}

// Relate links two transactions of an account.
func (e *Engine) Relate(ctx context.Context, account string, from, to uuid.UUID, kind string) (*repository.Relation, error) {
	if kind == "" || from == to {
		return nil, fmt.Errorf("relation needs a kind and two distinct transactions: %w", common.ErrBadRequest)
	}
	rs, err := e.relations()
	if err != nil {
		return nil, err
	}
	rel := &repository.Relation{Account: account, FromID: from, ToID: to, Kind: kind, CreatedAt: time.Now()}
	if err := rs.AddRelation(ctx, rel); err != nil {
		return nil, fmt.Errorf("failed to add relation: %w", err)
	}
	return rel, nil
}

// Relations lists the relations touching a transaction, in both directions.
func (e *Engine) Relations(ctx context.Context, account string, transactionID uuid.UUID) ([]*repository.Relation, error) {
	rs, err := e.relations()
	if err != nil {
		return nil, err
	}
	rels, err := rs.ListRelations(ctx, account, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations: %w", err)
	}
	return rels, nil
}
