// Package ledger maintains an account's chain of reconciliation checkpoints.
//
// Each checkpoint holds the bank-reported balance at a point in the
// transaction history and links back to its predecessor. The chain is append
// only: a rollback that invalidates earlier balances appends a corrective
// checkpoint instead of editing history.
package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
)

var (
	// ErrReconciliationMismatch means a declared running total disagrees with
	// the chain. It is fatal for the import.
	ErrReconciliationMismatch = errors.New("running total does not reconcile with ledger")
	// ErrBrokenChain means stored checkpoints do not link up.
	ErrBrokenChain = errors.New("checkpoint chain is broken")
)

// OpeningNote marks the root checkpoint of an account.
const OpeningNote = "opening balance"

// Entry is an inserted row that declares a bank balance.
type Entry struct {
	TransID      string
	Amount       int64
	RunningTotal int64
	// Exclusive means RunningTotal is the balance before the row.
	Exclusive bool
	At        time.Time
}

// before is the balance the bank reported ahead of the row.
func (e Entry) before() int64 {
	if e.Exclusive {
		return e.RunningTotal
	}
	return e.RunningTotal - e.Amount
}

// after is the balance the bank reported once the row was applied.
func (e Entry) after() int64 {
	if e.Exclusive {
		return e.RunningTotal + e.Amount
	}
	return e.RunningTotal
}

// Chain appends checkpoints for one import. Nothing is persisted here: the
// caller commits Appended with the rest of the import.
type Chain struct {
	account  string
	batchID  uuid.UUID
	tail     *repository.Checkpoint
	next     func() int64
	appended []*repository.Checkpoint
}

// NewChain starts from the account's latest stored checkpoint, which may be
// nil. next hands out sequence numbers shared with the import's transactions.
func NewChain(account string, batchID uuid.UUID, tail *repository.Checkpoint, next func() int64) *Chain {
	return &Chain{
		account: account,
		batchID: batchID,
		tail:    tail,
		next:    next,
	}
}

// Tail returns the newest checkpoint, including ones appended by this chain.
func (c *Chain) Tail() *repository.Checkpoint {
	return c.tail
}

// Appended returns the checkpoints added since NewChain, in chain order.
func (c *Chain) Appended() []*repository.Checkpoint {
	return c.appended
}

func (c *Chain) append(balance int64, at time.Time, notes string) *repository.Checkpoint {
	batchID := c.batchID
	cp := &repository.Checkpoint{
		ID:         uuid.New(),
		Account:    c.account,
		Balance:    balance,
		At:         at,
		ImportedBy: &batchID,
		Notes:      notes,
		Sequence:   c.next(),
	}
	if c.tail != nil {
		prev := c.tail.ID
		cp.PreviousID = &prev
	}
	c.tail = cp
	c.appended = append(c.appended, cp)
	return cp
}

// Open appends the root checkpoint when the chain is still empty. It must be
// called before the entry's transaction takes its sequence number so the
// transaction sits between the root and its own checkpoint.
func (c *Chain) Open(e Entry) *repository.Checkpoint {
	if c.tail != nil {
		return nil
	}
	return c.append(e.before(), e.At, OpeningNote)
}

// Reconcile checks e against the tail and appends the checkpoint that follows
// it. An empty chain is opened first.
func (c *Chain) Reconcile(e Entry) (*repository.Checkpoint, error) {
	c.Open(e)

	if want := e.before(); c.tail.Balance != want {
		return nil, fmt.Errorf("%w: %s declares %s before the row, ledger has %s",
			ErrReconciliationMismatch, e.TransID,
			normalizer.FormatCents(want), normalizer.FormatCents(c.tail.Balance))
	}
	return c.append(e.after(), e.At, ""), nil
}

// Rollback appends a corrective checkpoint after transactions totalling
// amount were rolled back. It returns nil when the chain stays consistent:
// nothing was removed, or there is no chain yet.
func (c *Chain) Rollback(amount int64, transIDs []string) *repository.Checkpoint {
	if amount == 0 || c.tail == nil {
		return nil
	}
	notes := fmt.Sprintf("adjustment after rollback of %d transactions (%s): %s",
		len(transIDs), normalizer.FormatCents(amount), strings.Join(transIDs, ", "))
	return c.append(c.tail.Balance-amount, c.tail.At, notes)
}

// Balance is the authoritative account balance: the tail's balance plus every
// active transaction recorded after it.
func Balance(tail *repository.Checkpoint, activeAfter int64) int64 {
	if tail == nil {
		return activeAfter
	}
	return tail.Balance + activeAfter
}

// VerifyChain checks that checkpoints, in chain order, form a single linked
// list starting at a root with strictly increasing sequence numbers.
func VerifyChain(chain []*repository.Checkpoint) error {
	for i, cp := range chain {
		if i == 0 {
			if cp.PreviousID != nil {
				return fmt.Errorf("%w: first checkpoint %s has a predecessor", ErrBrokenChain, cp.ID)
			}
			continue
		}
		prev := chain[i-1]
		if cp.PreviousID == nil || *cp.PreviousID != prev.ID {
			return fmt.Errorf("%w: checkpoint %s does not follow %s", ErrBrokenChain, cp.ID, prev.ID)
		}
		if cp.Sequence <= prev.Sequence {
			return fmt.Errorf("%w: checkpoint %s is out of sequence", ErrBrokenChain, cp.ID)
		}
	}
	return nil
}
