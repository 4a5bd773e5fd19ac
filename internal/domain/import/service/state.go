package service

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrRollbackMismatch means a row the diff says was imported before has no
	// matching active transaction. The import is aborted.
	ErrRollbackMismatch = errors.New("stored transaction does not match snapshot row")
	// ErrIdentityConflict means an inserted row collides with a different active
	// transaction of the same id.
	ErrIdentityConflict = errors.New("transaction id already used by a different row")
	// ErrEmptySnapshot is advisory: the snapshot had no data rows, so nothing
	// was done.
	ErrEmptySnapshot = errors.New("snapshot has no data rows")
	// ErrNoSource means the account has no registered source schema.
	ErrNoSource = errors.New("account has no registered source")
	// ErrUnknownPostProcessor means a source names a hook that is not registered.
	ErrUnknownPostProcessor = errors.New("unknown post-process hook")
	// ErrRelationsUnsupported means the store cannot persist relations.
	ErrRelationsUnsupported = errors.New("store does not support transaction relations")
)

// State is a step of one import attempt.
type State int

const (
	Idle State = iota
	Diffing
	RollingBack
	Inserting
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Diffing:
		return "diffing"
	case RollingBack:
		return "rolling_back"
	case Inserting:
		return "inserting"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// AbortError is returned for every import that failed after it started. The
// store is unchanged and retrying the same snapshot fails the same way.
type AbortError struct {
	Account string
	State   State // the step that failed
	Err     error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("import for %s aborted while %s: %v", e.Account, e.State, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// run tracks the state of one import attempt.
type run struct {
	account string
	state   State
	logger  *slog.Logger
}

func newRun(account string, logger *slog.Logger) *run {
	return &run{account: account, state: Idle, logger: logger}
}

func (r *run) enter(s State) {
	r.logger.Debug("import state changed", "account", r.account, "from", r.state.String(), "to", s.String())
	r.state = s
}

// abort moves the run to Aborted and wraps err with the step that failed.
func (r *run) abort(err error) error {
	failed := r.state
	r.enter(Aborted)
	return &AbortError{Account: r.account, State: failed, Err: err}
}
