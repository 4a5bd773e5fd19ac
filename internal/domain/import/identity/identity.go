// Package identity assigns transaction identifiers to parsed rows.
//
// Rows without a natural key are identified by their entry date plus a per-day
// position. The position is the number of active transactions already on record
// for that day, so it depends on import history and on the direction rows are
// walked in. Both are explicit parameters here.
package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/fieldlist"
)

// Layout renders the date part of a synthetic identifier.
const Layout = "2006-01-02 15:04:05.000000"

// ErrNoActiveRecord means a newest-first walk ran out of active records for a day.
var ErrNoActiveRecord = errors.New("no active record left for day")

// Direction is the order records are walked in.
type Direction int

const (
	// OldestFirst is used for insertions: each record takes the next free position.
	OldestFirst Direction = iota
	// NewestFirst is used for rollbacks and confirmations: positions count down
	// from the number of active records.
	NewestFirst
)

// CountFunc returns how many active, non-child transactions are on record for
// an entry date.
type CountFunc func(entryDate time.Time) (int, error)

// Assignment is the identity given to one record.
type Assignment struct {
	Record   *fieldlist.ParsedRecord
	TransID  string
	Position int
}

// At is the ledger position of the assignment: its entry date shifted by its
// per-day position in microseconds.
func (a Assignment) At() time.Time {
	return At(a.Record.EntryDate, a.Position)
}

// TransID builds the identifier for a record at a per-day position. A
// natural unique id wins over the synthetic one.
func TransID(rec *fieldlist.ParsedRecord, position int) string {
	if rec.UniqueID != "" {
		return rec.UniqueID
	}
	return rec.EntryDate.Format(Layout) + "." + strconv.Itoa(position)
}

// At shifts an entry date by position microseconds.
func At(entryDate time.Time, position int) time.Time {
	return entryDate.Add(time.Duration(position) * time.Microsecond)
}

// Assign walks records in the given direction. records must already be in walk
// order, which need not be sorted by date. count is consulted the first time a
// date is seen; later records on that date continue from the position the
// walk reached, wherever they appear.
func Assign(records []*fieldlist.ParsedRecord, dir Direction, count CountFunc) ([]Assignment, error) {
	out := make([]Assignment, 0, len(records))
	positions := make(map[int64]int)

	for _, rec := range records {
		day := rec.EntryDate.UnixMicro()
		position, seen := positions[day]
		if !seen {
			n, err := count(rec.EntryDate)
			if err != nil {
				return nil, fmt.Errorf("failed to count active transactions on %s: %w",
					rec.EntryDate.Format(time.DateOnly), err)
			}
			position = n
		}

		var assigned int
		switch dir {
		case NewestFirst:
			position--
			if position < 0 && rec.UniqueID == "" {
				return nil, fmt.Errorf("%w: %s", ErrNoActiveRecord, rec.EntryDate.Format(time.DateOnly))
			}
			assigned = max(position, 0)
		default:
			assigned = position
			position++
		}
		positions[day] = position

		out = append(out, Assignment{
			Record:   rec,
			TransID:  TransID(rec, assigned),
			Position: assigned,
		})
	}
	return out, nil
}
