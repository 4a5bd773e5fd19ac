// Package differ compares two snapshots of an account line by line.
//
// Both snapshots are put into canonical (oldest first) order and aligned with
// difflib's SequenceMatcher. The alignment is then split into the rows both
// snapshots share at the start (Common), the tail of the old snapshot that has
// to be rolled back (Deletes) and the tail of the new snapshot that has to be
// replayed (Inserts).
package differ

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

var (
	// ErrNoCommonLines is advisory: the snapshots share no anchor row.
	ErrNoCommonLines = errors.New("no common lines between snapshots")
	// ErrInconsistentDiff means the split does not reassemble into the inputs.
	ErrInconsistentDiff = errors.New("diff does not reassemble into its inputs")
)

// OpKind classifies one span of an alignment.
type OpKind int

const (
	OpEqual OpKind = iota
	OpDelete
	OpInsert
	OpReplace
)

func (k OpKind) String() string {
	switch k {
	case OpEqual:
		return "equal"
	case OpDelete:
		return "delete"
	case OpInsert:
		return "insert"
	default:
		return "replace"
	}
}

// Opcode describes how old[I1:I2] turns into new[J1:J2].
type Opcode struct {
	Kind   OpKind
	I1, I2 int
	J1, J2 int
}

// Result is the split of one diff. All slices are in canonical order.
type Result struct {
	Common   []string
	Deletes  []string
	Inserts  []string
	Warnings []error
}

// Empty reports whether applying the result would change nothing.
func (r *Result) Empty() bool {
	return len(r.Deletes) == 0 && len(r.Inserts) == 0
}

// Lines splits text into its non-blank lines, dropping trailing carriage returns.
func Lines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Diff compares two snapshot texts. order maps a snapshot's native line order
// to canonical order.
func Diff(order func([]string) []string, oldText, newText string) (*Result, error) {
	oldLines := order(Lines(oldText))
	newLines := order(Lines(newText))
	return DiffLines(oldLines, newLines)
}

// DiffLines compares two snapshots that are already in canonical order.
func DiffLines(oldLines, newLines []string) (*Result, error) {
	ops := Opcodes(oldLines, newLines)
	result := &Result{}

	if !slices.ContainsFunc(ops, func(op Opcode) bool { return op.Kind == OpEqual }) {
		// Without an anchor nothing can be shown to have disappeared.
		result.Inserts = slices.Clone(newLines)
		result.Warnings = append(result.Warnings, ErrNoCommonLines)
		return result, nil
	}

	// Rows that fell off the start of the export window are not removals.
	for len(ops) > 1 && ops[0].Kind == OpDelete {
		ops = ops[1:]
	}

	if ops[0].Kind == OpEqual {
		result.Common = slices.Clone(oldLines[ops[0].I1:ops[0].I2])
		ops = ops[1:]
	}

	for _, op := range ops {
		switch op.Kind {
		case OpDelete:
			result.Deletes = append(result.Deletes, oldLines[op.I1:op.I2]...)
		case OpInsert:
			result.Inserts = append(result.Inserts, newLines[op.J1:op.J2]...)
		case OpReplace, OpEqual:
			result.Deletes = append(result.Deletes, oldLines[op.I1:op.I2]...)
			result.Inserts = append(result.Inserts, newLines[op.J1:op.J2]...)
		}
	}

	if err := result.check(oldLines, newLines); err != nil {
		return nil, err
	}
	return result, nil
}

// check asserts that Common+Deletes is the tail of the old snapshot and
// Common+Inserts is the whole new snapshot.
func (r *Result) check(oldLines, newLines []string) error {
	oldTail := slices.Concat(r.Common, r.Deletes)
	if len(oldTail) > len(oldLines) || !slices.Equal(oldTail, oldLines[len(oldLines)-len(oldTail):]) {
		return fmt.Errorf("%w: common+deletes is not the tail of the previous snapshot", ErrInconsistentDiff)
	}
	if !slices.Equal(slices.Concat(r.Common, r.Inserts), newLines) {
		return fmt.Errorf("%w: common+inserts is not the new snapshot", ErrInconsistentDiff)
	}
	return nil
}

// Opcodes aligns a and b and returns the spans that turn a into b. The longest
// matching block is taken first, earliest on ties, and the halves either side
// are aligned the same way.
//
// Automatic junk detection is off: with it, a row repeated often enough in a
// long export never anchors a match and identical snapshots stop diffing clean.
func Opcodes(a, b []string) []Opcode {
	m := difflib.NewMatcherWithJunk(a, b, false, nil)

	codes := m.GetOpCodes()
	ops := make([]Opcode, 0, len(codes))
	for _, c := range codes {
		ops = append(ops, Opcode{Kind: opKind(c.Tag), I1: c.I1, I2: c.I2, J1: c.J1, J2: c.J2})
	}
	return ops
}

func opKind(tag byte) OpKind {
	switch tag {
	case 'e':
		return OpEqual
	case 'd':
		return OpDelete
	case 'i':
		return OpInsert
	default:
		return OpReplace
	}
}
