package differ

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func identity(lines []string) []string { return lines }

func reverse(lines []string) []string {
	out := slices.Clone(lines)
	slices.Reverse(out)
	return out
}

func text(lines ...string) string {
	return strings.Join(lines, "\n")
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name        string
		old, new    string
		wantCommon  []string
		wantDeletes []string
		wantInserts []string
	}{
		{
			name:       "no changes",
			old:        text("c", "b", "a"),
			new:        text("c", "b", "a"),
			wantCommon: []string{"c", "b", "a"},
		},
		{
			name:        "one common line",
			old:         text("c", "b", "a"),
			new:         text("a", "1", "2", "3"),
			wantCommon:  []string{"a"},
			wantInserts: []string{"1", "2", "3"},
		},
		{
			name:        "two common lines",
			old:         text("c", "b", "a", "1"),
			new:         text("a", "1", "2", "3"),
			wantCommon:  []string{"a", "1"},
			wantInserts: []string{"2", "3"},
		},
		{
			name:        "all common lines",
			old:         text("c", "b", "a"),
			new:         text("c", "b", "a", "1", "2", "3"),
			wantCommon:  []string{"c", "b", "a"},
			wantInserts: []string{"1", "2", "3"},
		},
		{
			name:        "missing line",
			old:         text("d", "c", "b", "a"),
			new:         text("c", "a", "1", "2", "3"),
			wantCommon:  []string{"c"},
			wantDeletes: []string{"b", "a"},
			wantInserts: []string{"a", "1", "2", "3"},
		},
		{
			name:        "inserted line",
			old:         text("d", "c", "a"),
			new:         text("c", "b", "a", "1", "2", "3"),
			wantCommon:  []string{"c"},
			wantDeletes: []string{"a"},
			wantInserts: []string{"b", "a", "1", "2", "3"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Diff(identity, tc.old, tc.new)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCommon, res.Common, "common")
			assert.Equal(t, tc.wantDeletes, res.Deletes, "deletes")
			assert.Equal(t, tc.wantInserts, res.Inserts, "inserts")
			assert.Empty(t, res.Warnings)
		})
	}
}

func TestDiff_ReverseOrder(t *testing.T) {
	// Newest first on disk: "3" is the latest row.
	res, err := Diff(reverse, text("b", "a"), text("3", "2", "b", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Common)
	assert.Empty(t, res.Deletes)
	assert.Equal(t, []string{"2", "3"}, res.Inserts)
}

func TestDiff_FirstImport(t *testing.T) {
	res, err := Diff(identity, "", text("a", "b"))
	require.NoError(t, err)
	assert.Empty(t, res.Common)
	assert.Empty(t, res.Deletes)
	assert.Equal(t, []string{"a", "b"}, res.Inserts)
	require.Len(t, res.Warnings, 1)
	assert.ErrorIs(t, res.Warnings[0], ErrNoCommonLines)
}

func TestDiff_DisjointSnapshots(t *testing.T) {
	res, err := Diff(identity, text("a", "b"), text("c", "d"))
	require.NoError(t, err)
	assert.Empty(t, res.Deletes, "nothing can be proven removed without an anchor")
	assert.Equal(t, []string{"c", "d"}, res.Inserts)
	assert.ErrorIs(t, res.Warnings[0], ErrNoCommonLines)
}

func TestDiff_DuplicateRows(t *testing.T) {
	four := text("x", "x", "x", "x", "y")

	res, err := Diff(identity, four, four)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	res, err = Diff(identity, text("x", "x", "x", "x"), text("x", "x", "x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "x", "x"}, res.Common)
	assert.Equal(t, []string{"x"}, res.Deletes)
	assert.Empty(t, res.Inserts)
}

func TestDiff_LongSnapshotWithRepeatedRows(t *testing.T) {
	var lines []string
	for i := range 300 {
		if i%20 == 0 {
			lines = append(lines, "01/02/2024,Monthly fee,-1.00")
			continue
		}
		lines = append(lines, fmt.Sprintf("01/02/2024,Row %d,-%d.00", i, i))
	}

	res, err := DiffLines(lines, lines)
	require.NoError(t, err)
	assert.True(t, res.Empty())
	assert.Len(t, res.Common, 300)

	grown := append(slices.Clone(lines), "02/02/2024,Monthly fee,-1.00")
	res, err = DiffLines(lines, grown)
	require.NoError(t, err)
	assert.Empty(t, res.Deletes)
	assert.Equal(t, []string{"02/02/2024,Monthly fee,-1.00"}, res.Inserts)
}

func TestLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Lines("a\r\n\r\n  \nb\n"))
	assert.Nil(t, Lines(""))
}

func TestOpcodes(t *testing.T) {
	ops := Opcodes([]string{"d", "c", "b", "a"}, []string{"c", "a", "1"})
	kinds := make([]string, len(ops))
	for i, op := range ops {
		kinds[i] = op.Kind.String()
	}
	assert.Equal(t, []string{"delete", "equal", "delete", "equal", "insert"}, kinds)

	ops = Opcodes([]string{"a", "x"}, []string{"a", "y"})
	require.Len(t, ops, 2)
	assert.Equal(t, Opcode{OpReplace, 1, 2, 1, 2}, ops[1])
}
