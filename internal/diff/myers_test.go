package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyOps replays an edit script against its inputs so tests can verify the
// script reproduces the target exactly.
func applyOps(a, b []string, ops []Op) []string {
	var out []string
	for _, op := range ops {
		switch op.Kind {
		case OpEqual:
			out = append(out, a[op.OldStart:op.OldEnd]...)
		case OpInsert, OpReplace:
			out = append(out, b[op.NewStart:op.NewEnd]...)
		case OpDelete:
		}
	}
	return out
}

func TestLinesEmptyInputs(t *testing.T) {
	assert.Empty(t, Lines(nil, nil))

	ops := Lines(nil, []string{"a", "b"})
	require.Len(t, ops, 1)
	assert.Equal(t, OpInsert, ops[0].Kind)
	assert.Equal(t, 0, ops[0].NewStart)
	assert.Equal(t, 2, ops[0].NewEnd)

	ops = Lines([]string{"a", "b"}, nil)
	require.Len(t, ops, 1)
	assert.Equal(t, OpDelete, ops[0].Kind)
	assert.Equal(t, 0, ops[0].OldStart)
	assert.Equal(t, 2, ops[0].OldEnd)
}

func TestLinesIdentical(t *testing.T) {
	a := []string{"one", "two", "three"}
	ops := Lines(a, a)

	require.Len(t, ops, 1)
	assert.Equal(t, OpEqual, ops[0].Kind)
	assert.Equal(t, 0, ops[0].OldStart)
	assert.Equal(t, 3, ops[0].OldEnd)
	assert.Equal(t, 0, ops[0].NewStart)
	assert.Equal(t, 3, ops[0].NewEnd)
}

func TestLinesAppend(t *testing.T) {
	a := []string{"a"}
	b := []string{"a", "b"}
	ops := Lines(a, b)

	require.Len(t, ops, 2)
	assert.Equal(t, OpEqual, ops[0].Kind)
	assert.Equal(t, OpInsert, ops[1].Kind)
	assert.Equal(t, 1, ops[1].OldStart)
	assert.Equal(t, 1, ops[1].OldEnd)
	assert.Equal(t, 1, ops[1].NewStart)
	assert.Equal(t, 2, ops[1].NewEnd)
}

func TestLinesDeleteMiddle(t *testing.T) {
	a := []string{"a", "b", "c"}
	b := []string{"a", "c"}
	ops := Lines(a, b)

	require.Len(t, ops, 3)
	assert.Equal(t, OpEqual, ops[0].Kind)
	assert.Equal(t, OpDelete, ops[1].Kind)
	assert.Equal(t, 1, ops[1].OldStart)
	assert.Equal(t, 2, ops[1].OldEnd)
	assert.Equal(t, OpEqual, ops[2].Kind)
	assert.Equal(t, b, applyOps(a, b, ops))
}

func TestLinesReplaceMiddle(t *testing.T) {
	a := []string{"a", "b", "c"}
	b := []string{"a", "X", "c"}
	ops := Lines(a, b)

	require.Len(t, ops, 3)
	assert.Equal(t, OpEqual, ops[0].Kind)
	assert.Equal(t, OpReplace, ops[1].Kind)
	assert.Equal(t, 1, ops[1].OldStart)
	assert.Equal(t, 2, ops[1].OldEnd)
	assert.Equal(t, 1, ops[1].NewStart)
	assert.Equal(t, 2, ops[1].NewEnd)
	assert.Equal(t, OpEqual, ops[2].Kind)
	assert.Equal(t, b, applyOps(a, b, ops))
}

func TestLinesReconstruction(t *testing.T) {
	cases := []struct {
		name string
		a    []string
		b    []string
	}{
		{"classic myers", []string{"A", "B", "C", "A", "B", "B", "A"}, []string{"C", "B", "A", "B", "A", "C"}},
		{"disjoint", []string{"x", "y"}, []string{"p", "q", "r"}},
		{"prefix shared", []string{"a", "b", "c", "d"}, []string{"a", "b", "z"}},
		{"suffix shared", []string{"p", "b", "c"}, []string{"q", "r", "b", "c"}},
		{"interleaved", []string{"1", "2", "3", "4", "5"}, []string{"2", "4", "6"}},
		{"repeated lines", []string{"x", "x", "x"}, []string{"x", "x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ops := Lines(tc.a, tc.b)
			assert.Equal(t, tc.b, applyOps(tc.a, tc.b, ops))

			// Ranges must tile both sequences without gaps.
			oldPos, newPos := 0, 0
			for _, op := range ops {
				assert.Equal(t, oldPos, op.OldStart)
				if op.Kind != OpInsert {
					oldPos = op.OldEnd
				}
				if op.Kind != OpDelete {
					assert.Equal(t, newPos, op.NewStart)
					newPos = op.NewEnd
				}
			}
			assert.Equal(t, len(tc.a), oldPos)
			assert.Equal(t, len(tc.b), newPos)
		})
	}
}

func TestLinesCoalescesReplace(t *testing.T) {
	a := []string{"keep", "old1", "old2", "keep2"}
	b := []string{"keep", "new1", "new2", "new3", "keep2"}
	ops := Lines(a, b)

	assert.Equal(t, b, applyOps(a, b, ops))
	for i := 0; i < len(ops)-1; i++ {
		if ops[i].Kind == OpDelete {
			assert.NotEqual(t, OpInsert, ops[i+1].Kind, "adjacent delete+insert should have been coalesced")
		}
	}
}
