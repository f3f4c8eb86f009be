// Package diff implements a line-oriented Myers diff and a three-way line
// merge with git-style conflict markers. Line comparison is exact string
// equality; no normalization is applied.
package diff

// OpKind classifies a diff operation.
type OpKind int

const (
	OpEqual OpKind = iota
	OpInsert
	OpDelete
	OpReplace
)

// Op is one operation in a shortest edit script. Old ranges index the base
// sequence, New ranges the target; both are half-open. Inserts carry an empty
// old range positioned where the insertion occurs, deletes an empty new range.
type Op struct {
	Kind     OpKind
	OldStart int
	OldEnd   int
	NewStart int
	NewEnd   int
}

// IsChange reports whether the op modifies the base sequence.
func (o Op) IsChange() bool {
	return o.Kind != OpEqual
}

// Lines computes the shortest edit script from a to b using Myers' O(ND)
// algorithm, with adjacent delete+insert runs coalesced into replaces.
func Lines(a, b []string) []Op {
	switch {
	case len(a) == 0 && len(b) == 0:
		return nil
	case len(a) == 0:
		return []Op{{Kind: OpInsert, NewEnd: len(b)}}
	case len(b) == 0:
		return []Op{{Kind: OpDelete, OldEnd: len(a)}}
	}

	trace, maxD := shortestEdit(a, b)
	edits := backtrack(a, b, trace, maxD)
	return coalesce(toOps(edits))
}

type editOp byte

const (
	editKeep editOp = iota
	editDelete
	editInsert
)

// shortestEdit runs the forward pass, recording the furthest-reaching x per
// diagonal at every depth so backtrack can reconstruct the path.
func shortestEdit(a, b []string) ([][]int, int) {
	n, m := len(a), len(b)
	maxD := n + m

	v := make([]int, 2*maxD+1)
	var trace [][]int

	for d := 0; d <= maxD; d++ {
		snapshot := make([]int, len(v))
		copy(snapshot, v)
		trace = append(trace, snapshot)

		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[maxD+k-1] < v[maxD+k+1]) {
				x = v[maxD+k+1]
			} else {
				x = v[maxD+k-1] + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[maxD+k] = x
			if x >= n && y >= m {
				return trace, maxD
			}
		}
	}
	return trace, maxD
}

// backtrack walks the trace from (n, m) back to (0, 0), emitting the edit
// script in forward order.
func backtrack(a, b []string, trace [][]int, maxD int) []editOp {
	x, y := len(a), len(b)
	var rev []editOp

	for d := len(trace) - 1; d >= 0; d-- {
		v := trace[d]
		k := x - y

		var prevK int
		if k == -d || (k != d && v[maxD+k-1] < v[maxD+k+1]) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := v[maxD+prevK]
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			rev = append(rev, editKeep)
			x--
			y--
		}
		if d > 0 {
			if x == prevX {
				rev = append(rev, editInsert)
			} else {
				rev = append(rev, editDelete)
			}
			x, y = prevX, prevY
		}
	}

	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// toOps folds the edit script into ranged ops, turning delete runs that meet
// insert runs into replaces as they are built.
func toOps(edits []editOp) []Op {
	var ops []Op
	var pending *Op
	oldIdx, newIdx := 0, 0

	flush := func() {
		if pending != nil {
			ops = append(ops, *pending)
			pending = nil
		}
	}

	for _, e := range edits {
		switch e {
		case editKeep:
			flush()
			if n := len(ops); n > 0 && ops[n-1].Kind == OpEqual {
				ops[n-1].OldEnd = oldIdx + 1
				ops[n-1].NewEnd = newIdx + 1
			} else {
				ops = append(ops, Op{Kind: OpEqual, OldStart: oldIdx, OldEnd: oldIdx + 1, NewStart: newIdx, NewEnd: newIdx + 1})
			}
			oldIdx++
			newIdx++

		case editDelete:
			if pending != nil && (pending.Kind == OpDelete || pending.Kind == OpReplace) {
				pending.OldEnd = oldIdx + 1
			} else {
				flush()
				pending = &Op{Kind: OpDelete, OldStart: oldIdx, OldEnd: oldIdx + 1, NewStart: newIdx, NewEnd: newIdx}
			}
			oldIdx++

		case editInsert:
			switch {
			case pending != nil && pending.Kind == OpDelete:
				pending.Kind = OpReplace
				pending.NewStart = newIdx
				pending.NewEnd = newIdx + 1
			case pending != nil && (pending.Kind == OpReplace || pending.Kind == OpInsert):
				pending.NewEnd = newIdx + 1
			default:
				flush()
				pending = &Op{Kind: OpInsert, OldStart: oldIdx, OldEnd: oldIdx, NewStart: newIdx, NewEnd: newIdx + 1}
			}
			newIdx++
		}
	}
	flush()
	return ops
}

// coalesce merges a delete immediately followed by an insert at the same
// position into a single replace.
func coalesce(ops []Op) []Op {
	i := 0
	for i < len(ops)-1 {
		cur, next := ops[i], ops[i+1]
		if cur.Kind == OpDelete && next.Kind == OpInsert {
			ops[i] = Op{
				Kind:     OpReplace,
				OldStart: cur.OldStart,
				OldEnd:   cur.OldEnd,
				NewStart: next.NewStart,
				NewEnd:   next.NewEnd,
			}
			ops = append(ops[:i+1], ops[i+2:]...)
			continue
		}
		i++
	}
	return ops
}
