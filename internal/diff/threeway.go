package diff

import (
	"slices"
	"sort"
	"strings"
)

// Conflict marker layout follows git's diff3 style: the base block is
// included whenever the conflicted base region is non-empty.
const (
	markerOurs   = "<<<<<<< "
	markerBase   = "||||||| base"
	markerSep    = "======="
	markerTheirs = ">>>>>>> "
)

// Region describes one conflicted block in the merged output. Start and End
// are half-open line indexes into MergeOutcome.Lines covering the full marker
// block; Base, Ours and Theirs carry the three competing versions.
type Region struct {
	Start  int
	End    int
	Base   []string
	Ours   []string
	Theirs []string
}

// MergeOutcome is the result of a three-way line merge. Lines always holds a
// complete rendering of the merged file; conflicted regions appear inline
// framed by markers and are also listed in Conflicts.
type MergeOutcome struct {
	Lines     []string
	Conflicts []Region
}

// Clean reports whether the merge completed without conflict markers.
func (o MergeOutcome) Clean() bool {
	return len(o.Conflicts) == 0
}

const (
	sideOurs = iota
	sideTheirs
)

type sideChange struct {
	op   Op
	side int
}

// effEnd widens empty ranges by one so that insertions at the same position
// collide with each other and with edits starting there.
func effEnd(op Op) int {
	if op.OldEnd == op.OldStart {
		return op.OldStart + 1
	}
	return op.OldEnd
}

// Merge3 merges two edited versions of base. Regions changed by only one
// side, or changed identically by both, merge silently; diverging regions are
// emitted with inline markers labelled by oursLabel and theirsLabel.
func Merge3(base, ours, theirs []string, oursLabel, theirsLabel string) MergeOutcome {
	opsA := Lines(base, ours)
	opsB := Lines(base, theirs)

	changes := make([]sideChange, 0, len(opsA)+len(opsB))
	for _, op := range opsA {
		if op.IsChange() {
			changes = append(changes, sideChange{op, sideOurs})
		}
	}
	for _, op := range opsB {
		if op.IsChange() {
			changes = append(changes, sideChange{op, sideTheirs})
		}
	}
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].op.OldStart != changes[j].op.OldStart {
			return changes[i].op.OldStart < changes[j].op.OldStart
		}
		return changes[i].side < changes[j].side
	})

	var out MergeOutcome
	baseIdx := 0

	for i := 0; i < len(changes); {
		lo := changes[i].op.OldStart
		hi := changes[i].op.OldEnd
		end := effEnd(changes[i].op)
		hasOurs := changes[i].side == sideOurs
		hasTheirs := changes[i].side == sideTheirs

		j := i + 1
		for j < len(changes) && changes[j].op.OldStart < end {
			if changes[j].op.OldEnd > hi {
				hi = changes[j].op.OldEnd
			}
			if e := effEnd(changes[j].op); e > end {
				end = e
			}
			hasOurs = hasOurs || changes[j].side == sideOurs
			hasTheirs = hasTheirs || changes[j].side == sideTheirs
			j++
		}

		out.Lines = append(out.Lines, base[baseIdx:lo]...)

		switch {
		case !hasTheirs:
			out.Lines = append(out.Lines, renderRegion(ours, opsA, lo, hi)...)
		case !hasOurs:
			out.Lines = append(out.Lines, renderRegion(theirs, opsB, lo, hi)...)
		default:
			oursBlock := renderRegion(ours, opsA, lo, hi)
			theirsBlock := renderRegion(theirs, opsB, lo, hi)
			if slices.Equal(oursBlock, theirsBlock) {
				out.Lines = append(out.Lines, oursBlock...)
				break
			}
			baseBlock := base[lo:hi]
			start := len(out.Lines)
			out.Lines = append(out.Lines, markerOurs+oursLabel)
			out.Lines = append(out.Lines, oursBlock...)
			if len(baseBlock) > 0 {
				out.Lines = append(out.Lines, markerBase)
				out.Lines = append(out.Lines, baseBlock...)
			}
			out.Lines = append(out.Lines, markerSep)
			out.Lines = append(out.Lines, theirsBlock...)
			out.Lines = append(out.Lines, markerTheirs+theirsLabel)
			out.Conflicts = append(out.Conflicts, Region{
				Start:  start,
				End:    len(out.Lines),
				Base:   baseBlock,
				Ours:   oursBlock,
				Theirs: theirsBlock,
			})
		}

		baseIdx = hi
		i = j
	}

	out.Lines = append(out.Lines, base[baseIdx:]...)
	return out
}

// renderRegion returns the target side's rendering of the base region
// [lo, hi), including unchanged lines the side kept inside the region.
func renderRegion(target []string, ops []Op, lo, hi int) []string {
	return target[mapBoundary(ops, lo, false):mapBoundary(ops, hi, true)]
}

// mapBoundary translates a base line boundary to the target side. A boundary
// touching several ops maps ambiguously; high selects the rightmost candidate
// and low the leftmost, so regions come out as wide as the edits demand.
func mapBoundary(ops []Op, b int, high bool) int {
	best := -1
	for _, op := range ops {
		if b < op.OldStart || b > op.OldEnd {
			continue
		}
		var cand int
		switch {
		case op.Kind == OpEqual:
			cand = op.NewStart + (b - op.OldStart)
		case b == op.OldStart && op.OldStart != op.OldEnd:
			cand = op.NewStart
		case b == op.OldEnd && op.OldStart != op.OldEnd:
			cand = op.NewEnd
		case high:
			cand = op.NewEnd
		default:
			cand = op.NewStart
		}
		if best == -1 || (high && cand > best) || (!high && cand < best) {
			best = cand
		}
	}
	if best == -1 {
		if len(ops) > 0 {
			return ops[len(ops)-1].NewEnd
		}
		return 0
	}
	return best
}

// SplitLines splits file content into lines, treating a trailing newline as a
// terminator rather than an empty final line.
func SplitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string, trailingNewline bool) string {
	if len(lines) == 0 {
		return ""
	}
	s := strings.Join(lines, "\n")
	if trailingNewline {
		s += "\n"
	}
	return s
}

// Merge3Text merges whole-file contents, preserving a trailing newline when
// any input has one.
func Merge3Text(baseText, oursText, theirsText, oursLabel, theirsLabel string) (string, MergeOutcome) {
	outcome := Merge3(
		SplitLines(baseText),
		SplitLines(oursText),
		SplitLines(theirsText),
		oursLabel, theirsLabel,
	)
	trailing := strings.HasSuffix(baseText, "\n") ||
		strings.HasSuffix(oursText, "\n") ||
		strings.HasSuffix(theirsText, "\n")
	return JoinLines(outcome.Lines, trailing), outcome
}
