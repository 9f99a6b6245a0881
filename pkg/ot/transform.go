package ot

import "fmt"

// TextRebase is the outcome of rebasing a text operation.
type TextRebase struct {
	Op       Operation
	Steps    int     // rebase steps that rewrote the patch
	Failures []error // skipped steps, each wrapping ErrPatchFailed
}

// RebaseText rewrites op so that it applies after every operation in
// concurrent that targets the same element part. concurrent must be in
// server sequence order.
//
// Each step applies op's current patch to the prior operation's committed
// text and re-derives the patch from that result. Hunk positions are not
// remapped, so overlapping concurrent edits converge but may not keep both
// authors' intent.
func RebaseText(p Patcher, op Operation, concurrent []Operation) TextRebase {
	res := TextRebase{Op: op}
	for _, prior := range concurrent {
		if prior.IsMove() || !prior.SameTarget(op) {
			continue
		}
		next, err := rebaseStep(p, res.Op, prior)
		if err != nil {
			res.Failures = append(res.Failures, err)
			continue
		}
		res.Op = next
		res.Steps++
	}
	return res
}

func rebaseStep(p Patcher, op, prior Operation) (Operation, error) {
	priorText := prior.AfterText
	target, err := ApplyStrict(p, priorText, op.PatchText)
	if err != nil {
		return op, fmt.Errorf("rebase onto seq %d (text %q, patch %q): %w",
			prior.ServerSequence, priorText, op.PatchText, err)
	}
	op.PatchText = p.Diff(priorText, target)
	op.BeforeText = priorText
	op.AfterText = target
	return op, nil
}

// RebaseMove moves op's base coordinate onto the position produced by the
// latest concurrent move of the same element. The delta is kept, so the
// final position is the original base plus every delta in sequence order.
// It reports whether a concurrent move was found.
func RebaseMove(op Operation, concurrent []Operation) (Operation, bool) {
	for i := len(concurrent) - 1; i >= 0; i-- {
		last := concurrent[i]
		if !last.IsMove() || last.ElementID != op.ElementID {
			continue
		}
		op.OldX = last.OldX + last.DeltaX
		op.OldY = last.OldY + last.DeltaY
		return op, true
	}
	return op, false
}
