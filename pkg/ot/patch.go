package ot

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrPatchFailed is returned when a patch cannot be parsed or one of its
// hunks does not apply.
var ErrPatchFailed = errors.New("patch failed to apply")

// Patcher is the text diff primitive the transforms are built on.
type Patcher interface {
	// Diff returns the serialized patch that turns base into target.
	Diff(base, target string) string
	// Apply applies a serialized patch and reports per-hunk success.
	Apply(text, patchText string) (string, []bool, error)
}

// DMPPatcher implements Patcher with diff-match-patch.
type DMPPatcher struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewDMPPatcher returns a Patcher with the library's default match settings.
func NewDMPPatcher() *DMPPatcher {
	return &DMPPatcher{dmp: diffmatchpatch.New()}
}

func (p *DMPPatcher) Diff(base, target string) string {
	diffs := p.dmp.DiffMain(base, target, false)
	diffs = p.dmp.DiffCleanupSemantic(diffs)
	patches := p.dmp.PatchMake(base, diffs)
	return p.dmp.PatchToText(patches)
}

func (p *DMPPatcher) Apply(text, patchText string) (string, []bool, error) {
	patches, err := p.dmp.PatchFromText(patchText)
	if err != nil {
		return text, nil, fmt.Errorf("parse patch: %w", err)
	}
	out, applied := p.dmp.PatchApply(patches, text)
	return out, applied, nil
}

// ApplyStrict applies patchText to text and fails unless every hunk applied.
// An empty patch is a no-op. On failure the input text is returned.
//
// go-diff offsets hunks in bytes, so a patch applied to drifted multi-byte
// text can report success while leaving its padding runes or a split
// character in the result. Such a result counts as a rejected hunk.
func ApplyStrict(p Patcher, text, patchText string) (string, error) {
	if patchText == "" {
		return text, nil
	}
	out, applied, err := p.Apply(text, patchText)
	if err != nil {
		return text, fmt.Errorf("%w: %v", ErrPatchFailed, err)
	}
	failed := 0
	for _, ok := range applied {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		return text, fmt.Errorf("%w: %d of %d hunks rejected", ErrPatchFailed, failed, len(applied))
	}
	if r, bad := leakedRune(text, out); bad {
		return text, fmt.Errorf("%w: result contains %U not present in input", ErrPatchFailed, r)
	}
	return out, nil
}

// leakedRune reports the first rune of out that cannot come from applying a
// clean patch to in: invalid UTF-8, diff-match-patch padding (U+0001 to
// U+0004) or U+FFFD, unless in already contained it.
func leakedRune(in, out string) (rune, bool) {
	for i, r := range out {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(out[i:]); size == 1 {
				return r, true
			}
		}
		if (r >= 0x01 && r <= 0x04) || r == utf8.RuneError {
			if !strings.ContainsRune(in, r) {
				return r, true
			}
		}
	}
	return 0, false
}
