// Package sequencer is the ordering authority for exercise edits. It assigns
// server sequence numbers, rebases concurrent operations and keeps the
// authoritative text of every element part.
//
// A Sequencer is created once at startup and shared by all connections.
// Each exercise has its own lock, so edits on different exercises do not
// wait for each other while edits on one exercise are totally ordered.
package sequencer

import (
	"log"
	"sync"

	"collab-drawer/pkg/metrics"
	"collab-drawer/pkg/ot"
)

// Sequencer holds the in-memory state of every exercise seen so far.
type Sequencer struct {
	patcher ot.Patcher
	metrics *metrics.Metrics

	mu        sync.Mutex // protects exercises, not their contents
	exercises map[int]*exercise
}

// exercise is the per-document state. All fields are guarded by mu.
type exercise struct {
	mu      sync.Mutex
	counter int
	history []ot.Operation
	texts   map[string]string
}

// New creates an empty Sequencer. m may be nil.
func New(patcher ot.Patcher, m *metrics.Metrics) *Sequencer {
	return &Sequencer{
		patcher:   patcher,
		metrics:   m,
		exercises: make(map[int]*exercise),
	}
}

func (s *Sequencer) getOrCreate(id int) *exercise {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exercises[id]
	if !ok {
		ex = &exercise{texts: make(map[string]string)}
		s.exercises[id] = ex
	}
	return ex
}

func (s *Sequencer) lookup(id int) (*exercise, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.exercises[id]
	return ex, ok
}

// next assigns the next sequence number. Caller holds ex.mu.
func (ex *exercise) next() int {
	ex.counter++
	return ex.counter
}

// since returns the history entries with a server sequence above base.
// Sequences are gapless from 1, so entry i has sequence i+1.
func (ex *exercise) since(base int) []ot.Operation {
	if base < 0 {
		base = 0
	}
	if base >= len(ex.history) {
		return nil
	}
	return ex.history[base:]
}

// ProcessText sequences a text edit, rebases it onto concurrent edits of the
// same part and applies it to the cached text. A patch that does not apply
// leaves the text unchanged; the operation is still recorded.
func (s *Sequencer) ProcessText(op ot.Operation) ot.Operation {
	if op.Type == "" {
		op.Type = ot.KindText
	}
	ex := s.getOrCreate(op.ExerciseID)
	ex.mu.Lock()
	defer ex.mu.Unlock()

	op.ServerSequence = ex.next()
	s.metrics.OperationSequenced(string(ot.KindText))

	if concurrent := ex.since(op.BasedOnServerSequence); len(concurrent) > 0 {
		res := ot.RebaseText(s.patcher, op, concurrent)
		for _, err := range res.Failures {
			log.Printf("[sequencer] exercise %d seq %d: rebase step skipped: %v", op.ExerciseID, op.ServerSequence, err)
			s.metrics.RebaseStep(string(ot.KindText), false)
		}
		for i := 0; i < res.Steps; i++ {
			s.metrics.RebaseStep(string(ot.KindText), true)
		}
		op = res.Op
	}

	key := op.Key()
	current := ex.texts[key]
	text, err := ot.ApplyStrict(s.patcher, current, op.PatchText)
	if err != nil {
		log.Printf("[sequencer] exercise %d seq %d: patch not applied to %s (text %q, patch %q): %v",
			op.ExerciseID, op.ServerSequence, key, current, op.PatchText, err)
		s.metrics.CacheUpdateFailed()
	}
	ex.texts[key] = text
	op.AfterText = text

	ex.history = append(ex.history, op)
	return op
}

// ProcessMove sequences a move and rebases its base coordinate onto the
// latest concurrent move of the same element. No position is cached.
func (s *Sequencer) ProcessMove(op ot.Operation) ot.Operation {
	op.Type = ot.KindMove
	ex := s.getOrCreate(op.ExerciseID)
	ex.mu.Lock()
	defer ex.mu.Unlock()

	op.ServerSequence = ex.next()
	s.metrics.OperationSequenced(string(ot.KindMove))

	if concurrent := ex.since(op.BasedOnServerSequence); len(concurrent) > 0 {
		rebased, ok := ot.RebaseMove(op, concurrent)
		if ok {
			log.Printf("[sequencer] exercise %d seq %d: move base of %s (%d,%d) -> (%d,%d)",
				op.ExerciseID, op.ServerSequence, op.ElementID, op.OldX, op.OldY, rebased.OldX, rebased.OldY)
			s.metrics.RebaseStep(string(ot.KindMove), true)
		}
		op = rebased
	}

	ex.history = append(ex.history, op)
	return op
}

// History returns a copy of the exercise's operations in sequence order.
func (s *Sequencer) History(exerciseID int) []ot.Operation {
	ex, ok := s.lookup(exerciseID)
	if !ok {
		return []ot.Operation{}
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]ot.Operation, len(ex.history))
	copy(out, ex.history)
	return out
}

// CurrentText returns the authoritative text of an element part, or "" if
// nothing has been written to it.
func (s *Sequencer) CurrentText(exerciseID int, elementID, partID string) string {
	ex, ok := s.lookup(exerciseID)
	if !ok {
		return ""
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.texts[ot.TargetKey(elementID, partID)]
}

// LastSequence returns the last assigned sequence number of an exercise.
func (s *Sequencer) LastSequence(exerciseID int) int {
	ex, ok := s.lookup(exerciseID)
	if !ok {
		return 0
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.counter
}

// ClearHistory resets the counter, history and text cache of an exercise in
// one step. The next operation is assigned sequence 1.
func (s *Sequencer) ClearHistory(exerciseID int) {
	ex, ok := s.lookup(exerciseID)
	if !ok {
		return
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.counter = 0
	ex.history = nil
	ex.texts = make(map[string]string)
	log.Printf("[sequencer] exercise %d: history cleared", exerciseID)
}
