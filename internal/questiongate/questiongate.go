// Package questiongate implements the two cooperative-suspension
// primitives every phase loop checks at its safe points: a pause/resume
// gate and a one-outstanding-question gate.
package questiongate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/BetterCallFirewall/scanorchestrator/internal/model"
)

// PauseGate replaces a single mutable promise-resolver field with a
// broadcast channel that Resume closes and replaces with a fresh one, so
// any number of waiters wake on resume or stop without per-waiter
// bookkeeping.
type PauseGate struct {
	mu      sync.Mutex
	paused  bool
	stopped bool
	wake    chan struct{}
}

// NewPauseGate returns a gate that starts out not paused.
func NewPauseGate() *PauseGate {
	return &PauseGate{wake: make(chan struct{})}
}

// Pause marks the gate paused. Idempotent.
func (g *PauseGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

// Resume clears paused and wakes every waiter. Idempotent.
func (g *PauseGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.wake)
	g.wake = make(chan struct{})
}

// Stop wakes every waiter permanently; subsequent AwaitNotPaused calls
// return model.ErrCancelled immediately. Idempotent.
func (g *PauseGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.stopped = true
	if g.paused {
		close(g.wake)
	}
	g.paused = false
}

// AwaitNotPaused returns immediately if not paused and not stopped.
// Otherwise it blocks until Resume, Stop, or ctx cancellation; after
// waking, it re-checks the stop flag per spec.md's "waiters must
// re-check the stop flag after wake".
func (g *PauseGate) AwaitNotPaused(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return model.ErrCancelled
		}
		if !g.paused {
			g.mu.Unlock()
			return nil
		}
		wake := g.wake
		g.mu.Unlock()

		select {
		case <-wake:
			// loop and re-check paused/stopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Paused reports the current pause state.
func (g *PauseGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Gate suspends a scan on one outstanding question at a time. It is
// intentionally not reusable across scans: one Gate per Orchestrator.
type Gate struct {
	mu      sync.Mutex
	pending *pendingQuestion
	results []model.QuestionResult

	stopCh chan struct{}
	stopOnce sync.Once
}

type pendingQuestion struct {
	spec   model.QuestionSpec
	answer chan model.AnswerMsg
}

// NewGate creates a Gate with its own stop channel; calling Stop unblocks
// any in-flight Ask.
func NewGate() *Gate {
	return &Gate{stopCh: make(chan struct{})}
}

// Stop unblocks any pending Ask with model.ErrCancelled. Idempotent.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Ask presents spec and blocks until Answer delivers a response, ctx is
// cancelled, or Stop is called. Only one question may be outstanding at
// a time; Ask panics if called while another is pending, which would be
// an orchestrator bug rather than a runtime condition.
func (g *Gate) Ask(ctx context.Context, spec model.QuestionSpec) (model.QuestionResult, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		panic("questiongate: Ask called while a question is already pending")
	}
	pq := &pendingQuestion{spec: spec, answer: make(chan model.AnswerMsg, 1)}
	g.pending = pq
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.pending = nil
		g.mu.Unlock()
	}()

	select {
	case ans := <-pq.answer:
		result := grade(spec, ans)
		g.mu.Lock()
		g.results = append(g.results, result)
		g.mu.Unlock()
		return result, nil
	case <-g.stopCh:
		return model.QuestionResult{}, model.ErrCancelled
	case <-ctx.Done():
		return model.QuestionResult{}, ctx.Err()
	}
}

// Answer delivers ans to the currently pending question, if any. It
// reports whether a question was actually pending.
func (g *Gate) Answer(ans model.AnswerMsg) bool {
	g.mu.Lock()
	pq := g.pending
	g.mu.Unlock()
	if pq == nil {
		return false
	}
	select {
	case pq.answer <- ans:
		return true
	default:
		return false
	}
}

// Results returns a copy of every graded QuestionResult so far.
func (g *Gate) Results() []model.QuestionResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.QuestionResult, len(g.results))
	copy(out, g.results)
	return out
}

// grade implements spec.md §4.4's scoring rule: correct iff the user's
// selected index equals CorrectIndex; pointsEarned is
// round(points * difficultyMultiplier) when correct, else 0.
func grade(spec model.QuestionSpec, ans model.AnswerMsg) model.QuestionResult {
	correct := ans.SelectedAnswer == spec.CorrectIndex
	var earned float64
	if correct {
		earned = math.Round(spec.Points * spec.Difficulty.Multiplier())
	}
	return model.QuestionResult{
		QuestionID:   spec.ID,
		Phase:        spec.Phase,
		Question:     spec.Text,
		Options:      spec.Options,
		CorrectIndex: spec.CorrectIndex,
		UserIndex:    ans.SelectedAnswer,
		Correct:      correct,
		Points:       spec.Points,
		PointsEarned: earned,
		AnsweredAt:   time.Now(),
	}
}
