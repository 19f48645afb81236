package completion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

// State is the orchestrator lifecycle position of a turn.
type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Result summarizes a turn. Content is the assistant text applied so far; it
// is kept on failure and cancellation.
type Result struct {
	TurnID      string
	State       State
	Content     string
	Fragments   int
	Placeholder transcript.Handle // -1 if no assistant message was created
	Err         error
}

// Failed reports whether the turn ended in StateFailed.
func (r Result) Failed() bool { return r.State == StateFailed }

// Turn is one submit/stream cycle. It is created by Orchestrator.Submit and
// driven by a single goroutine.
type Turn struct {
	ID        string
	Prompt    string
	StartedAt time.Time

	snapshot  []transcript.Message
	cancelled atomic.Bool
	cancel    context.CancelCauseFunc
	done      chan struct{}

	mu          sync.Mutex
	state       State
	fragments   int
	placeholder transcript.Handle
	result      Result
}

func newTurn(id, prompt string, snapshot []transcript.Message, cancel context.CancelCauseFunc) *Turn {
	return &Turn{
		ID:          id,
		Prompt:      prompt,
		StartedAt:   time.Now(),
		snapshot:    snapshot,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       StateSending,
		placeholder: -1,
	}
}

// Snapshot returns the conversation sent for this turn.
func (t *Turn) Snapshot() []transcript.Message {
	out := make([]transcript.Message, len(t.snapshot))
	copy(out, t.snapshot)
	return out
}

// Cancel stops the turn. Fragments that arrive afterwards are discarded and
// the partial reply is kept. Cancel after the turn ended is a no-op.
func (t *Turn) Cancel() {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel(context.Canceled)
	}
}

// Done is closed once the turn reached a terminal state.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return t.Result(), ctx.Err()
	}
}

// State returns the current lifecycle position.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the final result, or the progress so far while the turn is
// still open.
func (t *Turn) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return t.result
	}
	return Result{
		TurnID:      t.ID,
		State:       t.state,
		Fragments:   t.fragments,
		Placeholder: t.placeholder,
	}
}

// open reports whether the turn has not yet ended.
func (t *Turn) open() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

func (t *Turn) handle() transcript.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.placeholder
}

func (t *Turn) startStreaming(h transcript.Handle) {
	t.mu.Lock()
	t.placeholder = h
	t.state = StateStreaming
	t.mu.Unlock()
}

func (t *Turn) countFragment() {
	t.mu.Lock()
	t.fragments++
	t.mu.Unlock()
}

func (t *Turn) complete(r Result) {
	t.mu.Lock()
	r.TurnID = t.ID
	r.Fragments = t.fragments
	r.Placeholder = t.placeholder
	t.result = r
	t.state = r.State
	t.mu.Unlock()
	t.cancel(nil)
	close(t.done)
}
