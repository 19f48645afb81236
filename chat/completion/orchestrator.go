// Package completion drives one request/stream cycle per submitted message and
// applies the decoded reply to the transcript.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	assert "github.com/ZanzyTHEbar/assert-lib"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/ZanzyTHEbar/streamchat/chat/completion/decoder"
	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
	"github.com/ZanzyTHEbar/streamchat/chat/transcript"
)

const (
	maxErrorBody   = 4 << 10
	archiveTimeout = 5 * time.Second
)

// Options configures an Orchestrator.
type Options struct {
	ConversationID string // generated when empty
	Mode           decoder.Mode
	DecoderOptions []decoder.Option
	ChunkSize      int
	Policy         Policy
}

// Orchestrator runs turns against a transcript. At most one turn is open at a
// time; what happens to a second submission is decided by Policy.Busy.
type Orchestrator struct {
	store     *transcript.Store
	transport ports.Transport
	limiter   ports.RateLimiter
	tracer    ports.Tracer
	archive   ports.Archive
	sink      ports.ErrorSink
	logger    zerolog.Logger

	conversationID string
	mode           decoder.Mode
	decOpts        []decoder.Option
	chunkSize      int

	submitMu sync.Mutex
	mu       sync.Mutex
	policy   Policy
	current  *Turn
	closed   bool

	wg conc.WaitGroup
}

// NewOrchestrator wires an orchestrator. Nil limiter, tracer, archive or sink
// fall back to no-op implementations.
func NewOrchestrator(
	store *transcript.Store,
	transport ports.Transport,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	archive ports.Archive,
	sink ports.ErrorSink,
	logger zerolog.Logger,
	opts Options,
) (*Orchestrator, error) {
	ctx := context.Background()
	assert.Assert(ctx, store != nil, "transcript store must not be nil")
	assert.Assert(ctx, transport != nil, "transport must not be nil")

	if opts.Mode == "" {
		opts.Mode = decoder.ModeDelimited
	}
	if _, err := decoder.New(opts.Mode, opts.DecoderOptions...); err != nil {
		return nil, fmt.Errorf("invalid decoder configuration: %w", err)
	}
	if opts.ConversationID == "" {
		opts.ConversationID = uuid.NewString()
	}
	if opts.Policy.Busy == "" {
		opts.Policy.Busy = BusyReject
	}
	if limiter == nil {
		limiter = noOpRateLimiter{}
	}
	if tracer == nil {
		tracer = noOpTracer{}
	}
	if archive == nil {
		archive = noOpArchive{}
	}
	if sink == nil {
		sink = noOpSink{}
	}

	return &Orchestrator{
		store:          store,
		transport:      transport,
		limiter:        limiter,
		tracer:         tracer,
		archive:        archive,
		sink:           sink,
		logger:         logger.With().Str("component", "orchestrator").Str("conversation_id", opts.ConversationID).Logger(),
		conversationID: opts.ConversationID,
		mode:           opts.Mode,
		decOpts:        opts.DecoderOptions,
		chunkSize:      opts.ChunkSize,
		policy:         opts.Policy,
	}, nil
}

// ConversationID identifies this orchestrator's transcript in the archive.
func (o *Orchestrator) ConversationID() string { return o.conversationID }

// Store returns the transcript the orchestrator writes to.
func (o *Orchestrator) Store() *transcript.Store { return o.store }

// Policy returns the active policy.
func (o *Orchestrator) Policy() Policy {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.policy
}

// SetPolicy replaces the policy. The timeout applies to turns submitted
// afterwards.
func (o *Orchestrator) SetPolicy(p Policy) {
	if p.Busy == "" {
		p.Busy = BusyReject
	}
	o.mu.Lock()
	o.policy = p
	o.mu.Unlock()
	o.logger.Info().Str("busy_policy", string(p.Busy)).Dur("turn_timeout", p.TurnTimeout).Msg("Policy updated")
}

// State reports the lifecycle position of the open turn, or StateIdle.
func (o *Orchestrator) State() State {
	t := o.Current()
	if t == nil {
		return StateIdle
	}
	if s := t.State(); !s.Terminal() {
		return s
	}
	return StateIdle
}

// Current returns the open turn, or nil.
func (o *Orchestrator) Current() *Turn {
	o.mu.Lock()
	t := o.current
	o.mu.Unlock()
	if t == nil || !t.open() {
		return nil
	}
	return t
}

// Submit appends draft as a user message and starts a turn for the
// conversation including it. ctx bounds admission only: waiting for a busy
// turn and acquiring a rate limit permit. The turn itself is stopped with
// Turn.Cancel or Close.
func (o *Orchestrator) Submit(ctx context.Context, draft string) (*Turn, error) {
	if strings.TrimSpace(draft) == "" {
		return nil, ErrEmptySubmission
	}

	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	if o.isClosed() {
		return nil, ErrClosed
	}

	policy := o.Policy()
	if prev := o.Current(); prev != nil {
		switch policy.Busy {
		case BusySupersede:
			o.logger.Debug().Str("turn_id", prev.ID).Msg("Superseding open turn")
			prev.Cancel()
			if _, err := prev.Wait(ctx); err != nil {
				return nil, err
			}
		case BusySerialize:
			if _, err := prev.Wait(ctx); err != nil {
				return nil, err
			}
		default:
			return nil, ErrTurnInProgress
		}
	}

	release, err := o.limiter.Acquire(ctx, o.conversationID)
	if err != nil {
		return nil, fmt.Errorf("acquire turn permit: %w", err)
	}

	o.store.Append(transcript.User(draft))
	snapshot := o.store.Snapshot()

	turnCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	t := newTurn(uuid.NewString(), draft, snapshot, cancel)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		release()
		cancel(ErrClosed)
		return nil, ErrClosed
	}
	o.current = t
	// Registered under mu so a concurrent Close waits for this turn.
	o.wg.Go(func() {
		defer release()
		o.run(turnCtx, t, policy)
	})
	o.mu.Unlock()
	return t, nil
}

// Run submits draft and waits for the turn to end. If ctx is done first the
// turn is cancelled and ctx's error returned alongside the partial result.
// A failed turn is reported through Result, not the error.
func (o *Orchestrator) Run(ctx context.Context, draft string) (Result, error) {
	t, err := o.Submit(ctx, draft)
	if err != nil {
		return Result{Placeholder: -1}, err
	}
	select {
	case <-t.Done():
		return t.Result(), nil
	case <-ctx.Done():
		t.Cancel()
		<-t.Done()
		return t.Result(), ctx.Err()
	}
}

// Close cancels the open turn and waits for every turn goroutine to return.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	t := o.current
	o.mu.Unlock()

	if t != nil {
		t.Cancel()
	}
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) run(ctx context.Context, t *Turn, policy Policy) {
	if policy.TurnTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, policy.TurnTimeout, ErrTurnTimeout)
		defer stop()
	}

	ctx, finish := o.tracer.StartSpan(ctx, "turn", map[string]any{
		"turn_id":         t.ID,
		"conversation_id": o.conversationID,
		"messages":        len(t.snapshot),
		"decoder_mode":    string(o.mode),
	})

	err := o.stream(ctx, t)
	state, err := o.classify(ctx, t, err)
	o.end(ctx, t, state, err)
	finish(err)
}

// stream sends the snapshot and applies fragments until the body ends, a Done
// fragment arrives, or the turn is cancelled.
func (o *Orchestrator) stream(ctx context.Context, t *Turn) error {
	resp, err := o.transport.Send(ctx, ports.Request{Messages: t.snapshot})
	if err != nil {
		return &TransportError{Err: err}
	}
	if resp == nil {
		return &TransportError{Err: ErrStreamBodyAbsent}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TransportError{StatusCode: resp.StatusCode}
		if resp.Body != nil {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			te.Body = strings.TrimSpace(string(b))
			resp.Body.Close()
		}
		return te
	}
	if resp.Body == nil {
		return &TransportError{StatusCode: resp.StatusCode, Err: ErrStreamBodyAbsent}
	}
	defer resp.Body.Close()

	// A blocked read returns once the turn context ends.
	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()

	opts := append([]decoder.Option{}, o.decOpts...)
	opts = append(opts, decoder.WithSink(func(err error) {
		o.tracer.Event(ctx, "malformed_unit", map[string]any{"turn_id": t.ID})
		o.sink.Report(ctx, err)
	}))
	dec, err := decoder.New(o.mode, opts...)
	if err != nil {
		return err
	}

	if t.cancelled.Load() {
		return nil
	}
	t.startStreaming(o.store.Append(transcript.Assistant("")))
	o.tracer.Event(ctx, "stream_open", map[string]any{"turn_id": t.ID, "status": resp.StatusCode})

	for chunk, err := range decoder.Chunks(resp.Body, o.chunkSize) {
		if t.cancelled.Load() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}

		frags, ferr := dec.Feed(chunk)
		done, aerr := o.apply(t, frags)
		if aerr != nil {
			return aerr
		}
		if done {
			return nil
		}
		if ferr != nil {
			return fmt.Errorf("decode stream: %w", ferr)
		}
	}

	if t.cancelled.Load() {
		return nil
	}
	_, err = o.apply(t, dec.Finish())
	return err
}

// apply extends the placeholder with each fragment in order. It reports true
// once a Done fragment was applied or the turn was cancelled.
func (o *Orchestrator) apply(t *Turn, frags []decoder.Fragment) (bool, error) {
	h := t.handle()
	for _, f := range frags {
		if t.cancelled.Load() {
			return true, nil
		}
		if f.Text != "" {
			if err := o.store.Extend(h, f.Text); err != nil {
				return false, fmt.Errorf("apply fragment: %w", err)
			}
			t.countFragment()
		}
		if f.Done {
			return true, nil
		}
	}
	return false, nil
}

// classify maps the stream outcome to a terminal state. Cancellation wins over
// any error it provoked; a timeout wins over the read error it caused.
func (o *Orchestrator) classify(ctx context.Context, t *Turn, err error) (State, error) {
	switch {
	case t.cancelled.Load():
		return StateCancelled, nil
	case errors.Is(context.Cause(ctx), ErrTurnTimeout):
		return StateFailed, ErrTurnTimeout
	case err != nil:
		return StateFailed, err
	}
	return StateCompleted, nil
}

// end seals the placeholder, journals the turn and publishes the result.
func (o *Orchestrator) end(ctx context.Context, t *Turn, state State, err error) {
	content := ""
	if h := t.handle(); h >= 0 {
		o.store.Seal(h)
		if msg, ok := o.store.At(h); ok {
			content = msg.Content
		}
	}

	bg := context.WithoutCancel(ctx)
	if err != nil {
		o.sink.Report(bg, fmt.Errorf("turn %s: %w", t.ID, err))
	}

	actx, cancel := context.WithTimeout(bg, archiveTimeout)
	rec := ports.TurnRecord{
		TurnID:    t.ID,
		State:     state.String(),
		Prompt:    t.Prompt,
		Reply:     content,
		Fragments: t.Result().Fragments,
		StartedAt: t.StartedAt,
		EndedAt:   time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if aerr := o.archive.SaveTurn(actx, o.conversationID, rec); aerr != nil {
		o.tracer.Event(bg, "archive_error", map[string]any{"error": aerr.Error()})
		o.logger.Warn().Err(aerr).Str("turn_id", t.ID).Msg("Failed to archive turn")
	}
	cancel()

	o.logger.Debug().
		Str("turn_id", t.ID).
		Str("state", state.String()).
		Int("fragments", rec.Fragments).
		Dur("duration", rec.EndedAt.Sub(t.StartedAt)).
		Msg("Turn ended")

	t.complete(Result{State: state, Content: content, Err: err})
}
