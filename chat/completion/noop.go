package completion

import (
	"context"

	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
)

// noOpRateLimiter admits every turn.
type noOpRateLimiter struct{}

func (noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpArchive drops every record.
type noOpArchive struct{}

func (noOpArchive) SaveTurn(ctx context.Context, conversationID string, rec ports.TurnRecord) error {
	return nil
}

func (noOpArchive) LoadTurns(ctx context.Context, conversationID string, k int) ([]ports.TurnRecord, error) {
	return nil, nil
}

func (noOpArchive) ListConversations(ctx context.Context, limit int) ([]ports.ConversationSummary, error) {
	return nil, nil
}

type noOpSink struct{}

func (noOpSink) Report(ctx context.Context, err error) {}

var (
	_ ports.RateLimiter = noOpRateLimiter{}
	_ ports.Tracer      = noOpTracer{}
	_ ports.Archive     = noOpArchive{}
	_ ports.ErrorSink   = noOpSink{}
)
