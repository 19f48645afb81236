package completionports

import (
	"context"
	"time"
)

// TurnRecord is the journal entry written when a turn reaches a terminal state.
type TurnRecord struct {
	TurnID    string    `json:"turn_id"`
	State     string    `json:"state"`
	Prompt    string    `json:"prompt"`
	Reply     string    `json:"reply"`
	Fragments int       `json:"fragments"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// ConversationSummary describes one journaled conversation.
type ConversationSummary struct {
	ConversationID string
	Turns          int
	LastTurnAt     time.Time
}

// Archive journals finished turns. It is write-mostly; nothing here restores
// a transcript.
type Archive interface {
	SaveTurn(ctx context.Context, conversationID string, rec TurnRecord) error
	LoadTurns(ctx context.Context, conversationID string, k int) ([]TurnRecord, error) // last-k turns, oldest first
	ListConversations(ctx context.Context, limit int) ([]ConversationSummary, error)
}
