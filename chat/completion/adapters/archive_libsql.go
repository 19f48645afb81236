package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/streamchat/chat/completion/ports"
)

// LibSQLArchive journals finished turns into the conversation_turns table.
type LibSQLArchive struct {
	db *sql.DB
}

// NewLibSQLArchive creates a new LibSQL turn archive. The schema is expected
// to be migrated already.
func NewLibSQLArchive(db *sql.DB) *LibSQLArchive {
	return &LibSQLArchive{
		db: db,
	}
}

// SaveTurn writes rec. Saving the same turn twice replaces the earlier record.
func (s *LibSQLArchive) SaveTurn(ctx context.Context, conversationID string, rec ports.TurnRecord) error {
	turnJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	ended := rec.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO conversation_turns (conversation_id, turn_id, state, turn_data, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, conversationID, rec.TurnID, rec.State, string(turnJSON), ended.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}

	return nil
}

// LoadTurns loads the last k turns for a conversation, oldest first.
func (s *LibSQLArchive) LoadTurns(ctx context.Context, conversationID string, k int) ([]ports.TurnRecord, error) {
	query := `
		SELECT turn_data FROM conversation_turns
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.TurnRecord
	for rows.Next() {
		var turnJSON string
		if err := rows.Scan(&turnJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		var rec ports.TurnRecord
		if err := json.Unmarshal([]byte(turnJSON), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
		}

		turns = append(turns, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	// Reverse to get chronological order (oldest first)
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// ListConversations returns the most recently active conversations first.
func (s *LibSQLArchive) ListConversations(ctx context.Context, limit int) ([]ports.ConversationSummary, error) {
	query := `
		SELECT conversation_id, COUNT(*), MAX(created_at) FROM conversation_turns
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []ports.ConversationSummary
	for rows.Next() {
		var (
			sum    ports.ConversationSummary
			lastMs int64
		)
		if err := rows.Scan(&sum.ConversationID, &sum.Turns, &lastMs); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		sum.LastTurnAt = time.UnixMilli(lastMs)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

// Ensure LibSQLArchive implements the Archive interface.
var _ ports.Archive = (*LibSQLArchive)(nil)
