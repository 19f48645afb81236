package transcript

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleSystem, RoleAssistant:
		return true
	}
	return false
}

// ParseRole converts a wire role into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Message is a single transcript entry. Role is fixed at creation; Content
// only grows for the live assistant message and only through the Store.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage stamps a message with a fresh ID and creation time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

func User(content string) Message      { return NewMessage(RoleUser, content) }
func System(content string) Message    { return NewMessage(RoleSystem, content) }
func Assistant(content string) Message { return NewMessage(RoleAssistant, content) }
