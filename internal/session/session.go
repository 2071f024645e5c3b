package session

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	// DefaultTitle is the title every new session starts with
	DefaultTitle = "New Chat"

	// TitleMaxLen is the number of characters kept when deriving a title
	TitleMaxLen = 50

	titleEllipsis = "..."
)

// Session represents a single conversation thread owned by one identity
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	ModelID   string    `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message represents a single chat message
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Streaming bool      `json:"streaming"`
}

// Turn is the role-tagged history entry sent to a completion backend
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// HasDefaultTitle reports whether the title was never changed
func (s Session) HasDefaultTitle() bool {
	return s.Title == "" || s.Title == DefaultTitle
}

// DeriveTitle truncates content to TitleMaxLen characters and marks the cut
func DeriveTitle(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= TitleMaxLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:TitleMaxLen]) + titleEllipsis
}
