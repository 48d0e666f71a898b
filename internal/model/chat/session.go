package chat

import (
	"strings"
	"time"
	"unicode/utf8"
)

// PreviewLength caps the number of runes a session title keeps from the first prompt.
const PreviewLength = 40

// Session is one saved conversation.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Title     string    `json:"title,omitempty"`
	Messages  []Message `json:"messages"`
}

// Summary is the lightweight view used by the history sidebar.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Title     string    `json:"title,omitempty"`
}

// Summary strips the transcript from s.
func (s Session) Summary() Summary {
	return Summary{ID: s.ID, CreatedAt: s.CreatedAt, Title: s.Title}
}

// LastTimestamp returns the timestamp of the newest message, or the zero time.
func (s Session) LastTimestamp() time.Time {
	if len(s.Messages) == 0 {
		return time.Time{}
	}
	return s.Messages[len(s.Messages)-1].Timestamp
}

// TitleAfter returns the title a session should carry once msg is appended.
// Only the first user message names a session.
func TitleAfter(current string, msg Message) string {
	if current != "" || msg.Role != RoleUser {
		return current
	}
	return Preview(msg.Content)
}

// Preview shortens content for display in session lists.
func Preview(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLength]) + "..."
}
