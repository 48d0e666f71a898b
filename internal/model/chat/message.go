package chat

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single turn of a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TimestampPrecision is the resolution timestamps are stored at.
// Document stores keep datetimes in milliseconds.
const TimestampPrecision = time.Millisecond

// NormalizeTime converts t to UTC at TimestampPrecision.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(TimestampPrecision)
}

// Stamp fixes msg.Timestamp so that it lands strictly after last.
// A zero timestamp is replaced with now.
func Stamp(msg Message, last, now time.Time) Message {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	ts = NormalizeTime(ts)

	if !last.IsZero() {
		floor := NormalizeTime(last).Add(TimestampPrecision)
		if ts.Before(floor) {
			ts = floor
		}
	}

	msg.Timestamp = ts
	return msg
}
