// Package chat holds the immutable message model shared by the transport,
// the history pager and the session controller.
package chat

import (
	"strings"
	"time"

	"github.com/itlightning/dateparse"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Role is the classroom role of a message sender.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Message is a server-created chat message. Two messages with the same ID are
// the same message regardless of whether they came from a live push or a
// history fetch.
type Message struct {
	ID         int64     `json:"id"`
	RoomID     int64     `json:"classroom_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	SenderRole Role      `json:"sender_role"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sent_at"`
}

// wireMessage accepts both room keys and a loosely formatted timestamp.
type wireMessage struct {
	ID          int64  `json:"id"`
	ClassroomID int64  `json:"classroom_id"`
	RoomID      int64  `json:"room_id"`
	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	SenderRole  Role   `json:"sender_role"`
	Content     string `json:"content"`
	SentAt      string `json:"sent_at"`
}

// UnmarshalJSON decodes the server representation. sent_at values without a
// zone are taken as UTC; unparseable ones leave SentAt zero.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	room := w.ClassroomID
	if room == 0 {
		room = w.RoomID
	}

	// an unreadable sent_at only loses the display time, never the message
	var sentAt time.Time
	if w.SentAt != "" {
		if t, err := ParseTimestamp(w.SentAt); err == nil {
			sentAt = t
		}
	}

	*m = Message{
		ID:         w.ID,
		RoomID:     room,
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		SenderRole: w.SenderRole,
		Content:    w.Content,
		SentAt:     sentAt,
	}

	return nil
}

// ParseTimestamp parses the server's sent_at format into UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}

// Valid reports whether the message can be shown in a timeline.
func (m Message) Valid() bool {
	return m.ID > 0 && m.RoomID > 0 && strings.TrimSpace(m.Content) != ""
}

func (m Message) IsTeacher() bool {
	return m.SenderRole == RoleTeacher
}

// FormattedTime renders the send time as "03:04 PM" in loc.
func (m Message) FormattedTime(loc *time.Location) string {
	if m.SentAt.IsZero() {
		return ""
	}

	return m.SentAt.In(locOrLocal(loc)).Format("03:04 PM")
}

// FormattedDate renders the send date as "Jan 02, 2006" in loc.
func (m Message) FormattedDate(loc *time.Location) string {
	if m.SentAt.IsZero() {
		return ""
	}

	return m.SentAt.In(locOrLocal(loc)).Format("Jan 02, 2006")
}

func locOrLocal(loc *time.Location) *time.Location {
	if loc == nil {
		return time.Local
	}

	return loc
}

// HistoryPage is one page of the paginated history endpoint.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
	HasMore  bool      `json:"has_more"`
}

// TypingUser is a remote user currently composing a message.
type TypingUser struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}
