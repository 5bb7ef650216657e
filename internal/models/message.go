package models

import (
	"sort"
	"time"
)

// Kind distinguishes human-authored messages from synthetic assistant messages
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
)

// Message is a single entry in a room's append-only log.
// ID and CreatedAt are assigned by the store at append time and never change.
type Message struct {
	ID           string    `json:"id" gorm:"primaryKey;size:26"`
	RoomID       string    `json:"room_id" gorm:"size:128;not null;index:idx_messages_room_created,priority:1"`
	AuthorID     string    `json:"author_id" gorm:"size:64;not null"`
	AuthorHandle string    `json:"author_handle" gorm:"size:64"`
	Body         string    `json:"body" gorm:"type:text;not null"`
	Kind         Kind      `json:"kind" gorm:"type:varchar(16);not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null;index:idx_messages_room_created,priority:2"`
}

// TableName pins the table name used by gorm
func (Message) TableName() string { return "messages" }

// Before reports whether m sorts before o in a room log: creation time first,
// storage-assigned id second.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// SortMessages orders msgs in place by (CreatedAt, ID) ascending
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// IsSorted reports whether msgs is in log order
func IsSorted(msgs []Message) bool {
	return sort.SliceIsSorted(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}
