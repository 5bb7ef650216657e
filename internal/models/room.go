package models

import "time"

// Room is an externally created, externally addressed chat channel.
// The core only reads it.
type Room struct {
	ID        string    `json:"id" gorm:"primaryKey;size:128"`
	Title     string    `json:"title,omitempty" gorm:"size:200"`
	CreatedAt time.Time `json:"created_at"`
}

func (Room) TableName() string { return "rooms" }

// DisplayTitle returns the title, falling back to the room id
func (r *Room) DisplayTitle() string {
	if r == nil {
		return ""
	}
	if r.Title != "" {
		return r.Title
	}
	return r.ID
}
