package models

import "time"

// DefaultHandle is shown for authors whose identity has no handle
const DefaultHandle = "anon"

// Identity maps an anonymous author id to the handle the user chose
type Identity struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Handle    string    `json:"handle" gorm:"size:64;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (Identity) TableName() string { return "identities" }
