package room

import (
	"time"

	"icebreaker/backend/internal/models"
)

// State is the session lifecycle state
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosed     State = "closed"
)

// ContentNotice is the passive moderation note shown under every room
const ContentNotice = "By chatting, you agree to be nice. Spam & slurs auto-muted."

// ViewMessage is a message ready for display
type ViewMessage struct {
	ID        string      `json:"id"`
	AuthorID  string      `json:"author_id"`
	Handle    string      `json:"handle"`
	Body      string      `json:"body"`
	Kind      models.Kind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
	Self      bool        `json:"self"`
}

// View is a consistent snapshot of everything a participant sees
type View struct {
	RoomID   string        `json:"room_id"`
	Title    string        `json:"title"`
	State    State         `json:"state"`
	Handle   string        `json:"handle"`
	Messages []ViewMessage `json:"messages"`

	// AssistStatus is empty while idle
	AssistStatus   string `json:"assist_status"`
	AssistInFlight bool   `json:"assist_in_flight"`

	Summary     string `json:"summary"`
	Summarizing bool   `json:"summarizing"`

	// SendError holds the last failed append, cleared by the next success
	SendError string `json:"send_error,omitempty"`
	// StreamError is set when the live feed stopped
	StreamError string `json:"stream_error,omitempty"`

	Notice string `json:"notice"`
}
