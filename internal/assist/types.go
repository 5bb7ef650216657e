// Package assist is the client for the external assistant service.
package assist

import (
	"context"
	"errors"
)

// Mode selects what the assistant is asked to do
type Mode string

const (
	// ModeSummary summarizes the room's recent conversation
	ModeSummary Mode = "summary"
	// ModeQA answers a question in the context of the room
	ModeQA Mode = "qa"
)

const (
	// DefaultSummaryError is shown when a summary fails without a detail
	DefaultSummaryError = "Failed to summarize"
	// DefaultQAError is shown when a question fails without a detail
	DefaultQAError = "assist request failed"
	// UnavailableError is shown while the circuit breaker is open
	UnavailableError = "assistant is temporarily unavailable"
	// EmptyAnswer replaces an empty qa answer
	EmptyAnswer = "No response."
)

var (
	ErrMissingQuestion = errors.New("question is required in qa mode")
	ErrUnknownMode     = errors.New("unknown assist mode")
)

// Request is the body of POST /assist
type Request struct {
	RoomID   string `json:"roomId"`
	Mode     Mode   `json:"mode"`
	Question string `json:"question,omitempty"`
}

// Gateway performs assistant requests
type Gateway interface {
	Request(ctx context.Context, req Request) (string, error)
}

type response struct {
	Text string `json:"text"`
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

// Error is a failed assistant request. Detail is safe to show to users.
type Error struct {
	Mode       Mode
	Detail     string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// DefaultDetail is the message for a failure in mode with no better detail
func DefaultDetail(mode Mode) string {
	if mode == ModeSummary {
		return DefaultSummaryError
	}
	return DefaultQAError
}

// Validate checks the request before anything is sent
func (r Request) Validate() error {
	switch r.Mode {
	case ModeSummary:
		return nil
	case ModeQA:
		if r.Question == "" {
			return ErrMissingQuestion
		}
		return nil
	default:
		return ErrUnknownMode
	}
}
