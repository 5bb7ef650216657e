// Package command classifies outgoing room text as a plain message or an
// assistant query. Parsing is pure: no I/O, no shared state.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPersona is the name the assistant answers to
const DefaultPersona = "Mr. Monopoly"

var (
	// ErrEmptyCommand is returned when the assist trigger carries no question
	ErrEmptyCommand = errors.New("assist trigger without a question")
	// ErrEmptyMessage is returned for blank input; nothing should be sent
	ErrEmptyMessage = errors.New("empty message")
)

// Kind is the classification of a parsed input
type Kind string

const (
	KindPlain       Kind = "plain"
	KindAssistQuery Kind = "assist-query"
)

// Command is the result of a successful parse
type Command struct {
	Kind Kind
	// Body is the trimmed input for plain messages
	Body string
	// Query is the question text for assist queries, trigger removed
	Query string
}

// Parser recognises the assist trigger for one persona
type Parser struct {
	persona string
	trigger *regexp.Regexp
}

// NewParser builds a parser whose trigger is either the literal `\ask` command
// word or a backslash address of persona, e.g. `\mr monopoly`.
func NewParser(persona string) *Parser {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = DefaultPersona
	}
	return &Parser{
		persona: persona,
		trigger: regexp.MustCompile(`(?i)^\\(ask|` + personaPattern(persona) + `)\s*(.*)$`),
	}
}

// personaPattern makes dots optional and lets words run together, so
// "Mr. Monopoly" matches "mr monopoly", "mr.monopoly" and "MrMonopoly".
func personaPattern(persona string) string {
	words := strings.Fields(persona)
	for i, w := range words {
		w = regexp.QuoteMeta(w)
		words[i] = strings.ReplaceAll(w, `\.`, `\.?`)
	}
	return strings.Join(words, `\s*`)
}

// Persona returns the assistant name this parser answers to
func (p *Parser) Persona() string {
	return p.persona
}

// Hint is the user-facing text for ErrEmptyCommand
func (p *Parser) Hint() string {
	return fmt.Sprintf("Add a question after \\ask to query %s.", p.persona)
}

// Parse classifies text. Only the fully trimmed input is matched, so leading
// whitespace before the trigger is tolerated. A query ends at the first line
// break; a trigger followed by more than one line is a plain message.
func (p *Parser) Parse(text string) (Command, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Command{}, ErrEmptyMessage
	}

	m := p.trigger.FindStringSubmatch(trimmed)
	if m == nil {
		return Command{Kind: KindPlain, Body: trimmed}, nil
	}

	query := strings.TrimSpace(m[2])
	if query == "" {
		return Command{}, ErrEmptyCommand
	}
	return Command{Kind: KindAssistQuery, Query: query}, nil
}

var defaultParser = NewParser(DefaultPersona)

// Parse classifies text with the default persona
func Parse(text string) (Command, error) {
	return defaultParser.Parse(text)
}
