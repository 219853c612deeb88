package domain

import (
	"fmt"
	"strings"
)

// Expertise bounds. The level tunes the register of the assistant's reply.
const (
	MinExpertise     = 1
	MaxExpertise     = 5
	DefaultExpertise = 3
)

// Query is one user request. It is immutable once accepted by the orchestrator.
type Query struct {
	Text        string
	ChatID      string
	EnableVoice bool
	EnableImage bool
	Lesson      string
	Expertise   int
}

// Normalize trims the text and clamps a missing expertise to the default.
func (q Query) Normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	q.Lesson = strings.TrimSpace(q.Lesson)
	if q.Expertise == 0 {
		q.Expertise = DefaultExpertise
	}
	return q
}

// Validate checks a normalized query.
func (q Query) Validate() error {
	if q.Text == "" {
		return fmt.Errorf("%w: message content required", ErrInvalidInput)
	}
	if q.Expertise < MinExpertise || q.Expertise > MaxExpertise {
		return fmt.Errorf("%w: expertise must be between %d and %d", ErrInvalidInput, MinExpertise, MaxExpertise)
	}
	return nil
}
