// Package llm routes completion requests to an ordered chain of model backends.
package llm

import (
	"context"
	"errors"
	"iter"

	"github.com/loomlock/companion/internal/domain"
)

// Tier selects which model a backend uses for a request.
type Tier int

const (
	// TierChat is the conversational model.
	TierChat Tier = iota
	// TierUtility is a small, cheap model for naming and prompt derivation.
	TierUtility
)

// Message is one turn of conversation history.
type Message struct {
	Role    domain.Role
	Content string
}

// Request describes a single completion.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Tier        Tier
}

// DefaultMaxTokens applies when a request leaves MaxTokens unset.
const DefaultMaxTokens = 4096

func (r Request) maxTokens() int64 {
	if r.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return int64(r.MaxTokens)
}

// Backend is one model provider. Stream yields text fragments and ends with
// at most one error.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
	Complete(ctx context.Context, req Request) (string, error)
}

var errEmptyCompletion = errors.New("backend returned no text")

// pick returns the model for the request tier.
func pick(tier Tier, chat, utility string) string {
	if tier == TierUtility && utility != "" {
		return utility
	}
	return chat
}
