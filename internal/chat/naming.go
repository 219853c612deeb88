package chat

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/llm"
	"github.com/loomlock/companion/internal/prompts"
)

const (
	// MaxNameLength caps stored conversation names, in runes.
	MaxNameLength = 50
	// DefaultName is used when nothing better can be derived.
	DefaultName = "New Chat"

	namingMaxTokens = 30
)

// nameConversation asks the utility model for a title. It makes exactly one
// gateway call and falls back to a title built from the query.
func (o *Orchestrator) nameConversation(ctx context.Context, query, response string) string {
	text, outcome := o.deps.Gateway.Complete(ctx, llm.Request{
		Messages:    []llm.Message{{Role: domain.RoleUser, Content: prompts.Naming(query, response)}},
		MaxTokens:   namingMaxTokens,
		Temperature: 0.3,
		Tier:        llm.TierUtility,
	})
	if outcome.Exhausted || outcome.Canceled {
		return FallbackName(query)
	}
	if name := cleanName(text); name != "" {
		return name
	}
	return FallbackName(query)
}

// FallbackName title-cases the first three words of query.
func FallbackName(query string) string {
	words := strings.Fields(query)
	if len(words) == 0 {
		return DefaultName
	}
	if len(words) > 3 {
		words = words[:3]
	}
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	if name := cleanName(strings.Join(words, " ")); name != "" {
		return name
	}
	return DefaultName
}

func cleanName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`“”‘’ ")
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimSpace(s)

	r := []rune(s)
	if len(r) > MaxNameLength {
		s = strings.TrimSpace(string(r[:MaxNameLength]))
	}
	return s
}
