// Package prompts assembles the instructions sent to completion backends.
package prompts

import (
	"fmt"
	"strings"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/lesson"
)

const persona = `You are the Loomlock Companion, a warm and practical mentor who helps people take back control of their attention and build intentional habits.

You believe self-control comes from designing your surroundings, not from constant willpower. People have moments of clarity; you help them act on those moments so their future selves are protected from predictable weak spots. Setbacks are information, not failure.

How you help:
- Notice patterns and triggers without judgment.
- Offer concrete strategies and replacement activities.
- Celebrate small wins and normalize slips.
- Ask questions that invite reflection.

What you avoid:
- Shaming, lecturing, or clinical language.
- Medical advice or diagnoses.
- Overwhelming the user with too much at once.

Style: short paragraphs of two or three sentences, everyday examples, acknowledgment before advice. Do not use em dashes.`

var expertiseGuidance = map[int]string{
	1: "The user is new to these ideas. Use plain words, one idea at a time, and a simple example.",
	2: "The user knows the basics. Keep explanations short and practical.",
	3: "The user is comfortable with the topic. Balance practical steps with the reasoning behind them.",
	4: "The user is experienced. Skip the basics and go into nuance and trade-offs.",
	5: "The user is an expert. Be concise and precise, and reference underlying research where it helps.",
}

// MaxCustomPersona caps a user's persona override, in runes.
const MaxCustomPersona = 4000

// System returns the system instruction for a turn. A non-blank custom
// persona replaces the built-in one; audience and lesson guidance still
// apply. In lesson mode the lesson document becomes the only reference
// material.
func System(custom string, expertise int, l *lesson.Lesson) string {
	var b strings.Builder
	if custom = strings.TrimSpace(custom); custom != "" {
		b.WriteString(custom)
	} else {
		b.WriteString(persona)
	}

	if g, ok := expertiseGuidance[expertise]; ok {
		b.WriteString("\n\nAudience: ")
		b.WriteString(g)
	}

	if l != nil {
		fmt.Fprintf(&b, "\n\nYou are guiding the user through the lesson %q. Teach from the lesson material below and stay on its topic.\n\n<lesson>\n%s\n</lesson>",
			l.Title, strings.TrimSpace(l.Document))
	}
	return b.String()
}

// UserTurn wraps the query with retrieved passages. Without passages the
// query is returned unchanged.
func UserTurn(query string, passages []domain.Passage) string {
	if len(passages) == 0 {
		return query
	}

	var ctx strings.Builder
	for i, p := range passages {
		if i > 0 {
			ctx.WriteString("\n\n")
		}
		ctx.WriteString(strings.TrimSpace(p.Content))
	}

	return fmt.Sprintf(`Below are search results retrieved for the user's query. They may or may not be relevant. Use them if they help and ignore them otherwise.

<context>
%s
</context>

<user_query>
%s
</user_query>`, ctx.String(), query)
}

// NamingExcerpt caps how much of the reply is shown to the naming model.
const NamingExcerpt = 1000

// Naming asks for a short conversation title.
func Naming(query, response string) string {
	return fmt.Sprintf(`Based on the following conversation, write a short, descriptive title (2-6 words) for its main topic.

User: %s
Assistant: %s

Reply with the title only.`, query, truncateRunes(response, NamingExcerpt))
}

// ImageExcerpt caps how much of the reply is shown to the image prompt model.
const ImageExcerpt = 1500

// Image asks for an illustration prompt for the reply.
func Image(query, response string, l *lesson.Lesson) string {
	style := "soft, hopeful digital illustration"
	topic := ""
	if l != nil {
		if l.ImageStyle != "" {
			style = l.ImageStyle
		}
		topic = fmt.Sprintf("\nLesson: %s", l.Title)
	}
	return fmt.Sprintf(`Write a single prompt for an image generator that illustrates the answer below. Describe one concrete scene in under 60 words. No text, letters, or logos in the image. Style: %s.%s

Question: %s
Answer: %s

Reply with the prompt only.`, style, topic, query, truncateRunes(response, ImageExcerpt))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
