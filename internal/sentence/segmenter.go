// Package sentence splits a stream of text fragments into sentences for
// incremental speech synthesis.
package sentence

import (
	"iter"
	"strings"
)

// Terminators ends a sentence. The split point is the right-most terminator
// in the buffer, so a fragment carrying several sentences is emitted as one.
const Terminators = ".!?\n"

// Segmenter accumulates fragments and releases complete sentences.
// It is not safe for concurrent use.
type Segmenter struct {
	buf strings.Builder
}

// Push appends fragment and returns the completed prefix, if any.
func (s *Segmenter) Push(fragment string) (string, bool) {
	s.buf.WriteString(fragment)

	pending := s.buf.String()
	idx := strings.LastIndexAny(pending, Terminators)
	if idx < 0 {
		return "", false
	}

	// Terminators are single-byte, so idx+1 is a rune boundary.
	head, rest := pending[:idx+1], pending[idx+1:]
	s.buf.Reset()
	s.buf.WriteString(rest)

	head = strings.TrimSpace(head)
	if head == "" {
		return "", false
	}
	return head, true
}

// Flush returns the trimmed residual. Called once the fragment stream ends.
func (s *Segmenter) Flush() (string, bool) {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	if rest == "" {
		return "", false
	}
	return rest, true
}

// Pending returns the unterminated text held by the segmenter.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}

// Sentences lazily segments fragments. The residual is flushed after the
// last fragment.
func Sentences(fragments iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		var seg Segmenter
		for fragment := range fragments {
			if sentence, ok := seg.Push(fragment); ok {
				if !yield(sentence) {
					return
				}
			}
		}
		if sentence, ok := seg.Flush(); ok {
			yield(sentence)
		}
	}
}

// Split segments a complete text.
func Split(text string) []string {
	var out []string
	for sentence := range Sentences(func(yield func(string) bool) { yield(text) }) {
		out = append(out, sentence)
	}
	return out
}
