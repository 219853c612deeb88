package sentence

import (
	"slices"
	"strings"
	"testing"
	"unicode"
)

func seqOf(fragments ...string) func(func(string) bool) {
	return func(yield func(string) bool) {
		for _, f := range fragments {
			if !yield(f) {
				return
			}
		}
	}
}

func collect(fragments ...string) []string {
	return slices.Collect(Sentences(seqOf(fragments...)))
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestSentencesSplitsOnRightMostTerminator(t *testing.T) {
	t.Parallel()

	got := collect("Hello", " world. How", " are you? I am", " fine")
	want := []string{"Hello world.", "How are you?", "I am fine"}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSentencesMultipleTerminatorsInOneFragment(t *testing.T) {
	t.Parallel()

	got := collect("One. Two! Three", " four.")
	want := []string{"One. Two!", "Three four."}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSentencesEmptyAndWhitespaceOnly(t *testing.T) {
	t.Parallel()

	if got := collect(); len(got) != 0 {
		t.Fatalf("expected no sentences, got %q", got)
	}
	if got := collect("  ", "\t"); len(got) != 0 {
		t.Fatalf("expected no sentences, got %q", got)
	}
	if got := collect("\n", " \n "); len(got) != 0 {
		t.Fatalf("expected whitespace terminators to be dropped, got %q", got)
	}
}

func TestSentencesPunctuationOnly(t *testing.T) {
	t.Parallel()

	got := collect("...")
	if !slices.Equal(got, []string{"..."}) {
		t.Fatalf("expected punctuation sentence, got %q", got)
	}
}

func TestSentencesNoTerminatorFlushesOnce(t *testing.T) {
	t.Parallel()

	got := collect("no", " terminator", " here")
	if !slices.Equal(got, []string{"no terminator here"}) {
		t.Fatalf("expected single residual, got %q", got)
	}
}

func TestSentencesPreserveContentModuloWhitespace(t *testing.T) {
	t.Parallel()

	inputs := [][]string{
		{"Hi", ". I'm", " a bot!\nNice", " to meet", " you?", " ok"},
		{"a.b.c", "d!e", "?", "\n\n", "tail"},
		{"Über", " straße. 日本語。", "Done."},
		{"", ".", "", "x"},
	}
	for _, fragments := range inputs {
		got := collect(fragments...)
		for _, s := range got {
			if s == "" || s != strings.TrimSpace(s) {
				t.Fatalf("sentence %q must be non-empty and trimmed", s)
			}
		}
		joined := stripSpace(strings.Join(got, ""))
		want := stripSpace(strings.Join(fragments, ""))
		if joined != want {
			t.Fatalf("fragments %q: content mismatch %q vs %q", fragments, joined, want)
		}
	}
}

func TestSentencesStopsWhenConsumerStops(t *testing.T) {
	t.Parallel()

	var got []string
	for s := range Sentences(seqOf("A. ", "B. ", "C.")) {
		got = append(got, s)
		break
	}
	if len(got) != 1 || got[0] != "A." {
		t.Fatalf("expected early stop after first sentence, got %q", got)
	}
}

func TestSplit(t *testing.T) {
	t.Parallel()

	got := Split("First. Second")
	if !slices.Equal(got, []string{"First.", "Second"}) {
		t.Fatalf("unexpected split %q", got)
	}
}
