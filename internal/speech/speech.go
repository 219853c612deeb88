// Package speech turns reply text into audio.
package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
)

// ChunkSize is the read size for streamed audio bodies.
const ChunkSize = 4096

// Synthesizer converts text to audio. Synthesize yields audio chunks in
// order and ends with at most one error.
type Synthesizer interface {
	Name() string
	Format() string
	Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error]
}

var errNoAudio = errors.New("no audio returned")

// Collect runs a synthesis to completion and returns the whole clip.
func Collect(ctx context.Context, s Synthesizer, text string) ([]byte, error) {
	var buf bytes.Buffer
	for chunk, err := range s.Synthesize(ctx, text) {
		if err != nil {
			return nil, err
		}
		buf.Write(chunk)
	}
	if buf.Len() == 0 {
		return nil, errNoAudio
	}
	return buf.Bytes(), nil
}

// readChunks yields r in ChunkSize pieces. It reports errNoAudio when r is
// empty and stops early if ctx is canceled.
func readChunks(ctx context.Context, r io.Reader, yield func([]byte, error) bool) {
	buf := make([]byte, ChunkSize)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			part := make([]byte, n)
			copy(part, buf[:n])
			total += n
			if !yield(part, nil) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			if total == 0 {
				yield(nil, errNoAudio)
			}
			return
		}
		if err != nil {
			yield(nil, err)
			return
		}
	}
}
