package tts

import "strings"

// maxBatchChars bounds a batch when no sentence terminator shows up.
const maxBatchChars = 120

// batch couples a synthesizable sentence with how many bytes of raw appended
// input it consumed. The raw count lets a caller resume a failed synthesis
// from the unspoken tail instead of restarting the whole utterance.
type batch struct {
	text string
	raw  int
}

// batcher accumulates streamed text and cuts it at sentence boundaries so a
// request-per-utterance provider can start speaking before the LLM finishes.
type batcher struct {
	buf strings.Builder

	// skipped counts raw bytes consumed by whitespace-only cuts; they are
	// attributed to the next emitted batch.
	skipped int
}

// Push appends text and returns any complete sentences ready for synthesis.
func (b *batcher) Push(text string) []batch {
	b.buf.WriteString(text)
	var out []batch
	for {
		s := b.buf.String()
		cut := -1
		for i, r := range s {
			if r == '.' || r == '?' || r == '!' {
				cut = i + 1
				// Prefer the earliest terminator; everything after stays
				// buffered for the next batch.
				break
			}
		}
		if cut < 0 && len(s) >= maxBatchChars {
			cut = maxBatchChars
		}
		if cut < 0 {
			return out
		}
		head := strings.TrimSpace(s[:cut])
		b.buf.Reset()
		b.buf.WriteString(s[cut:])
		if head == "" {
			b.skipped += cut
			continue
		}
		out = append(out, batch{text: head, raw: cut + b.skipped})
		b.skipped = 0
	}
}

// Flush returns whatever is still buffered. The batch text may be empty while
// raw is non-zero when only whitespace remained.
func (b *batcher) Flush() batch {
	raw := b.buf.Len() + b.skipped
	text := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	b.skipped = 0
	return batch{text: text, raw: raw}
}
