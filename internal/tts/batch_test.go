package tts

import (
	"strings"
	"testing"
)

func texts(batches []batch) []string {
	out := make([]string, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.text)
	}
	return out
}

func TestBatcherCutsAtSentenceBoundary(t *testing.T) {
	var b batcher
	got := b.Push("Olá, tudo bem? Eu posso")
	if len(got) != 1 || got[0].text != "Olá, tudo bem?" {
		t.Fatalf("got %q", texts(got))
	}
	got = b.Push(" ajudar.")
	if len(got) != 1 || got[0].text != "Eu posso ajudar." {
		t.Fatalf("got %q", texts(got))
	}
	if rest := b.Flush(); rest.text != "" {
		t.Fatalf("expected empty remainder, got %q", rest.text)
	}
}

func TestBatcherCutsLongRuns(t *testing.T) {
	var b batcher
	long := strings.Repeat("palavra ", 40) // no terminator, > 120 chars
	got := b.Push(long)
	if len(got) == 0 {
		t.Fatalf("expected at least one forced batch")
	}
	for _, bt := range got {
		if len(bt.text) > maxBatchChars {
			t.Fatalf("batch exceeds limit: %d chars", len(bt.text))
		}
	}
}

func TestBatcherFlushReturnsTail(t *testing.T) {
	var b batcher
	if got := b.Push("sem pontuação final"); len(got) != 0 {
		t.Fatalf("unexpected batches %q", texts(got))
	}
	if tail := b.Flush(); tail.text != "sem pontuação final" {
		t.Fatalf("got %q", tail.text)
	}
}

func TestBatcherMultipleSentencesInOnePush(t *testing.T) {
	var b batcher
	got := b.Push("Sim. Claro! Pode ser?")
	want := []string{"Sim.", "Claro!", "Pode ser?"}
	if len(got) != len(want) {
		t.Fatalf("got %q", texts(got))
	}
	for i := range want {
		if got[i].text != want[i] {
			t.Fatalf("batch %d: got %q want %q", i, got[i].text, want[i])
		}
	}
}

func TestBatcherRawAccountsForAllInput(t *testing.T) {
	// Whatever the cut points, raw counts must sum to the bytes pushed, so a
	// resume offset lines up with the caller's accumulated text.
	var b batcher
	input := []string{"Primeira frase. ", "Segunda", " frase. E a cauda"}
	total, consumed := 0, 0
	for _, in := range input {
		total += len(in)
		for _, bt := range b.Push(in) {
			consumed += bt.raw
		}
	}
	tail := b.Flush()
	consumed += tail.raw
	if consumed != total {
		t.Fatalf("raw sum %d, pushed %d", consumed, total)
	}
}

func TestBatcherRawGivesResumeOffset(t *testing.T) {
	var b batcher
	input := "Primeira frase. Segunda frase."
	got := b.Push(input)
	if len(got) != 2 {
		t.Fatalf("got %q", texts(got))
	}
	// Resuming after the first batch must replay exactly the second one.
	rest := input[got[0].raw:]
	if strings.TrimSpace(rest) != got[1].text {
		t.Fatalf("resume tail %q, second batch %q", rest, got[1].text)
	}
}
