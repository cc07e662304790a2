package audio

import (
	"testing"
	"time"
)

func TestFrameConstants(t *testing.T) {
	if FrameBytes != 320 {
		t.Fatalf("expected 320-byte frames, got %d", FrameBytes)
	}
	if Duration(FrameBytes) != FrameDuration {
		t.Fatalf("one frame should last %v, got %v", FrameDuration, Duration(FrameBytes))
	}
}

func TestDurationRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{20 * time.Millisecond, time.Second, 3500 * time.Millisecond} {
		if got := Duration(BytesFor(d)); got != d {
			t.Fatalf("round trip %v: got %v", d, got)
		}
	}
}

func TestFramesPadsTail(t *testing.T) {
	pcm := make([]byte, FrameBytes+10)
	frames := Frames(pcm)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) != FrameBytes {
			t.Fatalf("frame %d has %d bytes", i, len(f))
		}
	}
}

func TestFramesEmpty(t *testing.T) {
	if Frames(nil) != nil {
		t.Fatalf("expected nil for empty input")
	}
}
