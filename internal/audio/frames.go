package audio

import "time"

// Telephony PCM format: linear16, 8 kHz, mono. The switch exchanges fixed
// 20 ms frames, so every buffer crossing the media boundary is a multiple of
// FrameBytes.
const (
	SampleRate      = 8000
	BytesPerSample  = 2
	FrameDuration   = 20 * time.Millisecond
	SamplesPerFrame = 160 // SampleRate / 50
	FrameBytes      = SamplesPerFrame * BytesPerSample
)

// Duration reports the playback time of a PCM buffer.
func Duration(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// BytesFor reports the PCM size for a playback duration, rounded down to
// whole samples.
func BytesFor(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	samples := int(d * SampleRate / time.Second)
	return samples * BytesPerSample
}

// Frames splits pcm into FrameBytes-sized chunks. A short tail is zero-padded
// to a full frame so the switch jitter buffer never sees a partial write.
func Frames(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + FrameBytes - 1) / FrameBytes
	out := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += FrameBytes {
		end := off + FrameBytes
		if end <= len(pcm) {
			out = append(out, pcm[off:end])
			continue
		}
		frame := make([]byte, FrameBytes)
		copy(frame, pcm[off:])
		out = append(out, frame)
	}
	return out
}
