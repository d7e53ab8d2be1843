package audio

import (
	"testing"
	"time"
)

func TestChunkDurationForLinear16(t *testing.T) {
	encodingInfo := EncodingInfo{SampleRate: 16000, Format: EncodingLinear16}

	// 32000 bytes of 16-bit samples at 16kHz is exactly one second.
	if got := ChunkDuration(make([]byte, 32000), encodingInfo); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
	if got := ChunkDuration(make([]byte, 8000), encodingInfo); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
}

func TestChunkDurationForSingleByteFormats(t *testing.T) {
	encodingInfo := EncodingInfo{SampleRate: 8000, Format: EncodingMulaw}

	if got := ChunkDuration(make([]byte, 8000), encodingInfo); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
}

func TestChunkDurationFallsBackToDefaultEncoding(t *testing.T) {
	want := ChunkDuration(make([]byte, 32000), GetDefaultEncodingInfo())

	if got := ChunkDuration(make([]byte, 32000), EncodingInfo{}); got != want {
		t.Fatalf("expected fallback to the default encoding, got %v", got)
	}
	if got := ChunkDuration(make([]byte, 32000), EncodingInfo{SampleRate: 16000, Format: "opus"}); got != want {
		t.Fatalf("expected unknown format to use the default byte size, got %v", got)
	}
}

func TestSamplesForRoundTripsWithChunkDuration(t *testing.T) {
	encodingInfo := EncodingInfo{SampleRate: 16000, Format: EncodingLinear16}

	if got := SamplesFor(time.Second, encodingInfo); got != 16000 {
		t.Fatalf("expected 16000 samples, got %d", got)
	}
	if got := SamplesFor(250*time.Millisecond, encodingInfo); got != 4000 {
		t.Fatalf("expected 4000 samples, got %d", got)
	}
}
