package audio_test

import (
	"testing"

	"github.com/dialvox/dialvox/pkg/audio"
)

func TestRechunker_ExactFrames(t *testing.T) {
	var rc audio.Rechunker
	frames := rc.Write(make([]byte, audio.FrameBytes*2))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if len(f) != audio.FrameBytes {
			t.Errorf("frame %d: got %d bytes, want %d", i, len(f), audio.FrameBytes)
		}
	}
	if rc.Buffered() != 0 {
		t.Errorf("expected empty buffer, got %d bytes", rc.Buffered())
	}
}

func TestRechunker_AccumulatesAcrossWrites(t *testing.T) {
	var rc audio.Rechunker

	// Two writes that only together complete one frame.
	if frames := rc.Write(make([]byte, 2000)); frames != nil {
		t.Fatalf("expected no frame yet, got %d", len(frames))
	}
	frames := rc.Write(make([]byte, 2000))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if rc.Buffered() != 800 {
		t.Errorf("expected 800 buffered bytes, got %d", rc.Buffered())
	}
}

func TestRechunker_FlushPadsToBoundary(t *testing.T) {
	var rc audio.Rechunker
	rc.Write(make([]byte, 100)) // well under one frame

	tail := rc.Flush()
	if tail == nil {
		t.Fatal("expected a padded tail")
	}
	if len(tail) != audio.AlignBytes {
		t.Fatalf("expected tail padded to %d bytes, got %d", audio.AlignBytes, len(tail))
	}
	// Padding must be silence.
	for i := 100; i < len(tail); i++ {
		if tail[i] != 0 {
			t.Fatalf("byte %d: expected zero padding, got %d", i, tail[i])
		}
	}
	if rc.Buffered() != 0 {
		t.Errorf("expected empty buffer after flush, got %d bytes", rc.Buffered())
	}
}

func TestRechunker_FlushAlreadyAligned(t *testing.T) {
	var rc audio.Rechunker
	rc.Write(make([]byte, audio.AlignBytes*3))

	tail := rc.Flush()
	if len(tail) != audio.AlignBytes*3 {
		t.Fatalf("expected %d bytes, got %d", audio.AlignBytes*3, len(tail))
	}
}

func TestRechunker_FlushEmpty(t *testing.T) {
	var rc audio.Rechunker
	if tail := rc.Flush(); tail != nil {
		t.Fatalf("expected nil tail on empty buffer, got %d bytes", len(tail))
	}
}

func TestRechunkStream(t *testing.T) {
	in := make(chan audio.AudioFrame, 4)
	out := audio.RechunkStream(in)

	// 3200 + 1700 bytes: one full frame plus a tail padded to 1920 (6×320).
	in <- audio.AudioFrame{Data: make([]byte, 2500), SampleRate: 8000, Channels: 1}
	in <- audio.AudioFrame{Data: make([]byte, 2400), SampleRate: 8000, Channels: 1}
	close(in)

	var chunks [][]byte
	for c := range out {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != audio.FrameBytes {
		t.Errorf("chunk 0: got %d bytes, want %d", len(chunks[0]), audio.FrameBytes)
	}
	if len(chunks[1]) != 1920 {
		t.Errorf("chunk 1: got %d bytes, want 1920", len(chunks[1]))
	}
	// Every payload must be a multiple of the alignment unit.
	for i, c := range chunks {
		if len(c)%audio.AlignBytes != 0 {
			t.Errorf("chunk %d: %d bytes not aligned to %d", i, len(c), audio.AlignBytes)
		}
	}
}
