package audio

// Outbound framing constants for the telephony gateway. The gateway consumes
// audio in 100 ms chunks of 8 kHz 16-bit mono PCM and rejects payloads that
// are not aligned to 20 ms boundaries.
const (
	// FrameBytes is the fixed outbound frame size: 100 ms at 8 kHz, 16-bit mono.
	FrameBytes = 3200

	// AlignBytes is the alignment the final (partial) frame must be padded to.
	AlignBytes = 320
)

// Rechunker rebuffers arbitrary-size PCM writes into fixed [FrameBytes]
// frames. TTS providers emit whatever chunk sizes their transport produces;
// the gateway wants exact 3200-byte frames, with the stream tail zero-padded
// to a [AlignBytes] boundary.
//
// Not safe for concurrent use; the outbound pipeline owns one per call.
type Rechunker struct {
	buf []byte
}

// Write appends pcm to the internal buffer and returns every complete frame
// now available, in order. The returned slices are freshly allocated and safe
// to retain. Returns nil when no complete frame is ready yet.
func (r *Rechunker) Write(pcm []byte) [][]byte {
	if len(pcm) == 0 {
		return nil
	}
	r.buf = append(r.buf, pcm...)

	var frames [][]byte
	for len(r.buf) >= FrameBytes {
		frame := make([]byte, FrameBytes)
		copy(frame, r.buf[:FrameBytes])
		frames = append(frames, frame)
		r.buf = r.buf[FrameBytes:]
	}
	return frames
}

// Flush drains the remaining tail, zero-padded up to the next [AlignBytes]
// boundary, and resets the buffer. Returns nil when nothing is buffered.
// Call it once per synthesized reply, after the TTS stream ends.
func (r *Rechunker) Flush() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	padded := ((len(r.buf) + AlignBytes - 1) / AlignBytes) * AlignBytes
	out := make([]byte, padded)
	copy(out, r.buf)
	r.buf = r.buf[:0]
	return out
}

// Buffered reports how many bytes are waiting for a complete frame.
func (r *Rechunker) Buffered() int {
	return len(r.buf)
}

// RechunkStream converts a stream of telephony-format frames into gateway
// payloads: fixed [FrameBytes] chunks while the stream flows, one padded tail
// chunk when it closes. The returned channel is closed after the tail.
//
// Input frames must already be 8 kHz mono; run them through [ConvertStream]
// first when the provider format differs.
func RechunkStream(in <-chan AudioFrame) <-chan []byte {
	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		var rc Rechunker
		for frame := range in {
			for _, chunk := range rc.Write(frame.Data) {
				out <- chunk
			}
		}
		if tail := rc.Flush(); tail != nil {
			out <- tail
		}
	}()
	return out
}
