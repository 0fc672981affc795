package audio

import (
	"math"
	"testing"

	"github.com/mveit/intercom/pkg/protocol"
)

func sineFrame(n int, freq float64, amp float64, phase int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(phase+i)/protocol.SampleRate))
	}
	return frame
}

func power(frame []int16) float64 {
	var sum float64
	for _, s := range frame {
		f := float64(s)
		sum += f * f
	}
	return sum / float64(len(frame))
}

func TestAECBridgesFrameToChunk(t *testing.T) {
	aec, err := NewAEC()
	if err != nil {
		t.Fatalf("NewAEC: %v", err)
	}

	frame := make([]int16, protocol.FrameSize) // 320 samples

	// One transport frame is less than a native chunk: nothing cleaned yet.
	if got := aec.PushMic(frame); got != 0 {
		t.Errorf("cleaned after 320 samples = %d, want 0", got)
	}

	// Second frame completes a 512-sample chunk.
	if got := aec.PushMic(frame); got != aecChunkSamples {
		t.Errorf("cleaned after 640 samples = %d, want %d", got, aecChunkSamples)
	}

	// Consumers always pull exactly one transport frame.
	dst := make([]int16, protocol.FrameSize)
	if got := aec.PopCleaned(dst); got != protocol.FrameSize {
		t.Errorf("PopCleaned = %d, want %d", got, protocol.FrameSize)
	}
	if aec.Cleaned() != aecChunkSamples-protocol.FrameSize {
		t.Errorf("remaining = %d, want %d", aec.Cleaned(), aecChunkSamples-protocol.FrameSize)
	}
}

func TestAECPassthroughWithSilentReference(t *testing.T) {
	aec, err := NewAEC()
	if err != nil {
		t.Fatalf("NewAEC: %v", err)
	}

	// Nothing has played: the primed reference is silence and the filter
	// must leave the mic signal untouched.
	in := sineFrame(aecChunkSamples, 440, 8000, 0)
	aec.PushMic(in)

	out := make([]int16, aecChunkSamples)
	if got := aec.PopCleaned(out); got != aecChunkSamples {
		t.Fatalf("PopCleaned = %d, want %d", got, aecChunkSamples)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("sample %d: out %d != in %d with silent reference", i, out[i], in[i])
		}
	}
}

func TestAECConvergesOnEcho(t *testing.T) {
	if testing.Short() {
		t.Skip("adaptation run is slow")
	}

	aec, err := NewAEC()
	if err != nil {
		t.Fatalf("NewAEC: %v", err)
	}
	// Remove the priming delay so the simulated echo path has zero lag.
	aec.Reference().Drain()

	var inPow, outPow float64
	out := make([]int16, aecChunkSamples)
	const chunks = 300

	for c := 0; c < chunks; c++ {
		chunk := sineFrame(aecChunkSamples, 400, 8000, c*aecChunkSamples)
		aec.Reference().Push(chunk)
		aec.PushMic(chunk) // mic hears exactly the rendered audio
		if got := aec.PopCleaned(out); got != aecChunkSamples {
			t.Fatalf("chunk %d: PopCleaned = %d", c, got)
		}
		if c == chunks-1 {
			inPow = power(chunk)
			outPow = power(out)
		}
	}

	if outPow >= inPow/2 {
		t.Errorf("echo not attenuated: residual power %.0f vs input %.0f", outPow, inPow)
	}
}

func TestAECResetPreservesReference(t *testing.T) {
	aec, err := NewAEC()
	if err != nil {
		t.Fatalf("NewAEC: %v", err)
	}

	aec.Reference().Push(sineFrame(100, 440, 5000, 0))
	before := aec.Reference().Len()

	aec.PushMic(make([]int16, protocol.FrameSize)) // partial chunk pending
	aec.Reset()

	if aec.Cleaned() != 0 {
		t.Errorf("cleaned after reset = %d, want 0", aec.Cleaned())
	}
	if got := aec.Reference().Len(); got != before {
		t.Errorf("reference length changed across reset: %d -> %d", before, got)
	}

	// The pending partial chunk must be gone: one fresh frame is again
	// below the chunk threshold.
	if got := aec.PushMic(make([]int16, protocol.FrameSize)); got != 0 {
		t.Errorf("cleaned after reset + one frame = %d, want 0", got)
	}
}

func TestAECFlushReferenceReprimes(t *testing.T) {
	aec, err := NewAEC()
	if err != nil {
		t.Fatalf("NewAEC: %v", err)
	}

	// Simulate a locally generated tone reaching the reference.
	aec.Reference().Push(sineFrame(500, 800, 16000, 0))
	aec.FlushReference()

	if got := aec.Reference().Len(); got != refDelaySamples {
		t.Fatalf("reference after flush = %d samples, want %d", got, refDelaySamples)
	}
	dst := make([]int16, refDelaySamples)
	aec.Reference().Pop(dst)
	for i, s := range dst {
		if s != 0 {
			t.Fatalf("re-primed sample %d = %d, want silence", i, s)
		}
	}
}
