package audio

import (
	"log/slog"

	"github.com/mveit/intercom/pkg/protocol"
)

const (
	// aecChunkSamples is the canceller's native processing size: 32ms at
	// 16kHz. The transport frame is 320 samples (20ms); the accumulation
	// and output buffers bridge the mismatch.
	aecChunkSamples = 512

	// micAccumSize holds up to two chunks of captured audio in flight.
	micAccumSize = aecChunkSamples * 2

	// outRingSize buffers 64ms of cleaned audio, enough headroom for the
	// chunk/frame cadence difference.
	outRingSize = 1024

	// refStreamSamples bounds the reference stream at 128ms.
	refStreamSamples = aecChunkSamples * 4

	// aecFilterTaps is the adaptive filter length: 128ms echo tail, sized
	// for separate capture and render paths with their own buffering delay.
	aecFilterTaps = 2048

	// refDelaySamples pre-fills the reference with 80ms of silence to
	// align the reference timeline with the render-to-microphone round
	// trip (device buffering plus acoustic propagation).
	refDelayMS      = 80
	refDelaySamples = protocol.SampleRate * refDelayMS / 1000

	// NLMS adaptation step and regularizer.
	aecStepSize = 0.05
	aecEpsilon  = 1e-6
)

// AEC removes the portion of the captured signal caused by the node's own
// rendered audio reaching its own microphone. It runs a normalized LMS
// adaptive filter once per native chunk and exposes a frame-sized
// PushMic/PopCleaned interface to the TX loop. Not safe for concurrent
// use except for the reference stream, which the render path feeds.
type AEC struct {
	weights []float64
	refHist []float64 // reference delay line, newest last
	refPow  float64   // running power of the delay line

	micAccum []int16
	micFill  int

	outRing  []int16
	outRead  int
	outWrite int
	outCount int

	ref    *RefStream
	refBuf []int16 // per-chunk reference scratch
}

// NewAEC creates the canceller and pre-fills its reference stream with the
// render-path delay. Initialization failure is non-fatal to the pipeline:
// the caller proceeds with raw captured audio.
func NewAEC() (*AEC, error) {
	a := &AEC{
		weights:  make([]float64, aecFilterTaps),
		refHist:  make([]float64, aecFilterTaps+aecChunkSamples),
		micAccum: make([]int16, micAccumSize),
		outRing:  make([]int16, outRingSize),
		ref:      NewRefStream(refStreamSamples),
		refBuf:   make([]int16, aecChunkSamples),
	}
	a.ref.PrimeSilence(refDelaySamples)
	slog.Debug("aec ready",
		"chunk", aecChunkSamples,
		"taps", aecFilterTaps,
		"ref_delay_ms", refDelayMS,
	)
	return a, nil
}

// Reference returns the stream the render path writes played samples into.
func (a *AEC) Reference() *RefStream {
	return a.ref
}

// PushMic appends captured samples to the accumulation buffer and runs
// cancellation for every complete chunk. Returns the number of cleaned
// samples now available.
func (a *AEC) PushMic(mic []int16) int {
	for len(mic) > 0 {
		for a.micFill >= aecChunkSamples {
			a.runChunk()
			leftover := a.micFill - aecChunkSamples
			copy(a.micAccum, a.micAccum[aecChunkSamples:a.micFill])
			a.micFill = leftover
		}

		n := len(mic)
		if free := micAccumSize - a.micFill; n > free {
			n = free
		}
		copy(a.micAccum[a.micFill:], mic[:n])
		a.micFill += n
		mic = mic[n:]
	}

	for a.micFill >= aecChunkSamples {
		a.runChunk()
		leftover := a.micFill - aecChunkSamples
		copy(a.micAccum, a.micAccum[aecChunkSamples:a.micFill])
		a.micFill = leftover
	}
	return a.outCount
}

// PopCleaned copies up to len(dst) cleaned samples into dst and returns
// the number copied. Consumers pull exactly one transport frame at a time.
func (a *AEC) PopCleaned(dst []int16) int {
	n := len(dst)
	if n > a.outCount {
		n = a.outCount
	}
	for i := 0; i < n; i++ {
		dst[i] = a.outRing[a.outRead]
		a.outRead = (a.outRead + 1) % outRingSize
	}
	a.outCount -= n
	return n
}

// Cleaned returns the number of cleaned samples ready to pop.
func (a *AEC) Cleaned() int {
	return a.outCount
}

// Reset clears the accumulation and output buffers between transmit
// sessions. The reference stream is deliberately preserved: room echo from
// the last moments of playback persists tens of milliseconds into the next
// session and must still be cancellable.
func (a *AEC) Reset() {
	a.micFill = 0
	a.outRead = 0
	a.outWrite = 0
	a.outCount = 0
}

// FlushReference drains the reference stream and re-primes the silence
// delay. Call after rendering audio that is not a genuine echo source
// (a locally generated tone); training the filter on it would make it
// cancel real voice instead.
func (a *AEC) FlushReference() {
	drained := a.ref.Drain()
	a.Reset()
	for i := range a.refHist {
		a.refHist[i] = 0
	}
	a.refPow = 0
	a.ref.PrimeSilence(refDelaySamples)
	slog.Info("aec reference flushed",
		"stale_samples", drained,
		"reprime_ms", refDelayMS,
	)
}

// runChunk pulls one chunk of reference (zero-padded on underrun; nothing
// playing means no echo), cancels one chunk of accumulated mic audio, and
// pushes the cleaned samples into the output ring.
func (a *AEC) runChunk() {
	got := a.ref.Pop(a.refBuf)
	for i := got; i < aecChunkSamples; i++ {
		a.refBuf[i] = 0
	}

	// Slide the reference delay line one chunk forward.
	copy(a.refHist, a.refHist[aecChunkSamples:])
	base := len(a.refHist) - aecChunkSamples
	for i := 0; i < aecChunkSamples; i++ {
		old := a.refHist[base+i]
		v := float64(a.refBuf[i]) / 32768.0
		a.refHist[base+i] = v
		a.refPow += v*v - old*old
	}
	if a.refPow < 0 {
		a.refPow = 0
	}

	for i := 0; i < aecChunkSamples; i++ {
		// The aecFilterTaps most recent reference samples ending at this
		// sample's position, oldest first.
		window := a.refHist[i+1 : i+1+aecFilterTaps]

		var est float64
		for j, w := range a.weights {
			est += w * window[j]
		}

		mic := float64(a.micAccum[i]) / 32768.0
		err := mic - est

		// NLMS weight update, normalized by reference power.
		step := aecStepSize * err / (a.refPow + aecEpsilon)
		for j := range a.weights {
			a.weights[j] += step * window[j]
		}

		out := err * 32768.0
		if out > 32767 {
			out = 32767
		}
		if out < -32768 {
			out = -32768
		}
		if a.outCount < outRingSize {
			a.outRing[a.outWrite] = int16(out)
			a.outWrite = (a.outWrite + 1) % outRingSize
			a.outCount++
		}
		// A full ring drops the newest sample; cannot happen at the
		// normal one-frame-per-iteration consume rate.
	}
}
