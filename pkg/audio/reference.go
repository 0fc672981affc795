package audio

import "sync"

// RefStream is the echo-cancellation reference: a bounded, time-ordered
// stream of recently rendered samples. Single writer (the render path),
// single reader (the TX path). Both sides are non-blocking: a push to a
// full stream drops the newest samples, a pop from a short stream returns
// what is available and the caller pads with silence. A dropped or missing
// reference chunk degrades cancellation quality for one chunk, never
// correctness.
type RefStream struct {
	mu    sync.Mutex
	buf   []int16
	read  int
	write int
	count int
}

// NewRefStream creates a reference stream holding up to capacity samples.
func NewRefStream(capacity int) *RefStream {
	return &RefStream{buf: make([]int16, capacity)}
}

// Push appends rendered samples. Samples that do not fit are dropped.
// Returns the number of samples accepted.
func (r *RefStream) Push(samples []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := len(r.buf) - r.count
	n := len(samples)
	if n > free {
		n = free
	}
	for i := 0; i < n; i++ {
		r.buf[r.write] = samples[i]
		r.write = (r.write + 1) % len(r.buf)
	}
	r.count += n
	return n
}

// Pop removes up to len(dst) samples into dst and returns the number
// copied. The caller treats the shortfall as silence.
func (r *RefStream) Pop(dst []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(dst)
	if n > r.count {
		n = r.count
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[r.read]
		r.read = (r.read + 1) % len(r.buf)
	}
	r.count -= n
	return n
}

// Len returns the number of buffered samples.
func (r *RefStream) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Drain discards all buffered samples.
func (r *RefStream) Drain() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	r.read = 0
	r.write = 0
	r.count = 0
	return n
}

// PrimeSilence pushes n zero samples, used to align the reference timeline
// with the acoustic and buffering delay of the render-to-capture path.
func (r *RefStream) PrimeSilence(n int) {
	silence := make([]int16, 64)
	for n > 0 {
		chunk := n
		if chunk > len(silence) {
			chunk = len(silence)
		}
		r.Push(silence[:chunk])
		n -= chunk
	}
}
