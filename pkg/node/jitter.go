package node

const (
	// jitterCapacity is the fixed depth of the receive-side frame ring:
	// 3 decoded frames, 60ms of audio.
	jitterCapacity = 3

	// jitterPrime is how many frames must be buffered before playback
	// starts. The cushion absorbs one frame of network jitter.
	jitterPrime = 2
)

// frameRing is the receive jitter buffer: a fixed-capacity ring of decoded
// PCM frames. Push refuses when full (arriving audio is dropped rather
// than stale audio overwritten, keeping latency bounded); Pop refuses when
// empty. Not safe for concurrent use; the RX path owns it.
type frameRing struct {
	frames [jitterCapacity][]int16
	head   int
	count  int
}

func newFrameRing() *frameRing {
	return &frameRing{}
}

// Push stores one decoded frame. Returns false when the ring is full.
func (r *frameRing) Push(frame []int16) bool {
	if r.count == jitterCapacity {
		return false
	}
	r.frames[(r.head+r.count)%jitterCapacity] = frame
	r.count++
	return true
}

// Pop removes the oldest frame. Returns false when the ring is empty.
func (r *frameRing) Pop() ([]int16, bool) {
	if r.count == 0 {
		return nil, false
	}
	frame := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % jitterCapacity
	r.count--
	return frame, true
}

// Len returns the number of buffered frames.
func (r *frameRing) Len() int {
	return r.count
}

// Reset discards all buffered frames.
func (r *frameRing) Reset() {
	for i := range r.frames {
		r.frames[i] = nil
	}
	r.head = 0
	r.count = 0
}
