package audio

const (
	// agcTargetLevel is the desired frame peak: -6 dBFS.
	agcTargetLevel = 16384

	// agcWindowFrames is the sliding peak window length (10 x 20ms = 200ms).
	agcWindowFrames = 10

	agcMinGain = 1.0  // never attenuate; quiet stays quiet
	agcMaxGain = 10.0 // +20 dB maximum boost

	// Asymmetric smoothing: gain drops fast on loud transients and rises
	// slowly after quiet passages, which avoids audible pumping.
	agcAttackCoeff  = 0.1
	agcReleaseCoeff = 0.01

	// agcSilenceThreshold is the minimum window peak (≈ -72 dBFS) before the
	// AGC adjusts gain. Below it the gain holds instead of ramping to max.
	agcSilenceThreshold = 64
)

// AGC normalizes captured audio loudness with peak-tracking automatic gain
// control. It operates in place on one frame at a time and is not safe for
// concurrent use; the TX loop is its only caller.
type AGC struct {
	gain        float64
	peakHistory [agcWindowFrames]int32
	historyIdx  int
}

// NewAGC returns an AGC at unity gain with empty history.
func NewAGC() *AGC {
	return &AGC{gain: 1.0}
}

// Reset restores unity gain and clears the peak window. Call at the start
// of each transmit session.
func (a *AGC) Reset() {
	a.gain = 1.0
	a.historyIdx = 0
	for i := range a.peakHistory {
		a.peakHistory[i] = 0
	}
}

// Gain returns the currently applied gain.
func (a *AGC) Gain() float64 {
	return a.gain
}

// Process applies gain normalization to one capture frame in place.
func (a *AGC) Process(samples []int16) {
	if len(samples) == 0 {
		return
	}

	var framePeak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v // int32 arithmetic, so -(-32768) is safe
		}
		if v > framePeak {
			framePeak = v
		}
	}

	a.peakHistory[a.historyIdx] = framePeak
	a.historyIdx = (a.historyIdx + 1) % agcWindowFrames

	var windowPeak int32
	for _, p := range a.peakHistory {
		if p > windowPeak {
			windowPeak = p
		}
	}

	// Hold current gain during silence.
	target := a.gain
	if windowPeak >= agcSilenceThreshold {
		target = agcTargetLevel / float64(windowPeak)
		if target < agcMinGain {
			target = agcMinGain
		}
		if target > agcMaxGain {
			target = agcMaxGain
		}
	}

	coeff := agcReleaseCoeff
	if target < a.gain {
		coeff = agcAttackCoeff
	}
	a.gain += coeff * (target - a.gain)

	// Re-clamp after smoothing to absorb floating-point drift.
	if a.gain < agcMinGain {
		a.gain = agcMinGain
	}
	if a.gain > agcMaxGain {
		a.gain = agcMaxGain
	}

	for i, s := range samples {
		v := float64(s) * a.gain
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		samples[i] = int16(v)
	}
}
