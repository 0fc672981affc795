package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/mveit/intercom/pkg/protocol"
)

// PlaybackDevice writes fixed-size PCM frames to an output device. Volume
// and mute are applied as the final scaling step before the hardware write
// and before the AEC reference capture, so the reference matches what the
// speaker physically emits.
type PlaybackDevice struct {
	stream     *portaudio.Stream
	buffer     []int16
	deviceName string // empty = default

	mu      sync.Mutex
	running bool
	volume  int // 0-100
	muted   bool

	// Emergency override save/restore.
	overrideActive bool
	savedVolume    int
	savedMuted     bool

	ref *RefStream // may be nil when AEC is unavailable
}

// NewPlaybackDevice creates a playback device rendering one transport
// frame per write at full volume. ref receives every rendered sample for
// echo cancellation; pass nil to disable the reference feed.
func NewPlaybackDevice(deviceName string, ref *RefStream) (*PlaybackDevice, error) {
	WaitInit()
	return &PlaybackDevice{
		buffer:     make([]int16, protocol.FrameSize),
		deviceName: deviceName,
		volume:     100,
		ref:        ref,
	}, nil
}

// Start opens the output stream. Idempotent.
func (p *PlaybackDevice) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	var output *portaudio.DeviceInfo
	if p.deviceName != "" {
		output = FindDevice(p.deviceName)
	}
	if output == nil {
		var err error
		output, err = portaudio.DefaultOutputDevice()
		if err != nil {
			return fmt.Errorf("audio: no output device: %w", err)
		}
	}

	params := portaudio.LowLatencyParameters(nil, output)
	params.Output.Channels = protocol.Channels
	params.Input.Device = nil
	params.Input.Channels = 0
	params.SampleRate = protocol.SampleRate
	params.FramesPerBuffer = protocol.FrameSize

	stream, err := portaudio.OpenStream(params, p.buffer)
	if err != nil {
		return fmt.Errorf("audio: open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start playback: %w", err)
	}

	p.stream = stream
	p.running = true
	slog.Debug("audio playback started",
		"device", output.Name,
		"volume", p.volume,
		"muted", p.muted,
	)
	return nil
}

// WriteFrame scales one frame by volume/mute, feeds it to the AEC
// reference, and blocks until the hardware accepts it. Returns the number
// of samples written: zero when the device is inactive or the write
// fails: a dropped render frame, never a panic in the real-time loop.
func (p *PlaybackDevice) WriteFrame(frame []int16) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.stream == nil {
		return 0
	}

	scale := int32(p.volume)
	if p.muted {
		scale = 0
	}
	n := copy(p.buffer, frame)
	for i := 0; i < n; i++ {
		v := int32(p.buffer[i]) * scale / 100
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		p.buffer[i] = int16(v)
	}
	for i := n; i < len(p.buffer); i++ {
		p.buffer[i] = 0
	}

	// Reference must see the post-volume signal: the adaptive filter's
	// amplitude has to match the actual echo the microphone picks up.
	if p.ref != nil {
		p.ref.Push(p.buffer[:n])
	}

	if err := p.stream.Write(); err != nil {
		slog.Debug("playback write failed", "err", err)
		return 0
	}
	return n
}

// Stop stops playback. Idempotent; a concurrent WriteFrame drops its frame.
func (p *PlaybackDevice) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	if p.stream != nil {
		_ = p.stream.Stop()
		_ = p.stream.Close()
		p.stream = nil
	}
	return nil
}

// SetVolume sets render volume, clamped to 0-100.
func (p *PlaybackDevice) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
}

// SetMute sets the mute flag.
func (p *PlaybackDevice) SetMute(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// ForceMaxVolume saves the current volume/mute and switches to unmuted
// full volume for the duration of an emergency stream. Nested calls are
// ignored.
func (p *PlaybackDevice) ForceMaxVolume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.overrideActive {
		return
	}
	p.overrideActive = true
	p.savedVolume = p.volume
	p.savedMuted = p.muted
	p.volume = 100
	p.muted = false
	slog.Warn("emergency override: forced unmute and max volume")
}

// RestoreVolume undoes ForceMaxVolume. No-op when no override is active.
func (p *PlaybackDevice) RestoreVolume() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.overrideActive {
		return
	}
	p.overrideActive = false
	p.volume = p.savedVolume
	p.muted = p.savedMuted
	slog.Info("emergency override restored", "volume", p.volume, "muted", p.muted)
}

// OverrideActive reports whether the emergency volume override is engaged.
func (p *PlaybackDevice) OverrideActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overrideActive
}
