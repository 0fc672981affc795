// Package audio provides the voice pipeline stages: capture and playback
// devices, the Opus codec wrapper, automatic gain control, and acoustic
// echo cancellation with its render reference stream.
package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/mveit/intercom/pkg/protocol"
)

// CaptureDevice reads fixed-size PCM frames from an input device.
type CaptureDevice struct {
	stream     *portaudio.Stream
	buffer     []int16
	deviceName string // empty = default
	mu         sync.Mutex
	running    bool
}

// NewCaptureDevice creates a capture device producing one transport frame
// (320 samples, 20ms at 16kHz) per read. deviceName may be empty to use
// the system default.
func NewCaptureDevice(deviceName string) (*CaptureDevice, error) {
	WaitInit()
	return &CaptureDevice{
		buffer:     make([]int16, protocol.FrameSize),
		deviceName: deviceName,
	}, nil
}

// Start opens the input stream. Failure here is fatal to the caller: a
// node without a microphone cannot transmit.
func (c *CaptureDevice) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	var input *portaudio.DeviceInfo
	if c.deviceName != "" {
		input = FindDevice(c.deviceName)
	}
	if input == nil {
		var err error
		input, err = portaudio.DefaultInputDevice()
		if err != nil {
			return fmt.Errorf("audio: no input device: %w", err)
		}
	}

	params := portaudio.LowLatencyParameters(input, nil)
	params.Input.Channels = protocol.Channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = protocol.SampleRate
	params.FramesPerBuffer = protocol.FrameSize

	stream, err := portaudio.OpenStream(params, c.buffer)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	c.stream = stream
	c.running = true
	slog.Debug("audio capture started", "device", input.Name, "rate", protocol.SampleRate)
	return nil
}

// ReadFrame blocks until one frame of PCM audio is available and returns a
// copy of it. An inactive or failed device returns a zero count rather
// than an error the real-time loop would have to unwind on.
func (c *CaptureDevice) ReadFrame(dst []int16) int {
	c.mu.Lock()
	stream := c.stream
	running := c.running
	c.mu.Unlock()

	if !running || stream == nil {
		return 0
	}
	if err := stream.Read(); err != nil {
		slog.Debug("capture read failed", "err", err)
		return 0
	}
	n := copy(dst, c.buffer)
	return n
}

// Stop stops capture. Idempotent.
func (c *CaptureDevice) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
		c.stream = nil
	}
	return nil
}
