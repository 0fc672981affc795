package audio

import (
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	initOnce sync.Once
	initDone = make(chan struct{})
)

// InitBackground starts PortAudio initialization without blocking. Call
// early in main(); device constructors wait for it to finish.
func InitBackground() {
	initOnce.Do(func() {
		go func() {
			if err := portaudio.Initialize(); err != nil {
				slog.Error("portaudio init failed", "err", err)
			}
			close(initDone)
		}()
	})
}

// WaitInit blocks until InitBackground completes, triggering it if needed.
func WaitInit() {
	InitBackground()
	<-initDone
}

// Terminate releases the PortAudio backend. Call once at shutdown, after
// all devices are stopped.
func Terminate() error {
	return portaudio.Terminate()
}

// FindDevice returns the device matching name, or nil.
func FindDevice(name string) *portaudio.DeviceInfo {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil
	}
	for _, d := range devices {
		if d.Name == name {
			return d
		}
	}
	return nil
}
