package capture

import (
	"errors"
	"time"
)

// ErrDeviceUnavailable reports that no input device exists or permission
// to use it was denied. It is fatal to the microphone toggle only; the
// network session stays up.
var ErrDeviceUnavailable = errors.New("audio device unavailable")

// Frame is one fixed-size block of mono PCM16 samples from the device.
type Frame struct {
	Samples []int16
	At      time.Time
}

// Device abstracts the microphone. Exactly one component owns an open
// device at a time; Close releases the hardware and ends the frame stream.
type Device interface {
	// Frames delivers capture frames in arrival order. The channel is
	// closed after Close or on an unrecoverable device error.
	Frames() <-chan Frame
	Close() error
}

// Opener creates a device. The portaudio implementation is the production
// opener; tests substitute scripted devices.
type Opener func(cfg DeviceConfig) (Device, error)

// DeviceConfig describes the capture format.
type DeviceConfig struct {
	SampleRate    int
	FrameDuration time.Duration
}

// FrameSize returns samples per frame for the configured format.
func (c DeviceConfig) FrameSize() int {
	if c.SampleRate <= 0 || c.FrameDuration <= 0 {
		return 0
	}
	return int(float64(c.SampleRate) * c.FrameDuration.Seconds())
}
