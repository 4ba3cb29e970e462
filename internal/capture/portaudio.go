package capture

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// portAudioDevice wraps a portaudio input stream as a Device.
type portAudioDevice struct {
	stream   *portaudio.Stream
	frames   chan Frame
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

// OpenPortAudio opens the default input device. Failure to initialize or
// open the stream is mapped to ErrDeviceUnavailable so callers can surface
// a mic problem without killing the session.
func OpenPortAudio(cfg DeviceConfig) (Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	frameSize := cfg.FrameSize()
	if frameSize <= 0 {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("invalid capture format: rate=%d frame=%s", cfg.SampleRate, cfg.FrameDuration)
	}

	buf := make([]int16, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), frameSize, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &portAudioDevice{
		stream: stream,
		frames: make(chan Frame, 32),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(d.done)
		defer close(d.frames)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if err := stream.Read(); err != nil {
				log.Printf("capture: read error: %v", err)
				return
			}
			frame := Frame{
				Samples: append([]int16(nil), buf...),
				At:      time.Now(),
			}
			select {
			case d.frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return d, nil
}

func (d *portAudioDevice) Frames() <-chan Frame { return d.frames }

func (d *portAudioDevice) Close() error {
	d.stopOnce.Do(func() {
		d.cancel()
		_ = d.stream.Abort()
		<-d.done
		_ = d.stream.Close()
		_ = portaudio.Terminate()
	})
	return nil
}
