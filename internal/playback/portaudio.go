package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/manasdhir/voicelink/internal/audio"
)

const renderChunk = 1024

// PortAudioRenderer plays WAV payloads through the default output device.
type PortAudioRenderer struct{}

func NewPortAudioRenderer() *PortAudioRenderer { return &PortAudioRenderer{} }

func (r *PortAudioRenderer) Play(data []byte, cb Callbacks) (Handle, error) {
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	samples := audio.SamplesLE(pcm)

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	out := make([]int16, renderChunk)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(out), &out)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open output stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &paHandle{
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		if err := stream.Start(); err != nil {
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("start output stream: %w", err))
			}
			return
		}
		if cb.OnStart != nil {
			cb.OnStart()
		}
		for off := 0; off < len(samples); off += len(out) {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n := copy(out, samples[off:])
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
			if err := stream.Write(); err != nil {
				if cb.OnError != nil {
					cb.OnError(fmt.Errorf("write output stream: %w", err))
				}
				return
			}
		}
		if cb.OnDone != nil {
			cb.OnDone()
		}
	}()

	return h, nil
}

type paHandle struct {
	stream      *portaudio.Stream
	cancel      context.CancelFunc
	done        chan struct{}
	releaseOnce sync.Once
}

func (h *paHandle) Stop() { h.cancel() }

func (h *paHandle) Release() {
	h.releaseOnce.Do(func() {
		h.cancel()
		_ = h.stream.Abort()
		<-h.done
		_ = h.stream.Close()
		_ = portaudio.Terminate()
	})
}
