package capture

import (
	"errors"
	"time"

	"github.com/manasdhir/voicelink/internal/audio"
)

var ErrNoOpenSegment = errors.New("no open recording segment")

// Recorder accumulates raw frames for the utterance currently being
// spoken. At most one segment is open at a time; frames buffer in memory
// only and are released when the segment is sealed or retracted.
type Recorder struct {
	sampleRate int

	open      bool
	startedAt time.Time
	samples   []int16
}

func NewRecorder(sampleRate int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recorder{sampleRate: sampleRate}
}

// Begin opens a new segment, discarding any previous partial buffer.
func (r *Recorder) Begin(now time.Time) {
	r.open = true
	r.startedAt = now
	r.samples = r.samples[:0]
}

// Append buffers one frame into the open segment. Frames arriving while
// no segment is open are dropped.
func (r *Recorder) Append(f Frame) {
	if !r.open {
		return
	}
	r.samples = append(r.samples, f.Samples...)
}

// Seal closes the segment and returns it as an encoded WAV blob plus the
// buffered audio duration. The internal buffer is released.
func (r *Recorder) Seal() ([]byte, time.Duration, error) {
	if !r.open {
		return nil, 0, ErrNoOpenSegment
	}
	r.open = false

	pcm := audio.BytesLE(r.samples)
	dur := time.Duration(len(r.samples)) * time.Second / time.Duration(r.sampleRate)
	r.samples = nil

	blob, err := audio.EncodeWAVPCM16LE(pcm, r.sampleRate)
	if err != nil {
		return nil, 0, err
	}
	return blob, dur, nil
}

// Retract drops the open segment without transmitting anything. Used for
// spurious speech-start triggers and teardown.
func (r *Recorder) Retract() {
	r.open = false
	r.samples = nil
}

// Open reports whether a segment is currently buffering.
func (r *Recorder) Open() bool { return r.open }

// StartedAt returns when the open segment began.
func (r *Recorder) StartedAt() time.Time { return r.startedAt }
