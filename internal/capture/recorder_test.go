package capture

import (
	"testing"
	"time"

	"github.com/manasdhir/voicelink/internal/audio"
)

func frameOf(samples []int16, at time.Time) Frame {
	return Frame{Samples: samples, At: at}
}

func TestRecorderSealProducesWAV(t *testing.T) {
	r := NewRecorder(16000)
	now := time.Now()

	r.Begin(now)
	if !r.Open() {
		t.Fatalf("recorder not open after Begin")
	}

	samples := audio.SineTone(440, 0.02, 16000, 0.5)
	r.Append(frameOf(samples, now))
	r.Append(frameOf(samples, now))

	blob, dur, err := r.Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if r.Open() {
		t.Fatalf("recorder still open after Seal")
	}

	pcm, rate, err := audio.DecodeWAVPCM16(blob)
	if err != nil {
		t.Fatalf("sealed blob is not WAV: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("rate = %d, want 16000", rate)
	}
	if want := len(samples) * 2 * 2; len(pcm) != want {
		t.Fatalf("pcm bytes = %d, want %d", len(pcm), want)
	}
	if want := 40 * time.Millisecond; dur != want {
		t.Fatalf("duration = %v, want %v", dur, want)
	}
}

func TestRecorderSealWithoutBegin(t *testing.T) {
	r := NewRecorder(16000)
	if _, _, err := r.Seal(); err != ErrNoOpenSegment {
		t.Fatalf("error = %v, want ErrNoOpenSegment", err)
	}
}

func TestRecorderRetractDropsBuffer(t *testing.T) {
	r := NewRecorder(16000)
	r.Begin(time.Now())
	r.Append(frameOf(make([]int16, 320), time.Now()))
	r.Retract()

	if r.Open() {
		t.Fatalf("recorder open after Retract")
	}
	if _, _, err := r.Seal(); err != ErrNoOpenSegment {
		t.Fatalf("Seal after Retract error = %v, want ErrNoOpenSegment", err)
	}
}

func TestRecorderBeginResetsPriorPartial(t *testing.T) {
	r := NewRecorder(16000)
	r.Begin(time.Now())
	r.Append(frameOf(make([]int16, 320), time.Now()))

	r.Begin(time.Now())
	blob, dur, err := r.Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if dur != 0 {
		t.Fatalf("duration = %v, want 0 after re-Begin", dur)
	}
	pcm, _, err := audio.DecodeWAVPCM16(blob)
	if err == nil && len(pcm) != 0 {
		t.Fatalf("expected empty segment, got %d pcm bytes", len(pcm))
	}
}

func TestRecorderDropsFramesWhileClosed(t *testing.T) {
	r := NewRecorder(16000)
	r.Append(frameOf(make([]int16, 320), time.Now()))
	r.Begin(time.Now())
	blob, _, err := r.Seal()
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if pcm, _, err := audio.DecodeWAVPCM16(blob); err == nil && len(pcm) != 0 {
		t.Fatalf("frames appended while closed leaked into segment")
	}
}

func TestLevelTapCadence(t *testing.T) {
	tap := NewLevelTap(10 * time.Millisecond)
	loud := audio.SineTone(440, 0.02, 16000, 0.5)
	base := time.Now()

	tap.Observe(frameOf(loud, base))
	first := tap.Level()
	if first <= 0 {
		t.Fatalf("level = %v, want > 0", first)
	}

	// A quieter frame inside the sampling interval must be ignored.
	tap.Observe(frameOf(make([]int16, 320), base.Add(2*time.Millisecond)))
	if got := tap.Level(); got != first {
		t.Fatalf("level changed within cadence window: %v -> %v", first, got)
	}

	// After the interval it is picked up.
	tap.Observe(frameOf(make([]int16, 320), base.Add(20*time.Millisecond)))
	if got := tap.Level(); got != 0 {
		t.Fatalf("level = %v, want 0", got)
	}

	tap.Reset()
	if got := tap.Level(); got != 0 {
		t.Fatalf("level after reset = %v, want 0", got)
	}
}

func TestScriptDeviceCloseIsIdempotent(t *testing.T) {
	d := NewScriptDevice(4)
	d.Push(frameOf(make([]int16, 4), time.Now()))
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	// Pushes after close must not panic.
	d.Push(frameOf(make([]int16, 4), time.Now()))

	n := 0
	for range d.Frames() {
		n++
	}
	if n != 1 {
		t.Fatalf("frames delivered = %d, want 1", n)
	}
}
