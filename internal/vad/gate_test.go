package vad

import (
	"testing"
	"time"

	"github.com/manasdhir/voicelink/internal/audio"
	"github.com/manasdhir/voicelink/internal/config"
)

func testConfig() Config {
	return Config{
		SpeechStartThreshold: 0.05,
		SpeechEndThreshold:   0.02,
		FrameDuration:        20 * time.Millisecond,
		Debounce:             800 * time.Millisecond,
	}
}

func loudFrame() []int16 {
	return audio.SineTone(440, 0.02, 16000, 0.5)
}

func quietFrame() []int16 {
	return make([]int16, 320)
}

func TestGateSpeechStartEndCycle(t *testing.T) {
	g := New(testConfig())

	d := g.ProcessFrame(loudFrame())
	if d.Transition != TransitionSpeechStart {
		t.Fatalf("transition = %v, want SpeechStart", d.Transition)
	}
	if g.State() != StateUserSpeaking {
		t.Fatalf("state = %v, want UserSpeaking", g.State())
	}

	d = g.ProcessFrame(quietFrame())
	if d.Transition != TransitionEndPending {
		t.Fatalf("transition = %v, want EndPending", d.Transition)
	}
	if !d.ArmDebounce || d.Debounce != 800*time.Millisecond {
		t.Fatalf("debounce arming = %+v, want 800ms armed", d)
	}

	d = g.DebounceElapsed(d.DebounceGen)
	if d.Transition != TransitionSpeechEnd {
		t.Fatalf("transition = %v, want SpeechEnd", d.Transition)
	}
	if g.State() != StateSilence {
		t.Fatalf("state = %v, want Silence", g.State())
	}
}

func TestGateResumeCancelsDebounce(t *testing.T) {
	g := New(testConfig())

	g.ProcessFrame(loudFrame())
	d := g.ProcessFrame(quietFrame())
	gen := d.DebounceGen

	d = g.ProcessFrame(loudFrame())
	if d.Transition != TransitionSpeechResumed {
		t.Fatalf("transition = %v, want SpeechResumed", d.Transition)
	}

	// The superseded timer must be a no-op when it eventually fires.
	d = g.DebounceElapsed(gen)
	if d.Transition != TransitionNone {
		t.Fatalf("stale debounce transition = %v, want None", d.Transition)
	}
	if g.State() != StateUserSpeaking {
		t.Fatalf("state = %v, want UserSpeaking", g.State())
	}
}

func TestGateStaleDebounceAfterReset(t *testing.T) {
	g := New(testConfig())

	g.ProcessFrame(loudFrame())
	d := g.ProcessFrame(quietFrame())
	g.Reset()

	if got := g.DebounceElapsed(d.DebounceGen); got.Transition != TransitionNone {
		t.Fatalf("transition after reset = %v, want None", got.Transition)
	}
	if g.State() != StateSilence {
		t.Fatalf("state = %v, want Silence", g.State())
	}
}

func TestGateAtMostOneOpenUtterance(t *testing.T) {
	g := New(testConfig())

	starts := 0
	ends := 0
	feed := func(frames int, loud bool) {
		for i := 0; i < frames; i++ {
			var d Decision
			if loud {
				d = g.ProcessFrame(loudFrame())
			} else {
				d = g.ProcessFrame(quietFrame())
			}
			switch d.Transition {
			case TransitionSpeechStart:
				starts++
			case TransitionEndPending:
				if e := g.DebounceElapsed(d.DebounceGen); e.Transition == TransitionSpeechEnd {
					ends++
				}
			}
		}
	}

	feed(5, true)
	feed(2, false)
	feed(5, true)
	feed(2, false)

	if starts != 2 || ends != 2 {
		t.Fatalf("starts=%d ends=%d, want 2/2", starts, ends)
	}
}

// The shipped defaults must land in the RMS domain the gate compares
// against, where a full-scale sine only reaches ~0.707 and conversational
// speech peaks below 0.1. A gate built from config.Load() output exactly
// as the controller builds it has to detect speech.
func TestGateDetectsSpeechWithLoadedDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	g := New(Config{
		SpeechStartThreshold: cfg.SpeechStartThreshold,
		SpeechEndThreshold:   cfg.SpeechEndThreshold,
		NoiseWindow:          cfg.NoiseWindow,
		FrameDuration:        cfg.FrameDuration,
		Debounce:             cfg.Debounce,
	})

	// Quiet room during the calibration window.
	calibFrames := int(cfg.NoiseWindow / cfg.FrameDuration)
	for i := 0; i < calibFrames; i++ {
		if d := g.ProcessFrame(quietFrame()); d.Transition != TransitionNone {
			t.Fatalf("transition during calibration = %v, want None", d.Transition)
		}
	}

	// Speech-level audio (RMS ~0.07) must open a turn.
	speech := audio.SineTone(200, 0.02, 16000, 0.1)
	d := g.ProcessFrame(speech)
	if d.Transition != TransitionSpeechStart {
		t.Fatalf("speech frame transition = %v (level %.3f, threshold %.3f), want SpeechStart",
			d.Transition, d.Level, cfg.SpeechStartThreshold)
	}

	d = g.ProcessFrame(quietFrame())
	if d.Transition != TransitionEndPending {
		t.Fatalf("quiet frame transition = %v, want EndPending", d.Transition)
	}
	if d := g.DebounceElapsed(d.DebounceGen); d.Transition != TransitionSpeechEnd {
		t.Fatalf("debounce transition = %v, want SpeechEnd", d.Transition)
	}
}

func TestGateNoiseCalibrationRaisesThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.NoiseWindow = 100 * time.Millisecond
	g := New(cfg)

	// Noisy room during calibration: steady tone well above the
	// configured start threshold.
	noise := audio.SineTone(100, 0.02, 16000, 0.2)
	calibFrames := int(cfg.NoiseWindow / cfg.FrameDuration)
	for i := 0; i < calibFrames; i++ {
		if d := g.ProcessFrame(noise); d.Transition != TransitionNone {
			t.Fatalf("transition during calibration = %v, want None", d.Transition)
		}
	}

	// The same level after calibration must not count as speech.
	if d := g.ProcessFrame(noise); d.Transition != TransitionNone {
		t.Fatalf("noise-level frame started speech after calibration")
	}

	// A much louder frame still does.
	if d := g.ProcessFrame(audio.SineTone(440, 0.02, 16000, 0.9)); d.Transition != TransitionSpeechStart {
		t.Fatalf("loud frame transition = %v, want SpeechStart", d.Transition)
	}
}
