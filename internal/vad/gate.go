package vad

import (
	"time"

	"github.com/manasdhir/voicelink/internal/audio"
)

// State is the turn-taking state of the user's side of the conversation.
type State string

const (
	StateSilence      State = "silence"
	StateUserSpeaking State = "user_speaking"
	StateEndPending   State = "end_pending"
)

// Transition is the outcome of feeding one input into the gate.
type Transition int

const (
	// TransitionNone means the frame changed nothing.
	TransitionNone Transition = iota
	// TransitionSpeechStart fires on Silence -> UserSpeaking. The caller
	// must interrupt bot playback and open a new utterance buffer.
	TransitionSpeechStart
	// TransitionSpeechResumed fires on EndPending -> UserSpeaking. The
	// pending end debounce is invalidated and the open utterance
	// continues buffering.
	TransitionSpeechResumed
	// TransitionEndPending fires on UserSpeaking -> EndPending. The
	// caller must arm the returned debounce before the end commits.
	TransitionEndPending
	// TransitionSpeechEnd fires on EndPending -> Silence once the
	// debounce elapses uncancelled. The caller seals the utterance.
	TransitionSpeechEnd
)

// Decision tells the caller what the gate decided for one input.
type Decision struct {
	Transition  Transition
	Level       float64
	ArmDebounce bool
	Debounce    time.Duration
	DebounceGen uint64
}

// Config holds gate tunables. Thresholds are normalized RMS in [0, 1];
// the noise window calibrates them upward in noisy rooms.
type Config struct {
	SpeechStartThreshold float64
	SpeechEndThreshold   float64
	NoiseWindow          time.Duration
	FrameDuration        time.Duration
	Debounce             time.Duration
}

// Calibration margins applied on top of the learned noise floor.
const (
	noiseStartMargin = 3.0
	noiseEndMargin   = 1.5
)

// Gate segments a live frame stream into turns. It is a pure state
// machine: all inputs arrive through ProcessFrame and DebounceElapsed,
// both of which must be called from a single goroutine.
type Gate struct {
	cfg Config

	state State
	gen   uint64

	calibRemaining int
	noiseSum       float64
	noiseFrames    int
	startThreshold float64
	endThreshold   float64
}

func New(cfg Config) *Gate {
	if cfg.SpeechStartThreshold <= 0 {
		cfg.SpeechStartThreshold = 0.8 * defaultFullScale
	}
	if cfg.SpeechEndThreshold <= 0 {
		cfg.SpeechEndThreshold = 0.35 * defaultFullScale
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 800 * time.Millisecond
	}

	g := &Gate{cfg: cfg, state: StateSilence}
	g.startThreshold = cfg.SpeechStartThreshold
	g.endThreshold = cfg.SpeechEndThreshold
	if cfg.NoiseWindow > 0 {
		g.calibRemaining = int(cfg.NoiseWindow / cfg.FrameDuration)
	}
	return g
}

// defaultFullScale rescales the classifier-style thresholds (0.8 / 0.35)
// into the RMS domain, where conversational speech sits well below 0.1.
const defaultFullScale = 0.04

func (g *Gate) State() State { return g.state }

// ProcessFrame feeds one capture frame and returns the resulting decision.
func (g *Gate) ProcessFrame(samples []int16) Decision {
	level := audio.RMS(samples)

	if g.calibRemaining > 0 {
		g.noiseSum += level
		g.noiseFrames++
		g.calibRemaining--
		if g.calibRemaining == 0 {
			g.finishCalibration()
		}
		return Decision{Level: level}
	}

	switch g.state {
	case StateSilence:
		if level >= g.startThreshold {
			g.state = StateUserSpeaking
			return Decision{Transition: TransitionSpeechStart, Level: level}
		}
	case StateUserSpeaking:
		if level < g.endThreshold {
			g.state = StateEndPending
			g.gen++
			return Decision{
				Transition:  TransitionEndPending,
				Level:       level,
				ArmDebounce: true,
				Debounce:    g.cfg.Debounce,
				DebounceGen: g.gen,
			}
		}
	case StateEndPending:
		if level >= g.startThreshold {
			g.state = StateUserSpeaking
			g.gen++
			return Decision{Transition: TransitionSpeechResumed, Level: level}
		}
	}
	return Decision{Level: level}
}

// DebounceElapsed commits the end of turn if the given debounce is still
// current. Stale timers (superseded by a resume or a reset) are no-ops.
func (g *Gate) DebounceElapsed(gen uint64) Decision {
	if g.state != StateEndPending || gen != g.gen {
		return Decision{}
	}
	g.state = StateSilence
	return Decision{Transition: TransitionSpeechEnd}
}

// Reset returns the gate to silence and schedules a fresh noise
// calibration, invalidating any armed debounce.
func (g *Gate) Reset() {
	g.state = StateSilence
	g.gen++
	g.noiseSum = 0
	g.noiseFrames = 0
	g.startThreshold = g.cfg.SpeechStartThreshold
	g.endThreshold = g.cfg.SpeechEndThreshold
	if g.cfg.NoiseWindow > 0 {
		g.calibRemaining = int(g.cfg.NoiseWindow / g.cfg.FrameDuration)
	}
}

func (g *Gate) finishCalibration() {
	if g.noiseFrames == 0 {
		return
	}
	floor := g.noiseSum / float64(g.noiseFrames)
	if t := floor * noiseStartMargin; t > g.startThreshold {
		g.startThreshold = t
	}
	if t := floor * noiseEndMargin; t > g.endThreshold {
		g.endThreshold = t
	}
}
