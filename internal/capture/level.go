package capture

import (
	"sync"
	"time"

	"github.com/manasdhir/voicelink/internal/audio"
)

// LevelTap computes a display-only signal level from the frame stream.
// It samples at a fixed minimum interval and never feeds back into gate
// decisions or capture pacing.
type LevelTap struct {
	interval time.Duration

	mu     sync.RWMutex
	level  float64
	lastAt time.Time
}

// NewLevelTap creates a tap sampling at most once per interval
// (~60 Hz by default).
func NewLevelTap(interval time.Duration) *LevelTap {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	return &LevelTap{interval: interval}
}

// Observe updates the level from one frame, rate-limited to the tap
// cadence. Frames arriving faster are ignored.
func (t *LevelTap) Observe(f Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastAt.IsZero() && f.At.Sub(t.lastAt) < t.interval {
		return
	}
	t.lastAt = f.At
	t.level = audio.RMS(f.Samples)
}

// Level returns the most recent sampled level in [0, 1].
func (t *LevelTap) Level() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.level
}

// Reset clears the level, e.g. when the microphone stops.
func (t *LevelTap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = 0
	t.lastAt = time.Time{}
}
