package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/manasdhir/voicelink/internal/audio"
	"github.com/manasdhir/voicelink/internal/capture"
	"github.com/manasdhir/voicelink/internal/config"
	"github.com/manasdhir/voicelink/internal/observability"
	"github.com/manasdhir/voicelink/internal/playback"
	"github.com/manasdhir/voicelink/internal/transcript"
	"github.com/manasdhir/voicelink/internal/transport"
)

// Prometheus instruments register globally, so all tests share one set.
var testMetrics = observability.NewMetrics("voicelink_controller_test")

type fakeConn struct {
	mu     sync.Mutex
	state  transport.State
	events chan transport.Event
	sent   [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		state:  transport.StateAwaitingConfirmation,
		events: make(chan transport.Event, 32),
	}
}

func (f *fakeConn) Events() <-chan transport.Event { return f.events }

func (f *fakeConn) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) setState(st transport.State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

func (f *fakeConn) SendUtterance(blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != transport.StateActive {
		return transport.ErrNotActive
	}
	f.sent = append(f.sent, blob)
	return nil
}

func (f *fakeConn) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.state = transport.StateClosed
		close(f.events)
	}
	return nil
}

// confirm drives the fake server side of session startup: handshake
// confirmation followed by the spoken greeting.
func (f *fakeConn) confirm() {
	f.setState(transport.StateActive)
	f.events <- transport.Event{Kind: transport.EventConfirmed}
	f.events <- transport.Event{Kind: transport.EventLLMResponse, Text: "hello, how can I help"}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	langs []string
	err   error
}

func (d *fakeDialer) dial(_ context.Context, _, langCode, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.langs = append(d.langs, langCode)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type rig struct {
	c        *Controller
	dialer   *fakeDialer
	renderer *playback.ScriptRenderer
	devices  []*capture.ScriptDevice
	mu       sync.Mutex
}

func testConfig() config.Config {
	return config.Config{
		ServerURL:            "ws://test/ws",
		Language:             "english",
		UserID:               "27",
		SpeechStartThreshold: 0.5,
		SpeechEndThreshold:   0.2,
		NoiseWindow:          0,
		Debounce:             80 * time.Millisecond,
		InterruptedWindow:    60 * time.Millisecond,
		RestartDelay:         10 * time.Millisecond,
		SampleRate:           16000,
		FrameDuration:        20 * time.Millisecond,
		LevelInterval:        time.Millisecond,
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		dialer:   &fakeDialer{},
		renderer: playback.NewScriptRenderer(),
	}
	r.c = New(Deps{
		Cfg:      testConfig(),
		Dial:     r.dialer.dial,
		Open:     r.openDevice,
		Renderer: r.renderer,
		Store:    transcript.NewInMemoryStore(),
		Metrics:  testMetrics,
		Stages:   observability.NewStageWindow(32),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.c.Shutdown(ctx)
	})
	return r
}

func (r *rig) openDevice(cfg capture.DeviceConfig) (capture.Device, error) {
	dev := capture.NewScriptDevice(128)
	r.mu.Lock()
	r.devices = append(r.devices, dev)
	r.mu.Unlock()
	return dev, nil
}

func (r *rig) device(i int) *capture.ScriptDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[i]
}

// startActive brings the controller to a confirmed, greeted session.
func (r *rig) startActive(t *testing.T) *fakeConn {
	t.Helper()
	if err := r.c.ToggleSession(context.Background()); err != nil {
		t.Fatalf("ToggleSession: %v", err)
	}
	conn := r.dialer.conn(0)
	conn.confirm()
	waitFor(t, "greeting received", func() bool {
		st := r.c.Status(context.Background())
		return st.GreetingReceived && st.ConnectionState == transport.StateActive
	})
	return conn
}

func (r *rig) enableMic(t *testing.T) *capture.ScriptDevice {
	t.Helper()
	if err := r.c.ToggleMicrophone(context.Background()); err != nil {
		t.Fatalf("ToggleMicrophone: %v", err)
	}
	r.mu.Lock()
	dev := r.devices[len(r.devices)-1]
	r.mu.Unlock()
	return dev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// frameAt builds one capture frame of constant amplitude, where level is
// a fraction of full scale (and so roughly the resulting RMS).
func frameAt(level float64, at time.Time) capture.Frame {
	samples := make([]int16, 320)
	v := int16(level * 32767)
	for i := range samples {
		samples[i] = v
	}
	return capture.Frame{Samples: samples, At: at}
}

func pushFrames(dev *capture.ScriptDevice, level float64, n int) {
	at := time.Now()
	for i := 0; i < n; i++ {
		dev.Push(frameAt(level, at))
		at = at.Add(20 * time.Millisecond)
	}
}

func TestToggleSessionLifecycle(t *testing.T) {
	r := newRig(t)

	st := r.c.Status(context.Background())
	if st.ConnectionState != transport.StateIdle {
		t.Fatalf("ConnectionState = %v, want %v", st.ConnectionState, transport.StateIdle)
	}

	conn := r.startActive(t)

	st = r.c.Status(context.Background())
	if st.SessionID == "" {
		t.Errorf("SessionID empty for active session")
	}
	if st.MicrophoneEnabled {
		t.Errorf("MicrophoneEnabled = true before mic toggle")
	}

	// Second toggle tears everything down.
	if err := r.c.ToggleSession(context.Background()); err != nil {
		t.Fatalf("ToggleSession (stop): %v", err)
	}
	if conn.State() != transport.StateClosed {
		t.Errorf("conn state = %v, want closed after stop", conn.State())
	}
	st = r.c.Status(context.Background())
	if st.ConnectionState != transport.StateIdle || st.GreetingReceived || st.SessionID != "" {
		t.Errorf("status after stop = %+v, want idle blank", st)
	}
}

func TestDialFailureSurfaces(t *testing.T) {
	r := newRig(t)
	r.dialer.err = errors.New("connection refused")

	if err := r.c.ToggleSession(context.Background()); err == nil {
		t.Fatalf("ToggleSession succeeded, want dial error")
	}
	st := r.c.Status(context.Background())
	if st.ConnectionState != transport.StateIdle {
		t.Errorf("ConnectionState = %v, want %v", st.ConnectionState, transport.StateIdle)
	}
}

func TestMicrophoneGatedOnGreeting(t *testing.T) {
	r := newRig(t)

	if err := r.c.ToggleMicrophone(context.Background()); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("ToggleMicrophone with no session = %v, want ErrSessionNotReady", err)
	}

	if err := r.c.ToggleSession(context.Background()); err != nil {
		t.Fatalf("ToggleSession: %v", err)
	}
	if err := r.c.ToggleMicrophone(context.Background()); !errors.Is(err, ErrSessionNotReady) {
		t.Fatalf("ToggleMicrophone before greeting = %v, want ErrSessionNotReady", err)
	}

	r.dialer.conn(0).confirm()
	waitFor(t, "greeting", func() bool { return r.c.Status(context.Background()).GreetingReceived })

	if err := r.c.ToggleMicrophone(context.Background()); err != nil {
		t.Fatalf("ToggleMicrophone after greeting: %v", err)
	}
	if !r.c.Status(context.Background()).MicrophoneEnabled {
		t.Errorf("MicrophoneEnabled = false after enable")
	}
}

func TestDeviceFailureKeepsSessionUp(t *testing.T) {
	r := newRig(t)
	r.startActive(t)

	// Swap the opener result by using a rig whose next open fails.
	r.c.deps.Open = func(capture.DeviceConfig) (capture.Device, error) {
		return nil, capture.ErrDeviceUnavailable
	}

	err := r.c.ToggleMicrophone(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("ToggleMicrophone = %v, want ErrDeviceUnavailable", err)
	}
	st := r.c.Status(context.Background())
	if st.ConnectionState != transport.StateActive {
		t.Errorf("ConnectionState = %v, session must survive mic failure", st.ConnectionState)
	}
	if st.MicrophoneEnabled {
		t.Errorf("MicrophoneEnabled = true after failed open")
	}
}

func TestUtteranceCapturedAndSent(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)
	dev := r.enableMic(t)

	pushFrames(dev, 0.8, 5)
	waitFor(t, "user speaking", func() bool {
		return r.c.Status(context.Background()).TurnState == TurnUserSpeaking
	})

	pushFrames(dev, 0.01, 2)
	waitFor(t, "end pending", func() bool {
		return r.c.Status(context.Background()).TurnState == TurnEndPending
	})

	waitFor(t, "utterance sent", func() bool { return len(conn.Sent()) == 1 })
	if st := r.c.Status(context.Background()); st.TurnState != TurnIdle {
		t.Errorf("TurnState = %v after send, want idle", st.TurnState)
	}

	pcm, rate, err := audio.DecodeWAVPCM16(conn.Sent()[0])
	if err != nil {
		t.Fatalf("sent blob is not WAV: %v", err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d, want 16000", rate)
	}
	// 7 frames of 320 samples, each sample 2 bytes.
	if want := 7 * 320 * 2; len(pcm) != want {
		t.Errorf("pcm bytes = %d, want %d", len(pcm), want)
	}
}

func TestSpeechResumeCancelsPendingSend(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)
	dev := r.enableMic(t)

	pushFrames(dev, 0.8, 3)
	pushFrames(dev, 0.01, 1)
	waitFor(t, "end pending", func() bool {
		return r.c.Status(context.Background()).TurnState == TurnEndPending
	})

	// Resume before the debounce fires: same utterance continues.
	pushFrames(dev, 0.8, 2)
	waitFor(t, "speaking again", func() bool {
		return r.c.Status(context.Background()).TurnState == TurnUserSpeaking
	})

	time.Sleep(150 * time.Millisecond)
	if got := len(conn.Sent()); got != 0 {
		t.Fatalf("sent %d utterances during resumed speech, want 0", got)
	}

	pushFrames(dev, 0.01, 1)
	waitFor(t, "single merged utterance", func() bool { return len(conn.Sent()) == 1 })

	pcm, _, err := audio.DecodeWAVPCM16(conn.Sent()[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := 7 * 320 * 2; len(pcm) != want {
		t.Errorf("pcm bytes = %d, want %d (one continuous utterance)", len(pcm), want)
	}
}

func TestBotAudioPlaysWhenUserSilent(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)

	conn.events <- transport.Event{Kind: transport.EventBotAudio, Audio: []byte{1, 2}}
	waitFor(t, "renderer handle", func() bool { return len(r.renderer.Handles()) == 1 })

	h := r.renderer.Handles()[0]
	h.FireStart()
	waitFor(t, "playing", func() bool {
		return r.c.Status(context.Background()).PlaybackState == playback.StatePlaying
	})

	h.FireDone()
	waitFor(t, "playback idle", func() bool {
		return r.c.Status(context.Background()).PlaybackState == playback.StateIdle
	})
	if h.Releases() != 1 {
		t.Errorf("releases = %d, want 1", h.Releases())
	}
}

func TestBotAudioDiscardedWhileUserSpeaking(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)
	dev := r.enableMic(t)

	pushFrames(dev, 0.8, 3)
	waitFor(t, "user speaking", func() bool {
		return r.c.Status(context.Background()).TurnState == TurnUserSpeaking
	})

	conn.events <- transport.Event{Kind: transport.EventBotAudio, Audio: []byte{1}}
	waitFor(t, "playback stays idle", func() bool {
		return r.c.Status(context.Background()).PlaybackState == playback.StateIdle
	})
	if got := len(r.renderer.Handles()); got != 0 {
		t.Errorf("renderer handles = %d, want 0 for discarded payload", got)
	}
}

func TestSpeechStartInterruptsBotAudio(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)
	dev := r.enableMic(t)

	conn.events <- transport.Event{Kind: transport.EventBotAudio, Audio: []byte{1}}
	waitFor(t, "renderer handle", func() bool { return len(r.renderer.Handles()) == 1 })
	h := r.renderer.Handles()[0]
	h.FireStart()
	waitFor(t, "playing", func() bool {
		return r.c.Status(context.Background()).PlaybackState == playback.StatePlaying
	})

	pushFrames(dev, 0.8, 2)
	waitFor(t, "interrupted flag", func() bool {
		st := r.c.Status(context.Background())
		return st.Interrupted && st.PlaybackState == playback.StateIdle
	})
	if h.Stops() == 0 || h.Releases() != 1 {
		t.Errorf("stops = %d, releases = %d, want stopped and released once", h.Stops(), h.Releases())
	}

	// The indicator clears on its own after the display window.
	waitFor(t, "interrupted flag cleared", func() bool {
		return !r.c.Status(context.Background()).Interrupted
	})
}

func TestTTSEndClearsPendingItem(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)

	conn.events <- transport.Event{Kind: transport.EventBotAudio, Audio: []byte{1}}
	waitFor(t, "pending item", func() bool {
		return r.c.Status(context.Background()).PlaybackState == playback.StatePending
	})

	conn.events <- transport.Event{Kind: transport.EventTTSEnd}
	waitFor(t, "cleared", func() bool {
		return r.c.Status(context.Background()).PlaybackState == playback.StateIdle
	})
	if h := r.renderer.Handles()[0]; h.Releases() != 1 {
		t.Errorf("releases = %d, want 1", h.Releases())
	}
}

func TestTransportFailureTearsDown(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)
	r.enableMic(t)

	conn.events <- transport.Event{Kind: transport.EventClosed, Err: errors.New("connection reset")}
	waitFor(t, "teardown", func() bool {
		st := r.c.Status(context.Background())
		return st.ConnectionState == transport.StateIdle && !st.MicrophoneEnabled
	})

	// No automatic retry.
	time.Sleep(50 * time.Millisecond)
	if r.dialer.count() != 1 {
		t.Errorf("dial count = %d, want 1 (no auto reconnect)", r.dialer.count())
	}
}

func TestLanguageChangeForcesReconnect(t *testing.T) {
	r := newRig(t)
	conn := r.startActive(t)

	if err := r.c.SetLanguage(context.Background(), "punjabi"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if conn.State() != transport.StateClosed {
		t.Errorf("old conn state = %v, want closed", conn.State())
	}

	waitFor(t, "redial", func() bool { return r.dialer.count() == 2 })
	r.dialer.mu.Lock()
	lang := r.dialer.langs[1]
	r.dialer.mu.Unlock()
	if lang != "punjabi" {
		t.Errorf("redial language = %q, want %q", lang, "punjabi")
	}
}

func TestSetLanguageValidation(t *testing.T) {
	r := newRig(t)

	if err := r.c.SetLanguage(context.Background(), "klingon"); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("SetLanguage = %v, want ErrUnsupportedLanguage", err)
	}
	// Changing language while idle just records the tag.
	if err := r.c.SetLanguage(context.Background(), "hindi"); err != nil {
		t.Fatalf("SetLanguage while idle: %v", err)
	}
	if got := r.c.Status(context.Background()).Language; got != "hindi" {
		t.Errorf("Language = %q, want %q", got, "hindi")
	}
	if r.dialer.count() != 0 {
		t.Errorf("dial count = %d, want 0 while idle", r.dialer.count())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	r := newRig(t)
	r.startActive(t)
	r.enableMic(t)

	ctx := context.Background()
	if err := r.c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := r.c.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
