package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/manasdhir/voicelink/internal/capture"
	"github.com/manasdhir/voicelink/internal/config"
	"github.com/manasdhir/voicelink/internal/observability"
	"github.com/manasdhir/voicelink/internal/playback"
	"github.com/manasdhir/voicelink/internal/transcript"
	"github.com/manasdhir/voicelink/internal/transport"
	"github.com/manasdhir/voicelink/internal/vad"
)

// TurnState is the user's side of the turn-taking conversation.
type TurnState string

const (
	TurnIdle         TurnState = "idle"
	TurnUserSpeaking TurnState = "user_speaking"
	TurnEndPending   TurnState = "end_pending"
)

var (
	// ErrSessionNotReady reports a microphone toggle before the server
	// confirmed the session and sent its greeting.
	ErrSessionNotReady = errors.New("session not ready for microphone")
	// ErrUnsupportedLanguage reports a language change to a tag the
	// server does not accept.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Status is the externally visible state tuple of the controller.
type Status struct {
	SessionID         string           `json:"session_id,omitempty"`
	ConnectionState   transport.State  `json:"connection_state"`
	MicrophoneEnabled bool             `json:"microphone_enabled"`
	TurnState         TurnState        `json:"turn_state"`
	PlaybackState     playback.State   `json:"playback_state"`
	GreetingReceived  bool             `json:"greeting_received"`
	Interrupted       bool             `json:"interrupted"`
	Level             float64          `json:"level"`
	Language          string           `json:"language"`
}

// Conn is the slice of the transport session the controller drives.
// *transport.Session satisfies it.
type Conn interface {
	Events() <-chan transport.Event
	State() transport.State
	SendUtterance(blob []byte) error
	Close() error
}

// Dialer opens a new duplex channel for one session attempt.
type Dialer func(ctx context.Context, endpoint, langCode, userID string) (Conn, error)

// DialTransport adapts transport.Dial to the Dialer signature.
func DialTransport(ctx context.Context, endpoint, langCode, userID string) (Conn, error) {
	return transport.Dial(ctx, endpoint, langCode, userID)
}

// Deps are the injected collaborators of a Controller.
type Deps struct {
	Cfg      config.Config
	Dial     Dialer
	Open     capture.Opener
	Renderer playback.Renderer
	Store    transcript.Store
	Metrics  *observability.Metrics
	Stages   *observability.StageWindow
}

// Controller composes transport, capture, turn-taking and playback into
// one externally visible session. All state lives in a single scheduling
// goroutine; every event is processed to completion, in arrival order,
// before the next one is handled. The exported methods are safe for
// concurrent use and only post events to that loop.
type Controller struct {
	deps   Deps
	events chan event
	done   chan struct{}

	// Everything below is owned by the loop goroutine.
	language    string
	sessionID   string
	conn        Conn
	connGen     int
	device      capture.Device
	devGen      int
	micEnabled  bool
	greeting    bool
	gate        *vad.Gate
	recorder    *capture.Recorder
	level       *capture.LevelTap
	arbiter     *playback.Arbiter
	interrupted bool
	bannerGen   int
	committedAt time.Time
	firstAudio  bool
}

type event any

type evToggleSession struct{ reply chan error }
type evToggleMic struct{ reply chan error }
type evSetLanguage struct {
	tag   string
	reply chan error
}
type evStatus struct{ reply chan Status }
type evFrame struct {
	gen   int
	frame capture.Frame
}
type evDebounce struct{ gen uint64 }
type evTransport struct {
	gen int
	ev  transport.Event
}
type evPlayback struct{ ev playback.ItemEvent }
type evBannerClear struct{ gen int }
type evRestart struct{ tag string }
type evShutdown struct{ reply chan struct{} }

// New builds a controller and starts its scheduling loop.
func New(deps Deps) *Controller {
	c := &Controller{
		deps:     deps,
		events:   make(chan event, 256),
		done:     make(chan struct{}),
		language: deps.Cfg.Language,
		gate: vad.New(vad.Config{
			SpeechStartThreshold: deps.Cfg.SpeechStartThreshold,
			SpeechEndThreshold:   deps.Cfg.SpeechEndThreshold,
			NoiseWindow:          deps.Cfg.NoiseWindow,
			FrameDuration:        deps.Cfg.FrameDuration,
			Debounce:             deps.Cfg.Debounce,
		}),
		recorder: capture.NewRecorder(deps.Cfg.SampleRate),
		level:    capture.NewLevelTap(deps.Cfg.LevelInterval),
	}
	c.arbiter = playback.New(deps.Renderer, func(ev playback.ItemEvent) {
		c.post(evPlayback{ev: ev})
	})
	go c.run()
	return c
}

// ToggleSession starts the session when idle or closed, otherwise tears
// it down completely.
func (c *Controller) ToggleSession(ctx context.Context) error {
	return c.askErr(ctx, func(reply chan error) event { return evToggleSession{reply: reply} })
}

// ToggleMicrophone enables or disables capture. Enabling requires an
// active confirmed session that has received its greeting.
func (c *Controller) ToggleMicrophone(ctx context.Context) error {
	return c.askErr(ctx, func(reply chan error) event { return evToggleMic{reply: reply} })
}

// SetLanguage switches the handshake language. While a session is
// active this forces a full reconnect with the new tag.
func (c *Controller) SetLanguage(ctx context.Context, tag string) error {
	return c.askErr(ctx, func(reply chan error) event { return evSetLanguage{tag: tag, reply: reply} })
}

// Status reports a consistent snapshot of the session state.
func (c *Controller) Status(ctx context.Context) Status {
	reply := make(chan Status, 1)
	select {
	case c.events <- evStatus{reply: reply}:
	case <-c.done:
		return Status{ConnectionState: transport.StateClosed, TurnState: TurnIdle, PlaybackState: playback.StateIdle, Language: c.language}
	case <-ctx.Done():
		return Status{}
	}
	select {
	case st := <-reply:
		return st
	case <-ctx.Done():
		return Status{}
	}
}

// Shutdown tears everything down and stops the loop. Idempotent.
func (c *Controller) Shutdown(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	select {
	case c.events <- evShutdown{reply: reply}:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) askErr(ctx context.Context, mk func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case c.events <- mk(reply):
	case <-c.done:
		return errors.New("controller stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return errors.New("controller stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) run() {
	for ev := range c.events {
		switch e := ev.(type) {
		case evToggleSession:
			e.reply <- c.handleToggleSession()
		case evToggleMic:
			e.reply <- c.handleToggleMic()
		case evSetLanguage:
			e.reply <- c.handleSetLanguage(e.tag)
		case evStatus:
			e.reply <- c.snapshot()
		case evFrame:
			c.handleFrame(e)
		case evDebounce:
			c.handleDebounce(e.gen)
		case evTransport:
			c.handleTransport(e)
		case evPlayback:
			if out := c.arbiter.Apply(e.ev); out != "" {
				c.deps.Metrics.PlaybackOutcomes.WithLabelValues(string(out)).Inc()
			}
		case evBannerClear:
			if e.gen == c.bannerGen {
				c.interrupted = false
			}
		case evRestart:
			if c.conn == nil {
				if err := c.startSession(e.tag); err != nil {
					log.Printf("session: restart after language change: %v", err)
				}
			}
		case evShutdown:
			c.teardown()
			close(c.done)
			e.reply <- struct{}{}
			return
		}
	}
}

func (c *Controller) snapshot() Status {
	connState := transport.StateIdle
	if c.conn != nil {
		connState = c.conn.State()
	}
	turn := TurnIdle
	switch c.gate.State() {
	case vad.StateUserSpeaking:
		turn = TurnUserSpeaking
	case vad.StateEndPending:
		turn = TurnEndPending
	}
	return Status{
		SessionID:         c.sessionID,
		ConnectionState:   connState,
		MicrophoneEnabled: c.micEnabled,
		TurnState:         turn,
		PlaybackState:     c.arbiter.State(),
		GreetingReceived:  c.greeting,
		Interrupted:       c.interrupted,
		Level:             c.level.Level(),
		Language:          c.language,
	}
}

func (c *Controller) handleToggleSession() error {
	if c.conn != nil {
		c.teardown()
		return nil
	}
	return c.startSession(c.language)
}

func (c *Controller) startSession(lang string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := c.deps.Dial(ctx, c.deps.Cfg.ServerURL, lang, c.deps.Cfg.UserID)
	if err != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues("dial_failed").Inc()
		return fmt.Errorf("start session: %w", err)
	}

	c.conn = conn
	c.connGen++
	c.sessionID = uuid.NewString()
	c.language = lang
	c.greeting = false
	c.interrupted = false
	c.firstAudio = false
	c.gate.Reset()
	c.deps.Metrics.SessionEvents.WithLabelValues("session_started").Inc()

	gen := c.connGen
	go func() {
		for ev := range conn.Events() {
			c.post(evTransport{gen: gen, ev: ev})
		}
	}()
	return nil
}

func (c *Controller) handleTransport(e evTransport) {
	if e.gen != c.connGen || c.conn == nil {
		return
	}
	m := c.deps.Metrics

	switch e.ev.Kind {
	case transport.EventConfirmed:
		m.ConnectionUp.Set(1)
		m.WSMessages.WithLabelValues("in", "connection_confirmed").Inc()
	case transport.EventTranscription:
		m.WSMessages.WithLabelValues("in", "transcription").Inc()
		c.observeStage("commit_to_transcription")
		c.saveLine(transcript.SpeakerUser, e.ev.Text)
	case transport.EventLLMResponse:
		m.WSMessages.WithLabelValues("in", "llm_response").Inc()
		if !c.greeting {
			c.greeting = true
			m.SessionEvents.WithLabelValues("greeting_received").Inc()
		} else {
			c.observeStage("commit_to_reply_text")
		}
		c.saveLine(transcript.SpeakerBot, e.ev.Text)
	case transport.EventTTSStart:
		m.WSMessages.WithLabelValues("in", "tts_start").Inc()
	case transport.EventBotAudio:
		m.WSMessages.WithLabelValues("in", "audio").Inc()
		if !c.firstAudio {
			c.firstAudio = true
			c.observeStage("commit_to_first_audio")
		}
		userSpeaking := c.gate.State() == vad.StateUserSpeaking
		out, err := c.arbiter.Offer(e.ev.Audio, userSpeaking)
		if err != nil {
			log.Printf("session: playback: %v", err)
		}
		if out != "" {
			m.PlaybackOutcomes.WithLabelValues(string(out)).Inc()
		}
	case transport.EventTTSEnd:
		m.WSMessages.WithLabelValues("in", "tts_end").Inc()
		c.arbiter.ForceEnd()
	case transport.EventClosed:
		if e.ev.Err != nil {
			log.Printf("session: transport closed: %v", e.ev.Err)
			c.deps.Metrics.SessionEvents.WithLabelValues("transport_failed").Inc()
		}
		c.teardown()
	}
}

func (c *Controller) handleToggleMic() error {
	if c.micEnabled {
		c.stopMic()
		return nil
	}
	if c.conn == nil || c.conn.State() != transport.StateActive || !c.greeting {
		return ErrSessionNotReady
	}

	dev, err := c.deps.Open(capture.DeviceConfig{
		SampleRate:    c.deps.Cfg.SampleRate,
		FrameDuration: c.deps.Cfg.FrameDuration,
	})
	if err != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues("mic_failed").Inc()
		return fmt.Errorf("enable microphone: %w", err)
	}

	c.device = dev
	c.devGen++
	c.micEnabled = true
	c.gate.Reset()
	c.level.Reset()
	c.deps.Metrics.SessionEvents.WithLabelValues("mic_enabled").Inc()

	gen := c.devGen
	go func() {
		for f := range dev.Frames() {
			c.post(evFrame{gen: gen, frame: f})
		}
	}()
	return nil
}

func (c *Controller) stopMic() {
	if c.device != nil {
		_ = c.device.Close()
		c.device = nil
	}
	if c.micEnabled {
		c.deps.Metrics.SessionEvents.WithLabelValues("mic_disabled").Inc()
	}
	c.micEnabled = false
	c.devGen++
	c.recorder.Retract()
	c.gate.Reset()
	c.level.Reset()
}

func (c *Controller) handleFrame(e evFrame) {
	if e.gen != c.devGen || !c.micEnabled {
		return
	}
	c.level.Observe(e.frame)

	d := c.gate.ProcessFrame(e.frame.Samples)
	switch d.Transition {
	case vad.TransitionSpeechStart:
		if c.arbiter.InterruptForSpeech() {
			c.interrupted = true
			c.bannerGen++
			c.deps.Metrics.Interruptions.Inc()
			c.deps.Metrics.PlaybackOutcomes.WithLabelValues(string(playback.OutcomeCancelled)).Inc()
			gen := c.bannerGen
			time.AfterFunc(c.deps.Cfg.InterruptedWindow, func() {
				c.post(evBannerClear{gen: gen})
			})
		}
		c.recorder.Begin(e.frame.At)
		c.recorder.Append(e.frame)
	case vad.TransitionEndPending:
		c.recorder.Append(e.frame)
		gen := d.DebounceGen
		time.AfterFunc(d.Debounce, func() {
			c.post(evDebounce{gen: gen})
		})
	default:
		if c.recorder.Open() {
			c.recorder.Append(e.frame)
		}
	}
}

func (c *Controller) handleDebounce(gen uint64) {
	d := c.gate.DebounceElapsed(gen)
	if d.Transition != vad.TransitionSpeechEnd {
		return
	}

	blob, dur, err := c.recorder.Seal()
	if err != nil {
		log.Printf("session: seal utterance: %v", err)
		return
	}
	c.committedAt = time.Now()
	c.firstAudio = false
	c.deps.Metrics.ObserveUtteranceDuration(dur)

	if c.conn == nil {
		return
	}
	if err := c.conn.SendUtterance(blob); err != nil {
		log.Printf("session: send utterance: %v", err)
		c.deps.Metrics.SessionEvents.WithLabelValues("send_failed").Inc()
		return
	}
	c.deps.Metrics.UtterancesSent.Inc()
	c.deps.Metrics.WSMessages.WithLabelValues("out", "audio_data").Inc()
}

func (c *Controller) handleSetLanguage(tag string) error {
	if !config.IsSupportedLanguage(tag) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, tag)
	}
	if tag == c.language {
		return nil
	}
	c.language = tag
	if c.conn == nil {
		return nil
	}

	// The server binds language at handshake time only, so an active
	// session is torn down and redialed with the new tag.
	c.teardown()
	c.deps.Metrics.SessionEvents.WithLabelValues("language_changed").Inc()
	time.AfterFunc(c.deps.Cfg.RestartDelay, func() {
		c.post(evRestart{tag: tag})
	})
	return nil
}

// teardown closes everything the session owns. It is total and
// idempotent; stale completions from the old transport, device, timers
// and playback items are fenced off by generation counters.
func (c *Controller) teardown() {
	c.stopMic()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.deps.Metrics.ConnectionUp.Set(0)
		c.deps.Metrics.SessionEvents.WithLabelValues("session_stopped").Inc()
	}
	c.connGen++
	c.arbiter.Shutdown()
	c.greeting = false
	c.interrupted = false
	c.bannerGen++
	c.sessionID = ""
}

func (c *Controller) observeStage(stage string) {
	if c.deps.Stages == nil || c.committedAt.IsZero() {
		return
	}
	c.deps.Stages.Observe(stage, time.Since(c.committedAt))
}

func (c *Controller) saveLine(speaker, text string) {
	if c.deps.Store == nil || text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.deps.Store.SaveLine(ctx, transcript.Line{
		SessionID: c.sessionID,
		UserID:    c.deps.Cfg.UserID,
		Speaker:   speaker,
		Text:      text,
		Language:  c.language,
	})
	if err != nil {
		log.Printf("session: save transcript line: %v", err)
	}
}
