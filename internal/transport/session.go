package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/manasdhir/voicelink/internal/protocol"
)

// State is the wire-protocol lifecycle of one connection attempt.
type State string

const (
	StateIdle                 State = "idle"
	StateConnecting           State = "connecting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateActive               State = "active"
	StateClosed               State = "closed"
)

// ErrNotActive reports a send attempted before the server confirmed the
// session or after it closed.
var ErrNotActive = errors.New("transport session not active")

type EventKind int

const (
	EventConfirmed EventKind = iota
	EventTranscription
	EventLLMResponse
	EventTTSStart
	EventTTSEnd
	EventBotAudio
	EventClosed
)

// Event is one decoded inbound occurrence. Events arrive in wire order.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
}

// Session owns one full-duplex websocket channel. It is created by Dial,
// lives until the channel closes from either end, and is never reused:
// reconnecting means a fresh Dial.
type Session struct {
	conn   *websocket.Conn
	events chan Event

	mu    sync.Mutex
	state State

	explicit  atomic.Bool
	closeOnce sync.Once
}

// Dialer abstracts Dial for callers that substitute fake transports.
type Dialer func(ctx context.Context, endpoint, langCode, userID string) (*Session, error)

// Dial opens the channel and performs the handshake. The returned session
// is in AwaitingConfirmation; it becomes Active when the server sends
// connection_confirmed.
func Dial(ctx context.Context, endpoint, langCode, userID string) (*Session, error) {
	s := &Session{
		state:  StateConnecting,
		events: make(chan Event, 64),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.setState(StateClosed)
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	s.conn = conn

	hs := protocol.Handshake{LangCode: langCode, UserID: userID}
	if err := conn.WriteJSON(hs); err != nil {
		_ = conn.Close()
		s.setState(StateClosed)
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	s.setState(StateAwaitingConfirmation)

	go s.readLoop()
	return s, nil
}

func (s *Session) Events() <-chan Event { return s.events }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// SendUtterance transmits one sealed utterance as the marker/binary pair.
// Ownership of blob moves to the transport; callers must not reuse it.
func (s *Session) SendUtterance(blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	if err := s.conn.WriteJSON(protocol.NewAudioDataMarker()); err != nil {
		return fmt.Errorf("send audio marker: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
		return fmt.Errorf("send audio payload: %w", err)
	}
	return nil
}

// Close tears the channel down. Idempotent; the read loop emits a final
// EventClosed and closes the event channel.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.explicit.Store(true)
		s.setState(StateClosed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.setState(StateClosed)
			if s.explicit.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- Event{Kind: EventClosed}
			} else {
				s.events <- Event{Kind: EventClosed, Err: err}
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.events <- Event{Kind: EventBotAudio, Audio: data}
		case websocket.TextMessage:
			s.handleText(data)
		}
	}
}

// handleText decodes one text frame. Malformed or unknown messages are
// logged and dropped; the session stays up.
func (s *Session) handleText(data []byte) {
	msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("transport: ignoring message: %v", err)
		return
	}

	switch m := msg.(type) {
	case protocol.ConnectionConfirmed:
		s.mu.Lock()
		if s.state == StateAwaitingConfirmation {
			s.state = StateActive
		}
		s.mu.Unlock()
		s.events <- Event{Kind: EventConfirmed, Text: m.Message}
	case protocol.Transcription:
		s.events <- Event{Kind: EventTranscription, Text: m.Text}
	case protocol.LLMResponse:
		s.events <- Event{Kind: EventLLMResponse, Text: m.Text}
	case protocol.TTSStart:
		s.events <- Event{Kind: EventTTSStart}
	case protocol.TTSEnd:
		s.events <- Event{Kind: EventTTSEnd}
	}
}
