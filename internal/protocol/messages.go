package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket text payload variants.
type MessageType string

const (
	TypeTranscription MessageType = "transcription"
	TypeLLMResponse   MessageType = "llm_response"
	TypeTTSStart      MessageType = "tts_start"
	TypeTTSEnd        MessageType = "tts_end"
	TypeConfirmed     MessageType = "connection_confirmed"
	TypeAudioData     MessageType = "audio_data"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Handshake is the first client message on a fresh connection. The server
// binds the language to the session at this point; changing language later
// requires a fresh connection.
type Handshake struct {
	LangCode string `json:"lang_code"`
	UserID   string `json:"user_id"`
}

// AudioDataMarker announces that the next binary frame carries one encoded
// utterance. The pair replaces length-prefixing on the wire.
type AudioDataMarker struct {
	Type MessageType `json:"type"`
}

type Transcription struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type LLMResponse struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TTSStart struct {
	Type MessageType `json:"type"`
}

type TTSEnd struct {
	Type MessageType `json:"type"`
}

type ConnectionConfirmed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Message   string      `json:"message,omitempty"`
}

// NewAudioDataMarker builds the text half of an utterance upload pair.
func NewAudioDataMarker() AudioDataMarker {
	return AudioDataMarker{Type: TypeAudioData}
}

// ParseServerMessage decodes one inbound text frame on the client side.
// Unknown discriminators return ErrUnsupportedType so callers can log and
// ignore them without tearing the session down.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeTranscription:
		var msg Transcription
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeLLMResponse:
		var msg LLMResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTTSStart:
		return TTSStart{Type: TypeTTSStart}, nil
	case TypeTTSEnd:
		return TTSEnd{Type: TypeTTSEnd}, nil
	case TypeConfirmed:
		var msg ConnectionConfirmed
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseClientMessage decodes one inbound text frame on the server side.
// The only client text messages are the handshake (which carries no type
// discriminator) and the audio_data marker.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioData:
		return AudioDataMarker{Type: TypeAudioData}, nil
	case "":
		var msg Handshake
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.LangCode == "" || msg.UserID == "" {
			return nil, errors.New("invalid handshake")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
