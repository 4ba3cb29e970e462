package transcript

import (
	"context"
	"time"
)

// Speaker identifies which side of the conversation produced a line.
const (
	SpeakerUser = "user"
	SpeakerBot  = "bot"
)

// Line is one recognized or generated utterance within a voice session.
type Line struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists and retrieves session transcripts.
type Store interface {
	SaveLine(ctx context.Context, line Line) error
	SessionLines(ctx context.Context, sessionID string, limit int) ([]Line, error)
	Close() error
}
