// voicebotd is a stand-in speech server for local development: it
// confirms sessions, greets, and echoes every received utterance back as
// a canned transcription, reply and tone payload.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/manasdhir/voicelink/internal/audio"
	"github.com/manasdhir/voicelink/internal/protocol"
)

const sampleRate = 16000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local development server, any origin is fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

func main() {
	addr := os.Getenv("VOICEBOTD_BIND_ADDR")
	if addr == "" {
		addr = ":9090"
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ws", handleWS)

	log.Printf("voicebotd listening on %s", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("listen error: %v", err)
	}
}

func handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	var hs protocol.Handshake
	if err := conn.ReadJSON(&hs); err != nil {
		log.Printf("handshake: %v", err)
		return
	}
	if hs.LangCode == "" || hs.UserID == "" {
		log.Printf("handshake missing fields: %+v", hs)
		return
	}
	log.Printf("session open: user=%s lang=%s", hs.UserID, hs.LangCode)

	if err := conn.WriteJSON(protocol.ConnectionConfirmed{
		Type:    protocol.TypeConfirmed,
		Message: "connected",
	}); err != nil {
		return
	}
	speak(conn, fmt.Sprintf("Hello! I am listening in %s.", hs.LangCode), 440)

	turn := 0
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("session closed: user=%s: %v", hs.UserID, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeAudioData {
			continue
		}

		// The binary utterance payload follows the marker.
		msgType, blob, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		turn++
		dur := utteranceDuration(blob)
		_ = conn.WriteJSON(protocol.Transcription{
			Type: protocol.TypeTranscription,
			Text: fmt.Sprintf("(heard %.1fs of speech)", dur.Seconds()),
		})
		speak(conn, fmt.Sprintf("That was turn number %d.", turn), 330)
	}
}

// speak sends one bot reply: text, then the tts-framed tone payload.
func speak(conn *websocket.Conn, text string, freqHz float64) {
	_ = conn.WriteJSON(protocol.LLMResponse{Type: protocol.TypeLLMResponse, Text: text})
	_ = conn.WriteJSON(protocol.TTSStart{Type: protocol.TypeTTSStart})

	tone := audio.SineTone(freqHz, 0.6, sampleRate, 0.3)
	wav, err := audio.EncodeWAVPCM16LE(audio.BytesLE(tone), sampleRate)
	if err == nil {
		_ = conn.WriteMessage(websocket.BinaryMessage, wav)
	}

	_ = conn.WriteJSON(protocol.TTSEnd{Type: protocol.TypeTTSEnd})
}

func utteranceDuration(blob []byte) time.Duration {
	pcm, rate, err := audio.DecodeWAVPCM16(blob)
	if err != nil || rate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
