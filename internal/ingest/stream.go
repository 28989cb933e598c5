// Package ingest receives live audio over a websocket and feeds it to the
// capture engine as an audio.Input.
//
// Two framings are accepted on /audio/stream:
//   - binary messages carrying 16-bit little-endian mono PCM at the
//     engine's sample rate (or the rate given in the "rate" query parameter)
//   - JSON media-stream events in the telephony style: "start" announces the
//     media format, "media" carries base64 audio (μ-law or linear PCM),
//     "stop" ends the stream
package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/observability"
)

// Media encodings announced in a start event
const (
	EncodingMulaw = "audio/x-mulaw"
	EncodingL16   = "audio/l16"
)

// ErrStreamBusy is returned when a second producer tries to connect
var ErrStreamBusy = errors.New("an audio stream is already connected")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
}

// MediaMessage is a JSON event from a media-stream producer
type MediaMessage struct {
	Event     string          `json:"event"`
	StreamSid string          `json:"streamSid,omitempty"`
	Start     *MediaStart     `json:"start,omitempty"`
	Media     *MediaChunk     `json:"media,omitempty"`
	Stop      json.RawMessage `json:"stop,omitempty"`
}

// MediaStart describes the stream that follows
type MediaStart struct {
	StreamSid   string      `json:"streamSid"`
	CallSid     string      `json:"callSid,omitempty"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

// MediaFormat is the encoding of media payloads
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaChunk is one base64 audio payload
type MediaChunk struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StreamInput is an audio.Input fed by at most one websocket producer at
// a time. Audio received while the engine is detached (paused or idle) is
// discarded.
type StreamInput struct {
	sampleRate int
	logger     zerolog.Logger

	mu   sync.Mutex
	push func([]byte)

	connected atomic.Bool
	received  atomic.Int64
	discarded atomic.Int64
}

// NewStreamInput creates an input delivering PCM at sampleRate
func NewStreamInput(sampleRate int) *StreamInput {
	return &StreamInput{
		sampleRate: sampleRate,
		logger:     observability.Component("ingest"),
	}
}

// Attach installs the engine's push callback
func (s *StreamInput) Attach(push func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push = push
	return nil
}

// Detach removes the push callback
func (s *StreamInput) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.push = nil
}

// Connected reports whether a producer is streaming
func (s *StreamInput) Connected() bool {
	return s.connected.Load()
}

// Stats returns PCM bytes received and discarded while detached
func (s *StreamInput) Stats() (received, discarded int64) {
	return s.received.Load(), s.discarded.Load()
}

// deliver hands PCM to the engine if attached
func (s *StreamInput) deliver(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.received.Add(int64(len(pcm)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.push == nil {
		s.discarded.Add(int64(len(pcm)))
		return
	}
	s.push(pcm)
}

// streamState is the per-connection media format
type streamState struct {
	encoding   string
	sampleRate int
	odd        []byte // carried half sample from a binary frame
}

// HandleWS accepts one producer connection and streams its audio
func (s *StreamInput) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !s.connected.CompareAndSwap(false, true) {
		http.Error(w, ErrStreamBusy.Error(), http.StatusConflict)
		return
	}
	defer s.connected.Store(false)

	rate := s.sampleRate
	if q := r.URL.Query().Get("rate"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			rate = n
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade audio stream connection")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("stream_id", uuid.New().String()).Logger()
	logger.Info().Str("remote_addr", r.RemoteAddr).Int("sample_rate", rate).Msg("Audio stream connected")

	st := &streamState{encoding: EncodingL16, sampleRate: rate}
	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Audio stream read error")
			}
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.deliver(s.binaryPCM(st, message))
		case websocket.TextMessage:
			if done := s.handleEvent(st, message, logger); done {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				logger.Info().Msg("Audio stream stopped by producer")
				return
			}
		}
	}

	received, discarded := s.Stats()
	logger.Info().Int64("received_bytes", received).Int64("discarded_bytes", discarded).Msg("Audio stream disconnected")
}

// binaryPCM keeps frames sample-aligned and converts to the engine rate
func (s *StreamInput) binaryPCM(st *streamState, frame []byte) []byte {
	if len(st.odd) > 0 {
		frame = append(st.odd, frame...)
		st.odd = nil
	}
	if len(frame)%audio.BytesPerSample != 0 {
		st.odd = []byte{frame[len(frame)-1]}
		frame = frame[:len(frame)-1]
	}
	return audio.Resample(frame, st.sampleRate, s.sampleRate)
}

// handleEvent processes a JSON media event and reports whether the
// producer ended the stream
func (s *StreamInput) handleEvent(st *streamState, message []byte, logger zerolog.Logger) bool {
	var msg MediaMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Error().Err(err).Msg("Failed to parse media message")
		return false
	}

	switch msg.Event {
	case "connected":
		logger.Debug().Msg("Media stream connected")

	case "start":
		if msg.Start != nil {
			if enc := msg.Start.MediaFormat.Encoding; enc != "" {
				st.encoding = enc
			}
			if msg.Start.MediaFormat.SampleRate > 0 {
				st.sampleRate = msg.Start.MediaFormat.SampleRate
			}
			if msg.Start.MediaFormat.Channels > 1 {
				logger.Warn().Int("channels", msg.Start.MediaFormat.Channels).Msg("Multi-channel media is not supported, treating as mono")
			}
		}
		logger.Info().
			Str("stream_sid", msg.StreamSid).
			Str("encoding", st.encoding).
			Int("sample_rate", st.sampleRate).
			Msg("Media stream started")

	case "media":
		if msg.Media == nil {
			return false
		}
		payload := msg.Media.Payload
		if payload == "" {
			payload = msg.Media.Chunk
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to decode media payload")
			return false
		}
		s.deliver(s.decode(st, raw))

	case "stop":
		return true

	default:
		logger.Debug().Str("event", msg.Event).Msg("Ignoring media event")
	}
	return false
}

func (s *StreamInput) decode(st *streamState, raw []byte) []byte {
	if st.encoding == EncodingMulaw {
		return audio.Resample(audio.MulawToPCM(raw), st.sampleRate, s.sampleRate)
	}
	return s.binaryPCM(st, raw)
}
