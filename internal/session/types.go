package session

import (
	"errors"
	"strings"
	"time"

	"github.com/lexiqai/session-recorder/internal/stt"
)

var (
	// ErrNoActiveSession is returned by lifecycle calls when nothing is recording
	ErrNoActiveSession = errors.New("no active recording session")
	// ErrSessionActive is returned by Start while another session is active
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrSessionNotFound is returned for unknown session IDs
	ErrSessionNotFound = errors.New("session not found")
)

// State is the lifecycle state of a recording session
type State string

const (
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
)

// GapReason explains why a recorded segment has no transcript chunk
type GapReason string

const (
	GapDecryption GapReason = "decryption"
	GapRemote     GapReason = "remote"
	GapFallback   GapReason = "fallback"
	GapSilent     GapReason = "silent"
)

// TranscriptChunk is the text of one transcribed segment
type TranscriptChunk struct {
	ID        string     `json:"id"`
	SegmentID string     `json:"segment_id"`
	Index     int        `json:"index"`
	Timestamp time.Time  `json:"timestamp"`
	Text      string     `json:"text"`
	Source    stt.Source `json:"source"`
}

// Gap records a segment whose audio produced no chunk
type Gap struct {
	SegmentID string    `json:"segment_id"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Reason    GapReason `json:"reason"`
	Error     string    `json:"error,omitempty"`
}

// RecordingSession is a snapshot of a session and its transcript. Chunks
// are ordered by timestamp.
type RecordingSession struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id"`
	Title         string            `json:"title"`
	Summary       string            `json:"summary"`
	State         State             `json:"state"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time,omitempty"`
	Duration      time.Duration     `json:"duration"` // recorded audio
	SegmentCount  int               `json:"segment_count"`
	Chunks        []TranscriptChunk `json:"chunks"`
	Gaps          []Gap             `json:"gaps"`
}

// Missing returns how many recorded segments produced no chunk
func (s *RecordingSession) Missing() int {
	return s.SegmentCount - len(s.Chunks)
}

// Transcript joins chunk texts in timestamp order
func (s *RecordingSession) Transcript() string {
	texts := make([]string, len(s.Chunks))
	for i, c := range s.Chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, "\n")
}

// EventType distinguishes live feed events
type EventType string

const (
	EventChunk EventType = "chunk"
	EventGap   EventType = "gap"
	EventState EventType = "state"
)

// ChunkEvent is published to subscribers as the transcript changes.
// Late is set for results that arrive after the session completed.
type ChunkEvent struct {
	Type      EventType        `json:"type"`
	SessionID string           `json:"session_id"`
	State     State            `json:"state,omitempty"`
	Chunk     *TranscriptChunk `json:"chunk,omitempty"`
	Gap       *Gap             `json:"gap,omitempty"`
	Late      bool             `json:"late,omitempty"`
	Title     string           `json:"title,omitempty"`
	Summary   string           `json:"summary,omitempty"`
}
