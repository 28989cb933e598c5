// Package webhook posts finished transcripts to an external endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lexiqai/session-recorder/internal/session"
)

type Sender interface {
	SendTranscript(ctx context.Context, s *session.RecordingSession) error
}

// TranscriptPayload is the JSON body of a transcript webhook
type TranscriptPayload struct {
	SessionID     string                    `json:"session_id"`
	CorrelationID string                    `json:"correlation_id"`
	Title         string                    `json:"title"`
	Summary       string                    `json:"summary"`
	StartedAt     time.Time                 `json:"started_at"`
	EndedAt       time.Time                 `json:"ended_at"`
	DurationSec   float64                   `json:"duration_seconds"`
	SegmentCount  int                       `json:"segment_count"`
	Missing       int                       `json:"missing_segments"`
	Transcript    string                    `json:"transcript"`
	Chunks        []session.TranscriptChunk `json:"chunks"`
	Gaps          []session.Gap             `json:"gaps"`
}

// NewTranscriptPayload builds the payload for a finished session
func NewTranscriptPayload(s *session.RecordingSession) TranscriptPayload {
	return TranscriptPayload{
		SessionID:     s.ID,
		CorrelationID: s.CorrelationID,
		Title:         s.Title,
		Summary:       s.Summary,
		StartedAt:     s.StartTime,
		EndedAt:       s.EndTime,
		DurationSec:   s.Duration.Seconds(),
		SegmentCount:  s.SegmentCount,
		Missing:       s.Missing(),
		Transcript:    s.Transcript(),
		Chunks:        s.Chunks,
		Gaps:          s.Gaps,
	}
}

type HTTPSender struct {
	webhookURL string
	client     *http.Client
}

func NewHTTPSender(webhookURL string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSender) SendTranscript(ctx context.Context, rs *session.RecordingSession) error {
	if s.webhookURL == "" {
		return nil
	}

	b, err := json.Marshal(NewTranscriptPayload(rs))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", rs.CorrelationID)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
