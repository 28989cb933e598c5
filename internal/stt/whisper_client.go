package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/lexiqai/session-recorder/internal/config"
)

const whisperProvider = "whisper"

// WhisperClient implements RemoteTranscriber against an OpenAI-compatible
// /audio/transcriptions endpoint
type WhisperClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

type whisperResponse struct {
	Text *string `json:"text"`
}

// NewWhisperClient creates a Whisper client from configuration
func NewWhisperClient(cfg *config.Config) *WhisperClient {
	return NewWhisperClientWithHTTP(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.WhisperModel, &http.Client{Timeout: cfg.RemoteTimeout})
}

// NewWhisperClientWithHTTP creates a Whisper client with an explicit endpoint and HTTP client
func NewWhisperClientWithHTTP(apiKey, baseURL, model string, hc *http.Client) *WhisperClient {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &WhisperClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    hc,
	}
}

// Name identifies the provider
func (w *WhisperClient) Name() string {
	return whisperProvider
}

// TranscribeWAV posts the WAV as multipart form data and decodes {"text": ...}
func (w *WhisperClient) TranscribeWAV(ctx context.Context, wav []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="segment.wav"`)
	header.Set("Content-Type", "audio/wav")
	fw, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if err := mw.WriteField("model", w.model); err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.http.Do(req)
	if err != nil {
		return "", &RemoteTranscriptionError{Provider: whisperProvider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &RemoteTranscriptionError{
			Provider:   whisperProvider,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	var parsed whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &RemoteTranscriptionError{Provider: whisperProvider, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if parsed.Text == nil {
		return "", &RemoteTranscriptionError{Provider: whisperProvider, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: missing text")}
	}

	return *parsed.Text, nil
}
