package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWhisperClient_TranscribeWAV(t *testing.T) {
	wav := []byte("RIFF....WAVE")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Expected multipart body: %v", err)
			return
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("Expected model whisper-1, got %q", got)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("Expected file part: %v", err)
			return
		}
		defer file.Close()
		if header.Filename != "segment.wav" {
			t.Errorf("Expected filename segment.wav, got %q", header.Filename)
		}
		body, _ := io.ReadAll(file)
		if string(body) != string(wav) {
			t.Error("Uploaded file does not match the WAV")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello from whisper"}`))
	}))
	defer server.Close()

	c := NewWhisperClientWithHTTP("test-key", server.URL+"/v1/", "whisper-1", server.Client())
	text, err := c.TranscribeWAV(context.Background(), wav)
	if err != nil {
		t.Fatalf("TranscribeWAV failed: %v", err)
	}
	if text != "hello from whisper" {
		t.Errorf("Expected transcript, got %q", text)
	}
}

func TestWhisperClient_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"server error", http.StatusServiceUnavailable, `{"error":"overloaded"}`, http.StatusServiceUnavailable},
		{"rate limited", http.StatusTooManyRequests, `slow down`, http.StatusTooManyRequests},
		{"malformed json", http.StatusOK, `not json`, http.StatusOK},
		{"missing text", http.StatusOK, `{"foo":"bar"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewWhisperClientWithHTTP("k", server.URL, "whisper-1", server.Client())
			_, err := c.TranscribeWAV(context.Background(), []byte("wav"))

			var remoteErr *RemoteTranscriptionError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("Expected RemoteTranscriptionError, got %v", err)
			}
			if remoteErr.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, remoteErr.StatusCode)
			}
		})
	}
}

func TestWhisperClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	c := NewWhisperClientWithHTTP("k", server.URL, "whisper-1", &http.Client{Timeout: 20 * time.Millisecond})
	_, err := c.TranscribeWAV(context.Background(), []byte("wav"))
	if !IsRemoteError(err) {
		t.Errorf("Expected remote error on timeout, got %v", err)
	}
}
