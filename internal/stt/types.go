package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/secure"
)

// Source identifies which recognizer produced a transcript
type Source string

const (
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// Result is the outcome of processing one segment
type Result struct {
	Text   string
	Source Source
}

// RemoteTranscriber submits one WAV file to a speech-to-text service
type RemoteTranscriber interface {
	// Name identifies the provider in logs and errors
	Name() string

	// TranscribeWAV returns the transcript of a complete WAV file
	TranscribeWAV(ctx context.Context, wav []byte) (string, error)
}

// FallbackRecognizer transcribes a sealed segment on this host. It opens
// the ciphertext itself.
type FallbackRecognizer interface {
	Recognize(ctx context.Context, seg *audio.Segment) (string, error)
}

// Opener decrypts sealed segment bytes
type Opener interface {
	Open(sealed []byte) ([]byte, error)
}

// RemoteTranscriptionError is a transient remote failure; it is retried
// and counts toward the fallback threshold once retries are exhausted.
type RemoteTranscriptionError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *RemoteTranscriptionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s transcription failed with status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s transcription failed: %v", e.Provider, e.Err)
}

func (e *RemoteTranscriptionError) Unwrap() error {
	return e.Err
}

// FallbackRecognitionError is terminal for the segment
type FallbackRecognitionError struct {
	Err error
}

func (e *FallbackRecognitionError) Error() string {
	return fmt.Sprintf("fallback recognition failed: %v", e.Err)
}

func (e *FallbackRecognitionError) Unwrap() error {
	return e.Err
}

// IsRemoteError reports whether err is a retryable remote failure
func IsRemoteError(err error) bool {
	var remoteErr *RemoteTranscriptionError
	return errors.As(err, &remoteErr)
}

// IsFallbackError reports whether err came from the fallback recognizer
func IsFallbackError(err error) bool {
	var fallbackErr *FallbackRecognitionError
	return errors.As(err, &fallbackErr)
}

// IsDecryptionError reports whether the segment ciphertext is missing or
// could not be opened. Neither is retried.
func IsDecryptionError(err error) bool {
	return errors.Is(err, secure.ErrDecryption) || errors.Is(err, audio.ErrNoCiphertext)
}
