package stt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/observability"
	"github.com/lexiqai/session-recorder/internal/resilience"
)

// ErrNoFallback is wrapped in a FallbackRecognitionError when the client
// must fall back but has no local recognizer
var ErrNoFallback = errors.New("no fallback recognizer configured")

// Client transcribes sealed segments through a remote provider with
// retry, switching to the fallback recognizer once the failure counter
// reaches its threshold. It is safe for concurrent use.
type Client struct {
	remote   RemoteTranscriber
	fallback FallbackRecognizer
	opener   Opener
	retry    *resilience.RetryConfig
	failures *resilience.FailureCounter
	logger   zerolog.Logger
}

// NewClient creates a transcription client. fallback may be nil.
func NewClient(remote RemoteTranscriber, fallback FallbackRecognizer, opener Opener, retry *resilience.RetryConfig, failures *resilience.FailureCounter) *Client {
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Client{
		remote:   remote,
		fallback: fallback,
		opener:   opener,
		retry:    retry,
		failures: failures,
		logger:   observability.Component("transcription").With().Str("provider", remote.Name()).Logger(),
	}
}

// FailureCounter exposes the client's health state machine
func (c *Client) FailureCounter() *resilience.FailureCounter {
	return c.failures
}

// Transcribe makes a single remote attempt for one segment
func (c *Client) Transcribe(ctx context.Context, seg *audio.Segment) (string, error) {
	sealed, err := seg.Sealed()
	if err != nil {
		return "", err
	}
	wav, err := c.opener.Open(sealed)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, err := c.remote.TranscribeWAV(ctx, wav)
	observability.RecordTranscription(string(SourceRemote), err == nil, time.Since(start))
	if err != nil {
		if !IsRemoteError(err) {
			err = &RemoteTranscriptionError{Provider: c.remote.Name(), Err: err}
		}
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// TranscribeWithPolicy retries Transcribe with exponential backoff.
// Exhausting the retries counts one failure; it never falls back itself.
func (c *Client) TranscribeWithPolicy(ctx context.Context, seg *audio.Segment) (string, error) {
	text, _, err := c.transcribeWithPolicy(ctx, seg)
	return text, err
}

func (c *Client) transcribeWithPolicy(ctx context.Context, seg *audio.Segment) (string, resilience.HealthState, error) {
	logger := c.segmentLogger(seg)

	retry := *c.retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("Remote transcription failed, retrying")
	}

	var text string
	err := resilience.Retry(ctx, func(ctx context.Context) error {
		t, err := c.Transcribe(ctx, seg)
		if err == nil {
			text = t
		}
		return err
	}, &retry, IsRemoteError)

	if err == nil {
		c.failures.RecordSuccess()
		return text, c.failures.State(), nil
	}

	// Cancellation and decryption failures say nothing about remote health
	if !IsRemoteError(err) || ctx.Err() != nil {
		return "", c.failures.State(), err
	}

	state := c.failures.RecordFailure()
	logger.Error().Err(err).
		Int("attempts", c.retry.MaxRetries+1).
		Int("consecutive_failures", c.failures.Failures()).
		Str("state", state.String()).
		Msg("Remote transcription exhausted retries")
	return "", state, err
}

// Process routes one segment: remote with retry while healthy, fallback
// once the failure threshold is reached. Any success resets the counter.
func (c *Client) Process(ctx context.Context, seg *audio.Segment) (Result, error) {
	if c.failures.State() == resilience.StateFallback {
		return c.recognizeLocally(ctx, seg)
	}

	text, state, err := c.transcribeWithPolicy(ctx, seg)
	if err == nil {
		return Result{Text: text, Source: SourceRemote}, nil
	}
	if IsRemoteError(err) && state == resilience.StateFallback && ctx.Err() == nil {
		logger := c.segmentLogger(seg)
		logger.Warn().Msg("Failure threshold reached, switching segment to fallback recognizer")
		return c.recognizeLocally(ctx, seg)
	}
	return Result{}, err
}

func (c *Client) recognizeLocally(ctx context.Context, seg *audio.Segment) (Result, error) {
	if c.fallback == nil {
		return Result{}, &FallbackRecognitionError{Err: ErrNoFallback}
	}

	start := time.Now()
	text, err := c.fallback.Recognize(ctx, seg)
	observability.RecordTranscription(string(SourceFallback), err == nil, time.Since(start))
	if err != nil {
		if !IsFallbackError(err) {
			err = &FallbackRecognitionError{Err: err}
		}
		return Result{}, err
	}

	c.failures.RecordSuccess()
	return Result{Text: strings.TrimSpace(text), Source: SourceFallback}, nil
}

func (c *Client) segmentLogger(seg *audio.Segment) zerolog.Logger {
	return c.logger.With().
		Str("session_id", seg.SessionID).
		Str("segment_id", seg.ID).
		Int("index", seg.Index).
		Logger()
}
