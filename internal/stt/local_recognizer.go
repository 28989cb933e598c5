package stt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/config"
)

// LocalRecognizer implements FallbackRecognizer by running a
// whisper.cpp-compatible binary over a temporary plaintext WAV file
type LocalRecognizer struct {
	command   string
	modelPath string
	timeout   time.Duration
	opener    Opener
	tempDir   string
}

// NewLocalRecognizer creates a fallback recognizer from configuration
func NewLocalRecognizer(cfg *config.Config, opener Opener) *LocalRecognizer {
	return &LocalRecognizer{
		command:   cfg.FallbackCommand,
		modelPath: cfg.FallbackModelPath,
		timeout:   cfg.FallbackTimeout,
		opener:    opener,
	}
}

// Check verifies the recognizer binary can be found
func (l *LocalRecognizer) Check() error {
	if _, err := exec.LookPath(l.command); err != nil {
		return fmt.Errorf("fallback recognizer %q not available: %w", l.command, err)
	}
	return nil
}

// Recognize decrypts the segment and transcribes it locally. The plaintext
// file exists only for the duration of the call.
func (l *LocalRecognizer) Recognize(ctx context.Context, seg *audio.Segment) (string, error) {
	sealed, err := seg.Sealed()
	if err != nil {
		return "", err
	}
	wav, err := l.opener.Open(sealed)
	if err != nil {
		return "", err
	}

	// the binary reports malformed input only as a generic failure
	pcm, _, err := audio.DecodeWAV(wav)
	if err != nil {
		return "", fmt.Errorf("segment %s: %w", seg.ID, err)
	}
	if len(pcm) == 0 {
		return "", nil
	}

	// CreateTemp opens with mode 0600
	f, err := os.CreateTemp(l.tempDir, "segment-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.Write(wav); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, l.command, "-m", l.modelPath, "-f", path, "-nt", "-np")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s exited with %d: %s", l.command, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to run %s: %w", l.command, err)
	}

	return strings.TrimSpace(string(out)), nil
}
