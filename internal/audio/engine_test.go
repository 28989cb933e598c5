package audio

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/session-recorder/internal/resilience"
)

type fakeInput struct {
	mu         sync.Mutex
	push       func([]byte)
	attachErrs []error
	attaches   int
}

func (f *fakeInput) Attach(push func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attaches++
	if len(f.attachErrs) > 0 {
		err := f.attachErrs[0]
		f.attachErrs = f.attachErrs[1:]
		if err != nil {
			return err
		}
	}
	f.push = push
	return nil
}

func (f *fakeInput) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.push = nil
}

// Send delivers data if attached and reports whether it was delivered
func (f *fakeInput) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.push == nil {
		return false
	}
	f.push(data)
	return true
}

type plainSealer struct{}

func (plainSealer) Seal(p []byte) ([]byte, error) {
	return append([]byte(nil), p...), nil
}

type failingSealer struct{}

func (failingSealer) Seal([]byte) ([]byte, error) {
	return nil, errors.New("key unavailable")
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		SampleRate:          8000,
		BufferSize:          4096,
		SegmentDuration:     time.Hour, // rollovers are driven by the tests
		SealTrailingSegment: true,
		Reconnect:           &resilience.ReconnectConfig{MaxAttempts: 3, Backoff: time.Millisecond, Multiplier: 2.0},
	}
}

func newTestEngine(t *testing.T, config EngineConfig) (*Engine, *fakeInput) {
	t.Helper()
	input := &fakeInput{}
	e := NewEngine(config, input, plainSealer{}, nil)
	t.Cleanup(e.Close)
	return e, input
}

func receive(t *testing.T, e *Engine) *Segment {
	t.Helper()
	select {
	case seg := <-e.Segments():
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a segment")
		return nil
	}
}

func expectNoSegment(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case seg := <-e.Segments():
		t.Fatalf("Expected no segment, got index %d", seg.Index)
	case <-time.After(50 * time.Millisecond):
	}
}

func segmentPCM(t *testing.T, seg *Segment) []byte {
	t.Helper()
	pcm, rate, err := DecodeWAV(seg.Encrypted)
	if err != nil {
		t.Fatalf("Segment %d is not a WAV: %v", seg.Index, err)
	}
	if rate != 8000 {
		t.Errorf("Expected sample rate 8000, got %d", rate)
	}
	return pcm
}

func TestEngine_RolloverSplitsWithoutLoss(t *testing.T) {
	e, input := newTestEngine(t, testEngineConfig())

	if err := e.Start(context.Background(), "session-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	first := []byte{1, 0, 2, 0, 3, 0}
	second := []byte{4, 0, 5, 0}

	input.Send(first)
	e.rollover(true)
	input.Send(second)
	e.rollover(true)

	seg0 := receive(t, e)
	seg1 := receive(t, e)

	if seg0.Index != 0 || seg1.Index != 1 {
		t.Errorf("Expected indexes 0 and 1, got %d and %d", seg0.Index, seg1.Index)
	}
	if seg0.SessionID != "session-1" {
		t.Errorf("Expected session ID to be carried, got %q", seg0.SessionID)
	}
	if !bytes.Equal(segmentPCM(t, seg0), first) {
		t.Error("First segment does not hold the first buffer")
	}
	if !bytes.Equal(segmentPCM(t, seg1), second) {
		t.Error("Second segment does not hold the second buffer")
	}
	if seg0.Duration != 375*time.Microsecond {
		t.Errorf("Expected 3 samples at 8kHz (375µs), got %v", seg0.Duration)
	}
	if seg1.StartTime.Before(seg0.StartTime) {
		t.Error("Expected segment start times to be non-decreasing")
	}

	// Empty segments are not emitted
	e.rollover(true)
	expectNoSegment(t, e)
}

func TestEngine_PauseMidSegmentThenResume(t *testing.T) {
	e, input := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	if err := e.Start(ctx, "session-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	before := []byte{10, 0, 11, 0}
	input.Send(before)

	if err := e.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if e.State() != StatePaused {
		t.Errorf("Expected paused, got %s", e.State())
	}

	paused := receive(t, e)
	if !bytes.Equal(segmentPCM(t, paused), before) {
		t.Error("Expected pre-pause audio sealed in its own segment")
	}

	if input.Send([]byte{99, 0}) {
		t.Error("Expected input to be detached while paused")
	}

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	after := []byte{20, 0, 21, 0, 22, 0}
	input.Send(after)

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	resumed := receive(t, e)
	if resumed.Index != paused.Index+1 {
		t.Errorf("Expected a new segment after resume, got index %d", resumed.Index)
	}
	if !bytes.Equal(segmentPCM(t, resumed), after) {
		t.Error("Expected post-resume audio to start a new segment")
	}
	expectNoSegment(t, e)
}

func TestEngine_TrailingSegmentPolicy(t *testing.T) {
	t.Run("sealed", func(t *testing.T) {
		e, input := newTestEngine(t, testEngineConfig())
		_ = e.Start(context.Background(), "s")
		input.Send([]byte{1, 0})
		_ = e.Stop()

		if seg := receive(t, e); !bytes.Equal(segmentPCM(t, seg), []byte{1, 0}) {
			t.Error("Expected trailing audio to be sealed")
		}
	})

	t.Run("dropped", func(t *testing.T) {
		config := testEngineConfig()
		config.SealTrailingSegment = false
		e, input := newTestEngine(t, config)
		_ = e.Start(context.Background(), "s")
		input.Send([]byte{1, 0})
		_ = e.Stop()

		expectNoSegment(t, e)
		if e.Stats().SegmentsSealed != 0 {
			t.Error("Expected no sealed segments")
		}
	})
}

func TestEngine_InvalidTransitions(t *testing.T) {
	e, _ := newTestEngine(t, testEngineConfig())
	ctx := context.Background()

	if err := e.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState pausing idle engine, got %v", err)
	}
	if err := e.Resume(ctx); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState resuming idle engine, got %v", err)
	}
	if err := e.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState stopping idle engine, got %v", err)
	}

	_ = e.Start(ctx, "a")
	if err := e.Start(ctx, "b"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState starting twice, got %v", err)
	}

	_ = e.Stop()
	if err := e.Start(ctx, "c"); err != nil {
		t.Errorf("Expected restart after stop to succeed, got %v", err)
	}
	if e.Stats().SessionID != "c" {
		t.Errorf("Expected new session ID, got %q", e.Stats().SessionID)
	}
}

func TestEngine_Interruption(t *testing.T) {
	e, input := newTestEngine(t, testEngineConfig())
	ctx := context.Background()
	_ = e.Start(ctx, "s")

	input.Send([]byte{5, 0})
	if err := e.Interrupt(ctx, true); err != nil {
		t.Fatalf("Interrupt began failed: %v", err)
	}
	if e.State() != StatePaused {
		t.Fatalf("Expected paused during interruption, got %s", e.State())
	}
	receive(t, e)

	if err := e.Interrupt(ctx, false); err != nil {
		t.Fatalf("Interrupt ended failed: %v", err)
	}
	if e.State() != StateRecording {
		t.Errorf("Expected recording after interruption ended, got %s", e.State())
	}

	// A user pause is not undone by an interruption ending
	_ = e.Pause()
	_ = e.Interrupt(ctx, false)
	if e.State() != StatePaused {
		t.Errorf("Expected user pause to persist, got %s", e.State())
	}
}

func TestEngine_DroppedInputIsCounted(t *testing.T) {
	config := testEngineConfig()
	config.BufferSize = 4
	e, input := newTestEngine(t, config)
	_ = e.Start(context.Background(), "s")

	input.Send(make([]byte, 10))

	if got := e.Stats().DroppedBytes; got != 6 {
		t.Errorf("Expected 6 dropped bytes, got %d", got)
	}
}

func TestEngine_SilentSegments(t *testing.T) {
	config := testEngineConfig()
	config.SkipSilentSegments = true
	config.VAD = &VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameSize: 4}
	e, input := newTestEngine(t, config)
	_ = e.Start(context.Background(), "s")

	input.Send(SamplesToBytes(constantFrame(8, 4000)))
	e.rollover(true)
	input.Send(SamplesToBytes(constantFrame(8, 3)))
	e.rollover(true)

	if seg := receive(t, e); seg.Silent {
		t.Error("Expected loud segment not to be silent")
	}
	if seg := receive(t, e); !seg.Silent {
		t.Error("Expected quiet segment to be flagged silent")
	}
}

func TestEngine_StatsReportSpeech(t *testing.T) {
	config := testEngineConfig()
	config.SkipSilentSegments = true
	config.VAD = &VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameSize: 4}
	e, input := newTestEngine(t, config)
	_ = e.Start(context.Background(), "s")

	drain := func() {
		e.writeMu.Lock()
		e.drainLocked()
		e.writeMu.Unlock()
	}

	input.Send(SamplesToBytes(constantFrame(8, 4000)))
	drain()
	if !e.Stats().Speaking {
		t.Error("Expected Speaking after loud frames")
	}

	input.Send(SamplesToBytes(constantFrame(8, 3)))
	drain()
	if e.Stats().Speaking {
		t.Error("Expected Speaking to clear after enough silent frames")
	}

	plain, plainInput := newTestEngine(t, testEngineConfig())
	_ = plain.Start(context.Background(), "p")
	plainInput.Send(SamplesToBytes(constantFrame(8, 4000)))
	if plain.Stats().Speaking {
		t.Error("Expected Speaking to stay false without silence detection")
	}
}

func TestEngine_PersistsToStore(t *testing.T) {
	store, err := NewSegmentStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSegmentStore failed: %v", err)
	}
	input := &fakeInput{}
	e := NewEngine(testEngineConfig(), input, plainSealer{}, store)
	t.Cleanup(e.Close)

	_ = e.Start(context.Background(), "session-1")
	input.Send([]byte{1, 0, 2, 0})
	_ = e.Stop()

	seg := receive(t, e)
	if seg.Path == "" {
		t.Fatal("Expected segment path to be set")
	}
	if got := filepath.Dir(filepath.Dir(seg.Path)); got != store.Dir() {
		t.Errorf("Expected segment under %s, got %s", store.Dir(), seg.Path)
	}

	info, err := os.Stat(seg.Path)
	if err != nil {
		t.Fatalf("Segment file missing: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	onDisk, err := os.ReadFile(seg.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, seg.Encrypted) {
		t.Error("Expected file to hold the sealed bytes")
	}

	files, _ := store.List("session-1")
	if len(files) != 1 {
		t.Errorf("Expected 1 retained file, got %d", len(files))
	}
	if err := store.Remove(seg); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if err := store.Remove(seg); err != nil {
		t.Errorf("Expected removing twice to succeed, got %v", err)
	}
}

func TestEngine_SealFailureDropsSegment(t *testing.T) {
	input := &fakeInput{}
	e := NewEngine(testEngineConfig(), input, failingSealer{}, nil)
	t.Cleanup(e.Close)

	_ = e.Start(context.Background(), "s")
	input.Send([]byte{1, 0})
	_ = e.Stop()

	expectNoSegment(t, e)
	if e.Stats().SealFailures != 1 {
		t.Errorf("Expected 1 seal failure, got %d", e.Stats().SealFailures)
	}
}

func TestEngine_TickerRollsOver(t *testing.T) {
	config := testEngineConfig()
	config.SegmentDuration = 20 * time.Millisecond
	e, input := newTestEngine(t, config)
	_ = e.Start(context.Background(), "s")

	input.Send([]byte{7, 0})

	seg := receive(t, e)
	if !bytes.Equal(segmentPCM(t, seg), []byte{7, 0}) {
		t.Error("Expected ticker rollover to seal buffered audio")
	}
}

func TestEngine_AttachRetries(t *testing.T) {
	input := &fakeInput{attachErrs: []error{errors.New("device busy"), nil}}
	e := NewEngine(testEngineConfig(), input, plainSealer{}, nil)
	t.Cleanup(e.Close)

	if err := e.Start(context.Background(), "s"); err != nil {
		t.Fatalf("Expected start to succeed after reconnect, got %v", err)
	}
	if input.attaches != 2 {
		t.Errorf("Expected 2 attach attempts, got %d", input.attaches)
	}
}

func TestEngine_AttachFailureLeavesEngineIdle(t *testing.T) {
	busy := errors.New("device busy")
	input := &fakeInput{attachErrs: []error{busy, busy, busy}}
	e := NewEngine(testEngineConfig(), input, plainSealer{}, nil)
	t.Cleanup(e.Close)

	if err := e.Start(context.Background(), "s"); !errors.Is(err, busy) {
		t.Fatalf("Expected attach error, got %v", err)
	}
	if e.State() != StateIdle {
		t.Errorf("Expected idle after failed start, got %s", e.State())
	}
}

func TestEngine_CloseClosesSegments(t *testing.T) {
	input := &fakeInput{}
	e := NewEngine(testEngineConfig(), input, plainSealer{}, nil)

	_ = e.Start(context.Background(), "s")
	input.Send([]byte{1, 0})

	go e.Close()

	var got int
	for range e.Segments() {
		got++
	}
	if got != 1 {
		t.Errorf("Expected the trailing segment before close, got %d segments", got)
	}
}

func TestReaderInput(t *testing.T) {
	data := []byte{1, 0, 2, 0, 3, 0, 4, 0, 5}
	in := NewReaderInput(bytes.NewReader(data), 4)

	var mu sync.Mutex
	var got []byte
	if err := in.Attach(func(b []byte) {
		if len(b)%2 != 0 {
			t.Errorf("Expected sample-aligned buffer, got %d bytes", len(b))
		}
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	select {
	case <-in.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Reader input did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(got, data[:8]) {
		t.Errorf("Expected %v, got %v", data[:8], got)
	}
	if in.Err() != nil {
		t.Errorf("Expected clean EOF, got %v", in.Err())
	}
	if err := in.Attach(func([]byte) {}); err == nil {
		t.Error("Expected attach after EOF to fail")
	}
}
