package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/session-recorder/internal/observability"
	"github.com/lexiqai/session-recorder/internal/resilience"
)

// ErrInvalidState is returned when a lifecycle call does not apply to the
// engine's current state
var ErrInvalidState = errors.New("invalid capture state")

// State is the capture lifecycle state
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sealer encrypts a finished segment before it is persisted
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// EngineConfig holds capture settings
type EngineConfig struct {
	SampleRate          int
	BufferSize          int // ring buffer bytes
	SegmentDuration     time.Duration
	SealTrailingSegment bool
	SkipSilentSegments  bool
	VAD                 *VADConfig
	Reconnect           *resilience.ReconnectConfig
	SegmentQueue        int // Segments() channel capacity
}

// EngineStats is a point-in-time view of the engine
type EngineStats struct {
	State          State
	SessionID      string
	Speaking       bool // only tracked with SkipSilentSegments
	SegmentsSealed int64
	SealFailures   int64
	DroppedBytes   int64
}

// openSegment accumulates PCM for the segment currently being recorded
type openSegment struct {
	id        string
	sessionID string
	index     int
	start     time.Time
	pcm       bytes.Buffer
	vad       *VADDetector
}

// Engine records PCM from an Input into fixed-length segments, seals each
// one and emits it on Segments(). Drain and rollover share one writer
// lock, so no sample is lost or duplicated across a segment boundary.
type Engine struct {
	config EngineConfig
	input  Input
	sealer Sealer
	store  *SegmentStore
	logger zerolog.Logger

	// lifecycle, guarded by mu
	mu          sync.Mutex
	state       State
	interrupted bool
	tickerStop  chan struct{}
	tickerDone  chan struct{}

	// writer lock: ring drain and segment rollover
	writeMu   sync.Mutex
	ring      *RingBuffer
	current   *openSegment
	sessionID string
	nextIndex int

	notify   chan struct{}
	segments chan *Segment
	done     chan struct{}
	drainWG  sync.WaitGroup
	closed   sync.Once

	sealed       atomic.Int64
	sealFailures atomic.Int64
	dropped      atomic.Int64
	emitted      atomic.Int64 // delivered for the current session
}

// NewEngine creates an idle engine. store may be nil, in which case
// segments are emitted without being written to disk.
func NewEngine(config EngineConfig, input Input, sealer Sealer, store *SegmentStore) *Engine {
	if config.SampleRate <= 0 {
		config.SampleRate = 44100
	}
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = 30 * time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1 << 20
	}
	if config.SegmentQueue <= 0 {
		config.SegmentQueue = 64
	}
	if config.VAD == nil {
		config.VAD = DefaultVADConfig(config.SampleRate)
	}

	e := &Engine{
		config:   config,
		input:    input,
		sealer:   sealer,
		store:    store,
		logger:   observability.Component("capture"),
		ring:     NewRingBuffer(config.BufferSize),
		notify:   make(chan struct{}, 1),
		segments: make(chan *Segment, config.SegmentQueue),
		done:     make(chan struct{}),
	}

	e.drainWG.Add(1)
	go e.drainLoop()

	return e
}

// Segments returns the channel of sealed segments. It is closed by Close.
func (e *Engine) Segments() <-chan *Segment {
	return e.segments
}

// SessionSegments returns how many segments of the current session have
// been delivered on Segments(). After Stop returns the count is final.
func (e *Engine) SessionSegments() int {
	return int(e.emitted.Load())
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns engine counters
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	e.writeMu.Lock()
	sessionID := e.sessionID
	speaking := e.current != nil && e.current.vad != nil && e.current.vad.IsSpeaking()
	e.writeMu.Unlock()

	return EngineStats{
		State:          state,
		SessionID:      sessionID,
		Speaking:       speaking,
		SegmentsSealed: e.sealed.Load(),
		SealFailures:   e.sealFailures.Load(),
		DroppedBytes:   e.dropped.Load(),
	}
}

// Start begins recording a new session from segment 0
func (e *Engine) Start(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle && e.state != StateStopped {
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, e.state)
	}

	e.writeMu.Lock()
	e.ring.Clear()
	e.emitted.Store(0)
	e.sessionID = sessionID
	e.nextIndex = 0
	e.current = e.newSegmentLocked()
	e.writeMu.Unlock()

	if err := e.attach(ctx); err != nil {
		e.discardCurrent()
		return err
	}

	e.interrupted = false
	e.state = StateRecording
	e.startTicker()

	e.logger.Info().Str("session_id", sessionID).Dur("segment_duration", e.config.SegmentDuration).Msg("Recording started")
	return nil
}

// Pause seals the audio captured so far in its own segment and stops
// capturing until Resume
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.pauseLocked(); err != nil {
		return err
	}
	e.interrupted = false
	return nil
}

// Resume starts a fresh segment and re-attaches the input
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.resumeLocked(ctx); err != nil {
		return err
	}
	e.interrupted = false
	return nil
}

// Interrupt handles an external audio interruption. A beginning pauses the
// engine; an ending resumes it only if the interruption caused the pause.
func (e *Engine) Interrupt(ctx context.Context, began bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if began {
		if e.state != StateRecording {
			return nil
		}
		if err := e.pauseLocked(); err != nil {
			return err
		}
		e.interrupted = true
		e.logger.Info().Str("session_id", e.currentSessionID()).Msg("Interruption began, recording paused")
		return nil
	}

	if e.state != StatePaused || !e.interrupted {
		return nil
	}
	if err := e.resumeLocked(ctx); err != nil {
		return err
	}
	e.interrupted = false
	e.logger.Info().Str("session_id", e.currentSessionID()).Msg("Interruption ended, recording resumed")
	return nil
}

// Stop ends the session. The trailing partial segment is sealed when
// SealTrailingSegment is set and discarded otherwise.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return fmt.Errorf("%w: cannot stop while %s", ErrInvalidState, e.state)
	}

	if e.state == StateRecording {
		e.input.Detach()
		e.stopTicker()
	}
	e.state = StateStopped
	e.interrupted = false

	if e.config.SealTrailingSegment {
		e.rollover(false)
	} else if n := e.discardCurrent(); n > 0 {
		e.logger.Warn().
			Str("session_id", e.currentSessionID()).
			Int("bytes", n).
			Dur("audio", PCMDuration(n, e.config.SampleRate)).
			Msg("Trailing segment discarded")
	}

	e.logger.Info().Str("session_id", e.currentSessionID()).Msg("Recording stopped")
	return nil
}

// Close stops any active recording, ends the drain goroutine and closes
// the Segments channel
func (e *Engine) Close() {
	e.closed.Do(func() {
		if st := e.State(); st == StateRecording || st == StatePaused {
			if err := e.Stop(); err != nil {
				e.logger.Warn().Err(err).Msg("Stop during close failed")
			}
		}
		close(e.done)
		e.drainWG.Wait()
		close(e.segments)
	})
}

func (e *Engine) pauseLocked() error {
	if e.state != StateRecording {
		return fmt.Errorf("%w: cannot pause while %s", ErrInvalidState, e.state)
	}

	e.input.Detach()
	e.stopTicker()
	e.state = StatePaused
	e.rollover(false)

	e.logger.Info().Str("session_id", e.currentSessionID()).Msg("Recording paused")
	return nil
}

func (e *Engine) resumeLocked(ctx context.Context) error {
	if e.state != StatePaused {
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, e.state)
	}

	e.writeMu.Lock()
	e.current = e.newSegmentLocked()
	e.writeMu.Unlock()

	if err := e.attach(ctx); err != nil {
		e.discardCurrent()
		return err
	}

	e.state = StateRecording
	e.startTicker()

	e.logger.Info().Str("session_id", e.currentSessionID()).Msg("Recording resumed")
	return nil
}

func (e *Engine) attach(ctx context.Context) error {
	err := resilience.Reconnect(ctx, "audio-input", func() error {
		return e.input.Attach(e.push)
	}, e.config.Reconnect)
	if err != nil {
		observability.RecordError("attach_failed", "capture")
		return fmt.Errorf("failed to attach audio input: %w", err)
	}
	return nil
}

// push is the real-time callback. It never blocks: bytes that do not fit
// in the ring buffer are dropped and counted.
func (e *Engine) push(data []byte) {
	observability.SetInputLevel(PCMLevel(data))

	if n := e.ring.Write(data); n < len(data) {
		lost := len(data) - n
		e.dropped.Add(int64(lost))
		observability.RecordDroppedInput(lost)
	}

	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) drainLoop() {
	defer e.drainWG.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.notify:
			e.writeMu.Lock()
			e.drainLocked()
			e.writeMu.Unlock()
		}
	}
}

// drainLocked moves buffered input into the open segment. Must hold writeMu.
func (e *Engine) drainLocked() {
	data := e.ring.Drain()
	if data == nil || e.current == nil {
		return
	}
	e.current.pcm.Write(data)
	if e.config.SkipSilentSegments {
		e.current.vad.Feed(data)
	}
}

func (e *Engine) newSegmentLocked() *openSegment {
	seg := &openSegment{
		id:        uuid.New().String(),
		sessionID: e.sessionID,
		index:     e.nextIndex,
		start:     time.Now(),
	}
	if e.config.SkipSilentSegments {
		seg.vad = NewVADDetector(e.config.VAD)
	}
	e.nextIndex++
	return seg
}

// discardCurrent drops the open segment and returns how many bytes it held
func (e *Engine) discardCurrent() int {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.drainLocked()
	if e.current == nil {
		return 0
	}
	n := e.current.pcm.Len()
	e.current = nil
	return n
}

func (e *Engine) currentSessionID() string {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.sessionID
}

// rollover closes the open segment and, when openNext is set, opens its
// successor under the same lock. Sealing happens outside the lock so
// capture continues into the new segment meanwhile.
func (e *Engine) rollover(openNext bool) {
	e.writeMu.Lock()
	e.drainLocked()
	closed := e.current
	e.current = nil
	if openNext {
		e.current = e.newSegmentLocked()
	}
	e.writeMu.Unlock()

	if closed == nil || closed.pcm.Len() == 0 {
		return
	}
	e.seal(closed)
}

func (e *Engine) seal(open *openSegment) {
	pcm := open.pcm.Bytes()
	seg := &Segment{
		ID:        open.id,
		SessionID: open.sessionID,
		Index:     open.index,
		StartTime: open.start,
		Duration:  PCMDuration(len(pcm), e.config.SampleRate),
		Silent:    open.vad != nil && !open.vad.HeardSpeech(),
	}
	logger := e.logger.With().Str("session_id", seg.SessionID).Str("segment_id", seg.ID).Int("index", seg.Index).Logger()

	sealed, err := e.sealer.Seal(EncodeWAV(pcm, e.config.SampleRate))
	if err != nil {
		e.sealFailures.Add(1)
		observability.RecordError("seal_failed", "capture")
		logger.Error().Err(err).Dur("audio", seg.Duration).Msg("Failed to seal segment, audio lost")
		return
	}
	seg.Encrypted = sealed

	if e.store != nil {
		if err := e.store.Save(seg); err != nil {
			observability.RecordError("persist_failed", "capture")
			logger.Warn().Err(err).Msg("Failed to persist sealed segment, keeping it in memory")
		}
	}

	e.sealed.Add(1)
	observability.RecordSegmentSealed(len(sealed))
	logger.Debug().Dur("audio", seg.Duration).Int("bytes", len(sealed)).Bool("silent", seg.Silent).Msg("Segment sealed")

	select {
	case e.segments <- seg:
		e.emitted.Add(1)
	case <-e.done:
		logger.Warn().Msg("Engine closed before segment was delivered")
	}
}

func (e *Engine) startTicker() {
	stop := make(chan struct{})
	done := make(chan struct{})
	e.tickerStop = stop
	e.tickerDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.config.SegmentDuration)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.rollover(true)
			}
		}
	}()
}

func (e *Engine) stopTicker() {
	if e.tickerStop == nil {
		return
	}
	close(e.tickerStop)
	<-e.tickerDone
	e.tickerStop = nil
	e.tickerDone = nil
}
