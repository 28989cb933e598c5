// Package session owns recording sessions: it drives the capture engine,
// fans sealed segments out to the transcription client and assembles the
// ordered transcript.
package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/observability"
	"github.com/lexiqai/session-recorder/internal/stt"
	"github.com/lexiqai/session-recorder/internal/summary"
)

// Recorder is the capture side of a session
type Recorder interface {
	Start(ctx context.Context, sessionID string) error
	Pause() error
	Resume(ctx context.Context) error
	Stop() error
	Interrupt(ctx context.Context, began bool) error
	State() audio.State
	Segments() <-chan *audio.Segment
	SessionSegments() int
}

// Processor turns one sealed segment into text
type Processor interface {
	Process(ctx context.Context, seg *audio.Segment) (stt.Result, error)
}

// SegmentRemover deletes a segment's ciphertext once it is no longer needed
type SegmentRemover interface {
	Remove(seg *audio.Segment) error
}

// Persister stores finished sessions
type Persister interface {
	SaveSession(ctx context.Context, s *RecordingSession) error
}

// Notifier delivers finished sessions to an external system
type Notifier interface {
	SendTranscript(ctx context.Context, s *RecordingSession) error
}

// Options configures an Aggregator. Nil collaborators are skipped.
type Options struct {
	StopDrainTimeout     time.Duration
	RetainFailedSegments bool
	Segments             SegmentRemover
	Repository           Persister
	Notifier             Notifier
	DeliveryTimeout      time.Duration // per persistence/webhook call
}

// sessionState is the mutable side of a session, guarded by Aggregator.mu
type sessionState struct {
	session  RecordingSession
	logger   zerolog.Logger
	received int // segments taken off the recorder channel
	inflight int // segments still being transcribed
	changed  chan struct{}
	closed   bool // transcript handed to the summarizer; later results are late

	// persistMu orders saves so an older snapshot never overwrites a newer one
	persistMu sync.Mutex
}

// signal wakes anyone waiting for received/inflight to change
func (st *sessionState) signal() {
	close(st.changed)
	st.changed = make(chan struct{})
}

// Aggregator runs one recording session at a time and keeps the
// transcripts of all sessions it has seen.
type Aggregator struct {
	recorder   Recorder
	processor  Processor
	summarizer summary.Summarizer
	opts       Options
	logger     zerolog.Logger

	// lifecycle serializes recorder calls so a Stop reads the final
	// segment count before another Start can reset it
	lifecycle sync.Mutex

	mu       sync.Mutex
	current  *sessionState
	sessions map[string]*sessionState

	subMu       sync.Mutex
	subscribers map[chan ChunkEvent]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	consumed chan struct{}
}

// NewAggregator creates an aggregator and starts consuming the recorder's
// segments
func NewAggregator(recorder Recorder, processor Processor, summarizer summary.Summarizer, opts Options) *Aggregator {
	if opts.StopDrainTimeout <= 0 {
		opts.StopDrainTimeout = 30 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 30 * time.Second
	}
	if summarizer == nil {
		summarizer = summary.Unavailable{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Aggregator{
		recorder:    recorder,
		processor:   processor,
		summarizer:  summarizer,
		opts:        opts,
		logger:      observability.Component("session"),
		sessions:    make(map[string]*sessionState),
		subscribers: make(map[chan ChunkEvent]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		consumed:    make(chan struct{}),
	}

	go a.consume()
	return a
}

// Start begins a new recording session. title may be empty; it is
// replaced by the summarizer's title on stop.
func (a *Aggregator) Start(ctx context.Context, title string) (*RecordingSession, error) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	if a.current != nil {
		a.mu.Unlock()
		return nil, ErrSessionActive
	}

	correlationID := observability.NewCorrelationID()
	st := &sessionState{
		session: RecordingSession{
			ID:            uuid.New().String(),
			CorrelationID: correlationID,
			Title:         title,
			State:         StateRecording,
			StartTime:     time.Now(),
		},
		changed: make(chan struct{}),
	}
	st.logger = observability.WithSession(st.session.ID, correlationID)
	a.current = st
	a.sessions[st.session.ID] = st
	a.mu.Unlock()

	if err := a.recorder.Start(ctx, st.session.ID); err != nil {
		a.mu.Lock()
		a.current = nil
		delete(a.sessions, st.session.ID)
		a.mu.Unlock()
		return nil, err
	}

	observability.RecordSessionStart()
	st.logger.Info().Str("title", title).Msg("Recording session started")
	a.publish(ChunkEvent{Type: EventState, SessionID: st.session.ID, State: StateRecording})

	return a.snapshot(st), nil
}

// Pause pauses the active session
func (a *Aggregator) Pause() (*RecordingSession, error) {
	return a.transition(func(ctx context.Context) error { return a.recorder.Pause() })
}

// Resume resumes the active session
func (a *Aggregator) Resume(ctx context.Context) (*RecordingSession, error) {
	return a.transition(func(context.Context) error { return a.recorder.Resume(ctx) })
}

// Interrupt forwards an audio interruption to the recorder
func (a *Aggregator) Interrupt(ctx context.Context, began bool) (*RecordingSession, error) {
	return a.transition(func(context.Context) error { return a.recorder.Interrupt(ctx, began) })
}

func (a *Aggregator) transition(fn func(context.Context) error) (*RecordingSession, error) {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.Lock()
	st := a.current
	a.mu.Unlock()
	if st == nil {
		return nil, ErrNoActiveSession
	}

	if err := fn(a.ctx); err != nil {
		return nil, err
	}

	state := StateRecording
	if a.recorder.State() == audio.StatePaused {
		state = StatePaused
	}

	a.mu.Lock()
	changed := st.session.State != state
	st.session.State = state
	a.mu.Unlock()

	if changed {
		st.logger.Info().Str("state", string(state)).Msg("Recording session state changed")
		a.publish(ChunkEvent{Type: EventState, SessionID: st.session.ID, State: state})
	}
	return a.snapshot(st), nil
}

// Stop ends the active session: the recorder seals trailing audio, in-flight
// transcriptions get up to StopDrainTimeout to finish, then the transcript
// is summarized, persisted and delivered. Work still running after the
// timeout is not cancelled; it appends late.
func (a *Aggregator) Stop(ctx context.Context) (*RecordingSession, error) {
	a.lifecycle.Lock()
	a.mu.Lock()
	st := a.current
	if st == nil {
		a.mu.Unlock()
		a.lifecycle.Unlock()
		return nil, ErrNoActiveSession
	}
	a.current = nil
	st.session.State = StateStopping
	a.mu.Unlock()

	if err := a.recorder.Stop(); err != nil {
		st.logger.Warn().Err(err).Msg("Recorder stop failed")
	}
	expected := a.recorder.SessionSegments()
	a.lifecycle.Unlock()

	a.publish(ChunkEvent{Type: EventState, SessionID: st.session.ID, State: StateStopping})

	if !a.waitDrained(ctx, st, expected) {
		a.mu.Lock()
		pending := st.inflight + max(expected-st.received, 0)
		a.mu.Unlock()
		st.logger.Warn().
			Int("pending_segments", pending).
			Dur("timeout", a.opts.StopDrainTimeout).
			Msg("Stopping with transcriptions still in flight")
	}

	a.mu.Lock()
	transcript := st.session.Transcript()
	st.closed = true
	a.mu.Unlock()

	title, summaryText, err := a.summarizer.Summarize(ctx, transcript)
	if err != nil {
		st.logger.Warn().Err(err).Msg("Summarization failed")
	}

	a.mu.Lock()
	if err == nil || st.session.Title == "" {
		st.session.Title = title
	}
	st.session.Summary = summaryText
	st.session.EndTime = time.Now()
	st.session.State = StateCompleted
	a.mu.Unlock()

	snap := a.snapshot(st)
	observability.RecordSessionEnd(snap.Duration)
	st.logger.Info().
		Str("title", snap.Title).
		Int("segments", snap.SegmentCount).
		Int("chunks", len(snap.Chunks)).
		Int("missing", snap.Missing()).
		Dur("audio", snap.Duration).
		Msg("Recording session completed")

	a.publish(ChunkEvent{Type: EventState, SessionID: snap.ID, State: StateCompleted, Title: snap.Title, Summary: snap.Summary})
	a.deliver(ctx, st)

	return a.snapshot(st), nil
}

// waitDrained blocks until every segment the recorder emitted for the
// session has been processed, the timeout elapses, or ctx is done
func (a *Aggregator) waitDrained(ctx context.Context, st *sessionState, expected int) bool {
	timer := time.NewTimer(a.opts.StopDrainTimeout)
	defer timer.Stop()

	for {
		a.mu.Lock()
		done := st.received >= expected && st.inflight == 0
		changed := st.changed
		a.mu.Unlock()

		if done {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// deliver persists and posts a finished session. Failures are logged only.
func (a *Aggregator) deliver(ctx context.Context, st *sessionState) {
	ctx = context.WithoutCancel(ctx)

	if a.opts.Repository != nil {
		if err := a.persist(ctx, st); err != nil {
			observability.RecordError("persist_failed", "session")
			st.logger.Error().Err(err).Msg("Failed to persist session")
		}
	}

	if a.opts.Notifier != nil {
		sendCtx, cancel := context.WithTimeout(ctx, a.opts.DeliveryTimeout)
		if err := a.opts.Notifier.SendTranscript(sendCtx, a.snapshot(st)); err != nil {
			observability.RecordError("webhook_failed", "session")
			st.logger.Error().Err(err).Msg("Failed to deliver transcript webhook")
		}
		cancel()
	}
}

// Current returns a snapshot of the active session
func (a *Aggregator) Current() (*RecordingSession, error) {
	a.mu.Lock()
	st := a.current
	a.mu.Unlock()
	if st == nil {
		return nil, ErrNoActiveSession
	}
	return a.snapshot(st), nil
}

// Session returns a snapshot of any session seen by this process
func (a *Aggregator) Session(id string) (*RecordingSession, error) {
	a.mu.Lock()
	st, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return a.snapshot(st), nil
}

// Sessions returns snapshots of all sessions, oldest first
func (a *Aggregator) Sessions() []*RecordingSession {
	a.mu.Lock()
	states := make([]*sessionState, 0, len(a.sessions))
	for _, st := range a.sessions {
		states = append(states, st)
	}
	a.mu.Unlock()

	out := make([]*RecordingSession, len(states))
	for i, st := range states {
		out[i] = a.snapshot(st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Close cancels in-flight transcriptions and waits for them. Call it
// after the recorder's segment channel has been closed.
func (a *Aggregator) Close() {
	a.cancel()
	<-a.consumed
	a.workers.Wait()

	a.subMu.Lock()
	for ch := range a.subscribers {
		delete(a.subscribers, ch)
		close(ch)
	}
	a.subMu.Unlock()
}

func (a *Aggregator) snapshot(st *sessionState) *RecordingSession {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := st.session
	s.Chunks = slices.Clone(st.session.Chunks)
	s.Gaps = slices.Clone(st.session.Gaps)
	return &s
}

// consume takes sealed segments off the recorder and transcribes each in
// its own goroutine
func (a *Aggregator) consume() {
	defer close(a.consumed)

	for seg := range a.recorder.Segments() {
		a.mu.Lock()
		st, ok := a.sessions[seg.SessionID]
		if ok {
			st.received++
			st.inflight++
			st.session.SegmentCount++
			st.session.Duration += seg.Duration
			st.signal()
		}
		a.mu.Unlock()

		if !ok {
			a.logger.Warn().Str("session_id", seg.SessionID).Str("segment_id", seg.ID).Msg("Segment for unknown session discarded")
			a.removeSegment(a.logger, seg)
			continue
		}

		a.workers.Add(1)
		go a.process(st, seg)
	}
}

func (a *Aggregator) process(st *sessionState, seg *audio.Segment) {
	defer a.workers.Done()
	defer func() {
		a.mu.Lock()
		st.inflight--
		st.signal()
		a.mu.Unlock()
	}()

	logger := st.logger.With().Str("segment_id", seg.ID).Int("index", seg.Index).Logger()

	if seg.Silent {
		a.recordGap(st, seg, GapSilent, nil)
		a.removeSegment(logger, seg)
		return
	}

	res, err := a.processor.Process(a.ctx, seg)
	if err != nil {
		reason := gapReason(err)
		a.recordGap(st, seg, reason, err)
		logger.Warn().Err(err).Str("reason", string(reason)).Msg("Segment produced no transcript")

		if reason == GapDecryption || !a.opts.RetainFailedSegments {
			a.removeSegment(logger, seg)
		}
		return
	}

	if res.Text == "" {
		a.recordGap(st, seg, GapSilent, nil)
		a.removeSegment(logger, seg)
		return
	}

	a.appendChunk(st, seg, res)
	a.removeSegment(logger, seg)
}

func gapReason(err error) GapReason {
	switch {
	case stt.IsDecryptionError(err):
		return GapDecryption
	case stt.IsFallbackError(err):
		return GapFallback
	default:
		return GapRemote
	}
}

// before orders by start time, then by segment index
func before(ts time.Time, index int, otherTS time.Time, otherIndex int) bool {
	if ts.Equal(otherTS) {
		return index < otherIndex
	}
	return ts.Before(otherTS)
}

func (a *Aggregator) appendChunk(st *sessionState, seg *audio.Segment, res stt.Result) {
	chunk := TranscriptChunk{
		ID:        uuid.New().String(),
		SegmentID: seg.ID,
		Index:     seg.Index,
		Timestamp: seg.StartTime,
		Text:      res.Text,
		Source:    res.Source,
	}

	a.mu.Lock()
	chunks := st.session.Chunks
	i := sort.Search(len(chunks), func(i int) bool {
		return before(chunk.Timestamp, chunk.Index, chunks[i].Timestamp, chunks[i].Index)
	})
	st.session.Chunks = slices.Insert(chunks, i, chunk)
	late := st.closed
	a.mu.Unlock()

	observability.RecordChunk(string(res.Source))
	if late {
		st.logger.Warn().Str("segment_id", seg.ID).Msg("Transcript chunk arrived after the session completed")
	}
	a.publish(ChunkEvent{Type: EventChunk, SessionID: seg.SessionID, Chunk: &chunk, Late: late})

	if late && a.opts.Repository != nil {
		a.deliverLate(st)
	}
}

func (a *Aggregator) recordGap(st *sessionState, seg *audio.Segment, reason GapReason, err error) {
	gap := Gap{
		SegmentID: seg.ID,
		Index:     seg.Index,
		Timestamp: seg.StartTime,
		Reason:    reason,
	}
	if err != nil {
		gap.Error = err.Error()
	}

	a.mu.Lock()
	gaps := st.session.Gaps
	i := sort.Search(len(gaps), func(i int) bool {
		return before(gap.Timestamp, gap.Index, gaps[i].Timestamp, gaps[i].Index)
	})
	st.session.Gaps = slices.Insert(gaps, i, gap)
	late := st.closed
	a.mu.Unlock()

	observability.RecordGap(string(reason))
	if late {
		st.logger.Warn().Str("segment_id", seg.ID).Str("reason", string(reason)).Msg("Transcript gap recorded after the session completed")
	}
	a.publish(ChunkEvent{Type: EventGap, SessionID: seg.SessionID, Gap: &gap, Late: late})

	if late && a.opts.Repository != nil {
		a.deliverLate(st)
	}
}

// persist saves the session as it is now. Saves of one session run one at
// a time and each takes its snapshot under the lock, so the last save to
// finish always holds the newest state. Nothing is saved before the session
// completes; Stop's own save covers anything appended until then.
func (a *Aggregator) persist(ctx context.Context, st *sessionState) error {
	st.persistMu.Lock()
	defer st.persistMu.Unlock()

	a.mu.Lock()
	completed := st.session.State == StateCompleted
	a.mu.Unlock()
	if !completed {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(ctx, a.opts.DeliveryTimeout)
	defer cancel()
	return a.opts.Repository.SaveSession(saveCtx, a.snapshot(st))
}

// deliverLate re-saves a session after a chunk or gap arrived late
func (a *Aggregator) deliverLate(st *sessionState) {
	if err := a.persist(context.Background(), st); err != nil {
		observability.RecordError("persist_failed", "session")
		st.logger.Error().Err(err).Msg("Failed to persist late transcript result")
	}
}

func (a *Aggregator) removeSegment(logger zerolog.Logger, seg *audio.Segment) {
	if a.opts.Segments == nil {
		return
	}
	if err := a.opts.Segments.Remove(seg); err != nil {
		logger.Warn().Err(err).Str("segment_id", seg.ID).Msg("Failed to remove segment file")
	}
}

// Subscribe registers a live feed of transcript events. Events are dropped
// for subscribers that fall behind. The returned func unsubscribes.
func (a *Aggregator) Subscribe() (<-chan ChunkEvent, func()) {
	ch := make(chan ChunkEvent, 64)

	a.subMu.Lock()
	a.subscribers[ch] = struct{}{}
	a.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.subMu.Lock()
			if _, ok := a.subscribers[ch]; ok {
				delete(a.subscribers, ch)
				close(ch)
			}
			a.subMu.Unlock()
		})
	}
}

func (a *Aggregator) publish(ev ChunkEvent) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	for ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			a.logger.Warn().Str("session_id", ev.SessionID).Str("type", string(ev.Type)).Msg("Subscriber too slow, dropping event")
		}
	}
}
