package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lexiqai/session-recorder/internal/session"
	"github.com/lexiqai/session-recorder/internal/stt"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "sessions.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testSession(id string, start time.Time) *session.RecordingSession {
	return &session.RecordingSession{
		ID:            id,
		CorrelationID: "corr-" + id,
		Title:         "Weekly sync",
		Summary:       "Discussed the roadmap.",
		State:         session.StateCompleted,
		StartTime:     start,
		EndTime:       start.Add(95 * time.Second),
		Duration:      90 * time.Second,
		SegmentCount:  3,
		Chunks: []session.TranscriptChunk{
			{ID: id + "-c0", SegmentID: "s0", Index: 0, Timestamp: start, Text: "hello", Source: stt.SourceRemote},
			{ID: id + "-c2", SegmentID: "s2", Index: 2, Timestamp: start.Add(60 * time.Second), Text: "bye", Source: stt.SourceFallback},
		},
		Gaps: []session.Gap{
			{SegmentID: "s1", Index: 1, Timestamp: start.Add(30 * time.Second), Reason: session.GapRemote, Error: "status 503"},
		},
	}
}

func sameInstant(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < time.Millisecond
}

func TestSQLiteRepository_RoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	start := time.Now()
	want := testSession("sess-1", start)

	if err := repo.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	if got.Title != want.Title || got.Summary != want.Summary || got.State != want.State {
		t.Errorf("got %q/%q/%q", got.Title, got.Summary, got.State)
	}
	if got.CorrelationID != want.CorrelationID {
		t.Errorf("CorrelationID = %q", got.CorrelationID)
	}
	if !sameInstant(got.StartTime, start) || !sameInstant(got.EndTime, want.EndTime) {
		t.Errorf("times = %v/%v, want %v/%v", got.StartTime, got.EndTime, start, want.EndTime)
	}
	if got.Duration != want.Duration || got.SegmentCount != 3 {
		t.Errorf("Duration = %v, SegmentCount = %d", got.Duration, got.SegmentCount)
	}
	if got.Transcript() != "hello\nbye" {
		t.Errorf("Transcript() = %q", got.Transcript())
	}
	if got.Chunks[1].Source != stt.SourceFallback {
		t.Errorf("Chunks[1].Source = %q", got.Chunks[1].Source)
	}
	if len(got.Gaps) != 1 || got.Gaps[0].Reason != session.GapRemote || got.Gaps[0].Error != "status 503" {
		t.Errorf("Gaps = %+v", got.Gaps)
	}
	if got.Missing() != 1 {
		t.Errorf("Missing() = %d, want 1", got.Missing())
	}
}

func TestSQLiteRepository_SaveReplacesChunks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	s := testSession("sess-1", time.Now())

	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// a late chunk fills the gap
	late := session.TranscriptChunk{
		ID: "late", SegmentID: "s1", Index: 1, Timestamp: s.StartTime.Add(30 * time.Second), Text: "middle", Source: stt.SourceRemote,
	}
	s.Chunks = []session.TranscriptChunk{s.Chunks[0], late, s.Chunks[1]}
	s.Gaps = nil
	s.Title = "Retitled"

	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("second SaveSession() error = %v", err)
	}

	got, err := repo.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Transcript() != "hello\nmiddle\nbye" {
		t.Errorf("Transcript() = %q", got.Transcript())
	}
	if len(got.Gaps) != 0 {
		t.Errorf("len(Gaps) = %d, want 0", len(got.Gaps))
	}
	if got.Title != "Retitled" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestSQLiteRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.GetSession(context.Background(), "nope")
	if !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSQLiteRepository_ListSessions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"a", "b", "c"} {
		if err := repo.SaveSession(ctx, testSession(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveSession(%s) error = %v", id, err)
		}
	}

	list, err := repo.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != "c" || list[1].ID != "b" {
		t.Errorf("order = %s, %s; want newest first", list[0].ID, list[1].ID)
	}
	if len(list[0].Chunks) != 0 {
		t.Error("ListSessions() loaded chunks")
	}
}

func TestSQLiteRepository_Ping(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestOpen_SelectsBackend(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Error("Open(\"\") error = nil")
	}

	repo, err := Open(context.Background(), filepath.Join(t.TempDir(), "x.sqlite"))
	if err != nil {
		t.Fatalf("Open(sqlite path) error = %v", err)
	}
	defer repo.Close()
	if _, ok := repo.(*SQLiteRepository); !ok {
		t.Errorf("Open(sqlite path) = %T", repo)
	}
}
