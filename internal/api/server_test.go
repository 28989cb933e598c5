package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/session"
)

type fakeController struct {
	mu      sync.Mutex
	current *session.RecordingSession
	done    map[string]*session.RecordingSession
	began   []bool
	subs    []chan session.ChunkEvent
	stopCtx context.Context
}

func newFakeController() *fakeController {
	return &fakeController{done: make(map[string]*session.RecordingSession)}
}

func (f *fakeController) Start(ctx context.Context, title string) (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		return nil, session.ErrSessionActive
	}
	f.current = &session.RecordingSession{ID: "sess-1", Title: title, State: session.StateRecording}
	return f.current, nil
}

func (f *fakeController) Pause() (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, session.ErrNoActiveSession
	}
	if f.current.State == session.StatePaused {
		return nil, audio.ErrInvalidState
	}
	f.current.State = session.StatePaused
	return f.current, nil
}

func (f *fakeController) Resume(ctx context.Context) (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, session.ErrNoActiveSession
	}
	f.current.State = session.StateRecording
	return f.current, nil
}

func (f *fakeController) Interrupt(ctx context.Context, began bool) (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, session.ErrNoActiveSession
	}
	f.began = append(f.began, began)
	return f.current, nil
}

func (f *fakeController) Stop(ctx context.Context) (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, session.ErrNoActiveSession
	}
	f.stopCtx = ctx
	s := f.current
	s.State = session.StateCompleted
	s.Summary = "done"
	f.done[s.ID] = s
	f.current = nil
	return s, nil
}

func (f *fakeController) Current() (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, session.ErrNoActiveSession
	}
	return f.current, nil
}

func (f *fakeController) Session(id string) (*session.RecordingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.done[id]; ok {
		return s, nil
	}
	return nil, session.ErrSessionNotFound
}

func (f *fakeController) Sessions() []*session.RecordingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.RecordingSession
	for _, s := range f.done {
		out = append(out, s)
	}
	return out
}

func (f *fakeController) Subscribe() (<-chan session.ChunkEvent, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan session.ChunkEvent, 8)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeController) publish(ev session.ChunkEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- ev
	}
}

func (f *fakeController) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeArchive struct{}

func (fakeArchive) GetSession(ctx context.Context, id string) (*session.RecordingSession, error) {
	if id == "archived" {
		return &session.RecordingSession{ID: "archived", State: session.StateCompleted}, nil
	}
	return nil, session.ErrSessionNotFound
}

func (fakeArchive) ListSessions(ctx context.Context, limit int) ([]*session.RecordingSession, error) {
	out := []*session.RecordingSession{{ID: "archived"}, {ID: "older"}, {ID: "oldest"}}
	return out[:min(limit, len(out))], nil
}

func newTestServer(t *testing.T, ctrl *fakeController) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := NewServer(ctrl, fakeArchive{})
	srv.AddStatus("capture", func() any { return map[string]string{"state": "idle"} })
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Hub().Close()
		ts.Close()
	})
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestServer_Lifecycle(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl)

	resp, body := do(t, http.MethodPost, ts.URL+"/sessions", `{"title":"Retro"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if body["title"] != "Retro" || body["state"] != "recording" {
		t.Errorf("start body = %v", body)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/sessions", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/sessions/current/pause", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "paused" {
		t.Errorf("pause = %d %v", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/sessions/current/pause", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second pause status = %d, want 409", resp.StatusCode)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/sessions/current/resume", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "recording" {
		t.Errorf("resume = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/sessions/current/interruption", `{"began":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("interruption status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/sessions/current/interruption", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad interruption status = %d, want 400", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/sessions/current", "")
	if resp.StatusCode != http.StatusOK || body["id"] != "sess-1" {
		t.Errorf("current = %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/sessions/current/stop", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "completed" || body["summary"] != "done" {
		t.Errorf("stop = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/sessions/current", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("current after stop status = %d, want 404", resp.StatusCode)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/sessions/sess-1", "")
	if resp.StatusCode != http.StatusOK || body["id"] != "sess-1" {
		t.Errorf("get = %d %v", resp.StatusCode, body)
	}

	if len(ctrl.began) != 1 || !ctrl.began[0] {
		t.Errorf("interruptions = %v", ctrl.began)
	}
	if ctrl.stopCtx == nil || ctrl.stopCtx.Done() != nil {
		t.Error("stop context is tied to the request")
	}
}

func TestServer_GetFallsBackToArchive(t *testing.T) {
	ts := newTestServer(t, newFakeController())

	resp, body := do(t, http.MethodGet, ts.URL+"/sessions/archived", "")
	if resp.StatusCode != http.StatusOK || body["id"] != "archived" {
		t.Errorf("archived = %d %v", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/sessions/unknown", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_History(t *testing.T) {
	ts := newTestServer(t, newFakeController())

	resp, err := http.Get(ts.URL + "/sessions/history?limit=2")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var list []session.RecordingSession
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].ID != "archived" {
		t.Errorf("history = %+v", list)
	}

	bad, _ := do(t, http.MethodGet, ts.URL+"/sessions/history?limit=zero", "")
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", bad.StatusCode)
	}
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t, newFakeController())

	resp, body := do(t, http.MethodGet, ts.URL+"/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	capture, ok := body["capture"].(map[string]any)
	if !ok || capture["state"] != "idle" {
		t.Errorf("capture status = %v", body["capture"])
	}
	if body["live_feed_clients"] != float64(0) {
		t.Errorf("live_feed_clients = %v", body["live_feed_clients"])
	}
}

func TestServer_NoActiveSession(t *testing.T) {
	ts := newTestServer(t, newFakeController())

	for _, path := range []string{"pause", "resume", "stop"} {
		resp, body := do(t, http.MethodPost, ts.URL+"/sessions/current/"+path, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, resp.StatusCode)
		}
		if body["error"] != session.ErrNoActiveSession.Error() {
			t.Errorf("%s error = %v", path, body["error"])
		}
	}
}

func TestHub_StreamsEvents(t *testing.T) {
	ctrl := newFakeController()
	ts := newTestServer(t, ctrl)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("hub never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctrl.publish(session.ChunkEvent{
		Type:      session.EventChunk,
		SessionID: "sess-1",
		Chunk:     &session.TranscriptChunk{ID: "c1", Text: "hello there"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev session.ChunkEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != session.EventChunk || ev.Chunk == nil || ev.Chunk.Text != "hello there" {
		t.Errorf("event = %+v", ev)
	}
}
