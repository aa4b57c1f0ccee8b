package apihttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"torrentcore/internal/app"
	"torrentcore/internal/domain"
	"torrentcore/internal/events"
	"torrentcore/internal/services/torrent/worker"
)

type engineCall struct {
	op   string
	id   domain.TorrentID
	args any
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []engineCall
	err   error
	peers []domain.PeerInfo
}

func (f *fakeEngine) record(op string, id domain.TorrentID, args any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, engineCall{op: op, id: id, args: args})
	return f.err
}

func (f *fakeEngine) last(t *testing.T) engineCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("engine was not called")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeEngine) Add(_ context.Context, req domain.AddTorrentRequest) (domain.TorrentID, error) {
	if req.ID.IsZero() {
		return domain.TorrentID{}, domain.ErrInvalidRequest
	}
	if err := f.record("add", req.ID, req); err != nil {
		return domain.TorrentID{}, err
	}
	return req.ID, nil
}

func (f *fakeEngine) Remove(_ context.Context, id domain.TorrentID, withData bool) error {
	return f.record("remove", id, withData)
}

func (f *fakeEngine) Pause(_ context.Context, id domain.TorrentID) error {
	return f.record("pause", id, nil)
}

func (f *fakeEngine) Resume(_ context.Context, id domain.TorrentID) error {
	return f.record("resume", id, nil)
}

func (f *fakeEngine) Recheck(_ context.Context, id domain.TorrentID) error {
	return f.record("recheck", id, nil)
}

func (f *fakeEngine) Reannounce(_ context.Context, id domain.TorrentID) error {
	return f.record("reannounce", id, nil)
}

func (f *fakeEngine) SetSequential(_ context.Context, id domain.TorrentID, sequential bool) error {
	return f.record("sequential", id, sequential)
}

func (f *fakeEngine) UpdateSelection(_ context.Context, id domain.TorrentID, sel domain.FileSelection) error {
	return f.record("selection", id, sel)
}

func (f *fakeEngine) UpdateLimits(_ context.Context, id *domain.TorrentID, limits domain.Limits) error {
	var target domain.TorrentID
	if id != nil {
		target = *id
	}
	return f.record("limits", target, limits)
}

func (f *fakeEngine) UpdateOptions(_ context.Context, id domain.TorrentID, opts domain.TorrentOptions) error {
	return f.record("options", id, opts)
}

func (f *fakeEngine) UpdateTrackers(_ context.Context, id domain.TorrentID, update domain.TrackerUpdate) error {
	return f.record("trackers", id, update)
}

func (f *fakeEngine) UpdateWebSeeds(_ context.Context, id domain.TorrentID, update domain.WebSeedUpdate) error {
	return f.record("webseeds", id, update)
}

func (f *fakeEngine) SetPieceDeadline(_ context.Context, id domain.TorrentID, deadline domain.PieceDeadline) error {
	return f.record("deadline", id, deadline)
}

func (f *fakeEngine) MoveStorage(_ context.Context, id domain.TorrentID, dir string) error {
	return f.record("move", id, dir)
}

func (f *fakeEngine) QueryPeers(_ context.Context, id domain.TorrentID) ([]domain.PeerInfo, error) {
	if err := f.record("peers", id, nil); err != nil {
		return nil, err
	}
	return f.peers, nil
}

func (f *fakeEngine) CreateTorrent(_ context.Context, req domain.CreateTorrentRequest) (domain.CreateTorrentResult, error) {
	if err := f.record("create", domain.TorrentID{}, req); err != nil {
		return domain.CreateTorrentResult{}, err
	}
	return domain.CreateTorrentResult{Metainfo: []byte("d4:infod"), InfoHash: "abc", Magnet: "magnet:?xt=urn:btih:abc"}, nil
}

type fakeSettings struct {
	mu      sync.Mutex
	current app.RuntimeConfig
	err     error
}

func (f *fakeSettings) Get() app.RuntimeConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSettings) Update(_ context.Context, cfg app.RuntimeConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.current = cfg
	return nil
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeEngine) {
	t.Helper()
	engine := &fakeEngine{}
	opts = append([]ServerOption{WithEngine(engine), WithLogger(quietLogger())}, opts...)
	s := NewServer(opts...)
	t.Cleanup(s.Close)
	return s, engine
}

func do(s http.Handler, method, target string, body string, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return env.Error
}

func TestAddTorrentJSON(t *testing.T) {
	s, engine := newTestServer(t)
	id := domain.NewTorrentID()
	body := `{"id":"` + id.String() + `","magnet":"magnet:?xt=urn:btih:abc","name":" Ubuntu ","sequential":true,"paused":true}`

	rec := do(s, http.MethodPost, "/torrents", body, "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != id {
		t.Fatalf("id = %s, want %s", resp.ID, id)
	}

	call := engine.last(t)
	req := call.args.(domain.AddTorrentRequest)
	if req.Name != "Ubuntu" || !req.Paused || req.Sequential == nil || !*req.Sequential {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestAddTorrentAssignsIDWhenOmitted(t *testing.T) {
	s, engine := newTestServer(t)

	rec := do(s, http.MethodPost, "/torrents", `{"magnet":"magnet:?xt=urn:btih:abc"}`, "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID.IsZero() {
		t.Fatal("expected a generated id")
	}
	if req := engine.last(t).args.(domain.AddTorrentRequest); req.ID != resp.ID {
		t.Fatalf("engine saw id %s, response carried %s", req.ID, resp.ID)
	}
}

func TestAddTorrentRejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name        string
		body        string
		contentType string
		status      int
	}{
		{"bad id", `{"id":"nope","magnet":"magnet:?x"}`, "application/json", http.StatusBadRequest},
		{"unknown field", `{"magnet":"m","bogus":1}`, "application/json", http.StatusBadRequest},
		{"bad json", `{`, "application/json", http.StatusBadRequest},
		{"unsupported type", `magnet`, "text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, "/torrents", tc.body, tc.contentType)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestAddTorrentMultipart(t *testing.T) {
	s, engine := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("torrent", "ubuntu.torrent")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("d8:announce0:e"))
	_ = mw.WriteField("sequential", "true")
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/torrents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	added := engine.last(t).args.(domain.AddTorrentRequest)
	if string(added.Source.Metainfo) != "d8:announce0:e" {
		t.Fatalf("metainfo = %q", added.Source.Metainfo)
	}
	if added.Sequential == nil || !*added.Sequential {
		t.Fatal("sequential not parsed")
	}
}

func TestEngineErrorMapping(t *testing.T) {
	id := domain.NewTorrentID()
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", domain.NotFound(id), http.StatusNotFound, "not_found"},
		{"invalid", domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"transition", domain.OperationFailed("pause", &id, domain.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"engine", domain.OperationFailed("pause", &id, errors.New("boom")), http.StatusInternalServerError, "engine_error"},
		{"closed", worker.ErrWorkerClosed, http.StatusServiceUnavailable, "unavailable"},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable, "unavailable"},
		{"other", errors.New("mystery"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, engine := newTestServer(t)
			engine.err = tc.err
			rec := do(s, http.MethodPost, "/torrents/"+id.String()+"/pause", "", "")
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if got := decodeError(t, rec).Code; got != tc.code {
				t.Fatalf("code = %q, want %q", got, tc.code)
			}
		})
	}
}

func TestTorrentActions(t *testing.T) {
	id := domain.NewTorrentID()
	for _, action := range []string{"pause", "resume", "recheck", "reannounce"} {
		t.Run(action, func(t *testing.T) {
			s, engine := newTestServer(t)
			rec := do(s, http.MethodPost, "/torrents/"+id.String()+"/"+action, "", "")
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d", rec.Code)
			}
			if call := engine.last(t); call.op != action || call.id != id {
				t.Fatalf("unexpected call %+v", call)
			}
		})
	}

	s, _ := newTestServer(t)
	if rec := do(s, http.MethodPost, "/torrents/"+id.String()+"/explode", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/torrents/not-a-uuid/pause", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", rec.Code)
	}
}

func TestMoveAndRemove(t *testing.T) {
	s, engine := newTestServer(t)
	id := domain.NewTorrentID()

	rec := do(s, http.MethodPost, "/torrents/"+id.String()+"/move", `{"dir":"/mnt/archive"}`, "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("move status = %d", rec.Code)
	}
	if call := engine.last(t); call.op != "move" || call.args.(string) != "/mnt/archive" {
		t.Fatalf("unexpected call %+v", call)
	}

	rec = do(s, http.MethodDelete, "/torrents/"+id.String()+"?deleteFiles=true", "", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("remove status = %d", rec.Code)
	}
	if call := engine.last(t); call.op != "remove" || call.args.(bool) != true {
		t.Fatalf("unexpected call %+v", call)
	}
}

func TestTorrentUpdates(t *testing.T) {
	id := domain.NewTorrentID()
	base := "/torrents/" + id.String()
	tests := []struct {
		name   string
		path   string
		body   string
		op     string
		status int
	}{
		{"sequential", base + "/sequential", `{"sequential":true}`, "sequential", http.StatusAccepted},
		{"selection", base + "/selection", `{"rules":{"include":["*.mkv"],"skipFluff":true},"priorities":{"0":"high"}}`, "selection", http.StatusAccepted},
		{"bad priority", base + "/selection", `{"rules":{"skipFluff":false},"priorities":{"0":"urgent"}}`, "", http.StatusBadRequest},
		{"limits", base + "/limits", `{"downloadBps":1024,"uploadBps":0}`, "limits", http.StatusAccepted},
		{"options", base + "/options", `{"maxConnections":10}`, "options", http.StatusAccepted},
		{"negative options", base + "/options", `{"maxConnections":-1}`, "", http.StatusBadRequest},
		{"trackers", base + "/trackers", `{"trackers":["udp://t"],"replace":true}`, "trackers", http.StatusAccepted},
		{"webseeds", base + "/webseeds", `{"urls":["https://seed"],"replace":false}`, "webseeds", http.StatusAccepted},
		{"deadline", base + "/deadline", `{"piece":3,"deadlineMs":1500}`, "deadline", http.StatusAccepted},
		{"negative deadline", base + "/deadline", `{"piece":3,"deadlineMs":-1}`, "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, engine := newTestServer(t)
			rec := do(s, http.MethodPut, tc.path, tc.body, "application/json")
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.status, rec.Body.String())
			}
			if tc.op == "" {
				return
			}
			if call := engine.last(t); call.op != tc.op || call.id != id {
				t.Fatalf("unexpected call %+v", call)
			}
		})
	}
}

func TestDeadlineConvertsMilliseconds(t *testing.T) {
	s, engine := newTestServer(t)
	id := domain.NewTorrentID()
	do(s, http.MethodPut, "/torrents/"+id.String()+"/deadline", `{"piece":2,"deadlineMs":1500}`, "application/json")

	got := engine.last(t).args.(domain.PieceDeadline)
	if got.Piece != 2 || got.Deadline != 1500*time.Millisecond {
		t.Fatalf("unexpected deadline %+v", got)
	}
}

func TestGlobalLimits(t *testing.T) {
	s, engine := newTestServer(t)
	rec := do(s, http.MethodPut, "/limits", `{"downloadBps":2048,"uploadBps":512}`, "application/json")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	call := engine.last(t)
	if !call.id.IsZero() {
		t.Fatalf("expected global limits, got id %s", call.id)
	}
	if call.args.(domain.Limits) != (domain.Limits{DownloadBPS: 2048, UploadBPS: 512}) {
		t.Fatalf("unexpected limits %+v", call.args)
	}
}

func TestPeersAndCreate(t *testing.T) {
	s, engine := newTestServer(t)
	id := domain.NewTorrentID()

	rec := do(s, http.MethodGet, "/torrents/"+id.String()+"/peers", "", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty peers: %d %s", rec.Code, rec.Body.String())
	}

	engine.peers = []domain.PeerInfo{{Addr: "1.2.3.4:6881", Progress: 1}}
	rec = do(s, http.MethodGet, "/torrents/"+id.String()+"/peers", "", "")
	var peers []domain.PeerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &peers); err != nil || len(peers) != 1 {
		t.Fatalf("peers = %s (%v)", rec.Body.String(), err)
	}

	rec = do(s, http.MethodPost, "/torrents/create", `{"sourcePath":"/srv/data","private":true}`, "application/json")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var res domain.CreateTorrentResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || res.InfoHash != "abc" {
		t.Fatalf("create body = %s (%v)", rec.Body.String(), err)
	}

	rec = do(s, http.MethodPost, "/torrents/create", `{"sourcePath":" "}`, "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty source status = %d", rec.Code)
	}
}

func TestMissingEngineIsUnavailable(t *testing.T) {
	s := NewServer(WithLogger(quietLogger()))
	defer s.Close()
	rec := do(s, http.MethodPost, "/torrents/"+domain.NewTorrentID().String()+"/pause", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRuntimeSettings(t *testing.T) {
	settings := &fakeSettings{current: app.RuntimeConfig{ListenPort: 6881, MaxActive: 2}}
	s, _ := newTestServer(t, WithSettings(settings))

	rec := do(s, http.MethodGet, "/settings/runtime", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got runtimeSettingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Config.ListenPort != 6881 || got.Planned.MaxActive != 2 {
		t.Fatalf("unexpected settings %+v", got)
	}

	rec = do(s, http.MethodPut, "/settings/runtime", `{"listenPort":70000,"maxActive":4}`, "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d (%s)", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Config.MaxActive != 4 || got.Planned.HasListenPort || len(got.Warnings) == 0 {
		t.Fatalf("expected port warning, got %+v", got)
	}

	settings.err = errors.New("disk full")
	rec = do(s, http.MethodPut, "/settings/runtime", `{"listenPort":6881}`, "application/json")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("failed update status = %d", rec.Code)
	}
}

func TestLastEventID(t *testing.T) {
	bus, err := events.New(8)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, WithEvents(bus))

	rec := do(s, http.MethodGet, "/events/last-id", "", "")
	if strings.TrimSpace(rec.Body.String()) != `{"lastEventId":null}` {
		t.Fatalf("empty bus body = %s", rec.Body.String())
	}

	bus.Publish(events.Completed{ID: domain.NewTorrentID()})
	bus.Publish(events.Completed{ID: domain.NewTorrentID()})
	rec = do(s, http.MethodGet, "/events/last-id", "", "")
	if strings.TrimSpace(rec.Body.String()) != `{"lastEventId":2}` {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    *uint64
		wantErr bool
	}{
		{name: "none"},
		{name: "header", header: "5", want: ptr(uint64(5))},
		{name: "query", query: "7", want: ptr(uint64(7))},
		{name: "header wins", header: "3", query: "9", want: ptr(uint64(3))},
		{name: "zero replays all", query: "0", want: ptr(uint64(0))},
		{name: "garbage", header: "abc", wantErr: true},
		{name: "negative", query: "-1", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target := "/events"
			if tc.query != "" {
				target += "?since=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Last-Event-ID", tc.header)
			}
			got, err := parseSince(req)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if (got == nil) != (tc.want == nil) || (got != nil && *got != *tc.want) {
				t.Fatalf("since = %v, want %v", got, tc.want)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

type sseFrame struct {
	id    string
	event string
	data  string
}

func readSSEFrames(t *testing.T, r *bufio.Reader, n int) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	for len(frames) < n {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func TestSSEReplaysFromLastEventID(t *testing.T) {
	bus, err := events.New(16)
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, WithEvents(bus))
	srv := httptest.NewServer(s)
	defer srv.Close()

	id := domain.NewTorrentID()
	bus.Publish(events.TorrentAdded{ID: id})
	bus.Publish(events.StateChanged{ID: id, State: domain.TransferState{State: domain.StateQueued}})
	bus.Publish(events.Completed{ID: id})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	frames := readSSEFrames(t, reader, 2)
	if frames[0].id != "2" || frames[0].event != string(events.KindStateChanged) {
		t.Fatalf("first frame = %+v", frames[0])
	}
	if frames[1].id != "3" || frames[1].event != string(events.KindCompleted) {
		t.Fatalf("second frame = %+v", frames[1])
	}

	bus.Publish(events.TorrentRemoved{ID: id})
	live := readSSEFrames(t, reader, 1)
	if live[0].id != "4" || live[0].event != string(events.KindTorrentRemoved) {
		t.Fatalf("live frame = %+v", live[0])
	}
	var env wireEnvelope
	if err := json.Unmarshal([]byte(live[0].data), &env); err != nil || env.ID != 4 {
		t.Fatalf("live data = %s (%v)", live[0].data, err)
	}
}

func TestSSERejectsBadCursor(t *testing.T) {
	bus, _ := events.New(4)
	s, _ := newTestServer(t, WithEvents(bus))
	rec := do(s, http.MethodGet, "/events?since=abc", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWriteSSEFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSSEFrame(&buf, "", "lagged", laggedNotice{Missed: 4}); err != nil {
		t.Fatal(err)
	}
	want := "event: lagged\ndata: {\"missed\":4}\n\n"
	if buf.String() != want {
		t.Fatalf("frame = %q, want %q", buf.String(), want)
	}
}

func TestHealthzTracksHealthEvents(t *testing.T) {
	bus, _ := events.New(8)
	s, _ := newTestServer(t, WithEvents(bus))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	rec := do(s, http.MethodGet, "/healthz", "", "")
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("initial health = %s", rec.Body.String())
	}

	// Run subscribes live, so keep publishing until it has attached.
	degraded := events.HealthChanged{Degraded: []events.HealthComponent{{Name: "resume_store", Detail: "disk"}}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.Publish(degraded)
		rec = do(s, http.MethodGet, "/healthz", "", "")
		if strings.Contains(rec.Body.String(), `"status":"degraded"`) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("health never degraded: %s", rec.Body.String())
}
