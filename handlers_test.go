package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestServer(t *testing.T, s *Service) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHandlers_StatusAndToken(t *testing.T) {
	s, _ := newTestService(t, &fakeGateway{})
	s.tokens.store.(*memoryCredentialStore).cred.AccessToken = "access-token-0123456789"
	srv := newTestServer(t, s)

	var health map[string]any
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK || health["ok"] != true {
		t.Errorf("healthz = %d %v", code, health)
	}

	var status map[string]any
	if code := getJSON(t, srv.URL+"/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status["has_credential"] != true || status["above_floor"] != true {
		t.Errorf("status = %v", status)
	}
	if status["remaining_seconds"] != float64(3600) {
		t.Errorf("remaining_seconds = %v", status["remaining_seconds"])
	}

	var token map[string]any
	if code := getJSON(t, srv.URL+"/token", &token); code != http.StatusOK {
		t.Fatalf("token code = %d", code)
	}
	if token["access_token"] != "access-t...6789" || token["refresh_token"] != "***" {
		t.Errorf("token = %v", token)
	}
}

func TestHandlers_TokenMissing(t *testing.T) {
	s, _ := newTestService(t, &fakeGateway{})
	if err := s.tokens.Clear(); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, s)

	var body map[string]any
	if code := getJSON(t, srv.URL+"/token", &body); code != http.StatusUnauthorized {
		t.Errorf("code = %d, want 401", code)
	}
}

func TestHandlers_LimitsAndCache(t *testing.T) {
	gw := &fakeGateway{
		search:  func(context.Context, string, int) (Timeline, error) { return Timeline{}, nil },
		metrics: func(context.Context, string) (UserMetrics, error) { return UserMetrics{FollowersCount: 1}, nil },
	}
	s, _ := newTestService(t, gw)
	for _, name := range []string{"b", "a", "c"} {
		if _, err := s.GetUserMetrics(context.Background(), ScopeApp, name); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.SearchPosts(context.Background(), ScopeApp, "q", 10); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, s)

	var limits struct {
		Results []LedgerUsage `json:"results"`
	}
	if code := getJSON(t, srv.URL+"/limits", &limits); code != http.StatusOK {
		t.Fatalf("limits code = %d", code)
	}
	var searchUsed int
	for _, u := range limits.Results {
		if u.Action == ActionSearch && u.Scope == ScopeApp {
			searchUsed = u.Used
		}
	}
	if searchUsed != 1 {
		t.Errorf("app search used = %d, want 1", searchUsed)
	}

	var cache struct {
		Results []map[string]any `json:"results"`
		Meta    struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	if code := getJSON(t, srv.URL+"/cache?limit=2", &cache); code != http.StatusOK {
		t.Fatalf("cache code = %d", code)
	}
	if cache.Meta.Count != 2 || len(cache.Results) != 2 {
		t.Errorf("cache = %+v", cache)
	}

	if code := getJSON(t, srv.URL+"/cache?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit code = %d", code)
	}
}

func TestHandlers_LimitsUnavailableForSharedAdmission(t *testing.T) {
	s, _ := newTestService(t, &fakeGateway{})
	s.limits = nil
	srv := newTestServer(t, s)

	if code := getJSON(t, srv.URL+"/limits", nil); code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", code)
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	s, _ := newTestService(t, &fakeGateway{})
	srv := newTestServer(t, s)

	resp, err := http.Post(srv.URL+"/status", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", resp.StatusCode)
	}
}

func TestWriteAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"local rate limit", &RateLimitError{Action: ActionSearch, Scope: ScopeApp, RetryAfter: 899500 * time.Millisecond, Local: true}, http.StatusTooManyRequests, "899"},
		{"not found", errors.Join(errors.New("lookup"), ErrNotFound), http.StatusNotFound, ""},
		{"duplicate post", ErrAlreadyProcessing, http.StatusConflict, ""},
		{"no data", ErrNoDataAvailable, http.StatusServiceUnavailable, ""},
		{"remote", &RemoteError{Operation: opGetPost, StatusCode: 500}, http.StatusBadGateway, ""},
		{"typed", badRequest("nope", nil), http.StatusBadRequest, ""},
		{"other", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeAPIError(rec, tt.err)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}

func TestOpsWebSocket(t *testing.T) {
	s, _ := newTestService(t, &fakeGateway{})
	srv := newTestServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	roundTrip := func(msg wsClientMessage) wsServerMessage {
		t.Helper()
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
		var resp wsServerMessage
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		return resp
	}

	if resp := roundTrip(wsClientMessage{ID: "1", Type: wsTypeHeartbeat}); resp.Type != wsTypeHeartbeatAck || resp.ID != "1" {
		t.Errorf("heartbeat = %+v", resp)
	}

	resp := roundTrip(wsClientMessage{ID: "2", Type: wsTypeImportToken, Payload: json.RawMessage(`{"access_token":"a","refresh_token":"r","expires_in":7200}`)})
	if !resp.OK {
		t.Fatalf("import = %+v", resp)
	}

	if resp := roundTrip(wsClientMessage{ID: "3", Type: wsTypeImportToken}); resp.OK || resp.Error != "missing payload" {
		t.Errorf("import without payload = %+v", resp)
	}

	resp = roundTrip(wsClientMessage{ID: "4", Type: wsTypeStatus})
	data, _ := resp.Data.(map[string]any)
	if !resp.OK || data["has_credential"] != true {
		t.Errorf("status = %+v", resp)
	}

	if resp := roundTrip(wsClientMessage{ID: "5", Type: "bogus"}); resp.OK {
		t.Errorf("unknown type accepted: %+v", resp)
	}

	if resp := roundTrip(wsClientMessage{ID: "6", Type: wsTypeClearToken}); !resp.OK {
		t.Errorf("clear = %+v", resp)
	}
	if cred, _ := s.tokens.Current(); cred != nil {
		t.Errorf("credential survived clear-token: %+v", cred)
	}
}

func TestHandlers_EventsStream(t *testing.T) {
	gw := &fakeGateway{search: func(context.Context, string, int) (Timeline, error) {
		return Timeline{}, nil
	}}
	s, _ := newTestService(t, gw)
	srv := newTestServer(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// readFrame returns the lines of the next blank-line terminated frame.
	readFrame := func() []string {
		t.Helper()
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read frame: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	if hello := readFrame(); !containsAll(strings.Join(hello, "\n"), "retry: 5000", ": connected") {
		t.Fatalf("hello frame = %q", hello)
	}

	for i := 0; i < 100; i++ {
		if _, err := s.SearchPosts(context.Background(), ScopeApp, "x", 10); err != nil {
			break
		}
	}

	frame := readFrame()
	fields := map[string]string{}
	for _, line := range frame {
		name, value, ok := strings.Cut(line, ": ")
		if ok {
			fields[name] = value
		}
	}
	if fields["event"] != wsTypeRateLimitEvent {
		t.Errorf("event = %q, frame %q", fields["event"], frame)
	}
	if fields["id"] == "" {
		t.Errorf("missing id in frame %q", frame)
	}
	var payload struct {
		At   string         `json:"at"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal([]byte(fields["data"]), &payload); err != nil {
		t.Fatalf("decode data %q: %v", fields["data"], err)
	}
	if payload.At == "" || payload.Data["local"] != true || payload.Data["action"] != string(ActionSearch) {
		t.Errorf("payload = %+v", payload)
	}
}
