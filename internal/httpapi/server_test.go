package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/ent0n29/memsync/internal/auth"
	"github.com/ent0n29/memsync/internal/config"
	"github.com/ent0n29/memsync/internal/events"
	"github.com/ent0n29/memsync/internal/observability"
	"github.com/ent0n29/memsync/internal/protocol"
	"github.com/ent0n29/memsync/internal/repository"
)

type testServer struct {
	*httptest.Server
	repo *repository.InMemoryStore
	hub  *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	svc, err := auth.NewService(auth.NewInMemoryStore(), auth.ServiceConfig{
		Secret:     []byte("test-secret"),
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("auth.NewService() error = %v", err)
	}
	metrics := observability.NewMetrics("test_httpapi_" + strings.NewReplacer("/", "_", "-", "_").Replace(t.Name()) + "_" + time.Now().Format("150405000000"))
	repo := repository.NewInMemoryStore()
	hub := events.NewHub(4, metrics)
	srv := New(config.Config{MaxUploadBytes: 1 << 20}, svc, repo, hub, metrics, "memory")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, repo: repo, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func (ts *testServer) login(t *testing.T, prefix, username string) string {
	t.Helper()
	creds := protocol.Credentials{Username: username, Password: "pw"}
	if res, payload := ts.do(t, http.MethodPost, prefix+"/register", "", creds); res.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d: %v", res.StatusCode, payload)
	}
	res, payload := ts.do(t, http.MethodPost, prefix+"/login", "", creds)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d: %v", res.StatusCode, payload)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatalf("login response missing token: %v", payload)
	}
	return token
}

func TestRegisterResponses(t *testing.T) {
	ts := newTestServer(t)
	creds := protocol.Credentials{Username: "alice", Password: "pw"}

	res, payload := ts.do(t, http.MethodPost, "/api/register", "", creds)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}
	if payload["message"] != "User registered successfully" || payload["user_id"] == nil {
		t.Fatalf("unexpected payload: %v", payload)
	}

	res, payload = ts.do(t, http.MethodPost, "/register", "", creds)
	if res.StatusCode != http.StatusBadRequest || payload["error"] != "Username already exists" {
		t.Fatalf("duplicate: status = %d payload = %v", res.StatusCode, payload)
	}

	res, payload = ts.do(t, http.MethodPost, "/register", "", protocol.Credentials{Username: "bob"})
	if res.StatusCode != http.StatusBadRequest || payload["error"] != "Username and password are required" {
		t.Fatalf("missing password: status = %d payload = %v", res.StatusCode, payload)
	}

	res, payload = ts.do(t, http.MethodPost, "/register", "", nil)
	if res.StatusCode != http.StatusBadRequest || payload["error"] != "No data provided" {
		t.Fatalf("empty body: status = %d payload = %v", res.StatusCode, payload)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	ts := newTestServer(t)
	ts.login(t, "", "alice")

	res, payload := ts.do(t, http.MethodPost, "/login", "", protocol.Credentials{Username: "alice", Password: "nope"})
	if res.StatusCode != http.StatusUnauthorized || payload["error"] != "Invalid credentials" {
		t.Fatalf("status = %d payload = %v", res.StatusCode, payload)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	res, payload := ts.do(t, http.MethodGet, "/api/download", "", nil)
	if res.StatusCode != http.StatusUnauthorized || payload["error"] != "Token is missing" {
		t.Fatalf("missing token: status = %d payload = %v", res.StatusCode, payload)
	}

	res, payload = ts.do(t, http.MethodPost, "/api/upload", "garbage", map[string]any{"data": []any{}})
	if res.StatusCode != http.StatusUnauthorized || payload["error"] != "Token is invalid" {
		t.Fatalf("bad token: status = %d payload = %v", res.StatusCode, payload)
	}
	if details, _ := payload["details"].(string); details == "" {
		t.Fatalf("bad token response missing details: %v", payload)
	}
}

func TestUploadReplacesAllAndDownloadReturnsLatest(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "/api", "alice")

	p1 := map[string]any{"data": []any{
		map[string]any{"start_timestamp": "a", "end_timestamp": "b", "summary": "old", "embedding": []float64{1, 0}},
	}}
	res, payload := ts.do(t, http.MethodPost, "/api/upload", token, p1)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload p1 status = %d: %v", res.StatusCode, payload)
	}

	p2 := `{"data":[
		{"start_timestamp":"c","end_timestamp":"d","summary":"new","embedding":[0.5,0.5]},
		{"start_timestamp":"e","end_timestamp":"f","summary":"no embedding"}
	]}`
	res, payload = ts.do(t, http.MethodPost, "/api/upload", token, p2)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload p2 status = %d: %v", res.StatusCode, payload)
	}
	if payload["message"] != "2 chat records uploaded successfully" || payload["accepted"] != float64(1) {
		t.Fatalf("upload p2 payload = %v", payload)
	}

	res, payload = ts.do(t, http.MethodGet, "/download", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", res.StatusCode)
	}
	if payload["count"] != float64(1) {
		t.Fatalf("count = %v, want 1", payload["count"])
	}
	data, _ := payload["data"].([]any)
	first, _ := data[0].(map[string]any)
	if first["summary"] != "new" || first["start_timestamp"] != "c" {
		t.Fatalf("download data = %v", data)
	}
}

func TestUploadRejectsNonArrayData(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "", "alice")

	res, payload := ts.do(t, http.MethodPost, "/upload", token, `{"data":{"summary":"x"}}`)
	if res.StatusCode != http.StatusBadRequest || payload["error"] != "Invalid data format" {
		t.Fatalf("status = %d payload = %v", res.StatusCode, payload)
	}
}

func TestDownloadEmptyAccount(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "", "alice")

	res, payload := ts.do(t, http.MethodGet, "/download", token, nil)
	if res.StatusCode != http.StatusOK || payload["count"] != float64(0) {
		t.Fatalf("status = %d payload = %v", res.StatusCode, payload)
	}
	if data, ok := payload["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("data = %#v, want empty array", payload["data"])
	}
}

func TestEventsStreamUploadNotifications(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login(t, "/api", "alice")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial events: %v (response %+v)", err, res)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for ts.hub.Subscribers(1) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	body := map[string]any{"data": []any{
		map[string]any{"start_timestamp": "a", "end_timestamp": "b", "summary": "s", "embedding": []float64{1}},
	}}
	if res, payload := ts.do(t, http.MethodPost, "/api/upload", token, body); res.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d: %v", res.StatusCode, payload)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	ev, ok := msg.(protocol.Event)
	if !ok || ev.Count != 1 || ev.UserID != 1 {
		t.Fatalf("event = %#v", msg)
	}
}

func TestEventsRequireToken(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial without token should fail")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %+v, want 401", res)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	res, payload := ts.do(t, http.MethodGet, "/healthz", "", nil)
	if res.StatusCode != http.StatusOK || payload["store_mode"] != "memory" {
		t.Fatalf("status = %d payload = %v", res.StatusCode, payload)
	}
}
