package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.Mode = config.BackendMock
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Bus.Enabled = false
	return cfg
}

func startTestRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, logger)
	if err := rt.setup(context.Background(), nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(rt.echo)
	t.Cleanup(func() {
		rt.tracker.CancelAll()
		srv.Close()
		rt.release(context.Background())
	})
	return rt, srv
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "OK" {
		t.Fatalf("unexpected status %q", body.Status)
	}
	if _, err := time.Parse(time.RFC3339Nano, body.Timestamp); err != nil {
		t.Fatalf("timestamp not RFC3339: %q", body.Timestamp)
	}
}

func TestReadyReflectsStartup(t *testing.T) {
	rt, srv := startTestRuntime(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}

	rt.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", resp.StatusCode)
	}
}

func TestCapabilitiesEndpoint(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/capabilities")
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	defer resp.Body.Close()
	var body capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(body.Languages, ",") != "en,hi" || body.Detection != "auto" {
		t.Fatalf("unexpected capabilities %#v", body)
	}
	if body.Backend != "mock" || body.Model != "echo" || body.DefaultLanguage != "en" {
		t.Fatalf("unexpected backend info %#v", body)
	}
	if body.Peers == nil || len(body.Peers) != 0 {
		t.Fatalf("expected an empty peer list without a bus, got %#v", body.Peers)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestWebSocketRoutes(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	for _, path := range []string{"/ws", "/"} {
		ws, _, err := websocket.DefaultDialer.Dial(base+path, nil)
		if err != nil {
			t.Fatalf("dial %s: %v", path, err)
		}
		exchange(t, ws, protocol.NewStartSession("en"), protocol.TypeSessionStarted)
		reply := exchange(t, ws, protocol.NewTextInput("नमस्ते", "t1"), protocol.TypeTextResponse)
		resp := reply.(protocol.TextResponse)
		if resp.Language != "hi" || !resp.AutoDetected || resp.TurnID != "t1" {
			t.Fatalf("unexpected reply on %s: %#v", path, resp)
		}
		ws.Close()
	}
}

func TestSetupWithEmbeddedBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()

	rt, srv := startTestRuntime(t, cfg)
	if rt.bus == nil || !rt.bus.Healthy() {
		t.Fatal("expected healthy bus connection")
	}
	rt.ready.Store(true)
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready with bus, got %d", resp.StatusCode)
	}

	peer, _ := json.Marshal(map[string]any{
		"node_id":         "voice-peer",
		"role":            "voice-gateway",
		"capabilities":    []map[string]any{{"name": "voice.session"}},
		"active_sessions": 4,
		"timestamp":       time.Now().UTC(),
	})
	if err := rt.bus.Conn().Publish("loqa.voice.presence.voice-peer", peer); err != nil {
		t.Fatalf("publish presence: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		body := getCapabilities(t, srv.URL)
		if len(body.Peers) == 1 && body.Peers[0].ID == "voice-peer" && body.Peers[0].Sessions == 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer never reported, got %#v", body.Peers)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rt.bus.Conn().Close()
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the bus is gone, got %d", resp.StatusCode)
	}
}

func getCapabilities(t *testing.T, base string) capabilitiesResponse {
	t.Helper()
	resp, err := http.Get(base + "/capabilities")
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	defer resp.Body.Close()
	var body capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func exchange(t *testing.T, ws *websocket.Conn, msg protocol.Message, want string) protocol.Message {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MessageType() != want {
		t.Fatalf("expected %s, got %s (%s)", want, got.MessageType(), frame)
	}
	return got
}
