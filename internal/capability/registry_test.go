package capability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalCapabilities(t *testing.T) {
	cfg := config.Default()
	caps := Local(cfg, "gemini", "gemini-1.5-flash")
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	voice := caps[0]
	if voice.Name != VoiceSession || voice.Attributes["languages"] != "en,hi" || voice.Attributes["detection"] != "auto" {
		t.Fatalf("unexpected voice capability %#v", voice)
	}
	if caps[1].Tier != "gemini-1.5-flash" || caps[1].Attributes["backend"] != "gemini" {
		t.Fatalf("unexpected llm capability %#v", caps[1])
	}
}

func TestRegistryWithoutBus(t *testing.T) {
	cfg := config.Default()
	reg, err := NewRegistry(context.Background(), cfg.Node, Local(cfg, "mock", "echo"), nil, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if !reg.Healthy() {
		t.Fatal("expected a registry without a bus to be healthy")
	}
	if chat, ok := reg.Find(LLMChat); !ok || chat.Attributes["backend"] != "mock" {
		t.Fatalf("expected llm.chat capability, got %#v", chat)
	}
	if _, ok := reg.Find("skills.run"); ok {
		t.Fatal("unexpected capability")
	}
	if peers := reg.Peers(VoiceSession); len(peers) != 0 {
		t.Fatalf("expected no peers, got %v", peers)
	}
}

func TestPeerExpiry(t *testing.T) {
	cfg := config.Default()
	node := config.NodeConfig{ID: "voice-a", HeartbeatInterval: 50, HeartbeatTimeout: 100}
	reg, err := NewRegistry(context.Background(), node, Local(cfg, "mock", "echo"), nil, nil, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()
	now := time.Now()
	payload, _ := json.Marshal(presence{NodeID: "voice-b", Capabilities: Local(cfg, "mock", "echo"), Sessions: 3, Timestamp: now})
	reg.handlePresence(&nats.Msg{Data: payload})
	reg.handlePresence(&nats.Msg{Data: []byte("{garbage")})

	if peers := reg.Peers(VoiceSession); len(peers) != 1 || peers[0].Sessions != 3 {
		t.Fatalf("expected voice-b with 3 sessions, got %v", peers)
	}
	if peers := reg.Peers("skills.run"); len(peers) != 0 {
		t.Fatalf("capability filter ignored, got %v", peers)
	}

	reg.expire(now.Add(200 * time.Millisecond))
	if peers := reg.Peers(VoiceSession); len(peers) != 0 {
		t.Fatalf("silent peer must not be reported, got %v", peers)
	}
	reg.expire(now.Add(time.Second))
	reg.mu.RLock()
	remaining := len(reg.peers)
	reg.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("expected silent peer forgotten, %d left", remaining)
	}
}

func TestRegistrySeesPeerPresence(t *testing.T) {
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	busCfg := config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}

	clientA, err := bus.Connect(context.Background(), busCfg, logger)
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer clientA.Close()
	clientB, err := bus.Connect(context.Background(), busCfg, logger)
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer clientB.Close()

	cfg := config.Default()
	nodeA := config.NodeConfig{ID: "voice-a", Role: "voice-gateway", HeartbeatInterval: 50, HeartbeatTimeout: 500}
	regA, err := NewRegistry(context.Background(), nodeA, Local(cfg, "mock", "echo"), nil, clientA, logger)
	if err != nil {
		t.Fatalf("registry a: %v", err)
	}
	defer regA.Close()

	nodeB := config.NodeConfig{ID: "voice-b", Role: "voice-gateway", HeartbeatInterval: 50, HeartbeatTimeout: 500}
	regB, err := NewRegistry(context.Background(), nodeB, Local(cfg, "gemini", "gemini-1.5-flash"), func() int { return 2 }, clientB, logger)
	if err != nil {
		t.Fatalf("registry b: %v", err)
	}
	defer regB.Close()

	if !regA.Healthy() {
		t.Fatal("expected registry a healthy while the bus is connected")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		peers := regA.Peers(VoiceSession)
		if len(peers) == 1 && peers[0].ID == "voice-b" && peers[0].Sessions == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("registry a never saw voice-b, peers: %v", regA.Peers(VoiceSession))
}
