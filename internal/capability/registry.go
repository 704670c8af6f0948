// Package capability describes what this voice gateway offers and, when a bus
// is configured, which peer gateways are alive and how loaded they are.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/language"
)

// Capability names advertised by a voice gateway node.
const (
	VoiceSession = "voice.session"
	LLMChat      = "llm.chat"
)

const subjectPresencePrefix = "loqa.voice.presence."

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Node is a peer gateway last seen on the bus.
type Node struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Sessions     int          `json:"active_sessions"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

func (n Node) has(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// presence is published by every node once per heartbeat interval.
type presence struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Sessions     int          `json:"active_sessions"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Local describes this node's capabilities from config and the active
// backend.
func Local(cfg config.Config, backendName, model string) []Capability {
	languages := cfg.Session.SupportedLanguages
	if len(languages) == 0 {
		for _, tag := range language.Supported {
			languages = append(languages, string(tag))
		}
	}
	return []Capability{
		{
			Name: VoiceSession,
			Attributes: map[string]string{
				"languages":        strings.Join(languages, ","),
				"detection":        language.DetectionMode,
				"default_language": cfg.Session.DefaultLanguage,
			},
		},
		{
			Name: LLMChat,
			Tier: model,
			Attributes: map[string]string{
				"backend": backendName,
			},
		},
	}
}

// Registry holds the local capabilities and the peers heard on the bus.
// Without a bus it has no peers and is always healthy.
type Registry struct {
	cfg      config.NodeConfig
	local    []Capability
	sessions func() int
	bus      *bus.Client
	log      *slog.Logger
	timeout  time.Duration

	mu    sync.RWMutex
	peers map[string]*Node

	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry starts publishing presence on busClient, if any. sessions
// reports the number of live client sessions and may be nil.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, local []Capability, sessions func() int, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		cfg:      cfg,
		local:    local,
		sessions: sessions,
		bus:      busClient,
		log:      log.With(slog.String("component", "capability-registry")),
		timeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		peers:    make(map[string]*Node),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if busClient == nil {
		return r, nil
	}

	sub, err := busClient.Conn().Subscribe(subjectPresencePrefix+"*", r.handlePresence)
	if err != nil {
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	r.sub = sub

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.run(ctx, interval)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) run(ctx context.Context, interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.publish()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.publish()
			r.expire(now)
		}
	}
}

func (r *Registry) publish() {
	msg := presence{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.local,
		Sessions:     r.activeSessions(),
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn("failed to encode presence", slog.String("error", err.Error()))
		return
	}
	if err := r.bus.Conn().Publish(subjectPresencePrefix+r.cfg.ID, payload); err != nil {
		r.log.Warn("failed to publish presence", slog.String("error", err.Error()))
	}
}

func (r *Registry) activeSessions() int {
	if r.sessions == nil {
		return 0
	}
	return r.sessions()
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" || p.NodeID == r.cfg.ID {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.peers[p.NodeID]; !known {
		r.log.Info("peer gateway joined", slog.String("node", p.NodeID), slog.String("role", p.Role))
	}
	r.peers[p.NodeID] = &Node{
		ID:           p.NodeID,
		Role:         p.Role,
		Capabilities: p.Capabilities,
		Sessions:     p.Sessions,
		LastSeen:     p.Timestamp,
		Healthy:      true,
	}
}

// expire marks peers silent for longer than the heartbeat timeout unhealthy
// and forgets them after three timeouts.
func (r *Registry) expire(now time.Time) {
	if r.timeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, node := range r.peers {
		silent := now.Sub(node.LastSeen)
		switch {
		case silent > 3*r.timeout:
			delete(r.peers, id)
			r.log.Info("peer gateway left", slog.String("node", id))
		case silent > r.timeout:
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node can reach its peers. It is true when no
// bus is configured.
func (r *Registry) Healthy() bool {
	return r.bus == nil || r.bus.Healthy()
}

// Peers returns the healthy peer gateways advertising name, ordered by id.
func (r *Registry) Peers(name string) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var nodes []Node
	for _, node := range r.peers {
		if node.Healthy && node.has(name) {
			nodes = append(nodes, *node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Find returns the named local capability.
func (r *Registry) Find(name string) (Capability, bool) {
	for _, c := range r.local {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/internal/capability")
	peers, err := meter.Int64ObservableGauge("loqa.voice.peers", metric.WithDescription("Healthy peer gateways"))
	if err != nil {
		return err
	}
	peerSessions, err := meter.Int64ObservableGauge("loqa.voice.peers.sessions", metric.WithDescription("Live sessions reported by healthy peers"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		nodes := r.Peers(VoiceSession)
		var sessions int64
		for _, n := range nodes {
			sessions += int64(n.Sessions)
		}
		obs.ObserveInt64(peers, int64(len(nodes)))
		obs.ObserveInt64(peerSessions, sessions)
		return nil
	}, peers, peerSessions)
	return err
}
