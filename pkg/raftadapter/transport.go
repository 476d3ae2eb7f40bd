package raftadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"tscluster/pkg/metrics"
	"tscluster/pkg/types"
)

const (
	// RaftEndpoint is followed by the group id: /api/internal/raft/{group}.
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxSendAttempts  = 3
	retryDelay       = 100 * time.Millisecond
)

var ErrUnknownPeer = errors.New("raftadapter: unknown peer")

// Transport posts the raft messages of one group to the peers' HTTP endpoint.
//
// Raft resends heartbeats, appends and votes by itself, so those get a
// single attempt. Snapshots and proposals forwarded to the leader are not
// resent by raft and are retried.
type Transport struct {
	group   types.GroupID
	target  func(addr string) string
	metrics metrics.Collector

	attempts int
	delay    time.Duration

	peersMu    sync.RWMutex
	peers      map[uint64]string
	httpClient *http.Client
}

type TransportOption func(*Transport)

func WithTransportMetrics(c metrics.Collector) TransportOption {
	return func(t *Transport) {
		if c != nil {
			t.metrics = c
		}
	}
}

// WithTransportRetry sets the attempts and base delay for retried messages.
func WithTransportRetry(attempts int, delay time.Duration) TransportOption {
	return func(t *Transport) {
		if attempts > 0 {
			t.attempts = attempts
		}
		if delay > 0 {
			t.delay = delay
		}
	}
}

func NewTransport(group types.GroupID, peers map[uint64]string, opts ...TransportOption) *Transport {
	suffix := RaftEndpoint + "/" + url.PathEscape(string(group))
	t := &Transport{
		group:    group,
		target:   func(addr string) string { return addr + suffix },
		metrics:  metrics.Nop{},
		attempts: maxSendAttempts,
		delay:    retryDelay,
		peers:    peers,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *Transport) UpdatePeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = addr
}

func retried(msg raftpb.Message) bool {
	return msg.Type == raftpb.MsgSnap || msg.Type == raftpb.MsgProp
}

func (t *Transport) Send(msg raftpb.Message) error {
	t.peersMu.RLock()
	addr, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		t.count(msg, "unknown_peer")
		return fmt.Errorf("%w: %d in group %s", ErrUnknownPeer, msg.To, t.group)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	attempts := 1
	if retried(msg) {
		attempts = t.attempts
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying raft message",
				"group", t.group,
				"attempt", attempt+1,
				"to", msg.To,
				"type", msg.Type,
				"error", lastErr)
			time.Sleep(t.delay * time.Duration(attempt))
		}
		if lastErr = t.post(t.target(addr), body); lastErr == nil {
			t.count(msg, "ok")
			t.metrics.ObserveHistogram("raft_send_latency_ms",
				map[string]string{"group": string(t.group)},
				float64(time.Since(start).Microseconds())/1000)
			return nil
		}
	}

	t.count(msg, "failed")
	return fmt.Errorf("send %s to %d after %d attempts: %w", msg.Type, msg.To, attempts, lastErr)
}

func (t *Transport) count(msg raftpb.Message, outcome string) {
	t.metrics.IncCounter("raft_messages_sent_total", map[string]string{
		"group":   string(t.group),
		"type":    msg.Type.String(),
		"outcome": outcome,
	}, 1)
}

func (t *Transport) post(target string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}
