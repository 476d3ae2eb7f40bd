package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"tscluster/pkg/applier"
	"tscluster/pkg/command"
	"tscluster/pkg/config"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/metrics"
	"tscluster/pkg/types"
)

var ErrNodeStopped = errors.New("tscluster: raft node stopped")

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node is one member of one replication group. Committed commands are
// published in log order on Committed; the stream applying them reports
// back through Notify so Execute can return the apply result.
type Node struct {
	ID           uint64
	Group        types.GroupID
	Peers        map[uint64]string
	underlying   raft.Node
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport
	committed    chan applier.Entry

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

type proposeResult struct {
	Result applier.Result
	Err    error
}

type NodeOption func(*nodeOptions)

type nodeOptions struct {
	transport []TransportOption
}

// WithNodeMetrics reports the group's peer traffic to c.
func WithNodeMetrics(c metrics.Collector) NodeOption {
	return func(o *nodeOptions) {
		o.transport = append(o.transport, WithTransportMetrics(c))
	}
}

func NewNode(cfg *config.RaftConfig, group types.GroupID, opts ...NodeOption) (*Node, error) {
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}


	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}
	if _, ok := peers[cfg.ID]; !ok {
		return nil, fmt.Errorf("node %d is not in the peer list", cfg.ID)
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	transportPeers := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		transportPeers[id] = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Group:        group,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(rc, raftPeers),
		jr:           storage,
		tickInterval: tick,
		transport:    NewTransport(group, transportPeers, o.transport...),
		committed:    make(chan applier.Entry, 128),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

// Committed delivers decoded commands in commit order.
func (n *Node) Committed() <-chan applier.Entry {
	return n.committed
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(ctx, rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(ctx context.Context, rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if err := n.publishEntry(ctx, entry); err != nil {
				return err
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

// publishEntry hands a committed entry to the apply stream. An entry that
// does not decode is still published, with no command, so the stream halts
// on it instead of silently skipping a slot.
func (n *Node) publishEntry(ctx context.Context, entry raftpb.Entry) error {
	if len(entry.Data) == 0 {
		// empty entry appended by a new leader
		return nil
	}

	id, cmd, err := command.Decode(entry.Data)
	if err != nil {
		slog.Error("undecodable committed entry", "group", n.Group, "index", entry.Index, "error", err)
		cmd = nil
	}

	select {
	case n.committed <- applier.Entry{Index: types.LogIndex(entry.Index), ID: id, Command: cmd}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.ctx.Done():
		return n.ctx.Err()
	}
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "group", n.Group, "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "group", n.Group, "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "group", n.Group, "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"group", n.Group,
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
				n.underlying.ReportUnreachable(m.To)
				if m.Type == raftpb.MsgSnap {
					n.underlying.ReportSnapshot(m.To, raft.SnapshotFailure)
				}
			}
		}(msg)
	}
}

// Notify is the apply observer of this group's stream. Followers and
// proposers that gave up have no waiting channel; the result is dropped.
func (n *Node) Notify(e applier.Entry, res applier.Result, err error) {
	if e.ID == uuid.Nil {
		return
	}

	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[e.ID]
	n.proposalsMu.RUnlock()

	if !ok {
		slog.Debug("proposal result channel not found (ignored)", "group", n.Group, "cmd_id", e.ID, "is_leader", n.IsLeader())
		return
	}

	select {
	case resultChan <- proposeResult{Result: res, Err: err}:
	default:
		slog.Debug("proposal result channel is full (ignored)", "group", n.Group, "cmd_id", e.ID)
	}
}

// Execute replicates cmd through the group and waits until the local
// stream has applied it.
func (n *Node) Execute(ctx context.Context, cmd command.Command) (applier.Result, error) {
	if err := command.Validate(cmd); err != nil {
		return applier.Result{}, err
	}
	if som, ok := cmd.(command.SchemaOrMutation); ok {
		if plan, ok := som.Plan.(*command.InsertPlan); ok && plan.FailedCount() > 0 {
			return applier.Result{}, dberrors.Malformed("insert plan already has %d failures, propose its retry plan", plan.FailedCount())
		}
	}

	id := uuid.New()
	data, err := command.Encode(id, cmd)
	if err != nil {
		return applier.Result{}, fmt.Errorf("encode command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[id] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, id)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return applier.Result{}, fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Result, result.Err
	case <-ctx.Done():
		return applier.Result{}, ctx.Err()
	case <-n.ctx.Done():
		return applier.Result{}, ErrNodeStopped
	}
}

// Handle steps a raft message received from a peer.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	return n.Peers[n.LeaderID()]
}

func (n *Node) Stop() error {
	select {
	case <-n.ctx.Done():
		return nil
	default:
	}
	slog.Info("stopping raft node", "group", n.Group, "id", n.ID)

	n.stop()
	n.underlying.Stop()

	slog.Info("raft node stopped", "group", n.Group, "id", n.ID)
	return nil
}
