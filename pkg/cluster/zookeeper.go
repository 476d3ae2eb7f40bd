package cluster

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

type iMembership interface {
	ApplyAdd(node Node)
	ApplyRemove(node Node)
}

type iZKConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	State() zk.State
	Close()
}

// ZKMirror publishes every applied membership change under <root>/members so
// that external tooling can observe the member set. The wrapped state machine
// stays the source of truth; ZooKeeper failures are logged and swallowed.
type ZKMirror struct {
	inner    iMembership
	conn     iZKConn
	rootPath string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMirror(inner iMembership, servers []string, rootPath string, timeout time.Duration) (*ZKMirror, error) {
	conn, _, err := zk.Connect(servers, timeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	m := newZKMirror(inner, conn, rootPath)
	if err := m.waitConnected(2 * timeout); err != nil {
		conn.Close()
		return nil, err
	}
	if err := m.ensurePath(m.membersPath()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure members path: %w", err)
	}
	return m, nil
}

func newZKMirror(inner iMembership, conn iZKConn, rootPath string) *ZKMirror {
	return &ZKMirror{
		inner:    inner,
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
	}
}

func (m *ZKMirror) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMirror) membersPath() string {
	return m.rootPath + "/members"
}

func (m *ZKMirror) memberPath(node Node) string {
	return m.membersPath() + "/" + strconv.Itoa(node.ID)
}

func (m *ZKMirror) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (m *ZKMirror) ApplyAdd(node Node) {
	m.inner.ApplyAdd(node)
	m.publish(node)
}

// publish makes node the descriptor stored under its id. The latest applied
// descriptor for an id wins.
func (m *ZKMirror) publish(node Node) {
	data, err := json.Marshal(node)
	if err != nil {
		slog.Error("zk mirror: encode member", "id", node.ID, "error", err)
		return
	}
	path := m.memberPath(node)
	_, err = m.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
	if err == nil {
		return
	}
	if !errors.Is(err, zk.ErrNodeExists) {
		slog.Warn("zk mirror: create member node", "path", path, "error", err)
		return
	}

	current, stat, err := m.conn.Get(path)
	if err != nil {
		slog.Warn("zk mirror: read member node", "path", path, "error", err)
		return
	}
	if bytes.Equal(current, data) {
		return
	}
	if _, err := m.conn.Set(path, data, stat.Version); err != nil {
		slog.Warn("zk mirror: update member node", "path", path, "error", err)
	}
}

func (m *ZKMirror) ApplyRemove(node Node) {
	m.inner.ApplyRemove(node)

	path := m.memberPath(node)
	data, _, err := m.conn.Get(path)
	if err != nil {
		if !errors.Is(err, zk.ErrNoNode) {
			slog.Warn("zk mirror: read member node", "path", path, "error", err)
		}
		return
	}
	// a different descriptor with the same id is not ours to delete
	var published Node
	if err := json.Unmarshal(data, &published); err != nil || published != node {
		return
	}
	if err := m.conn.Delete(path, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		slog.Warn("zk mirror: delete member node", "path", path, "error", err)
		return
	}

	// another descriptor may still hold the id
	if lister, ok := m.inner.(interface{ Members() []Node }); ok {
		for _, other := range lister.Members() {
			if other.ID == node.ID {
				m.publish(other)
				return
			}
		}
	}
}

// Published reads the member descriptors currently visible in ZooKeeper.
func (m *ZKMirror) Published() ([]Node, error) {
	children, _, err := m.conn.Children(m.membersPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	sort.Strings(children)

	nodes := make([]Node, 0, len(children))
	for _, c := range children {
		data, _, err := m.conn.Get(m.membersPath() + "/" + c)
		if err != nil {
			if errors.Is(err, zk.ErrNoNode) {
				continue
			}
			return nil, fmt.Errorf("zk get %s: %w", c, err)
		}
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, fmt.Errorf("decode member %s: %w", c, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (m *ZKMirror) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
