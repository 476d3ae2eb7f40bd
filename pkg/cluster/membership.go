package cluster

import (
	"log/slog"
	"sort"
	"sync"
)

// MemberSet is the membership state machine of the metadata group.
// Add and remove are idempotent so a replayed entry never aborts the stream.
type MemberSet struct {
	mu      sync.RWMutex
	members map[Node]struct{}
}

func NewMemberSet(initial ...Node) *MemberSet {
	s := &MemberSet{members: make(map[Node]struct{}, len(initial))}
	for _, n := range initial {
		s.members[n] = struct{}{}
	}
	return s
}

func (s *MemberSet) ApplyAdd(node Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[node]; ok {
		slog.Debug("member already present", "node", node.String())
		return
	}
	s.members[node] = struct{}{}
	slog.Info("member added", "id", node.ID, "host", node.Host, "members", len(s.members))
}

func (s *MemberSet) ApplyRemove(node Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[node]; !ok {
		slog.Debug("member already absent", "node", node.String())
		return
	}
	delete(s.members, node)
	slog.Info("member removed", "id", node.ID, "host", node.Host, "members", len(s.members))
}

func (s *MemberSet) Contains(node Node) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[node]
	return ok
}

func (s *MemberSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Members returns a copy ordered by id, then host.
func (s *MemberSet) Members() []Node {
	s.mu.RLock()
	res := make([]Node, 0, len(s.members))
	for n := range s.members {
		res = append(res, n)
	}
	s.mu.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		if res[i].ID != res[j].ID {
			return res[i].ID < res[j].ID
		}
		return res[i].Host < res[j].Host
	})
	return res
}
