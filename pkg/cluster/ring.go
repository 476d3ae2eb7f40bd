package cluster

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"tscluster/pkg/types"
)

// HashRing maps device ids onto data replication groups with consistent
// hashing over virtual points.
type HashRing struct {
	replicas int
	points   []uint32 // sorted
	owners   map[uint32]types.GroupID
	mu       sync.RWMutex
}

func NewHashRing(replicas int, groups ...types.GroupID) *HashRing {
	if replicas <= 0 {
		replicas = 1
	}
	r := &HashRing{
		replicas: replicas,
		owners:   make(map[uint32]types.GroupID),
	}
	for _, g := range groups {
		r.AddGroup(g)
	}
	return r
}

func (h *HashRing) AddGroup(group types.GroupID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.replicas; i++ {
		point := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", group, i)))
		if _, taken := h.owners[point]; taken {
			continue
		}
		h.points = append(h.points, point)
		h.owners[point] = group
	}
	sort.Slice(h.points, func(i, j int) bool { return h.points[i] < h.points[j] })
}

func (h *HashRing) RemoveGroup(group types.GroupID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	filtered := h.points[:0]
	for _, point := range h.points {
		if h.owners[point] != group {
			filtered = append(filtered, point)
		} else {
			delete(h.owners, point)
		}
	}
	h.points = filtered
}

// Owner returns the group responsible for the device.
func (h *HashRing) Owner(device string) (types.GroupID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.points) == 0 {
		return "", false
	}

	hash := crc32.ChecksumIEEE([]byte(device))
	idx := sort.Search(len(h.points), func(i int) bool { return h.points[i] >= hash })
	if idx == len(h.points) {
		idx = 0
	}
	return h.owners[h.points[idx]], true
}

// Groups returns the distinct groups on the ring, sorted.
func (h *HashRing) Groups() []types.GroupID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := map[types.GroupID]struct{}{}
	var result []types.GroupID
	for _, g := range h.owners {
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			result = append(result, g)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}
