package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"tscluster/pkg/types"
)

type feed struct {
	stream *Stream
	in     <-chan Entry
}

// Groups runs the streams of independent replication groups side by side.
// Entries of one group stay ordered; groups do not wait on each other.
type Groups struct {
	mu    sync.RWMutex
	feeds map[types.GroupID]feed
}

func NewGroups() *Groups {
	return &Groups{feeds: make(map[types.GroupID]feed)}
}

// Add registers a stream fed by in. A group can be added once.
func (g *Groups) Add(s *Stream, in <-chan Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.feeds[s.Group()]; ok {
		return fmt.Errorf("group %s already registered", s.Group())
	}
	g.feeds[s.Group()] = feed{stream: s, in: in}
	return nil
}

func (g *Groups) Stream(id types.GroupID) (*Stream, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.feeds[id]
	return f.stream, ok
}

func (g *Groups) IDs() []types.GroupID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]types.GroupID, 0, len(g.feeds))
	for id := range g.feeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Run blocks until every stream has drained its feed or one of them halts.
// A halted group stops the others.
func (g *Groups) Run(ctx context.Context) error {
	g.mu.RLock()
	feeds := make([]feed, 0, len(g.feeds))
	for _, f := range g.feeds {
		feeds = append(feeds, f)
	}
	g.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		f := f
		eg.Go(func() error {
			slog.Info("apply stream started", "group", f.stream.Group(), "applied", f.stream.Applied())
			err := f.stream.Run(ctx, f.in)
			slog.Info("apply stream stopped", "group", f.stream.Group(), "applied", f.stream.Applied(), "error", err)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return eg.Wait()
}
