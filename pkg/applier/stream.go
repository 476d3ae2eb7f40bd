package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tscluster/pkg/clock"
	"tscluster/pkg/command"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/listener"
	"tscluster/pkg/metrics"
	"tscluster/pkg/types"
)

var ErrStreamHalted = errors.New("tscluster: apply stream halted")

// Entry is one committed log slot. Indexes start at 1. ID is the proposal
// id carried by the envelope, uuid.Nil for entries nobody waits on.
type Entry struct {
	Index   types.LogIndex
	ID      uuid.UUID
	Command command.Command
}

// Observer is told the outcome of every entry the stream applied.
type Observer func(e Entry, res Result, err error)

type iApplier interface {
	Apply(ctx context.Context, cmd command.Command) (Result, error)
}

// Stream applies the entries of one replication group strictly in order.
//
// Entries at or below the last applied index are dropped. An unavailable
// facade is retried with a linear backoff; when retries run out, or the
// command is malformed, the stream halts and refuses every later entry.
// A rejected schema definition is reported and the stream moves on.
type Stream struct {
	group    types.GroupID
	applier  iApplier
	metrics  metrics.Collector
	observer Observer

	maxRetries   int
	retryBackoff time.Duration

	// mu serialises Deliver, haltMu guards halted for readers
	mu      sync.Mutex
	applied *clock.LogClock

	haltMu sync.RWMutex
	halted error
}

type StreamOption func(*Stream)

func WithObserver(fn Observer) StreamOption {
	return func(s *Stream) { s.observer = fn }
}

// WithRetry bounds the retries of an entry that failed with an unavailable facade.
func WithRetry(maxRetries int, backoff time.Duration) StreamOption {
	return func(s *Stream) {
		if maxRetries >= 0 {
			s.maxRetries = maxRetries
		}
		if backoff > 0 {
			s.retryBackoff = backoff
		}
	}
}

// WithAppliedIndex starts the stream after an index that is already applied.
func WithAppliedIndex(idx types.LogIndex) StreamOption {
	return func(s *Stream) { s.applied.Set(idx) }
}

func WithStreamMetrics(c metrics.Collector) StreamOption {
	return func(s *Stream) {
		if c != nil {
			s.metrics = c
		}
	}
}

func NewStream(group types.GroupID, a iApplier, opts ...StreamOption) *Stream {
	s := &Stream{
		group:        group,
		applier:      a,
		metrics:      metrics.Nop{},
		observer:     func(Entry, Result, error) {},
		maxRetries:   5,
		retryBackoff: 100 * time.Millisecond,
		applied:      clock.NewLogClock(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stream) Group() types.GroupID {
	return s.group
}

// Applied returns the index of the last applied entry.
func (s *Stream) Applied() types.LogIndex {
	return s.applied.Val()
}

// Halted returns the cause that stopped the stream, nil while it runs.
func (s *Stream) Halted() error {
	s.haltMu.RLock()
	defer s.haltMu.RUnlock()
	return s.halted
}

func (s *Stream) halt(cause error) error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	s.halted = cause
	return cause
}

// Deliver applies one entry. Only a halted stream or a cancelled context
// leaves the entry unapplied.
func (s *Stream) Deliver(ctx context.Context, e Entry) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if halted := s.Halted(); halted != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStreamHalted, halted)
	}
	if s.applied.Seen(e.Index) {
		slog.Debug("dropping re-delivered entry", "group", s.group, "index", e.Index, "applied", s.applied.Val())
		s.metrics.IncCounter("entries_dropped_total", map[string]string{"group": string(s.group)}, 1)
		return Result{}, nil
	}

	res, err := s.applyWithRetry(ctx, e.Command)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return Result{}, err
	case dberrors.IsFatal(err) || dberrors.IsUnavailable(err):
		halted := s.halt(fmt.Errorf("index %d: %w", e.Index, err))
		slog.Error("apply stream halted", "group", s.group, "index", e.Index, "error", err)
		s.metrics.IncCounter("stream_halts_total", map[string]string{"group": string(s.group)}, 1)
		s.observer(e, Result{}, err)
		return Result{}, fmt.Errorf("%w: %w", ErrStreamHalted, halted)
	}

	s.applied.Advance(e.Index)
	s.metrics.SetGauge("applied_index", map[string]string{"group": string(s.group)}, float64(e.Index))
	s.observer(e, res, err)
	return res, err
}

func (s *Stream) applyWithRetry(ctx context.Context, cmd command.Command) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := s.applier.Apply(ctx, cmd)
		if !dberrors.IsUnavailable(err) || attempt >= s.maxRetries {
			return res, err
		}

		slog.Warn("storage unavailable, retrying entry",
			"group", s.group,
			"attempt", attempt+1,
			"error", err)

		timer := time.NewTimer(s.retryBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// Run delivers entries from in until the channel is closed, ctx is done or
// the stream halts.
func (s *Stream) Run(ctx context.Context, in <-chan Entry) error {
	l := listener.New(in, func(ctx context.Context, e Entry) error {
		_, err := s.Deliver(ctx, e)
		if errors.Is(err, ErrStreamHalted) {
			return err
		}
		return nil
	})
	l.Start(ctx)
	defer l.Stop()

	<-l.Done()
	if err := l.Err(); err != nil {
		return err
	}
	return ctx.Err()
}
