package applier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tscluster/pkg/cluster"
	"tscluster/pkg/command"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/schema"
	"tscluster/pkg/types"
)

// flakyFacade reports the storage as unavailable for the first failures calls.
type flakyFacade struct {
	iFacade
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyFacade) Define(ctx context.Context, plan command.Plan) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return dberrors.ErrStorageUnavailable
	}
	return f.iFacade.Define(ctx, plan)
}

type outcome struct {
	index types.LogIndex
	err   error
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (r *recordingObserver) observe(e Entry, _ Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome{index: e.Index, err: err})
}

func addEntry(idx types.LogIndex, id int) Entry {
	return Entry{Index: idx, Command: command.AddMember{Node: cluster.NewNode("10.0.0.1", 6667, id, 40010, 6567)}}
}

func TestStream_DropsRedeliveredEntries(t *testing.T) {
	members := newRecordingMembership()
	s := NewStream(types.MetaGroup, New(members, schema.NewManager()))
	ctx := context.Background()

	_, err := s.Deliver(ctx, addEntry(1, 1))
	require.NoError(t, err)
	_, err = s.Deliver(ctx, addEntry(1, 1))
	require.NoError(t, err)
	_, err = s.Deliver(ctx, addEntry(2, 2))
	require.NoError(t, err)

	require.Len(t, members.adds, 2)
	require.Equal(t, types.LogIndex(2), s.Applied())
}

func TestStream_StartsAfterAppliedIndex(t *testing.T) {
	members := newRecordingMembership()
	s := NewStream(types.MetaGroup, New(members, schema.NewManager()), WithAppliedIndex(5))

	_, err := s.Deliver(context.Background(), addEntry(5, 1))
	require.NoError(t, err)
	require.Empty(t, members.adds)

	_, err = s.Deliver(context.Background(), addEntry(6, 1))
	require.NoError(t, err)
	require.Len(t, members.adds, 1)
}

func TestStream_RejectedDefinitionDoesNotHalt(t *testing.T) {
	facade := schema.NewManager()
	obs := &recordingObserver{}
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), facade), WithObserver(obs.observe))
	ctx := context.Background()

	_, err := s.Deliver(ctx, Entry{Index: 1, Command: schemaCmd(&command.CreateSeries{Path: "root.X.s1", Type: types.Double})})
	require.ErrorIs(t, err, dberrors.ErrNamespaceNotFound)
	require.NoError(t, s.Halted())
	require.Equal(t, types.LogIndex(1), s.Applied())

	_, err = s.Deliver(ctx, Entry{Index: 2, Command: schemaCmd(&command.SetNamespace{Path: "root.X"})})
	require.NoError(t, err)
	require.True(t, facade.PathExists("root.X"))

	require.Len(t, obs.outcomes, 2)
	require.ErrorIs(t, obs.outcomes[0].err, dberrors.ErrNamespaceNotFound)
	require.NoError(t, obs.outcomes[1].err)
}

func TestStream_MalformedEntryHalts(t *testing.T) {
	members := newRecordingMembership()
	s := NewStream(types.MetaGroup, New(members, schema.NewManager()))
	ctx := context.Background()

	_, err := s.Deliver(ctx, Entry{Index: 1, Command: nil})
	require.ErrorIs(t, err, ErrStreamHalted)
	require.ErrorIs(t, err, dberrors.ErrMalformedCommand)
	require.Equal(t, types.LogIndex(0), s.Applied())

	_, err = s.Deliver(ctx, addEntry(2, 1))
	require.ErrorIs(t, err, ErrStreamHalted)
	require.Empty(t, members.adds)
}

func TestStream_RetriesUnavailableFacade(t *testing.T) {
	flaky := &flakyFacade{iFacade: schema.NewManager(), failures: 2}
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), flaky), WithRetry(3, time.Millisecond))

	_, err := s.Deliver(context.Background(), Entry{Index: 1, Command: schemaCmd(&command.SetNamespace{Path: "root.sg"})})
	require.NoError(t, err)
	require.Equal(t, 3, flaky.calls)
	require.Equal(t, types.LogIndex(1), s.Applied())
}

func TestStream_HaltsWhenRetriesRunOut(t *testing.T) {
	flaky := &flakyFacade{iFacade: schema.NewManager(), failures: 10}
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), flaky), WithRetry(2, time.Millisecond))

	_, err := s.Deliver(context.Background(), Entry{Index: 1, Command: schemaCmd(&command.SetNamespace{Path: "root.sg"})})
	require.ErrorIs(t, err, ErrStreamHalted)
	require.True(t, dberrors.IsUnavailable(err))
	require.Equal(t, 3, flaky.calls)
	require.Error(t, s.Halted())
}

func TestStream_CancelledWhileRetrying(t *testing.T) {
	flaky := &flakyFacade{iFacade: schema.NewManager(), failures: 10}
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), flaky), WithRetry(10, time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Deliver(ctx, Entry{Index: 1, Command: schemaCmd(&command.SetNamespace{Path: "root.sg"})})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, s.Halted())
	require.Equal(t, types.LogIndex(0), s.Applied())
}

func TestStream_HaltedDoesNotWaitForRetries(t *testing.T) {
	flaky := &flakyFacade{iFacade: schema.NewManager(), failures: 10}
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), flaky), WithRetry(10, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Deliver(ctx, Entry{Index: 1, Command: schemaCmd(&command.SetNamespace{Path: "root.sg"})})
		done <- err
	}()

	require.Eventually(t, func() bool {
		flaky.mu.Lock()
		defer flaky.mu.Unlock()
		return flaky.calls > 0
	}, time.Second, time.Millisecond)

	read := make(chan error, 1)
	go func() { read <- s.Halted() }()
	select {
	case err := <-read:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Halted blocked behind a retrying delivery")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStream_RunAppliesInOrder(t *testing.T) {
	facade := schema.NewManager()
	obs := &recordingObserver{}
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), facade), WithObserver(obs.observe))

	plan, err := command.NewInsertPlan("root.sg.d1", 7, []string{"s1"}, []types.DataType{types.Int32}, []any{3})
	require.NoError(t, err)

	in := make(chan Entry, 3)
	in <- Entry{Index: 1, Command: schemaCmd(&command.SetNamespace{Path: "root.sg"})}
	in <- Entry{Index: 2, Command: schemaCmd(&command.CreateSeries{Path: "root.sg.d1.s1", Type: types.Int32})}
	in <- Entry{Index: 3, Command: schemaCmd(plan)}
	close(in)

	require.NoError(t, s.Run(context.Background(), in))
	require.Equal(t, types.LogIndex(3), s.Applied())

	v, ok := facade.Read("root.sg.d1.s1", 7)
	require.True(t, ok)
	require.Equal(t, int32(3), v)
	require.Len(t, obs.outcomes, 3)
}

func TestStream_RunStopsOnHalt(t *testing.T) {
	s := NewStream(types.MetaGroup, New(cluster.NewMemberSet(), schema.NewManager()))

	in := make(chan Entry, 2)
	in <- Entry{Index: 1, Command: command.SchemaOrMutation{}}
	in <- addEntry(2, 1)

	err := s.Run(context.Background(), in)
	require.True(t, errors.Is(err, ErrStreamHalted))
	require.Len(t, in, 1)
}
