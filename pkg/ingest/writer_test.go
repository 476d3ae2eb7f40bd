package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tscluster/pkg/applier"
	"tscluster/pkg/cluster"
	"tscluster/pkg/command"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/schema"
	"tscluster/pkg/types"
)

// localExecutor applies commands directly and records them.
type localExecutor struct {
	a *applier.Applier

	mu       sync.Mutex
	kinds    []string
	inserted [][]string
}

func newLocalExecutor(facade *schema.Manager) *localExecutor {
	return &localExecutor{a: applier.New(cluster.NewMemberSet(), facade)}
}

func (e *localExecutor) Execute(ctx context.Context, cmd command.Command) (applier.Result, error) {
	e.mu.Lock()
	e.kinds = append(e.kinds, command.Kind(cmd))
	if som, ok := cmd.(command.SchemaOrMutation); ok {
		if p, ok := som.Plan.(*command.InsertPlan); ok {
			e.inserted = append(e.inserted, p.Measurements())
		}
	}
	e.mu.Unlock()
	return e.a.Apply(ctx, cmd)
}

func newPlan(t *testing.T, device string, measurements []string, dts []types.DataType, values []any) *command.InsertPlan {
	t.Helper()
	p, err := command.NewInsertPlan(device, 1000, measurements, dts, values)
	require.NoError(t, err)
	return p
}

func TestWriter_AutoCreatesMissingSchema(t *testing.T) {
	facade := schema.NewManager()
	exec := newLocalExecutor(facade)
	w := NewWriter(exec, WithAutoCreate(2, 2))

	plan := newPlan(t, "root.sg.d1", []string{"s1", "s2"},
		[]types.DataType{types.Double, types.Int64}, []any{0.5, 9})

	report, err := w.Insert(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, 2, report.Written)
	require.Empty(t, report.Failures)
	require.Equal(t, 1, report.Rounds)

	require.True(t, facade.PathExists("root.sg"))
	dt, err := facade.SeriesType("root.sg.d1.s2")
	require.NoError(t, err)
	require.Equal(t, types.Int64, dt)
	v, ok := facade.Read("root.sg.d1.s2", 1000)
	require.True(t, ok)
	require.Equal(t, int64(9), v)

	require.Equal(t, []string{"insert", "set_namespace", "create_series", "create_series", "insert"}, exec.kinds)
}

func TestWriter_RetriesOnlyFailedMeasurements(t *testing.T) {
	ctx := context.Background()
	facade := schema.NewManager()
	require.NoError(t, facade.Define(ctx, &command.SetNamespace{Path: "root.sg"}))
	require.NoError(t, facade.Define(ctx, &command.CreateSeries{Path: "root.sg.d1.s1", Type: types.Int64}))
	require.NoError(t, facade.Define(ctx, &command.CreateSeries{Path: "root.sg.d1.s3", Type: types.Text}))

	exec := newLocalExecutor(facade)
	w := NewWriter(exec, WithAutoCreate(2, 3))

	plan := newPlan(t, "root.sg.d1", []string{"s1", "s2", "s3"},
		[]types.DataType{types.Int64, types.Boolean, types.Double}, []any{1, true, 2.0})

	report, err := w.Insert(ctx, plan)
	require.NoError(t, err)
	require.Equal(t, 2, report.Written)
	require.Equal(t, 1, report.Rounds)
	require.Len(t, report.Failures, 1)
	require.Equal(t, 2, report.Failures[0].Index)
	require.Equal(t, "s3", report.Failures[0].Measurement)
	require.ErrorIs(t, report.Failures[0], dberrors.ErrTypeMismatch)

	require.Len(t, exec.inserted, 2)
	require.Equal(t, []string{"s2", "s3"}, exec.inserted[1])

	v, ok := facade.Read("root.sg.d1.s2", 1000)
	require.True(t, ok)
	require.Equal(t, true, v)
}

func TestWriter_WithoutAutoCreate(t *testing.T) {
	facade := schema.NewManager()
	exec := newLocalExecutor(facade)
	w := NewWriter(exec)

	plan := newPlan(t, "root.sg.d1", []string{"s1", "s2"},
		[]types.DataType{types.Double, types.Int64}, nil)

	report, err := w.Insert(context.Background(), plan)
	require.NoError(t, err)
	require.Zero(t, report.Written)
	require.Zero(t, report.Rounds)
	require.Len(t, report.Failures, 2)
	require.Equal(t, 0, report.Failures[0].Index)
	require.Equal(t, 1, report.Failures[1].Index)
	require.False(t, facade.PathExists("root.sg"))
}

func TestWriter_RejectedNamespaceStopsRetrying(t *testing.T) {
	ctx := context.Background()
	facade := schema.NewManager()
	require.NoError(t, facade.Define(ctx, &command.SetNamespace{Path: "root.sg.inner"}))

	exec := newLocalExecutor(facade)
	w := NewWriter(exec, WithAutoCreate(2, 2))

	plan := newPlan(t, "root.sg.d1", []string{"s1"}, []types.DataType{types.Double}, []any{1.0})
	report, err := w.Insert(ctx, plan)
	require.NoError(t, err)
	require.Zero(t, report.Rounds)
	require.Len(t, report.Failures, 1)
	require.ErrorIs(t, report.Failures[0], dberrors.ErrNamespaceNotFound)
}

func TestWriter_UnavailableStorage(t *testing.T) {
	facade := schema.NewManager()
	require.NoError(t, facade.Close())
	w := NewWriter(newLocalExecutor(facade), WithAutoCreate(2, 2))

	plan := newPlan(t, "root.sg.d1", []string{"s1"}, []types.DataType{types.Double}, []any{1.0})
	_, err := w.Insert(context.Background(), plan)
	require.True(t, dberrors.IsUnavailable(err))
}

func TestNamespaceFor(t *testing.T) {
	require.Equal(t, "root.sg", namespaceFor("root.sg.d1", 2))
	require.Equal(t, "root.sg.d1", namespaceFor("root.sg.d1", 3))
	require.Equal(t, "root.sg", namespaceFor("root.sg", 5))
}

func TestRemap(t *testing.T) {
	origin := []int{0, 1, 2, 3}
	failures := []command.Failure{{Index: 3}, {Index: 1}}
	require.Equal(t, []int{1, 3}, remap(origin, failures))
	require.Equal(t, []int{3}, remap([]int{1, 3}, []command.Failure{{Index: 1}}))
}

func TestWriter_ConcurrentAutoCreate(t *testing.T) {
	facade := schema.NewManager()
	exec := newLocalExecutor(facade)
	w := NewWriter(exec, WithAutoCreate(2, 2))

	var wg sync.WaitGroup
	reports := make([]Report, 8)
	errs := make([]error, 8)
	for i := range reports {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			plan, err := command.NewInsertPlan(fmt.Sprintf("root.sg.d%d", i), 1000,
				[]string{"s1"}, []types.DataType{types.Double}, []any{float64(i)})
			if err != nil {
				errs[i] = err
				return
			}
			reports[i], errs[i] = w.Insert(context.Background(), plan)
		}()
	}
	wg.Wait()

	for i := range reports {
		require.NoError(t, errs[i])
		require.Equal(t, 1, reports[i].Written, "device %d", i)
		require.Empty(t, reports[i].Failures)
	}
	require.Equal(t, []string{"root.sg"}, facade.Namespaces())
}
