// Package ingest is the write path seen by clients: it routes commands to
// their replication group and repairs inserts that failed on missing schema.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"tscluster/pkg/command"
	"tscluster/pkg/dberrors"
)

// Report is the outcome of one insert request. Failure indexes refer to the
// measurements of the request as the client sent it.
type Report struct {
	Device   string            `json:"device"`
	Written  int               `json:"written"`
	Failures []command.Failure `json:"-"`
	Rounds   int               `json:"rounds"`
}

type Writer struct {
	exec Executor
	// defines collapses concurrent auto-creation of the same path
	defines singleflight.Group

	autoCreate     bool
	namespaceLevel int
	maxRounds      int
}

type Option func(*Writer)

// WithAutoCreate defines missing namespaces and series and resubmits the
// failed measurements, at most maxRounds times. An auto-created namespace
// keeps the first namespaceLevel levels of the device path.
func WithAutoCreate(namespaceLevel, maxRounds int) Option {
	return func(w *Writer) {
		w.autoCreate = true
		if namespaceLevel >= 2 {
			w.namespaceLevel = namespaceLevel
		}
		if maxRounds > 0 {
			w.maxRounds = maxRounds
		}
	}
}

func NewWriter(exec Executor, opts ...Option) *Writer {
	w := &Writer{
		exec:           exec,
		namespaceLevel: 2,
		maxRounds:      1,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Insert replicates plan. Measurements that already succeeded are never
// resubmitted: every round only carries the failures of the previous one.
func (w *Writer) Insert(ctx context.Context, plan *command.InsertPlan) (Report, error) {
	report := Report{Device: plan.Device()}
	total := plan.Len()

	res, err := w.exec.Execute(ctx, command.SchemaOrMutation{Plan: plan})
	if err != nil {
		return report, err
	}

	// origin maps an index of the current plan to the request index.
	origin := make([]int, total)
	for i := range origin {
		origin[i] = i
	}

	for w.autoCreate && res.Retry != nil && report.Rounds < w.maxRounds {
		created, err := w.createMissing(ctx, plan.Device(), res.Failures)
		if err != nil {
			return report, err
		}
		if !created {
			break
		}

		origin = remap(origin, res.Failures)
		report.Rounds++
		slog.Debug("resubmitting failed measurements",
			"device", plan.Device(),
			"round", report.Rounds,
			"count", res.Retry.Len())

		res, err = w.exec.Execute(ctx, command.SchemaOrMutation{Plan: res.Retry})
		if err != nil {
			return report, fmt.Errorf("retry round %d: %w", report.Rounds, err)
		}
	}

	report.Failures = make([]command.Failure, len(res.Failures))
	for i, f := range res.Failures {
		f.Index = origin[f.Index]
		report.Failures[i] = f
	}
	report.Written = total - len(report.Failures)
	return report, nil
}

// remap follows the failed slots into the retry plan, which keeps them in
// index order.
func remap(origin []int, failures []command.Failure) []int {
	idx := make([]int, len(failures))
	for i, f := range failures {
		idx[i] = f.Index
	}
	sort.Ints(idx)

	next := make([]int, len(idx))
	for i, j := range idx {
		next[i] = origin[j]
	}
	return next
}

// createMissing defines the namespace and series the failures complain
// about. It reports whether anything new could be defined.
func (w *Writer) createMissing(ctx context.Context, device string, failures []command.Failure) (bool, error) {
	var (
		needNamespace bool
		series        []command.Failure
	)
	for _, f := range failures {
		switch {
		case errors.Is(f.Cause, dberrors.ErrNamespaceNotFound):
			needNamespace = true
			series = append(series, f)
		case errors.Is(f.Cause, dberrors.ErrSchemaNotFound):
			series = append(series, f)
		}
	}
	if !needNamespace && len(series) == 0 {
		return false, nil
	}

	if needNamespace {
		ns := namespaceFor(device, w.namespaceLevel)
		ok, err := w.define(ctx, &command.SetNamespace{Path: ns})
		if err != nil || !ok {
			return false, err
		}
	}

	created := false
	for _, f := range series {
		ok, err := w.define(ctx, &command.CreateSeries{
			Path: device + "." + f.Measurement,
			Type: f.Type,
		})
		if err != nil {
			return false, err
		}
		created = created || ok
	}
	return created, nil
}

// define proposes a schema definition. A rejected definition is logged and
// reported as not defined; structural and availability errors are returned.
func (w *Writer) define(ctx context.Context, plan command.Plan) (bool, error) {
	cmd := command.SchemaOrMutation{Plan: plan}
	_, err, shared := w.defines.Do(command.Kind(cmd)+":"+definedPath(plan), func() (any, error) {
		_, err := w.exec.Execute(ctx, cmd)
		return nil, err
	})
	if shared {
		slog.Debug("schema auto-creation shared", "kind", command.Kind(cmd), "path", definedPath(plan))
	}
	switch {
	case err == nil:
		return true, nil
	case dberrors.IsFatal(err), dberrors.IsUnavailable(err),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false, err
	default:
		slog.Warn("schema auto-creation rejected", "kind", command.Kind(cmd), "error", err)
		return false, nil
	}
}

func definedPath(plan command.Plan) string {
	switch p := plan.(type) {
	case *command.SetNamespace:
		return p.Path
	case *command.CreateSeries:
		return p.Path
	default:
		return ""
	}
}

func namespaceFor(device string, level int) string {
	parts := strings.Split(device, ".")
	if level > len(parts) {
		level = len(parts)
	}
	return strings.Join(parts[:level], ".")
}
