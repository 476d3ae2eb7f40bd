// Package applier turns committed log commands into membership and
// metadata/storage effects.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tscluster/pkg/cluster"
	"tscluster/pkg/command"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/metrics"
	"tscluster/pkg/types"
)

type iMembership interface {
	ApplyAdd(node cluster.Node)
	ApplyRemove(node cluster.Node)
}

type iFacade interface {
	Define(ctx context.Context, plan command.Plan) error
	ResolveAndWrite(
		ctx context.Context,
		device, measurement string,
		dt types.DataType,
		time int64,
		value any,
	) (*command.MeasurementSchema, error)
}

// Result describes a successful apply. For an insert, Failures lists the
// sub-targets that did not make it and Retry holds them as a new plan.
type Result struct {
	Failures []command.Failure
	Retry    *command.InsertPlan
}

// Partial reports whether some sub-targets failed.
func (r Result) Partial() bool {
	return len(r.Failures) > 0
}

type Applier struct {
	members     iMembership
	facade      iFacade
	metrics     metrics.Collector
	parallelism int
}

type Option func(*Applier)

// WithParallelism resolves up to n sub-targets of one insert concurrently.
func WithParallelism(n int) Option {
	return func(a *Applier) {
		if n > 0 {
			a.parallelism = n
		}
	}
}

func WithMetrics(c metrics.Collector) Option {
	return func(a *Applier) {
		if c != nil {
			a.metrics = c
		}
	}
}

func New(members iMembership, facade iFacade, opts ...Option) *Applier {
	a := &Applier{
		members:     members,
		facade:      facade,
		metrics:     metrics.Nop{},
		parallelism: 1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply applies one command. It fails only for a malformed command, an
// unavailable facade, or a rejected schema definition; sub-target failures
// of an insert are returned in Result.
func (a *Applier) Apply(ctx context.Context, cmd command.Command) (Result, error) {
	start := time.Now()
	kind := command.Kind(cmd)

	res, err := a.apply(ctx, cmd)

	outcome := "ok"
	switch {
	case err != nil && dberrors.IsFatal(err):
		outcome = "fatal"
		slog.Error("apply failed", "kind", kind, "error", err)
	case err != nil && dberrors.IsUnavailable(err):
		outcome = "unavailable"
		slog.Warn("apply failed, storage unavailable", "kind", kind, "error", err)
	case err != nil:
		outcome = "rejected"
		slog.Warn("apply rejected", "kind", kind, "error", err)
	case res.Partial():
		outcome = "partial"
		slog.Debug("applied with failures", "kind", kind, "failed", len(res.Failures))
	default:
		slog.Debug("applied", "kind", kind)
	}

	a.metrics.IncCounter("commands_applied_total", map[string]string{"kind": kind, "outcome": outcome}, 1)
	a.metrics.ObserveHistogram("apply_latency_ms", map[string]string{"kind": kind},
		float64(time.Since(start).Microseconds())/1000)
	return res, err
}

func (a *Applier) apply(ctx context.Context, cmd command.Command) (Result, error) {
	if err := command.Validate(cmd); err != nil {
		return Result{}, err
	}

	switch c := cmd.(type) {
	case command.AddMember:
		a.members.ApplyAdd(c.Node)
		return Result{}, nil
	case command.RemoveMember:
		a.members.ApplyRemove(c.Node)
		return Result{}, nil
	case command.SchemaOrMutation:
		switch p := c.Plan.(type) {
		case *command.SetNamespace:
			if err := a.facade.Define(ctx, p); err != nil {
				return Result{}, fmt.Errorf("set namespace %s: %w", p.Path, err)
			}
			return Result{}, nil
		case *command.CreateSeries:
			if err := a.facade.Define(ctx, p); err != nil {
				return Result{}, fmt.Errorf("create series %s: %w", p.Path, err)
			}
			return Result{}, nil
		case *command.InsertPlan:
			return a.applyInsert(ctx, p)
		}
	}
	return Result{}, dberrors.ErrUnknownCommand
}

// applyInsert resolves and writes every live sub-target. Sub-target failures
// tombstone their slot; any other error fails the whole apply, keeping what
// was already written.
func (a *Applier) applyInsert(ctx context.Context, plan *command.InsertPlan) (Result, error) {
	device, ts := plan.Device(), plan.Time()

	resolve := func(i int) error {
		measurement, dt, value, ok := plan.Target(i)
		if !ok {
			return nil
		}
		schema, err := a.facade.ResolveAndWrite(ctx, device, measurement, dt, ts, value)
		switch {
		case err == nil:
			return plan.SetSchema(i, schema)
		case dberrors.IsSubTarget(err):
			slog.Warn("sub-target failed", "device", device, "measurement", measurement, "index", i, "error", err)
			a.metrics.IncCounter("subtarget_failures_total", nil, 1)
			return plan.MarkFailed(i, err)
		default:
			return fmt.Errorf("insert %s.%s: %w", device, measurement, err)
		}
	}

	n := plan.Len()
	if a.parallelism <= 1 || n < 2 {
		for i := 0; i < n; i++ {
			if err := resolve(i); err != nil {
				return Result{}, err
			}
		}
	} else {
		var g errgroup.Group
		g.SetLimit(a.parallelism)
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error { return resolve(i) })
		}
		if err := g.Wait(); err != nil {
			return Result{}, err
		}
	}

	if err := plan.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{Failures: plan.Failures()}
	if retry, ok := plan.ReconstructFailedOnly(); ok {
		res.Retry = retry
	}
	return res, nil
}
