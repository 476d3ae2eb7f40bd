package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tscluster/pkg/dberrors"
	"tscluster/pkg/types"
)

// MeasurementSchema is the resolved schema of one sub-target.
type MeasurementSchema struct {
	Path       string         `json:"path"`
	Type       types.DataType `json:"type"`
	Encoding   string         `json:"encoding,omitempty"`
	Compressor string         `json:"compressor,omitempty"`
}

// Failure records one failed sub-target. Index is the position in the plan
// as it was built, Type is the declared type before the slot was tombstoned.
type Failure struct {
	Index       int
	Measurement string
	Type        types.DataType
	Cause       error
}

func (f Failure) Error() string {
	return fmt.Sprintf("measurement %s (index %d): %v", f.Measurement, f.Index, f.Cause)
}

func (f Failure) Unwrap() error { return f.Cause }

// InsertPlan writes one row of N measurements for a device.
//
// Measurements, DataTypes, Values and Schemas are parallel and keep the same
// length for the whole life of the plan. A failed slot is tombstoned in place:
// its measurement becomes "" and its type Unset, so positions stay aligned with
// the caller's buffers. The failure log is append-only during one attempt.
type InsertPlan struct {
	mu sync.Mutex

	device       string
	time         int64
	measurements []string
	dataTypes    []types.DataType
	values       []any
	schemas      []*MeasurementSchema
	failures     []Failure
}

// NewInsertPlan builds a plan; values may be nil when only the schema side matters.
func NewInsertPlan(device string, time int64, measurements []string, dataTypes []types.DataType, values []any) (*InsertPlan, error) {
	p := &InsertPlan{
		device:       device,
		time:         time,
		measurements: append([]string(nil), measurements...),
		dataTypes:    append([]types.DataType(nil), dataTypes...),
		schemas:      make([]*MeasurementSchema, len(measurements)),
	}
	if values != nil {
		p.values = append([]any(nil), values...)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *InsertPlan) Device() string { return p.device }

func (p *InsertPlan) Time() int64 { return p.time }

// MinTime is the earliest timestamp the plan writes; a row has exactly one.
func (p *InsertPlan) MinTime() int64 { return p.time }

func (p *InsertPlan) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.measurements)
}

func (p *InsertPlan) Measurements() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.measurements...)
}

func (p *InsertPlan) DataTypes() []types.DataType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.DataType(nil), p.dataTypes...)
}

func (p *InsertPlan) Values() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.values == nil {
		return nil
	}
	return append([]any(nil), p.values...)
}

func (p *InsertPlan) Schemas() []*MeasurementSchema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MeasurementSchema(nil), p.schemas...)
}

// Target returns the live sub-target at i; ok is false for a tombstoned slot.
func (p *InsertPlan) Target(i int) (measurement string, dataType types.DataType, value any, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.measurements) || p.measurements[i] == "" {
		return "", types.Unset, nil, false
	}
	if p.values != nil {
		value = p.values[i]
	}
	return p.measurements[i], p.dataTypes[i], value, true
}

func (p *InsertPlan) SetSchema(i int, schema *MeasurementSchema) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.schemas) {
		return dberrors.Malformed("schema index %d out of range [0,%d)", i, len(p.schemas))
	}
	p.schemas[i] = schema
	return p.checkAlignedLocked()
}

// MarkFailed records the failure of sub-target i and tombstones it.
// Marking an already tombstoned slot is a no-op.
func (p *InsertPlan) MarkFailed(i int, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i < 0 || i >= len(p.measurements) {
		return dberrors.Malformed("failed index %d out of range [0,%d)", i, len(p.measurements))
	}
	if p.measurements[i] == "" {
		return nil
	}
	p.failures = append(p.failures, Failure{
		Index:       i,
		Measurement: p.measurements[i],
		Type:        p.dataTypes[i],
		Cause:       cause,
	})
	p.measurements[i] = ""
	p.dataTypes[i] = types.Unset
	return p.checkAlignedLocked()
}

func (p *InsertPlan) FailedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.failures)
}

func (p *InsertPlan) Failures() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Failure(nil), p.failures...)
}

// FailureError joins all recorded failures, nil when there are none.
func (p *InsertPlan) FailureError() error {
	failures := p.Failures()
	if len(failures) == 0 {
		return nil
	}
	errs := make([]error, len(failures))
	for i, f := range failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// ReconstructFailedOnly builds a new plan holding only the failed sub-targets,
// in their original relative order, with their pre-failure types, values and
// schemas. ok is false when nothing failed and no retry is needed.
func (p *InsertPlan) ReconstructFailedOnly() (retry *InsertPlan, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.failures) == 0 {
		return nil, false
	}

	failed := append([]Failure(nil), p.failures...)
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].Index < failed[j].Index })

	n := len(failed)
	retry = &InsertPlan{
		device:       p.device,
		time:         p.time,
		measurements: make([]string, n),
		dataTypes:    make([]types.DataType, n),
		schemas:      make([]*MeasurementSchema, n),
	}
	if p.values != nil {
		retry.values = make([]any, n)
	}
	for i, f := range failed {
		retry.measurements[i] = f.Measurement
		retry.dataTypes[i] = f.Type
		retry.schemas[i] = p.schemas[f.Index]
		if p.values != nil {
			retry.values[i] = p.values[f.Index]
		}
	}
	return retry, true
}

// Validate checks the structural invariants of the plan.
func (p *InsertPlan) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := validatePath(p.device, 2); err != nil {
		return err
	}
	if len(p.measurements) == 0 {
		return dberrors.Malformed("insert into %s has no measurements", p.device)
	}
	if err := p.checkAlignedLocked(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(p.measurements))
	tombstones := 0
	for i, m := range p.measurements {
		if m == "" {
			if p.dataTypes[i] != types.Unset {
				return dberrors.Malformed("tombstoned slot %d still has type %s", i, p.dataTypes[i])
			}
			tombstones++
			continue
		}
		if strings.Contains(m, ".") {
			return dberrors.Malformed("measurement %q must be a single level", m)
		}
		if p.dataTypes[i] == types.Unset {
			return dberrors.Malformed("measurement %s has no data type", m)
		}
		if _, dup := seen[m]; dup {
			return dberrors.Malformed("duplicate measurement %q", m)
		}
		seen[m] = struct{}{}
	}
	if tombstones != len(p.failures) {
		return dberrors.Malformed("%d tombstoned slots but %d recorded failures", tombstones, len(p.failures))
	}
	return nil
}

func (p *InsertPlan) checkAlignedLocked() error {
	n := len(p.measurements)
	if len(p.dataTypes) != n || len(p.schemas) != n || (p.values != nil && len(p.values) != n) {
		return dberrors.Malformed("misaligned insert plan: measurements=%d types=%d schemas=%d values=%d",
			n, len(p.dataTypes), len(p.schemas), len(p.values))
	}
	return nil
}
