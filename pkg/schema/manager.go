// Package schema is the in-process metadata and storage facade the log
// applier writes to: namespaces, series schemas and row storage.
package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"tscluster/pkg/command"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/types"
)

type points = skipmap.FuncMap[int64, any]

// Manager keeps namespaces and series in ordered maps keyed by full path.
// Schema definitions are serialized by mu; writes to one device are
// serialized by that device's lock so resolution and write see one schema.
type Manager struct {
	mu         sync.RWMutex
	namespaces *skipmap.FuncMap[string, struct{}]
	series     *skipmap.FuncMap[string, *command.MeasurementSchema]
	data       *skipmap.FuncMap[string, *points]

	deviceLocks sync.Map // device path -> *sync.Mutex
	closed      atomic.Bool
}

func lessString(a, b string) bool { return a < b }

func NewManager() *Manager {
	return &Manager{
		namespaces: skipmap.NewFunc[string, struct{}](lessString),
		series:     skipmap.NewFunc[string, *command.MeasurementSchema](lessString),
		data:       skipmap.NewFunc[string, *points](lessString),
	}
}

// Close makes every later call fail with ErrStorageUnavailable.
func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *Manager) available() error {
	if m.closed.Load() {
		return dberrors.ErrStorageUnavailable
	}
	return nil
}

// Define applies a schema plan. Identical re-definitions are no-ops.
func (m *Manager) Define(ctx context.Context, plan command.Plan) error {
	if err := m.available(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := plan.(type) {
	case *command.SetNamespace:
		return m.setNamespace(p.Path)
	case *command.CreateSeries:
		return m.createSeries(p)
	default:
		return dberrors.Malformed("%T is not a schema definition", plan)
	}
}

func (m *Manager) setNamespace(path string) error {
	if _, ok := m.namespaces.Load(path); ok {
		return nil
	}
	if ns, ok := m.namespaceOf(path); ok {
		return fmt.Errorf("%w: %s is already under namespace %s", dberrors.ErrSchemaConflict, path, ns)
	}
	var child string
	m.namespaces.Range(func(ns string, _ struct{}) bool {
		if strings.HasPrefix(ns, path+".") {
			child = ns
			return false
		}
		return true
	})
	if child != "" {
		return fmt.Errorf("%w: namespace %s already exists below %s", dberrors.ErrSchemaConflict, child, path)
	}

	m.namespaces.Store(path, struct{}{})
	slog.Info("namespace set", "path", path)
	return nil
}

func (m *Manager) createSeries(p *command.CreateSeries) error {
	device, _, ok := splitSeries(p.Path)
	if !ok {
		return dberrors.Malformed("series path %q has no device", p.Path)
	}
	if _, ok := m.namespaceOf(device); !ok {
		return fmt.Errorf("%w: %s", dberrors.ErrNamespaceNotFound, p.Path)
	}
	if existing, ok := m.series.Load(p.Path); ok {
		if existing.Type == p.Type {
			return nil
		}
		return fmt.Errorf("%w: %s exists as %s, requested %s", dberrors.ErrSchemaConflict, p.Path, existing.Type, p.Type)
	}
	if _, ok := m.series.Load(device); ok {
		return fmt.Errorf("%w: %s is a measurement, not a device", dberrors.ErrSchemaConflict, device)
	}

	m.series.Store(p.Path, &command.MeasurementSchema{
		Path:       p.Path,
		Type:       p.Type,
		Encoding:   p.Encoding,
		Compressor: p.Compressor,
	})
	slog.Info("series created", "path", p.Path, "type", p.Type.String())
	return nil
}

// namespaceOf finds the namespace that is path itself or one of its ancestors.
func (m *Manager) namespaceOf(path string) (string, bool) {
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			prefix := path[:i]
			if _, ok := m.namespaces.Load(prefix); ok {
				return prefix, true
			}
		}
	}
	return "", false
}

func (m *Manager) lockDevice(device string) func() {
	v, _ := m.deviceLocks.LoadOrStore(device, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ResolveAndWrite resolves the schema of one sub-target and stores its value.
// A nil value only resolves. Failures specific to the sub-target are
// ErrNamespaceNotFound, ErrSchemaNotFound and ErrTypeMismatch.
func (m *Manager) ResolveAndWrite(
	ctx context.Context,
	device, measurement string,
	dt types.DataType,
	time int64,
	value any,
) (*command.MeasurementSchema, error) {
	if err := m.available(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := m.lockDevice(device)
	defer unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.namespaceOf(device); !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrNamespaceNotFound, device)
	}
	path := device + "." + measurement
	schema, ok := m.series.Load(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrSchemaNotFound, path)
	}
	if schema.Type != dt {
		return nil, fmt.Errorf("%w: %s is %s, got %s", dberrors.ErrTypeMismatch, path, schema.Type, dt)
	}
	if value == nil {
		return schema, nil
	}

	v, err := coerce(dt, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rows, ok := m.data.Load(path)
	if !ok {
		rows, _ = m.data.LoadOrStore(path, skipmap.NewFunc[int64, any](func(a, b int64) bool { return a < b }))
	}
	rows.Store(time, v)
	return schema, nil
}

// PathExists reports whether path is a namespace, a series, or an inner node of either.
func (m *Manager) PathExists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.namespaces.Load(path); ok {
		return true
	}
	if _, ok := m.series.Load(path); ok {
		return true
	}
	found := false
	check := func(key string) bool {
		if strings.HasPrefix(key, path+".") {
			found = true
			return false
		}
		return true
	}
	m.namespaces.Range(func(k string, _ struct{}) bool { return check(k) })
	if !found {
		m.series.Range(func(k string, _ *command.MeasurementSchema) bool { return check(k) })
	}
	return found
}

func (m *Manager) SeriesType(path string) (types.DataType, error) {
	s, ok := m.series.Load(path)
	if !ok {
		return types.Unset, fmt.Errorf("%w: %s", dberrors.ErrPathNotFound, path)
	}
	return s.Type, nil
}

func (m *Manager) Namespaces() []string {
	res := make([]string, 0, m.namespaces.Len())
	m.namespaces.Range(func(k string, _ struct{}) bool {
		res = append(res, k)
		return true
	})
	return res
}

// Read returns the value stored for a series at a timestamp.
func (m *Manager) Read(path string, time int64) (any, bool) {
	rows, ok := m.data.Load(path)
	if !ok {
		return nil, false
	}
	return rows.Load(time)
}

// RowCount returns the number of stored rows of a series.
func (m *Manager) RowCount(path string) int {
	rows, ok := m.data.Load(path)
	if !ok {
		return 0
	}
	return rows.Len()
}

func splitSeries(path string) (device, measurement string, ok bool) {
	i := strings.LastIndexByte(path, '.')
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}
