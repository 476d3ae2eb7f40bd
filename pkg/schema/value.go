package schema

import (
	"encoding/json"
	"fmt"
	"math"

	"tscluster/pkg/dberrors"
	"tscluster/pkg/types"
)

// coerce converts a decoded value into the Go representation of dt.
// Numbers may arrive as float64 or json.Number; integral floats are accepted
// for integer series.
func coerce(dt types.DataType, v any) (any, error) {
	switch dt {
	case types.Boolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case types.Int32:
		if i, ok := toInt64(v); ok && i >= math.MinInt32 && i <= math.MaxInt32 {
			return int32(i), nil
		}
	case types.Int64:
		if i, ok := toInt64(v); ok {
			return i, nil
		}
	case types.Float:
		if f, ok := toFloat64(v); ok && math.Abs(f) <= math.MaxFloat32 {
			return float32(f), nil
		}
	case types.Double:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case types.Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: value %v (%T) is not %s", dberrors.ErrTypeMismatch, v, v, dt)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return toInt64(f)
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
