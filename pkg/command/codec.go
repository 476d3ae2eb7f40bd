package command

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"tscluster/pkg/cluster"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/types"
)

// Envelope is the payload of one raft log entry.
type Envelope struct {
	ID   uuid.UUID       `json:"id"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

type memberBody struct {
	Node cluster.Node `json:"node"`
}

type insertBody struct {
	Device       string               `json:"device"`
	Time         int64                `json:"time"`
	Measurements []string             `json:"measurements"`
	DataTypes    []types.DataType     `json:"data_types"`
	Values       []any                `json:"values,omitempty"`
	Schemas      []*MeasurementSchema `json:"schemas"`
}

// Encode wraps cmd into an envelope tagged with id.
func Encode(id uuid.UUID, cmd Command) ([]byte, error) {
	var body any
	switch c := cmd.(type) {
	case AddMember:
		body = memberBody{Node: c.Node}
	case RemoveMember:
		body = memberBody{Node: c.Node}
	case SchemaOrMutation:
		switch p := c.Plan.(type) {
		case *SetNamespace:
			body = p
		case *CreateSeries:
			body = p
		case *InsertPlan:
			body = p.snapshot()
		default:
			return nil, dberrors.ErrUnknownCommand
		}
	default:
		return nil, dberrors.ErrUnknownCommand
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", Kind(cmd), err)
	}
	return json.Marshal(Envelope{ID: id, Type: Kind(cmd), Body: raw})
}

// Decode parses an entry payload. Anything that does not decode into a
// known variant is a malformed command.
func Decode(data []byte) (uuid.UUID, Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return uuid.Nil, nil, dberrors.Malformed("envelope: %v", err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case "add_member", "remove_member":
		var b memberBody
		if err = json.Unmarshal(env.Body, &b); err == nil {
			if env.Type == "add_member" {
				cmd = AddMember{Node: b.Node}
			} else {
				cmd = RemoveMember{Node: b.Node}
			}
		}
	case "set_namespace":
		var p SetNamespace
		if err = json.Unmarshal(env.Body, &p); err == nil {
			cmd = SchemaOrMutation{Plan: &p}
		}
	case "create_series":
		var p CreateSeries
		if err = json.Unmarshal(env.Body, &p); err == nil {
			cmd = SchemaOrMutation{Plan: &p}
		}
	case "insert":
		var b insertBody
		dec := json.NewDecoder(bytes.NewReader(env.Body))
		dec.UseNumber()
		if err = dec.Decode(&b); err == nil {
			p := &InsertPlan{
				device:       b.Device,
				time:         b.Time,
				measurements: b.Measurements,
				dataTypes:    b.DataTypes,
				values:       typedValues(b.DataTypes, b.Values),
				schemas:      b.Schemas,
			}
			if p.schemas == nil {
				p.schemas = make([]*MeasurementSchema, len(p.measurements))
			}
			cmd = SchemaOrMutation{Plan: p}
		}
	default:
		return env.ID, nil, fmt.Errorf("%w: %q", dberrors.ErrUnknownCommand, env.Type)
	}
	if err != nil {
		return env.ID, nil, dberrors.Malformed("%s body: %v", env.Type, err)
	}
	return env.ID, cmd, nil
}

// typedValues turns the numbers of an insert body back into int64 or
// float64 according to the slot type. Integers keep full 64-bit precision.
func typedValues(dataTypes []types.DataType, values []any) []any {
	for i, v := range values {
		n, ok := v.(json.Number)
		if !ok || i >= len(dataTypes) {
			continue
		}
		switch dataTypes[i] {
		case types.Int32, types.Int64:
			if iv, err := n.Int64(); err == nil {
				values[i] = iv
			}
		case types.Float, types.Double:
			if fv, err := n.Float64(); err == nil {
				values[i] = fv
			}
		}
	}
	return values
}

func (p *InsertPlan) snapshot() insertBody {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := insertBody{
		Device:       p.device,
		Time:         p.time,
		Measurements: append([]string(nil), p.measurements...),
		DataTypes:    append([]types.DataType(nil), p.dataTypes...),
		Schemas:      append([]*MeasurementSchema(nil), p.schemas...),
	}
	if p.values != nil {
		b.Values = append([]any(nil), p.values...)
	}
	return b
}
