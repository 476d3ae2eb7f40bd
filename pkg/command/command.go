package command

import (
	"strings"

	"tscluster/pkg/cluster"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/types"
)

// Command is the content of one committed log slot.
// The set of variants is closed: AddMember, RemoveMember, SchemaOrMutation.
type Command interface {
	isCommand()
}

type AddMember struct {
	Node cluster.Node
}

type RemoveMember struct {
	Node cluster.Node
}

// SchemaOrMutation wraps a schema definition or a data mutation.
type SchemaOrMutation struct {
	Plan Plan
}

func (AddMember) isCommand()        {}
func (RemoveMember) isCommand()     {}
func (SchemaOrMutation) isCommand() {}

// Plan is a domain command carried by SchemaOrMutation.
// Variants: *SetNamespace, *CreateSeries, *InsertPlan.
type Plan interface {
	isPlan()
}

// SetNamespace declares a storage namespace such as root.sg1.
type SetNamespace struct {
	Path string `json:"path"`
}

// CreateSeries declares one timeseries under an existing namespace.
type CreateSeries struct {
	Path       string            `json:"path"`
	Type       types.DataType    `json:"type"`
	Encoding   string            `json:"encoding,omitempty"`
	Compressor string            `json:"compressor,omitempty"`
	Alias      string            `json:"alias,omitempty"`
	Props      map[string]string `json:"props,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (*SetNamespace) isPlan() {}
func (*CreateSeries) isPlan() {}
func (*InsertPlan) isPlan()   {}

// Validate rejects commands that can never be applied on any replica.
func Validate(cmd Command) error {
	switch c := cmd.(type) {
	case AddMember:
		return c.Node.Validate()
	case RemoveMember:
		return c.Node.Validate()
	case SchemaOrMutation:
		return validatePlan(c.Plan)
	case nil:
		return dberrors.Malformed("nil command")
	default:
		return dberrors.ErrUnknownCommand
	}
}

func validatePlan(plan Plan) error {
	switch p := plan.(type) {
	case *SetNamespace:
		if p == nil {
			return dberrors.Malformed("nil namespace plan")
		}
		return validatePath(p.Path, 2)
	case *CreateSeries:
		if p == nil {
			return dberrors.Malformed("nil series plan")
		}
		if p.Type == types.Unset {
			return dberrors.Malformed("series %s has no data type", p.Path)
		}
		return validatePath(p.Path, 3)
	case *InsertPlan:
		if p == nil {
			return dberrors.Malformed("nil insert plan")
		}
		return p.Validate()
	case nil:
		return dberrors.Malformed("schema-or-mutation without a plan")
	default:
		return dberrors.ErrUnknownCommand
	}
}

// validatePath checks a dotted path rooted at "root" with at least minLevels nodes.
func validatePath(path string, minLevels int) error {
	parts := strings.Split(path, ".")
	if len(parts) < minLevels || parts[0] != "root" {
		return dberrors.Malformed("path %q must start with root and have at least %d levels", path, minLevels)
	}
	for _, p := range parts {
		if p == "" {
			return dberrors.Malformed("path %q has an empty level", path)
		}
	}
	return nil
}

// Kind names the variant for logs and metrics.
func Kind(cmd Command) string {
	switch c := cmd.(type) {
	case AddMember:
		return "add_member"
	case RemoveMember:
		return "remove_member"
	case SchemaOrMutation:
		switch c.Plan.(type) {
		case *SetNamespace:
			return "set_namespace"
		case *CreateSeries:
			return "create_series"
		case *InsertPlan:
			return "insert"
		}
	}
	return "unknown"
}
