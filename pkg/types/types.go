package types

import (
	"fmt"
	"strings"
)

// LogIndex is the position of a committed entry inside one replication group.
type LogIndex uint64

// GroupID identifies a replication group (the metadata group or a data partition group).
type GroupID string

const MetaGroup GroupID = "meta"

// DataType is the declared type of a timeseries.
// The zero value marks a slot that has no type (failed or never set).
type DataType uint8

const (
	Unset DataType = iota
	Boolean
	Int32
	Int64
	Float
	Double
	Text
)

var dataTypeNames = map[DataType]string{
	Boolean: "BOOLEAN",
	Int32:   "INT32",
	Int64:   "INT64",
	Float:   "FLOAT",
	Double:  "DOUBLE",
	Text:    "TEXT",
}

func (t DataType) String() string {
	if name, ok := dataTypeNames[t]; ok {
		return name
	}
	return "UNSET"
}

// ParseDataType resolves a type name, case-insensitive.
func ParseDataType(s string) (DataType, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range dataTypeNames {
		if name == want {
			return t, nil
		}
	}
	return Unset, fmt.Errorf("unknown data type %q", s)
}

func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *DataType) UnmarshalText(b []byte) error {
	if string(b) == "UNSET" || len(b) == 0 {
		*t = Unset
		return nil
	}
	parsed, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
