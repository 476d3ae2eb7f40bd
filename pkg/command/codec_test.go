package command

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tscluster/pkg/cluster"
	"tscluster/pkg/dberrors"
	"tscluster/pkg/types"
)

func TestCodec_InsertPlanSurvivesTheLog(t *testing.T) {
	p, err := NewInsertPlan("root.sg.d1", 42,
		[]string{"temperature", "status"},
		[]types.DataType{types.Double, types.Boolean},
		[]any{21.5, true},
	)
	require.NoError(t, err)

	id := uuid.New()
	data, err := Encode(id, SchemaOrMutation{Plan: p})
	require.NoError(t, err)

	gotID, cmd, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.NoError(t, Validate(cmd))

	decoded, ok := cmd.(SchemaOrMutation).Plan.(*InsertPlan)
	require.True(t, ok)
	require.Equal(t, "root.sg.d1", decoded.Device())
	require.Equal(t, int64(42), decoded.Time())
	require.Equal(t, p.Measurements(), decoded.Measurements())
	require.Equal(t, p.DataTypes(), decoded.DataTypes())
	require.Equal(t, []any{21.5, true}, decoded.Values())
	require.Len(t, decoded.Schemas(), 2)
}

func TestCodec_Int64KeepsFullPrecision(t *testing.T) {
	const big = int64(1<<53 + 1)
	p, err := NewInsertPlan("root.sg.d1", 42,
		[]string{"counter", "small", "ratio"},
		[]types.DataType{types.Int64, types.Int32, types.Double},
		[]any{big, int32(7), 0.25},
	)
	require.NoError(t, err)

	data, err := Encode(uuid.New(), SchemaOrMutation{Plan: p})
	require.NoError(t, err)

	_, cmd, err := Decode(data)
	require.NoError(t, err)
	decoded := cmd.(SchemaOrMutation).Plan.(*InsertPlan)
	require.Equal(t, []any{big, int64(7), 0.25}, decoded.Values())
}

func TestCodec_MembershipAndSchemaVariants(t *testing.T) {
	node := cluster.NewNode("localhost", 1111, 0, 2222, 55560)
	series := &CreateSeries{Path: "root.applyMeta.s1", Type: types.Double, Encoding: "RLE", Compressor: "SNAPPY"}

	for _, cmd := range []Command{
		AddMember{Node: node},
		RemoveMember{Node: node},
		SchemaOrMutation{Plan: &SetNamespace{Path: "root.applyMeta"}},
		SchemaOrMutation{Plan: series},
	} {
		data, err := Encode(uuid.New(), cmd)
		require.NoError(t, err)
		_, got, err := Decode(data)
		require.NoError(t, err)
		require.Equal(t, cmd, got)
		require.Equal(t, Kind(cmd), Kind(got))
	}
}

func TestCodec_DecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, dberrors.ErrMalformedCommand)

	_, _, err = Decode([]byte(`{"type":"compact","body":{}}`))
	require.ErrorIs(t, err, dberrors.ErrUnknownCommand)
	require.True(t, dberrors.IsFatal(err))

	_, _, err = Decode([]byte(`{"type":"insert","body":{"device":1}}`))
	require.ErrorIs(t, err, dberrors.ErrMalformedCommand)

	_, cmd, err := Decode([]byte(`{"type":"insert","body":{"device":"root.sg.d1","measurements":["s1"],"data_types":["UNSET"]}}`))
	require.NoError(t, err)
	err = Validate(cmd)
	require.ErrorIs(t, err, dberrors.ErrMalformedCommand)
	require.True(t, dberrors.IsFatal(err))
}

func TestValidate_Commands(t *testing.T) {
	require.ErrorIs(t, Validate(nil), dberrors.ErrMalformedCommand)
	require.ErrorIs(t, Validate(SchemaOrMutation{}), dberrors.ErrMalformedCommand)
	require.ErrorIs(t, Validate(AddMember{}), dberrors.ErrMalformedCommand)
	require.ErrorIs(t, Validate(SchemaOrMutation{Plan: &SetNamespace{Path: "root"}}), dberrors.ErrMalformedCommand)
	require.ErrorIs(t, Validate(SchemaOrMutation{Plan: &CreateSeries{Path: "root.sg.s1"}}), dberrors.ErrMalformedCommand)
	require.ErrorIs(t, Validate(SchemaOrMutation{Plan: (*InsertPlan)(nil)}), dberrors.ErrMalformedCommand)

	require.NoError(t, Validate(SchemaOrMutation{Plan: &SetNamespace{Path: "root.sg"}}))
	require.NoError(t, Validate(SchemaOrMutation{Plan: &CreateSeries{Path: "root.sg.s1", Type: types.Int32}}))
}
