package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_CountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus("tscluster", reg)

	p.IncCounter("commands_applied_total", map[string]string{"kind": "insert"}, 1)
	p.IncCounter("commands_applied_total", map[string]string{"kind": "insert"}, 2)
	p.IncCounter("commands_applied_total", map[string]string{"kind": "add_member"}, 1)
	p.SetGauge("members", nil, 3)
	p.ObserveHistogram("apply_latency_ms", map[string]string{"kind": "insert"}, 1.2)

	require.Equal(t, 3.0, testutil.ToFloat64(p.counters["commands_applied_total"].WithLabelValues("insert")))
	require.Equal(t, 1.0, testutil.ToFloat64(p.counters["commands_applied_total"].WithLabelValues("add_member")))
	require.Equal(t, 3.0, testutil.ToFloat64(p.gauges["members"].WithLabelValues()))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	require.True(t, names["tscluster_commands_applied_total"])
	require.True(t, names["tscluster_members"])
	require.True(t, names["tscluster_apply_latency_ms"])
}

func TestPrometheus_SharedRegistryReusesVectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheus("tscluster", reg)
	b := NewPrometheus("tscluster", reg)

	a.IncCounter("entries_total", map[string]string{"group": "meta"}, 1)
	b.IncCounter("entries_total", map[string]string{"group": "meta"}, 1)

	require.Equal(t, 2.0, testutil.ToFloat64(a.counters["entries_total"].WithLabelValues("meta")))
}

func TestNop(t *testing.T) {
	var c Collector = Nop{}
	c.IncCounter("x", nil, 1)
	c.SetGauge("x", nil, 1)
	c.ObserveHistogram("x", nil, 1)
}
