package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshdata/meshdata-go/pkg/netdata"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg))

	m.SetLeaderVersion(netdata.Version{Full: 4, Stable: 2})
	m.MirrorApplied("ED1", netdata.Version{Full: 4, Stable: 2}, 3)
	m.MirrorApplied("ED1", netdata.Version{Full: 5, Stable: 2}, 2)
	m.Polled("SED1", PollAck)
	m.Polled("SED1", PollAck)
	m.Polled("SED1", PollData)
	m.FrameDropped("LOSS")

	assert.Equal(t, 4.0, testutil.ToFloat64(m.LeaderVersion.WithLabelValues(TierFull)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LeaderVersion.WithLabelValues(TierStable)))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.MirrorVersion.WithLabelValues("ED1", TierFull)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MirrorEntries.WithLabelValues("ED1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MirrorUpdates.WithLabelValues("ED1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Polls.WithLabelValues("SED1", PollAck)))

	expected := `
# HELP meshdata_frames_dropped_total Total number of frames not delivered.
# TYPE meshdata_frames_dropped_total counter
meshdata_frames_dropped_total{reason="LOSS"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "meshdata_frames_dropped_total"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetLeaderVersion(netdata.Version{Full: 1})
		m.MirrorApplied("x", netdata.Version{}, 0)
		m.Announced("x")
		m.RequestServed("x", netdata.SyncFull)
		m.Polled("x", PollTimeout)
		m.Registered("SUCCESS")
		m.FrameSent("ANNOUNCEMENT")
		m.FrameDropped("LOSS")
		m.Detached("x")
	})
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(WithRegistry(reg))
	assert.Panics(t, func() { New(WithRegistry(reg)) })
}
