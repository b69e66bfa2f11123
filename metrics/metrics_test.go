package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	Register()
	// a second call must not panic on duplicate registration
	Register()

	before := testutil.ToFloat64(dropsTotal.WithLabelValues(DropRetired))
	RecordDrop(DropRetired)
	assert.Equal(t, before+1, testutil.ToFloat64(dropsTotal.WithLabelValues(DropRetired)))

	RecordCommand("SetCwnd", ResultApplied)
	assert.GreaterOrEqual(t, testutil.ToFloat64(commandsTotal.WithLabelValues("SetCwnd", ResultApplied)), 1.0)

	SetLiveConnections(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(liveConnections))

	families, err := Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "ebpfcca_drops_total")
	assert.Contains(t, names, "ebpfcca_live_connections")
}
