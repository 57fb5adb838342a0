package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.LoopStarted()
		c.LoopStopped()
		c.SetSubscriptions("pair", 3)
		c.ObserveFetch("pair", time.Second, nil)
		c.ObserveDecision("pair", "changed", true)
		c.CallbackFailed("pair")
		c.OverflowDropped("bsc", 1)
	})
}

func TestCollectorRecords(t *testing.T) {
	c := NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	c.LoopStarted()
	c.LoopStarted()
	c.LoopStopped()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.activeLoops))

	c.ObserveFetch("token", 10*time.Millisecond, nil)
	c.ObserveFetch("token", 10*time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.fetches.WithLabelValues("token", "error")))

	c.OverflowDropped("bsc", 2)
	c.OverflowDropped("bsc", 0)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.overflowDropped.WithLabelValues("bsc")))

	c.ObserveDecision("pair", "bootstrap", true)
	expected := `
# HELP dexwatch_filter_decisions_total Change filter decisions by reason.
# TYPE dexwatch_filter_decisions_total counter
dexwatch_filter_decisions_total{emitted="true",kind="pair",reason="bootstrap"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dexwatch_filter_decisions_total"))
}
