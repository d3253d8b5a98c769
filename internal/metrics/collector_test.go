package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector_RegistersSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector("callbridge", reg, nil)
	require.NotNil(t, c)

	c.SessionOpened()
	c.RecordStateTransition("created", "connecting")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "callbridge_sessions_active")
	assert.Contains(t, names, "callbridge_session_state_transitions_total")
}

func TestCollector_Sessions(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry(), nil)

	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.sessionsActive))
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry(), nil)

	c.RecordConnectAttempt("error")
	c.RecordConnectAttempt("error")
	c.RecordConnectAttempt("success")
	c.RecordFunctionCall("send_notification", "success")
	c.RecordAudioFrame("inbound")
	c.RecordTranscodeError("outbound")
	c.RecordCallPlaced("success")
	c.RecordTicketsPolled(3)
	c.RecordHTTPRequest("GET", "/health", 200, 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.agentConnectAttempts.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.agentConnectAttempts.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.functionCallsTotal.WithLabelValues("send_notification", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.audioFramesTotal.WithLabelValues("inbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transcodeErrorsTotal.WithLabelValues("outbound")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.callsPlacedTotal.WithLabelValues("success")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.ticketsPolledTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/health", "200")))
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.RecordStateTransition("a", "b")
		c.RecordConnectAttempt("success")
		c.RecordFunctionCall("f", "error")
		c.RecordAudioFrame("inbound")
		c.RecordTranscodeError("inbound")
		c.RecordCallPlaced("error")
		c.RecordTicketsPolled(1)
		c.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	})
}
