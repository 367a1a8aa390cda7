package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus(t *testing.T) {
	t.Run("records connection events", func(t *testing.T) {
		p, err := NewPrometheus(prometheus.NewRegistry())
		require.NoError(t, err)

		p.ConnectionReset("main")
		p.ConnectionReset("main")
		p.ReconnectAttempt("main", errors.New("refused"))
		p.ReconnectAttempt("main", nil)
		p.ConnectionReady("main", true)

		assert.Equal(t, 2.0, testutil.ToFloat64(p.resets.WithLabelValues("main")))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.reconnectAttempts.WithLabelValues("main", "failure")))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.reconnectAttempts.WithLabelValues("main", "success")))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.ready.WithLabelValues("main")))

		p.ConnectionReady("main", false)
		assert.Equal(t, 0.0, testutil.ToFloat64(p.ready.WithLabelValues("main")))
	})

	t.Run("records poller events", func(t *testing.T) {
		p, err := NewPrometheus(prometheus.NewRegistry())
		require.NoError(t, err)

		p.PollerRestart("orders")
		p.MessageProcessed("orders", OutcomeCommitted)
		p.MessageProcessed("orders", OutcomeCommitted)
		p.MessageProcessed("orders", OutcomeRolledBack)

		assert.Equal(t, 1.0, testutil.ToFloat64(p.pollerRestarts.WithLabelValues("orders")))
		assert.Equal(t, 2.0, testutil.ToFloat64(p.messages.WithLabelValues("orders", OutcomeCommitted)))
		assert.Equal(t, 1.0, testutil.ToFloat64(p.messages.WithLabelValues("orders", OutcomeRolledBack)))
	})

	t.Run("registering twice fails", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewPrometheus(reg)
		require.NoError(t, err)

		_, err = NewPrometheus(reg)
		assert.Error(t, err)
	})

	t.Run("registry exposes runtime collectors", func(t *testing.T) {
		reg := NewRegistry()
		_, err := NewPrometheus(reg)
		require.NoError(t, err)

		families, err := reg.Gather()
		require.NoError(t, err)
		assert.NotEmpty(t, families)
	})
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	assert.NotPanics(t, func() {
		r.ConnectionReset("c")
		r.ReconnectAttempt("c", nil)
		r.ConnectionReady("c", true)
		r.PollerRestart("p")
		r.MessageProcessed("p", OutcomeFailed)
	})
}
