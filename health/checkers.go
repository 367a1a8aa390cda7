package health

import (
	"fmt"

	"github.com/glimte/mmate-managed/pollers"
)

// ConnectionState is the view of a managed connection used by ConnectionChecker
type ConnectionState interface {
	Name() string
	Ready() bool
	Reconnecting() bool
	Closed() bool
	// ReconnectAttempts is the number of rebuild attempts of the current
	// reconnection cycle
	ReconnectAttempts() int64
}

// ConnectionChecker reports a managed connection: healthy when ready, degraded
// while reconnecting, unhealthy otherwise
type ConnectionChecker struct {
	conn ConnectionState
}

func NewConnectionChecker(conn ConnectionState) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return string(KindConnection) + ":" + c.conn.Name()
}

func (c *ConnectionChecker) Check() Component {
	ready, reconnecting := c.conn.Ready(), c.conn.Reconnecting()
	attempts := c.conn.ReconnectAttempts()
	result := Component{
		Name: c.Name(),
		Kind: KindConnection,
		Details: map[string]interface{}{
			"ready":             ready,
			"reconnecting":      reconnecting,
			"reconnectAttempts": attempts,
		},
	}

	switch {
	case c.conn.Closed():
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
	case ready:
		result.Status = StatusHealthy
	case reconnecting && attempts == 0:
		result.Status = StatusDegraded
		result.Message = "reconnection scheduled"
	case reconnecting:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("reconnecting, %d attempts so far", attempts)
	default:
		result.Status = StatusUnhealthy
		result.Message = "connection is not ready"
	}
	return result
}

// PollerState is the view of a poller used by PollerChecker
type PollerState interface {
	Name() string
	State() pollers.State
	Restarts() int64
}

// PollerChecker reports a poller: healthy while running, degraded while a
// restart is scheduled, unhealthy when stopped although it should run
type PollerChecker struct {
	poller   PollerState
	expected func() bool
}

// NewPollerChecker creates a checker. expected reports whether the poller
// should be running; nil means always.
func NewPollerChecker(poller PollerState, expected func() bool) *PollerChecker {
	if expected == nil {
		expected = func() bool { return true }
	}
	return &PollerChecker{poller: poller, expected: expected}
}

func (c *PollerChecker) Name() string {
	return string(KindPoller) + ":" + c.poller.Name()
}

func (c *PollerChecker) Check() Component {
	state := c.poller.State()
	result := Component{
		Name: c.Name(),
		Kind: KindPoller,
		Details: map[string]interface{}{
			"state":    state.String(),
			"restarts": c.poller.Restarts(),
		},
	}

	switch state {
	case pollers.Running:
		result.Status = StatusHealthy
	case pollers.RestartScheduled:
		result.Status = StatusDegraded
		result.Message = "restart scheduled"
	default:
		if c.expected() {
			result.Status = StatusUnhealthy
			result.Message = "poller is stopped"
		} else {
			result.Status = StatusHealthy
		}
	}
	return result
}
