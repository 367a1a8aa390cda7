// Package managed wraps provider connections, sessions and consumers in
// façades that survive the loss of the underlying transport.
//
// A Connection owns its Sessions and a Session owns its Consumers. When the
// transport fails the Connection resets the whole hierarchy top-down, closes
// the broken connection and schedules a rebuild after the definition's
// reconnection delay. A successful rebuild refreshes the hierarchy top-down:
// every Session recreates its underlying session from the new connection and
// every Consumer recreates its underlying consumer, re-attaching its listener
// in push mode. Attempts are retried forever with a fixed delay.
//
// While the hierarchy is being rebuilt every delegated operation fails with
// ErrNotReady. Callers are expected to retry.
//
//	factory := managed.NewFactory(managed.WithLogger(logger))
//	conn, err := factory.CreateManagedConnection(ctx, &managed.Definition{
//	    Name:              "main",
//	    Factory:           rabbitmq.NewConnectionFactory(url),
//	    Managed:           true,
//	    ReconnectionDelay: 30 * time.Second,
//	})
package managed
