// Package provider defines the contracts between the managed layer and a
// message broker client.
//
// A provider supplies:
//   - ConnectionFactory: creates raw connections from credentials and a client identifier
//   - Connection, Session, Consumer, Producer: the broker objects themselves
//   - Error: the error type every provider failure is wrapped in
//
// The managed package wraps these objects in façades that survive the loss
// of the underlying connection. The internal rabbitmq package implements the
// contracts on top of amqp091-go and the providertest package implements them
// in memory.
package provider
