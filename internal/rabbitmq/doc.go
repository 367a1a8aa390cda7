// Package rabbitmq implements the provider contracts on top of amqp091-go.
//
// This package includes:
//   - ConnectionFactory: dials RabbitMQ with credentials and a client connection name
//   - Connection: watches the AMQP connection and reports its loss to the exception listener
//   - Session: one AMQP channel, in tx mode when transacted
//   - Consumer: pull (Receive*) and push (MessageListener) consumption
//   - Producer: publishing to queues through the default exchange and to topics through amq.topic
//
// Acknowledgements are explicit. A transacted session acknowledges every
// delivery up to the last one on Commit; Rollback requeues them. Topic
// consumers get an exclusive server-named queue bound to amq.topic with the
// selector as binding key, or the topic name when no selector is given.
package rabbitmq
