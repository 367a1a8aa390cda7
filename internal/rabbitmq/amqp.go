package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpConnection is the subset of *amqp.Connection used by Connection
type amqpConnection interface {
	OpenChannel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	ServerProperties() amqp.Table
	IsClosed() bool
	Close() error
}

// amqpChannel is the subset of *amqp.Channel used by sessions
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Recover(requeue bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialedConnection adapts *amqp.Connection to amqpConnection
type dialedConnection struct {
	*amqp.Connection
}

func (c dialedConnection) OpenChannel() (amqpChannel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c dialedConnection) ServerProperties() amqp.Table {
	return c.Properties
}

func dial(url string, config amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return dialedConnection{conn}, nil
}
