package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type mockAMQPConnection struct {
	mock.Mock
	mu      sync.Mutex
	closeCh chan *amqp.Error
}

func (m *mockAMQPConnection) OpenChannel() (amqpChannel, error) {
	args := m.Called()
	ch, _ := args.Get(0).(amqpChannel)
	return ch, args.Error(1)
}

func (m *mockAMQPConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCh = receiver
	return receiver
}

func (m *mockAMQPConnection) ServerProperties() amqp.Table {
	return m.Called().Get(0).(amqp.Table)
}

func (m *mockAMQPConnection) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *mockAMQPConnection) Close() error {
	return m.Called().Error(0)
}

// fail simulates the broker closing the connection
func (m *mockAMQPConnection) fail(err *amqp.Error) {
	m.mu.Lock()
	ch := m.closeCh
	m.mu.Unlock()
	ch <- err
	close(ch)
}

type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) Tx() error         { return m.Called().Error(0) }
func (m *mockChannel) TxCommit() error   { return m.Called().Error(0) }
func (m *mockChannel) TxRollback() error { return m.Called().Error(0) }
func (m *mockChannel) Close() error      { return m.Called().Error(0) }

func (m *mockChannel) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockChannel) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockChannel) Recover(requeue bool) error {
	return m.Called(requeue).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	a := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return a.Get(0).(amqp.Queue), a.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	a := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	ch, _ := a.Get(0).(chan amqp.Delivery)
	return ch, a.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}
