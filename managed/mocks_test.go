package managed

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/mmate-managed/provider"
)

type mockSessionNode struct {
	mock.Mock
}

func (m *mockSessionNode) Close() error {
	return m.Called().Error(0)
}

func (m *mockSessionNode) reset() {
	m.Called()
}

func (m *mockSessionNode) refresh(conn provider.Connection) error {
	return m.Called(conn).Error(0)
}

type mockConsumerNode struct {
	mock.Mock
}

func (m *mockConsumerNode) Close() error {
	return m.Called().Error(0)
}

func (m *mockConsumerNode) reset() {
	m.Called()
}

func (m *mockConsumerNode) refresh(session provider.Session) error {
	return m.Called(session).Error(0)
}

type mockSession struct {
	mock.Mock
}

func (m *mockSession) CreateMessage(body []byte) (provider.Message, error) {
	args := m.Called(body)
	msg, _ := args.Get(0).(provider.Message)
	return msg, args.Error(1)
}

func (m *mockSession) CreateTextMessage(text string) (provider.Message, error) {
	args := m.Called(text)
	msg, _ := args.Get(0).(provider.Message)
	return msg, args.Error(1)
}

func (m *mockSession) CreateQueue(name string) (provider.Destination, error) {
	args := m.Called(name)
	return args.Get(0).(provider.Destination), args.Error(1)
}

func (m *mockSession) CreateTopic(name string) (provider.Destination, error) {
	args := m.Called(name)
	return args.Get(0).(provider.Destination), args.Error(1)
}

func (m *mockSession) CreateTemporaryQueue() (provider.Destination, error) {
	args := m.Called()
	return args.Get(0).(provider.Destination), args.Error(1)
}

func (m *mockSession) CreateProducer(destination provider.Destination) (provider.Producer, error) {
	args := m.Called(destination)
	p, _ := args.Get(0).(provider.Producer)
	return p, args.Error(1)
}

func (m *mockSession) CreateConsumer(destination provider.Destination, selector string, noLocal bool) (provider.Consumer, error) {
	args := m.Called(destination, selector, noLocal)
	c, _ := args.Get(0).(provider.Consumer)
	return c, args.Error(1)
}

func (m *mockSession) Transacted() (bool, error) {
	args := m.Called()
	return args.Bool(0), args.Error(1)
}

func (m *mockSession) AcknowledgeMode() (provider.AcknowledgeMode, error) {
	args := m.Called()
	return args.Get(0).(provider.AcknowledgeMode), args.Error(1)
}

func (m *mockSession) Commit() error   { return m.Called().Error(0) }
func (m *mockSession) Rollback() error { return m.Called().Error(0) }
func (m *mockSession) Recover() error  { return m.Called().Error(0) }
func (m *mockSession) Close() error    { return m.Called().Error(0) }

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) Receive(ctx context.Context) (provider.Message, error) {
	args := m.Called(ctx)
	msg, _ := args.Get(0).(provider.Message)
	return msg, args.Error(1)
}

func (m *mockConsumer) ReceiveTimeout(ctx context.Context, timeout time.Duration) (provider.Message, error) {
	args := m.Called(ctx, timeout)
	msg, _ := args.Get(0).(provider.Message)
	return msg, args.Error(1)
}

func (m *mockConsumer) ReceiveNoWait() (provider.Message, error) {
	args := m.Called()
	msg, _ := args.Get(0).(provider.Message)
	return msg, args.Error(1)
}

func (m *mockConsumer) SetMessageListener(listener provider.MessageListener) error {
	return m.Called(listener).Error(0)
}

func (m *mockConsumer) MessageListener() (provider.MessageListener, error) {
	args := m.Called()
	l, _ := args.Get(0).(provider.MessageListener)
	return l, args.Error(1)
}

func (m *mockConsumer) MessageSelector() (string, error) {
	args := m.Called()
	return args.String(0), args.Error(1)
}

func (m *mockConsumer) Close() error {
	return m.Called().Error(0)
}

// nopOwner satisfies both owner interfaces and counts removals
type nopOwner struct {
	sessions  int
	consumers int
}

func (o *nopOwner) removeSession(sessionNode)   { o.sessions++ }
func (o *nopOwner) removeConsumer(consumerNode) { o.consumers++ }
