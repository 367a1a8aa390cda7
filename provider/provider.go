package provider

import (
	"context"
	"time"
)

// AcknowledgeMode controls how received messages are acknowledged in a
// non-transacted session
type AcknowledgeMode int

const (
	// AutoAcknowledge acknowledges a message once it has been handed to the
	// caller or once the listener returned successfully
	AutoAcknowledge AcknowledgeMode = iota + 1
	// ClientAcknowledge requires the application to call Message.Acknowledge
	ClientAcknowledge
	// DupsOKAcknowledge behaves like AutoAcknowledge but allows lazy acks
	DupsOKAcknowledge
)

func (m AcknowledgeMode) String() string {
	switch m {
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	default:
		return "unknown"
	}
}

// DestinationKind distinguishes point-to-point from publish/subscribe destinations
type DestinationKind int

const (
	QueueKind DestinationKind = iota + 1
	TopicKind
)

func (k DestinationKind) String() string {
	switch k {
	case QueueKind:
		return "queue"
	case TopicKind:
		return "topic"
	default:
		return "unknown"
	}
}

// Destination names a queue or a topic
type Destination struct {
	Kind DestinationKind
	Name string
}

// Queue returns a queue destination
func Queue(name string) Destination {
	return Destination{Kind: QueueKind, Name: name}
}

// Topic returns a topic destination
func Topic(name string) Destination {
	return Destination{Kind: TopicKind, Name: name}
}

func (d Destination) String() string {
	return d.Kind.String() + "://" + d.Name
}

// Message is a message produced or received through a Session
type Message interface {
	ID() string
	CorrelationID() string
	SetCorrelationID(id string)
	Body() []byte
	Text() string
	Property(name string) (interface{}, bool)
	SetProperty(name string, value interface{})
	Properties() map[string]interface{}
	Destination() Destination
	Redelivered() bool
	Timestamp() time.Time
	// Acknowledge acknowledges this message and every message received
	// before it on the same session. Only meaningful in ClientAcknowledge mode.
	Acknowledge() error
}

// MessageListener receives messages pushed by a consumer
type MessageListener interface {
	OnMessage(msg Message) error
}

// MessageListenerFunc adapts a function to MessageListener
type MessageListenerFunc func(msg Message) error

// OnMessage implements MessageListener
func (f MessageListenerFunc) OnMessage(msg Message) error {
	return f(msg)
}

// ExceptionListener is notified of connection-level failures
type ExceptionListener interface {
	OnException(err error)
}

// ExceptionListenerFunc adapts a function to ExceptionListener
type ExceptionListenerFunc func(err error)

// OnException implements ExceptionListener
func (f ExceptionListenerFunc) OnException(err error) {
	f(err)
}

// MetaData describes the provider behind a connection
type MetaData struct {
	ProviderName    string
	ProviderVersion string
}

// Connection is a client connection to a message broker
type Connection interface {
	CreateSession(transacted bool, mode AcknowledgeMode) (Session, error)
	// Start begins (or resumes) delivery of incoming messages
	Start() error
	// Stop pauses delivery of incoming messages
	Stop() error
	Close() error
	SetExceptionListener(listener ExceptionListener) error
	ExceptionListener() ExceptionListener
	SetClientID(id string) error
	ClientID() (string, error)
	MetaData() (MetaData, error)
}

// Session is a single-threaded context for producing and consuming messages
type Session interface {
	CreateMessage(body []byte) (Message, error)
	CreateTextMessage(text string) (Message, error)
	CreateQueue(name string) (Destination, error)
	CreateTopic(name string) (Destination, error)
	CreateTemporaryQueue() (Destination, error)
	CreateProducer(destination Destination) (Producer, error)
	CreateConsumer(destination Destination, selector string, noLocal bool) (Consumer, error)
	Transacted() (bool, error)
	AcknowledgeMode() (AcknowledgeMode, error)
	Commit() error
	Rollback() error
	// Recover redelivers every unacknowledged message of the session
	Recover() error
	Close() error
}

// Producer sends messages to a destination
type Producer interface {
	Destination() Destination
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Consumer receives messages from a destination, either explicitly (pull)
// or through a MessageListener (push)
type Consumer interface {
	// Receive blocks until a message arrives or ctx is done
	Receive(ctx context.Context) (Message, error)
	// ReceiveTimeout blocks for at most timeout and returns a nil message
	// when nothing arrived in time
	ReceiveTimeout(ctx context.Context, timeout time.Duration) (Message, error)
	// ReceiveNoWait returns a nil message when nothing is immediately available
	ReceiveNoWait() (Message, error)
	SetMessageListener(listener MessageListener) error
	MessageListener() (MessageListener, error)
	MessageSelector() (string, error)
	Close() error
}

// ConnectionOptions are applied when a raw connection is created
type ConnectionOptions struct {
	User     string
	Password string
	// ClientID is applied at creation when not empty
	ClientID string
}

// ConnectionFactory creates raw provider connections
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, opts ConnectionOptions) (Connection, error)
}
