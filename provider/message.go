package provider

import (
	"sync"
	"time"
)

// BasicMessage is a Message implementation shared by provider adapters
type BasicMessage struct {
	MessageID   string
	Correlation string
	Payload     []byte
	Dest        Destination
	Redeliver   bool
	Sent        time.Time
	// AckFunc is invoked by Acknowledge; nil means acknowledging is a no-op
	AckFunc func() error

	mu    sync.RWMutex
	props map[string]interface{}
}

// NewBasicMessage creates an outgoing message
func NewBasicMessage(id string, body []byte) *BasicMessage {
	return &BasicMessage{
		MessageID: id,
		Payload:   body,
		Sent:      time.Now(),
		props:     make(map[string]interface{}),
	}
}

func (m *BasicMessage) ID() string { return m.MessageID }

func (m *BasicMessage) CorrelationID() string { return m.Correlation }

func (m *BasicMessage) SetCorrelationID(id string) { m.Correlation = id }

func (m *BasicMessage) Body() []byte { return m.Payload }

func (m *BasicMessage) Text() string { return string(m.Payload) }

func (m *BasicMessage) Property(name string) (interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.props[name]
	return v, ok
}

func (m *BasicMessage) SetProperty(name string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.props == nil {
		m.props = make(map[string]interface{})
	}
	m.props[name] = value
}

// Properties returns a copy of the message properties
func (m *BasicMessage) Properties() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.props))
	for k, v := range m.props {
		out[k] = v
	}
	return out
}

func (m *BasicMessage) Destination() Destination { return m.Dest }

func (m *BasicMessage) Redelivered() bool { return m.Redeliver }

func (m *BasicMessage) Timestamp() time.Time { return m.Sent }

func (m *BasicMessage) Acknowledge() error {
	if m.AckFunc == nil {
		return nil
	}
	return m.AckFunc()
}
