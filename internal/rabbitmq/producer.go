package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-managed/provider"
)

const contentTypeProperty = "contentType"

// Producer publishes to a queue through the default exchange or to a topic
// through amq.topic
type Producer struct {
	session *Session
	dest    provider.Destination
}

func (p *Producer) Destination() provider.Destination {
	return p.dest
}

func (p *Producer) Send(ctx context.Context, msg provider.Message) error {
	if err := p.session.check("send"); err != nil {
		return err
	}

	exchange, key := "", p.dest.Name
	if p.dest.Kind == provider.TopicKind {
		exchange = topicExchange
	}

	if err := p.session.ch.PublishWithContext(ctx, exchange, key, false, false, toPublishing(msg)); err != nil {
		return p.session.wrap("publish", err)
	}
	return nil
}

func (p *Producer) Close() error {
	return nil
}

func toPublishing(msg provider.Message) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:   "application/octet-stream",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID(),
		CorrelationId: msg.CorrelationID(),
		Timestamp:     msg.Timestamp(),
		Body:          msg.Body(),
		Headers:       amqp.Table{},
	}
	if pub.Timestamp.IsZero() {
		pub.Timestamp = time.Now()
	}
	for k, v := range msg.Properties() {
		if k == contentTypeProperty {
			if ct, ok := v.(string); ok {
				pub.ContentType = ct
			}
			continue
		}
		pub.Headers[k] = v
	}
	return pub
}

func toMessage(d amqp.Delivery) *provider.BasicMessage {
	msg := provider.NewBasicMessage(d.MessageId, d.Body)
	msg.Correlation = d.CorrelationId
	msg.Redeliver = d.Redelivered
	msg.Sent = d.Timestamp
	if d.ContentType != "" {
		msg.SetProperty(contentTypeProperty, d.ContentType)
	}
	for k, v := range d.Headers {
		msg.SetProperty(k, v)
	}
	return msg
}
