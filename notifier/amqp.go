package notifier

import (
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ Publisher = &AMQPNotifier{}

const entitlementExchange string = "entitlement_events"

// AMQPNotifier publishes entitlement changes to a fanout exchange on RabbitMQ
type AMQPNotifier struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// NewAMQPNotifier returns a Publisher over RabbitMQ
func NewAMQPNotifier(logger *zap.Logger, amqpURI string) (*AMQPNotifier, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	n := &AMQPNotifier{
		connection: amqpConn,
		channel:    amqpChan,
		logger:     logger,
	}
	if err := n.setupEntitlementExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for entitlement events")
	}
	return n, nil
}

func (n *AMQPNotifier) setupEntitlementExchange() error {
	return n.channel.ExchangeDeclare(
		entitlementExchange, // name
		"fanout",            // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
}

// Close will close the channel and connection to release resources
func (n *AMQPNotifier) Close() {
	n.channel.Close()
	n.connection.Close()
}

// PublishEntitlementChanged broadcasts the change to every bound queue
func (n *AMQPNotifier) PublishEntitlementChanged(e *EntitlementChanged) error {
	body, err := json.Marshal(e)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := n.channel.Publish(
		entitlementExchange,
		"", // fanout ignores the routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.OccurredAt,
			Body:         body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish entitlement change")
	}
	return nil
}
