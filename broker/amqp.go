package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}

const (
	subscriptionExchange   string = "subscription_events"
	subscriptionRoutingKey        = "notifications"
	subscriptionQueue             = "subscription_notifications"
)

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupSubscriptionExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for subscription notifications")
	}
	return broker, nil
}

func (a *AMQPBroker) setupSubscriptionExchange() error {
	return a.channel.ExchangeDeclare(
		subscriptionExchange, // name
		"direct",             // type
		true,                 // durable
		false,                // auto-deleted
		false,                // internal
		false,                // no-wait
		nil,                  // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// SendSubscriptionNotification will publish the notification for interested consumers
func (a *AMQPBroker) SendSubscriptionNotification(n *Notification) error {
	jsonBytes, err := json.Marshal(n)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode notification into bytes")
	}
	if err := a.channel.Publish(
		subscriptionExchange,
		subscriptionRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        jsonBytes,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish subscription notification")
	}
	return nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

// ReceiveSubscriptionNotifications returns a channel of notifications until ctx is done
func (a *AMQPBroker) ReceiveSubscriptionNotifications(ctx context.Context) (<-chan *Notification, error) {
	if err := a.setupQueue(subscriptionQueue); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		subscriptionQueue,
		subscriptionRoutingKey,
		subscriptionExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue to exchange")
	}
	msgChan, err := a.channel.Consume(
		subscriptionQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan *Notification)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var n Notification
				if err := json.Unmarshal(d.Body, &n); err != nil {
					d.Nack(false, false)
					continue
				}
				rChan <- &n
				d.Ack(false)
			}
		}
	}()
	return rChan, nil
}
