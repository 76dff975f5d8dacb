package broker

import (
	"context"
	"encoding/json"

	"github.com/postwise/postwise/spec"
	"github.com/postwise/postwise/spec/broker"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ broker.Producer = &AMQPBroker{}
var _ broker.Consumer = &AMQPBroker{}

const (
	emailExchange string = "billing_email"
	welcomeRoute         = "welcome"
	welcomeQueue         = "email_welcome"
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
	if err := broker.setupEmailExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for email notifications")
	}

	return broker, nil
}

func (a *AMQPBroker) setupEmailExchange() error {
	return a.channel.ExchangeDeclare(
		emailExchange, // name
		"direct",      // type
		true,          // durable
		false,         // auto-deleted
		false,         // internal
		false,         // no-wait
		nil,           // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

func (a *AMQPBroker) publishViaRoutingKey(exchange, routingKey string, body []byte) error {
	return a.channel.Publish(
		exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

// SendWelcomeEmail will queue a welcome email notification for the worker
func (a *AMQPBroker) SendWelcomeEmail(n *spec.WelcomeEmail) error {
	jsonBytes, err := json.Marshal(n)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.publishViaRoutingKey(emailExchange, welcomeRoute, jsonBytes); err != nil {
		return extErrors.Wrap(err, "Cannot publish welcome email notification")
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

func (a *AMQPBroker) bindAndGetMsgChan(qName, exchange, routingKey string) (<-chan amqp.Delivery, error) {
	if err := a.channel.QueueBind(
		qName,
		routingKey,
		exchange,
		false,
		nil,
	); err != nil {
		return nil, err
	}
	msgChan, err := a.channel.Consume(
		qName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	return msgChan, err
}

// ReceiveWelcomeEmails returns a channel of queued welcome email
// notifications, drained until ctx is cancelled
func (a *AMQPBroker) ReceiveWelcomeEmails(ctx context.Context) (<-chan *spec.WelcomeEmail, error) {
	if err := a.setupQueue(welcomeQueue); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	msgChan, err := a.bindAndGetMsgChan(welcomeQueue, emailExchange, welcomeRoute)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan *spec.WelcomeEmail)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var n spec.WelcomeEmail
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
