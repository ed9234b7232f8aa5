package rabbitmq

import (
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes to a default topic or to an explicit one.
type IPublisher interface {
	PublishMessage(message interface{}) error
	PublishToQos(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

type Publisher struct {
	client mqtt.Client
	topic  string
}

// NewPublisher creates a Publisher on the shared client; topic is used by PublishMessage.
func NewPublisher(client mqtt.Client, topic string) *Publisher {
	return &Publisher{
		client: client,
		topic:  topic,
	}
}

// PublishMessage publishes strings and byte slices as is and JSON-encodes anything else.
func (p *Publisher) PublishMessage(message interface{}) error {
	var payload []byte
	switch m := message.(type) {
	case string:
		payload = []byte(m)
	case []byte:
		payload = m
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		payload = b
	}
	return p.PublishToQos(p.topic, qosFor(p.topic), false, payload)
}

func (p *Publisher) PublishToQos(topic string, qos byte, retained bool, payload []byte) error {
	if topic == "" {
		return fmt.Errorf("publish: empty topic")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish message on %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() {
	CloseRabbitMQConn(p.client)
}
