package rabbitmq

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/LeonardoBeccarini/smart_irrigation/internal/infrastructure/logging"
)

type MessageHandler func(topic string, message mqtt.Message) error

// IConsumer subscribes a handler and blocks until the context is done.
// T documents the payload type the handler decodes.
type IConsumer[T any] interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler MessageHandler)
}

// Consumer holds the client and the topic filter it subscribes to
type Consumer struct {
	client  mqtt.Client
	handler MessageHandler
	topic   string
}

func NewConsumer(client mqtt.Client, topic string, handler MessageHandler) *Consumer {
	return &Consumer{
		client:  client,
		topic:   topic,
		handler: handler,
	}
}

func (c *Consumer) SetHandler(handler MessageHandler) {
	c.handler = handler
}

// telemetry and decisions are delivered at least once; receivers dedup.
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasSuffix(t, "/sensors") ||
		strings.HasSuffix(t, "/decision") ||
		strings.HasSuffix(t, "/state") {
		return 1
	}
	return 0
}

func dispatch(ctx context.Context, topic string, handler MessageHandler) mqtt.MessageHandler {
	log := logging.Component(ctx, "consumer")
	return func(_ mqtt.Client, message mqtt.Message) {
		if handler == nil {
			log.Warn().Str("topic", topic).Msg("no handler set")
			return
		}
		if err := handler(message.Topic(), message); err != nil {
			log.Error().Err(err).Str("topic", message.Topic()).Msg("error handling message")
		}
	}
}

// ConsumeMessage subscribes to the topic and processes messages using the handler.
// It blocks until the context is cancelled.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	log := logging.Component(ctx, "consumer")

	token := c.client.Subscribe(c.topic, qosFor(c.topic), dispatch(ctx, c.topic, c.handler))
	if token.Wait() && token.Error() != nil {
		log.Error().Err(token.Error()).Str("topic", c.topic).Msg("subscribe failed")
		return
	}
	log.Info().Str("topic", c.topic).Msg("subscribed")

	<-ctx.Done()

	c.client.Unsubscribe(c.topic).Wait()
}

// MultiConsumer subscribes one handler to several topic filters.
type MultiConsumer struct {
	client  mqtt.Client
	topics  []string
	handler MessageHandler
}

func NewMultiConsumer(client mqtt.Client, topics []string, handler MessageHandler) *MultiConsumer {
	return &MultiConsumer{
		client:  client,
		topics:  topics,
		handler: handler,
	}
}

func (m *MultiConsumer) SetHandler(handler MessageHandler) {
	m.handler = handler
}

func (m *MultiConsumer) ConsumeMessage(ctx context.Context) {
	log := logging.Component(ctx, "consumer")

	subscribed := make([]string, 0, len(m.topics))
	for _, topic := range m.topics {
		token := m.client.Subscribe(topic, qosFor(topic), dispatch(ctx, topic, m.handler))
		token.Wait()
		if token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("subscribe failed")
			continue
		}
		subscribed = append(subscribed, topic)
		log.Info().Str("topic", topic).Msg("subscribed")
	}

	<-ctx.Done()

	if len(subscribed) > 0 {
		m.client.Unsubscribe(subscribed...).Wait()
	}
}
