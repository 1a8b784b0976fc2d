// Package rabbitmq carries job lifecycle notifications between the
// components that create jobs and the scheduler that runs them. Losing
// the broker degrades the scheduler to pure polling; nothing here is on
// the correctness path.
package rabbitmq

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"empi/internal/config"
)

// Client is the broker surface the notifier needs.
type Client interface {
	Close() error

	DeclareExchange(name, kind string) error
	DeclareQueue(name string) (amqp.Queue, error)
	BindQueue(queueName, exchangeName, routingKey string) error

	Publish(exchange, routingKey string, body []byte, headers amqp.Table) error
	Consume(queueName string, consumerTag string) (<-chan amqp.Delivery, error)

	Health() error
}

const (
	heartbeatInterval  = 30 * time.Second
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// client wraps one connection and one channel. A broker-side close
// triggers reconnection with capped exponential delay; publishes during
// the gap fail and are dropped by the notifier, which is acceptable
// because the scheduler's poll loop covers for lost notifications.
type client struct {
	cfg config.RabbitMQConfig

	mu           sync.Mutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	reconnecting bool
}

// NewClientFromConfig dials the broker and starts the reconnect watch.
func NewClientFromConfig(cfg config.RabbitMQConfig) (Client, error) {
	c := &client{cfg: cfg}
	if err := c.dial(); err != nil {
		return nil, err
	}
	go c.watchClose(c.conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func (c *client) dial() error {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.cfg.Username, c.cfg.Password, c.cfg.Host, c.cfg.Port, c.cfg.VHost)

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: heartbeatInterval,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if c.cfg.PrefetchCount > 0 {
		if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
			conn.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}

	c.conn = conn
	c.channel = ch

	log.Info().
		Str("host", c.cfg.Host).
		Int("port", c.cfg.Port).
		Str("vhost", c.cfg.VHost).
		Msg("RabbitMQ connected")
	return nil
}

func (c *client) watchClose(closed chan *amqp.Error) {
	for closeErr := range closed {
		log.Warn().
			Str("reason", closeErr.Reason).
			Int("code", closeErr.Code).
			Msg("RabbitMQ connection lost, reconnecting")
		c.reconnect()
	}
}

func (c *client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.conn.Close()
	}
	c.mu.Unlock()

	delay := reconnectBaseDelay
	for {
		c.mu.Lock()
		err := c.dial()
		if err == nil {
			c.reconnecting = false
			closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
			c.mu.Unlock()
			log.Info().Msg("RabbitMQ reconnected")
			go c.watchClose(closed)
			return
		}
		c.mu.Unlock()

		log.Error().Err(err).Dur("retry_in", delay).Msg("RabbitMQ reconnect failed")
		time.Sleep(delay)
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (c *client) DeclareExchange(name, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

func (c *client) DeclareQueue(name string) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.QueueDeclare(name, true, false, false, false, nil)
}

func (c *client) BindQueue(queueName, exchangeName, routingKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.QueueBind(queueName, routingKey, exchangeName, false, nil)
}

func (c *client) Publish(exchange, routingKey string, body []byte, headers amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channel.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
}

func (c *client) Consume(queueName string, consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel.Consume(queueName, consumerTag, true, false, false, false, nil)
}

// Health reports whether the connection is currently usable.
func (c *client) Health() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.channel == nil {
		return fmt.Errorf("not connected")
	}
	if c.conn.IsClosed() {
		return fmt.Errorf("connection closed")
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			return fmt.Errorf("close channel: %w", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
