package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jbndrf/Tabtin-sub001/internal/entity"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type amqpDialFunc func() (amqpChannel, io.Closer, error)

// AMQPPublisher sends events to a durable topic exchange with routing key
// batch.<tenant>.<status>. A closed channel or connection is re-dialed on
// the next publish.
type AMQPPublisher struct {
	exchange string
	logger   *slog.Logger
	dial     amqpDialFunc

	mu   sync.Mutex
	conn io.Closer
	ch   amqpChannel
}

func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	dial := func() (amqpChannel, io.Closer, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to RabbitMQ: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("open channel: %w", err)
		}
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		return ch, conn, nil
	}
	return newAMQPPublisher(exchange, logger, dial)
}

func newAMQPPublisher(exchange string, logger *slog.Logger, dial amqpDialFunc) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{exchange: exchange, logger: logger, dial: dial}
	if err := p.connect(); err != nil {
		return nil, err
	}
	p.logger.Info("notify.amqp.connected", "exchange", exchange)
	return p, nil
}

// connect replaces the current session. Callers hold mu except during
// construction.
func (p *AMQPPublisher) connect() error {
	p.closeSession()
	ch, conn, err := p.dial()
	if err != nil {
		return err
	}
	p.ch, p.conn = ch, conn
	return nil
}

func (p *AMQPPublisher) closeSession() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Name() string { return "amqp" }

func RoutingKey(ev entity.BatchEvent) string {
	return fmt.Sprintf("batch.%s.%s", ev.TenantID, ev.Status)
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev entity.BatchEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.At,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.reconnect(); err != nil {
			return err
		}
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, msg)
	if errors.Is(err, amqp.ErrClosed) {
		if rerr := p.reconnect(); rerr != nil {
			return rerr
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(ev), false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.exchange, err)
	}
	return nil
}

func (p *AMQPPublisher) reconnect() error {
	if err := p.connect(); err != nil {
		p.logger.Warn("notify.amqp.reconnect_failed", "exchange", p.exchange, "error", err)
		return fmt.Errorf("reconnect to %s: %w", p.exchange, err)
	}
	p.logger.Info("notify.amqp.reconnected", "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Warn("notify.amqp.close_channel", "error", err)
		}
		p.ch = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn("notify.amqp.close_connection", "error", err)
		}
		p.conn = nil
	}
}
