package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and a channel with the exchange declared.
type dialFunc func() (io.Closer, amqpChannel, error)

// AMQPPublisher sends events to a durable topic exchange. The routing key is
// the event type, so consumers can bind to "booking.*" or a single type.
// When the broker drops the connection the next Publish redials once.
type AMQPPublisher struct {
	mu       sync.Mutex
	dial     dialFunc
	conn     io.Closer
	ch       amqpChannel
	exchange string
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{exchange: exchange}
	p.dial = func() (io.Closer, amqpChannel, error) {
		return dialExchange(url, exchange)
	}
	conn, ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return p, nil
}

func dialExchange(url, exchange string) (io.Closer, amqpChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
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
	return conn, ch, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.OccurredAt,
		Type:         string(evt.Type),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.redial(); err != nil {
			return fmt.Errorf("publish %s: %w", evt.Type, err)
		}
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, string(evt.Type), false, false, msg)
	if isClosed(err) {
		p.drop()
		if rerr := p.redial(); rerr != nil {
			return fmt.Errorf("publish %s: %w", evt.Type, rerr)
		}
		err = p.ch.PublishWithContext(ctx, p.exchange, string(evt.Type), false, false, msg)
	}
	if err != nil {
		if isClosed(err) {
			p.drop()
		}
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func isClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		return aerr.Code == amqp.ChannelError || aerr.Code == amqp.ConnectionForced
	}
	return false
}

func (p *AMQPPublisher) redial() error {
	if p.dial == nil {
		return amqp.ErrClosed
	}
	conn, ch, err := p.dial()
	if err != nil {
		return err
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) drop() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
