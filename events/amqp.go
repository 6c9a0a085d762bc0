package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// AMQPEmitter publishes events as JSON messages to a fanout exchange.
type AMQPEmitter struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPEmitter connects to the broker and declares the exchange.
func NewAMQPEmitter(url, exchange string, logger *slog.Logger) (*AMQPEmitter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}
	return &AMQPEmitter{conn: conn, ch: ch, exchange: exchange, logger: logger}, nil
}

// Emit publishes the event. Failures are logged, not returned, so a
// broker outage never fails a token request.
func (e *AMQPEmitter) Emit(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("marshal event", "event", ev.Name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = e.ch.PublishWithContext(ctx, e.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.At,
		Type:        ev.Name,
		Body:        body,
	})
	if err != nil {
		e.logger.Error("publish event", "event", ev.Name, "error", err)
	}
}

func (e *AMQPEmitter) Close() error {
	if err := e.ch.Close(); err != nil {
		_ = e.conn.Close()
		return err
	}
	return e.conn.Close()
}
