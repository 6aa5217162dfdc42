package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/metrics"
)

// AMQP publishes each topic to a durable fanout exchange named prefix+topic.
type AMQP struct {
	url    string
	prefix string
	log    zerolog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// DialAMQP connects to the broker. The connection is re-established lazily
// when it drops.
func DialAMQP(url, exchangePrefix string, log zerolog.Logger) (*AMQP, error) {
	p := &AMQP{url: url, prefix: exchangePrefix, log: log.With().Str("component", "broker").Logger()}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQP) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	p.conn, p.ch = conn, ch
	p.declared = make(map[string]bool)
	return nil
}

func (p *AMQP) Publish(ctx context.Context, topic string, msg any) (err error) {
	defer func() { metrics.BrokerPublished(topic, err) }()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		if p.conn != nil {
			p.conn.Close()
		}
		p.log.Warn().Msg("amqp channel closed, reconnecting")
		if err := p.connect(); err != nil {
			return err
		}
	}
	exchange := p.prefix + topic
	if !p.declared[exchange] {
		if err := p.ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
		p.declared[exchange] = true
	}
	err = p.ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debug().Str("topic", topic).Int("bytes", len(body)).Msg("published")
	return nil
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
