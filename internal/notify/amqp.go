// internal/notify/amqp.go
package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPPublisher pushes progress events to a fanout exchange so dashboard
// processes outside this one can observe running campaigns.
type AMQPPublisher struct {
	exchange string
	log      zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPPublisher(url, exchange string, log zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{exchange: exchange, log: log, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(e ProgressEvent) {
	body, err := json.Marshal(e)
	if err != nil {
		p.log.Error().Err(err).Str("campaign", e.CampaignID).Msg("marshal progress event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.Publish(p.exchange, e.CampaignID, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		// Campaign progress must never stall on a broken broker connection.
		p.log.Warn().Err(err).Str("campaign", e.CampaignID).Msg("publish progress event")
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
