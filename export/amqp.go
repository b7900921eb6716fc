package export

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/hb9tf/whitespace/sdr"
)

const contentType = "application/json"

// amqpChannel is the part of *amqp.Channel the publisher needs.
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher wraps a Store and fans every record update out to an AMQP
// exchange. Publishing is best effort: failures are logged and counted,
// the wrapped store stays authoritative.
type Publisher struct {
	Store

	// Instance identifies this process in the AppId of every message.
	Instance string

	exchange string
	ch       amqpChannel
	conn     *amqp.Connection
	failures int
}

// DialPublisher connects to the broker at url and declares a durable
// fanout exchange.
func DialPublisher(url, exchange string, next Store) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	p := newPublisher(next, exchange, ch)
	p.conn = conn
	return p, nil
}

func newPublisher(next Store, exchange string, ch amqpChannel) *Publisher {
	return &Publisher{
		Store:    next,
		Instance: uuid.NewString(),
		exchange: exchange,
		ch:       ch,
	}
}

func (p *Publisher) Put(id string, rec sdr.Record) error {
	if err := p.Store.Put(id, rec); err != nil {
		return err
	}
	p.publish(rec)
	return nil
}

func (p *Publisher) MarkNotAlive(id string) error {
	if err := p.Store.MarkNotAlive(id); err != nil {
		return err
	}
	rec, err := p.Store.GetOrCreate(id)
	if err != nil {
		return err
	}
	if rec.Count > 0 {
		p.publish(rec)
	}
	return nil
}

// Failures returns the number of updates that could not be published.
func (p *Publisher) Failures() int {
	return p.failures
}

func (p *Publisher) publish(rec sdr.Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		p.failures++
		glog.Warningf("error marshalling record of %s to JSON: %s", rec.Sender.Addr, err)
		return
	}
	err = p.ch.Publish(
		p.exchange, // exchange
		"",         // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: contentType,
			MessageId:   uuid.NewString(),
			AppId:       p.Instance,
			Timestamp:   time.Now(),
			Body:        body,
		})
	if err != nil {
		p.failures++
		glog.Warningf("error publishing record of %s: %s", rec.Sender.Addr, err)
	}
}

// Close closes the broker connection and then the wrapped store.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		glog.Warningf("error closing AMQP channel: %s", err)
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			glog.Warningf("error closing AMQP connection: %s", err)
		}
	}
	return p.Store.Close()
}
