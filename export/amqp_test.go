package export

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/streadway/amqp"

	"github.com/hb9tf/whitespace/sdr"
)

type fakeChannel struct {
	published []amqp.Publishing
	exchanges []string
	err       error
	closed    bool
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchanges = append(f.exchanges, exchange)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func TestPublisherPublishesUpdates(t *testing.T) {
	ch := &fakeChannel{}
	p := newPublisher(NewMemory(), "whitespace.records", ch)

	if err := p.Put("a", testRecord("a", 1, -50)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.MarkNotAlive("a"); err != nil {
		t.Fatalf("MarkNotAlive: %v", err)
	}
	// Unknown senders have nothing to announce.
	if err := p.MarkNotAlive("b"); err != nil {
		t.Fatalf("MarkNotAlive: %v", err)
	}

	if len(ch.published) != 2 {
		t.Fatalf("published %d messages, want 2", len(ch.published))
	}
	for i, msg := range ch.published {
		if ch.exchanges[i] != "whitespace.records" {
			t.Errorf("exchange = %q", ch.exchanges[i])
		}
		if msg.ContentType != "application/json" || msg.MessageId == "" || msg.AppId != p.Instance {
			t.Errorf("message %d headers = %+v", i, msg)
		}
	}
	if ch.published[0].MessageId == ch.published[1].MessageId {
		t.Errorf("message ids are not unique")
	}

	var rec sdr.Record
	if err := json.Unmarshal(ch.published[1].Body, &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.Alive || rec.Sender.Addr != "a" || rec.Count != 1 {
		t.Errorf("published record = %+v", rec)
	}

	// The wrapped store stays authoritative.
	snap, _ := p.Snapshot()
	if len(snap) != 1 || snap[0].Alive {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestPublisherFailureIsNotFatal(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel/connection is not open")}
	p := newPublisher(NewMemory(), "whitespace.records", ch)

	if err := p.Put("a", testRecord("a", 1, -50)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if p.Failures() != 1 {
		t.Errorf("failures = %d, want 1", p.Failures())
	}
	if rec, _ := p.GetOrCreate("a"); rec.Count != 1 {
		t.Errorf("record not stored: %+v", rec)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ch.closed {
		t.Errorf("channel not closed")
	}
}
