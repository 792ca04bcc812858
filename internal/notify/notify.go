// Package notify lets a ViewIndexer run in a separate process from the
// writer that advances a database's sequence, by publishing a "sequence
// advanced" signal over NATS JetStream instead of requiring an in-process
// call into the indexer.
//
// The replication core never imports this package; it is wired only by
// whatever process embeds both a writer and a remote indexer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func subject(db string) string { return "syncbase.index." + db }
func streamName() string       { return "SYNCBASE_INDEX" }

type envelope struct {
	DB  string `json:"db"`
	Seq int64  `json:"seq"`
}

// Publisher announces that a database's sequence has advanced.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher wraps an existing NATS connection.
func NewPublisher(nc *nats.Conn) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("notify: new jetstream: %w", err)
	}
	return &Publisher{js: js}, nil
}

// Announce publishes {db, seq} on syncbase.index.<db>.
func (p *Publisher) Announce(ctx context.Context, db string, seq int64) error {
	data, err := json.Marshal(envelope{DB: db, Seq: seq})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	if _, err := p.js.Publish(ctx, subject(db), data); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Callback is invoked once per delivered "sequence advanced" signal. A nil
// return acks the message; a non-nil return naks it for redelivery.
type Callback func(db string, seq int64) error

// Subscriber is a durable pull consumer over the syncbase.index.> stream.
type Subscriber struct {
	js      jetstream.JetStream
	durable string
	filter  string
}

// NewSubscriber creates a Subscriber. durable names the consumer so
// restarts resume rather than re-registering; filter restricts delivery
// to one database's subject when non-empty (otherwise all databases).
func NewSubscriber(nc *nats.Conn, durable, filter string) (*Subscriber, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("notify: new jetstream: %w", err)
	}
	filterSubject := "syncbase.index.>"
	if filter != "" {
		filterSubject = subject(filter)
	}
	return &Subscriber{js: js, durable: durable, filter: filterSubject}, nil
}

// Run consumes signals until ctx is cancelled, invoking cb for each.
func (s *Subscriber) Run(ctx context.Context, cb Callback) error {
	_, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(),
		Subjects:  []string{"syncbase.index.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("notify: ensure stream: %w", err)
	}

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, streamName(), jetstream.ConsumerConfig{
		Durable:       s.durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: s.filter,
	})
	if err != nil {
		return fmt.Errorf("notify: create consumer: %w", err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return fmt.Errorf("notify: message iterator: %w", err)
	}
	defer iter.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := iter.Next()
		if err != nil {
			continue
		}
		if err := s.deliver(msg, cb); err != nil {
			msg.Nak()
			continue
		}
		msg.Ack()
	}
}

func (s *Subscriber) deliver(msg jetstream.Msg, cb Callback) error {
	var env envelope
	if err := json.Unmarshal(msg.Data(), &env); err != nil {
		return fmt.Errorf("notify: invalid payload: %w", err)
	}
	return cb(env.DB, env.Seq)
}
