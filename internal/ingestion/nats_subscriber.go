package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	ExecuteStream   = "VAULT_EXECUTE"
	ExecuteSubjects = SubjectPrefix + ">"
	ExecuteConsumer = "lendvault-execute"
)

// NATSSubscriber consumes execute messages from JetStream and hands them to
// the parse stage as RawEvents. A single durable consumer over
// vault.execute.> keeps messages in stream order, which the per-sender
// sequence check relies on.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is an undecoded execute message with its ack handles.
type RawEvent struct {
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func() // ACK once the message is queued for the core
	NakFunc  func() // NAK to request redelivery
	TermFunc func() // TERM for messages that can never be parsed
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates the durable consumer. MaxAckPending is 1 so a slow
// core never sees a later message from the same sender first.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, ExecuteStream, jetstream.ConsumerConfig{
		Durable:       ExecuteConsumer,
		FilterSubject: ExecuteSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ExecuteConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			AckFunc:  func() { _ = msg.Ack() },
			NakFunc:  func() { _ = msg.Nak() },
			TermFunc: func() { _ = msg.Term() },
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			_ = msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ExecuteConsumer, err)
	}

	ns.consumers = append(ns.consumers, cc)
	log.Printf("INFO: subscribed to %s (consumer=%s)", ExecuteSubjects, ExecuteConsumer)
	return nil
}

// EnsureStreams creates the execute stream if it doesn't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       ExecuteStream,
		Subjects:   []string{ExecuteSubjects},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", ExecuteStream, err)
	}
	log.Printf("INFO: ensured stream %s", ExecuteStream)
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, extra ...nats.Option) (*nats.Conn, jetstream.JetStream, error) {
	opts := append([]nats.Option{
		nats.Name("lendvault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	}, extra...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
