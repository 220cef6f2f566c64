// Package notifybus implements the durable Notification Bus (spec §4.3,
// component C) over NATS JetStream, grounded on
// original_source/noetl/core/messaging/nats_client.py: subject
// "noetl.commands", stream "NOETL_COMMANDS", durable named consumer,
// explicit ack, max-deliver=3, ack-wait=30s (spec §6).
package notifybus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/noetl/noetl-go/internal/id"
)

const (
	// DefaultSubject is the subject commands are notified on (spec §6).
	DefaultSubject = "noetl.commands"
	// DefaultStream is the JetStream stream name backing DefaultSubject.
	DefaultStream = "NOETL_COMMANDS"
	// DefaultConsumer is the durable consumer name workers share (spec §6).
	DefaultConsumer = "noetl-worker-pool"
	// DefaultMaxDeliver bounds redelivery attempts before the broker's
	// dead-letter policy takes over (spec §4.3, out of this spec's scope).
	DefaultMaxDeliver = 3
	// DefaultAckWait is the in-flight processing window before a message is
	// considered lost and redelivered.
	DefaultAckWait = 30 * time.Second
	// DefaultRetention is the minimum stream retention window (spec §6).
	DefaultRetention = time.Hour
)

// Notification is the lightweight wake-up payload published on the bus
// (spec §6). The authoritative command payload lives in the Command Store;
// receivers treat this purely as "go check the queue".
type Notification struct {
	ExecutionID id.ID  `json:"execution_id"`
	QueueID     id.ID  `json:"queue_id"`
	Step        string `json:"step"`
	ServerURL   string `json:"server_url"`
}

// Bus wraps a NATS JetStream connection for publishing and subscribing to
// command notifications.
type Bus struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	stream  string
}

// Connect dials natsURL and ensures the notification stream exists.
func Connect(ctx context.Context, natsURL string) (*Bus, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("notifybus: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("notifybus: jetstream: %w", err)
	}
	b := &Bus{nc: nc, js: js, subject: DefaultSubject, stream: DefaultStream}
	if _, err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	s, err := b.js.Stream(ctx, b.stream)
	if err == nil {
		return s, nil
	}
	s, err = b.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      b.stream,
		Subjects:  []string{b.subject},
		MaxAge:    DefaultRetention,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("notifybus: create stream: %w", err)
	}
	return s, nil
}

// Ping reports whether the underlying NATS connection is currently
// connected, satisfying httpapi.Pinger for the health endpoint.
func (b *Bus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("notifybus: not connected (status %s)", b.nc.Status())
	}
	return nil
}

// Publish sends a command notification. Duplicate notifications are
// tolerated downstream by idempotent claim (spec §4.3); publish itself does
// not deduplicate.
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notifybus: marshal: %w", err)
	}
	if _, err := b.js.Publish(ctx, b.subject, payload); err != nil {
		return fmt.Errorf("notifybus: publish: %w", err)
	}
	return nil
}

// Handler processes one notification. Returning an error causes the message
// to be nak'd and redelivered per the broker's policy (spec §4.3).
type Handler func(ctx context.Context, n Notification) error

// Subscribe creates (or reuses) the durable consumer named consumerName and
// dispatches every notification to handle, acking on success and nak'ing on
// error so the broker retries delivery.
func (b *Bus) Subscribe(ctx context.Context, consumerName string, maxInFlight int, handle Handler) (Subscription, error) {
	stream, err := b.js.Stream(ctx, b.stream)
	if err != nil {
		return Subscription{}, fmt.Errorf("notifybus: stream lookup: %w", err)
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    DefaultMaxDeliver,
		AckWait:       DefaultAckWait,
		MaxAckPending: maxInFlight,
		FilterSubject: b.subject,
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("notifybus: consumer: %w", err)
	}

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data(), &n); err != nil {
			_ = msg.Nak()
			return
		}
		if err := handle(ctx, n); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("notifybus: consume: %w", err)
	}
	return Subscription{consumeCtx: consumeCtx}, nil
}

// Subscription is a handle for stopping delivery to a Subscribe callback.
type Subscription struct {
	consumeCtx jetstream.ConsumeContext
}

// Close stops message delivery for this subscription.
func (s Subscription) Close() {
	if s.consumeCtx != nil {
		s.consumeCtx.Stop()
	}
}

// Close tears down the underlying NATS connection.
func (b *Bus) Close() {
	b.nc.Close()
}
