package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Tail streams audit entries as they are published, starting from whatever
// is already in the stream (DeliverAllPolicy) and continuing until ctx is
// cancelled. Grounded on processor/task-generator/component.go's
// CreateOrUpdateConsumer + Fetch consume loop, generalized here to an
// ephemeral (non-durable) consumer since a CLI tail has no durable position
// to resume from between invocations.
func Tail(ctx context.Context, js jetstream.JetStream, onEntry func(Entry)) error {
	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("audit stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: subjectPrefix + ".>",
	})
	if err != nil {
		return fmt.Errorf("create tail consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(16, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		for msg := range msgs.Messages() {
			var entry Entry
			if err := json.Unmarshal(msg.Data(), &entry); err == nil {
				onEntry(entry)
			}
		}
	}
}
