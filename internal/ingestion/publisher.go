package ingestion

import (
	"LendVault/internal/ledger"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	InstructionsStream        = "VAULT_INSTRUCTIONS"
	InstructionsSubjectPrefix = "vault.instructions."
)

// OutboundPublisher publishes each applied message's instruction batch to
// vault.instructions.<msg_type> for downstream executors and indexers.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
}

// PublishableEvent is an applied message ready for outbound publishing.
// Batch.Instructions keep their execution order.
type PublishableEvent struct {
	Sequence  int64         `json:"sequence"`
	MsgType   string        `json:"msg_type"`
	MsgID     string        `json:"msg_id"`
	Sender    string        `json:"sender"`
	BlockTime time.Time     `json:"block_time"`
	StateHash string        `json:"state_hash"`
	Batch     *ledger.Batch `json:"batch"`
}

// NewPublishableEvent builds the outbound form of an applied message.
func NewPublishableEvent(seq int64, msgType, msgID, sender string, blockTime time.Time, stateHash [32]byte, batch *ledger.Batch) PublishableEvent {
	return PublishableEvent{
		Sequence:  seq,
		MsgType:   msgType,
		MsgID:     msgID,
		Sender:    sender,
		BlockTime: blockTime,
		StateHash: hex.EncodeToString(stateHash[:]),
		Batch:     batch,
	}
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read event_log.instructions directly.
				log.Printf("WARN: outbound publish failed seq=%d: %v", evt.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// The sequence doubles as the JetStream dedup ID, so a republish after
	// restart is dropped by the server.
	_, err = op.js.Publish(ctx, InstructionsSubjectPrefix+evt.MsgType, data,
		jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)),
	)
	return err
}

// EnsureOutboundStream creates the outbound instructions stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       InstructionsStream,
		Subjects:   []string{InstructionsSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", InstructionsStream)
	return nil
}
