package ingestion

import (
	"LendVault/internal/core"
	"LendVault/internal/event"
	"LendVault/internal/observability"
	"context"
	"errors"
	"log"
)

// Submission is one parsed execute message queued for the core loop. NATS
// submissions carry ack handles; API submissions carry a reply channel.
type Submission struct {
	Event   event.Event
	Surface string

	Reply chan<- Result
	Ack   func()
	Nak   func()
}

// Result is the core's answer to a Submission.
type Result struct {
	Output *core.CoreOutput
	Err    error
}

// Complete acknowledges the source and delivers the result. Every outcome
// the core produces is deterministic, so rejected messages are acked too;
// redelivery would be rejected the same way.
func (s Submission) Complete(out *core.CoreOutput, err error) {
	if s.Ack != nil {
		s.Ack()
	}
	if s.Reply != nil {
		s.Reply <- Result{Output: out, Err: err}
	}
}

// Abandon hands the message back to its source without processing it.
func (s Submission) Abandon(err error) {
	if s.Nak != nil {
		s.Nak()
	}
	if s.Reply != nil {
		s.Reply <- Result{Err: err}
	}
}

// Outcome labels a core result for the ingest metrics.
func Outcome(err error) string {
	var seqErr *core.SequenceError
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, core.ErrDuplicateEvent):
		return "duplicate"
	case errors.As(err, &seqErr):
		return "sequence"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	default:
		return "rejected"
	}
}

// RunParser turns raw NATS messages into submissions. Messages that cannot
// be parsed are terminated so JetStream stops redelivering them.
func RunParser(ctx context.Context, in <-chan RawEvent, out chan<- Submission, metrics *observability.Metrics) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-in:
			if !ok {
				return nil
			}

			msgType, err := MsgTypeFromSubject(raw.Subject)
			var evt event.Event
			if err == nil {
				evt, err = ParseSubmission(msgType, raw.Data)
			}
			if err != nil {
				log.Printf("WARN: dropping message on %s: %v", raw.Subject, err)
				if metrics != nil {
					metrics.IngestMessages.WithLabelValues("nats", "malformed").Inc()
				}
				raw.TermFunc()
				continue
			}

			sub := Submission{
				Event:   evt,
				Surface: "nats",
				Ack:     raw.AckFunc,
				Nak:     raw.NakFunc,
			}
			select {
			case out <- sub:
			case <-ctx.Done():
				raw.NakFunc()
				return ctx.Err()
			}
		}
	}
}

// SubmitService feeds API submissions to the core loop and waits for the
// result.
type SubmitService struct {
	submitChan chan<- Submission
}

func NewSubmitService(submitChan chan<- Submission) *SubmitService {
	return &SubmitService{submitChan: submitChan}
}

// Execute parses and applies one message, returning the core's output.
func (s *SubmitService) Execute(ctx context.Context, msgType string, data []byte) (*core.CoreOutput, error) {
	evt, err := ParseSubmission(msgType, data)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, evt)
}

// Submit applies an already parsed message.
func (s *SubmitService) Submit(ctx context.Context, evt event.Event) (*core.CoreOutput, error) {
	reply := make(chan Result, 1)
	sub := Submission{Event: evt, Surface: "grpc", Reply: reply}

	select {
	case s.submitChan <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Once queued, the message will be applied even if the caller gives up.
	select {
	case res := <-reply:
		return res.Output, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
