package ingestion

import (
	"LendVault/internal/event"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SubjectPrefix is the NATS subject namespace for execute messages; the
// last token is the message type, e.g. vault.execute.fund_open_interest.
const SubjectPrefix = "vault.execute."

// ErrMalformedMessage marks input that can never be applied, whatever the
// vault state.
var ErrMalformedMessage = errors.New("malformed message")

// MsgTypeFromSubject extracts the message type from an execute subject.
func MsgTypeFromSubject(subject string) (string, error) {
	msgType, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok || msgType == "" || strings.Contains(msgType, ".") {
		return "", fmt.Errorf("%w: unexpected subject %q", ErrMalformedMessage, subject)
	}
	return msgType, nil
}

// ParseMessage decodes a logged JSON execute message of the given wire type.
// The wire format is the typed message itself: the common fields msg_id,
// sender, funds, sequence and block_time plus the type's own fields.
// Unknown fields are rejected.
func ParseMessage(msgType string, data []byte) (event.Event, error) {
	return parse(msgType, data, true)
}

// ParseSubmission decodes a message submitted by a client. Block time is
// assigned by the sequencer, so a submission that sets it is malformed.
func ParseSubmission(msgType string, data []byte) (event.Event, error) {
	return parse(msgType, data, false)
}

func parse(msgType string, data []byte, logged bool) (event.Event, error) {
	et, ok := event.ParseMsgType(msgType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, msgType)
	}
	msg := newMessage(et)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(msg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedMessage, msgType, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: parse %s: trailing data after message", ErrMalformedMessage, msgType)
	}

	if err := validateInfo(msg.Info(), logged); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrMalformedMessage, msgType, err)
	}
	return msg, nil
}

func newMessage(et event.EventType) event.Event {
	switch et {
	case event.EventTypeInstantiate:
		return &event.Instantiate{}
	case event.EventTypeOpenInterest:
		return &event.OpenInterest{}
	case event.EventTypeCloseOpenInterest:
		return &event.CloseOpenInterest{}
	case event.EventTypeProposeCounterOffer:
		return &event.ProposeCounterOffer{}
	case event.EventTypeAcceptCounterOffer:
		return &event.AcceptCounterOffer{}
	case event.EventTypeCancelCounterOffer:
		return &event.CancelCounterOffer{}
	case event.EventTypeFundOpenInterest:
		return &event.FundOpenInterest{}
	case event.EventTypeRepayOpenInterest:
		return &event.RepayOpenInterest{}
	case event.EventTypeLiquidate:
		return &event.Liquidate{}
	case event.EventTypeTransferOwnership:
		return &event.TransferOwnership{}
	case event.EventTypeDelegate:
		return &event.Delegate{}
	case event.EventTypeUndelegate:
		return &event.Undelegate{}
	case event.EventTypeRedelegate:
		return &event.Redelegate{}
	case event.EventTypeClaimDelegatorRewards:
		return &event.ClaimDelegatorRewards{}
	case event.EventTypeVote:
		return &event.Vote{}
	case event.EventTypeWeightedVote:
		return &event.WeightedVote{}
	case event.EventTypeWithdraw:
		return &event.Withdraw{}
	default:
		panic(fmt.Sprintf("no message for event type %d", et))
	}
}

// validateInfo checks transport-level fields only; the core validates
// addresses and every domain rule.
func validateInfo(info *event.MsgInfo, logged bool) error {
	if info.MsgID == uuid.Nil {
		return fmt.Errorf("msg_id is required")
	}
	if info.Sender == "" {
		return fmt.Errorf("sender is required")
	}
	if info.Sequence < 0 {
		return fmt.Errorf("sequence must be non-negative, got %d", info.Sequence)
	}
	switch {
	case logged && info.BlockTime.IsZero():
		return fmt.Errorf("block_time is required")
	case !logged && !info.BlockTime.IsZero():
		return fmt.Errorf("block_time is assigned by the sequencer")
	}
	for i, c := range info.Funds {
		if c.Denom == "" {
			return fmt.Errorf("funds[%d]: denom is required", i)
		}
	}
	return nil
}
