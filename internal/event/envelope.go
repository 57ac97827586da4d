package event

import (
	"LendVault/internal/ledger"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for vault messages
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInstantiate
	EventTypeOpenInterest
	EventTypeCloseOpenInterest
	EventTypeProposeCounterOffer
	EventTypeAcceptCounterOffer
	EventTypeCancelCounterOffer
	EventTypeFundOpenInterest
	EventTypeRepayOpenInterest
	EventTypeLiquidate
	EventTypeTransferOwnership
	EventTypeDelegate
	EventTypeUndelegate
	EventTypeRedelegate
	EventTypeClaimDelegatorRewards
	EventTypeVote
	EventTypeWeightedVote
	EventTypeWithdraw
)

var msgTypes = map[EventType]string{
	EventTypeInstantiate:           "instantiate",
	EventTypeOpenInterest:          "open_interest",
	EventTypeCloseOpenInterest:     "close_open_interest",
	EventTypeProposeCounterOffer:   "propose_counter_offer",
	EventTypeAcceptCounterOffer:    "accept_counter_offer",
	EventTypeCancelCounterOffer:    "cancel_counter_offer",
	EventTypeFundOpenInterest:      "fund_open_interest",
	EventTypeRepayOpenInterest:     "repay_open_interest",
	EventTypeLiquidate:             "liquidate",
	EventTypeTransferOwnership:     "transfer_ownership",
	EventTypeDelegate:              "delegate",
	EventTypeUndelegate:            "undelegate",
	EventTypeRedelegate:            "redelegate",
	EventTypeClaimDelegatorRewards: "claim_delegator_rewards",
	EventTypeVote:                  "vote",
	EventTypeWeightedVote:          "weighted_vote",
	EventTypeWithdraw:              "withdraw",
}

// EventEnvelope wraps every applied message in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Message ID from the submitter
	IdempotencyKey string

	EventType EventType

	// Account that signed the message
	Sender string

	// Block time of the call (NOT wall-clock)
	Timestamp time.Time

	// Sender account sequence for ordering validation
	SourceSequence int64

	// JSON-encoded message
	Payload []byte

	// SHA-256 of state AFTER applying this message
	StateHash [32]byte

	// Previous message's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface every vault message implements
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// SourceSequence returns the sender's account sequence
	SourceSequence() int64

	// Info returns the call context: sender, attached funds and block time
	Info() *MsgInfo
}

// MsgInfo is the call context shared by all messages.
type MsgInfo struct {
	MsgID     uuid.UUID    `json:"msg_id"`
	Sender    string       `json:"sender"`
	Funds     ledger.Coins `json:"funds,omitempty"`
	Sequence  int64        `json:"sequence"`
	BlockTime time.Time    `json:"block_time"`
}

func (m *MsgInfo) IdempotencyKey() string { return m.MsgID.String() }

func (m *MsgInfo) SourceSequence() int64 { return m.Sequence }

func (m *MsgInfo) Info() *MsgInfo { return m }

func (et EventType) String() string {
	switch et {
	case EventTypeInstantiate:
		return "Instantiate"
	case EventTypeOpenInterest:
		return "OpenInterest"
	case EventTypeCloseOpenInterest:
		return "CloseOpenInterest"
	case EventTypeProposeCounterOffer:
		return "ProposeCounterOffer"
	case EventTypeAcceptCounterOffer:
		return "AcceptCounterOffer"
	case EventTypeCancelCounterOffer:
		return "CancelCounterOffer"
	case EventTypeFundOpenInterest:
		return "FundOpenInterest"
	case EventTypeRepayOpenInterest:
		return "RepayOpenInterest"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeTransferOwnership:
		return "TransferOwnership"
	case EventTypeDelegate:
		return "Delegate"
	case EventTypeUndelegate:
		return "Undelegate"
	case EventTypeRedelegate:
		return "Redelegate"
	case EventTypeClaimDelegatorRewards:
		return "ClaimDelegatorRewards"
	case EventTypeVote:
		return "Vote"
	case EventTypeWeightedVote:
		return "WeightedVote"
	case EventTypeWithdraw:
		return "Withdraw"
	default:
		return "Unknown"
	}
}

// MsgType returns the snake_case wire name used in subjects and routes.
func (et EventType) MsgType() string {
	if s, ok := msgTypes[et]; ok {
		return s
	}
	return "unknown"
}

// ParseMsgType resolves a wire name back to its EventType.
func ParseMsgType(s string) (EventType, bool) {
	for et, name := range msgTypes {
		if name == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// AllEventTypes lists every message type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(msgTypes))
	for et := EventTypeInstantiate; et <= EventTypeWithdraw; et++ {
		out = append(out, et)
	}
	return out
}
