package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InstructionType identifies an outgoing host instruction
type InstructionType int32

const (
	InstructionBankSend InstructionType = iota
	InstructionWithdrawDelegatorReward
	InstructionDelegate
	InstructionUndelegate
	InstructionRedelegate
	InstructionVote
	InstructionWeightedVote
)

func (t InstructionType) String() string {
	switch t {
	case InstructionBankSend:
		return "bank_send"
	case InstructionWithdrawDelegatorReward:
		return "withdraw_delegator_reward"
	case InstructionDelegate:
		return "delegate"
	case InstructionUndelegate:
		return "undelegate"
	case InstructionRedelegate:
		return "redelegate"
	case InstructionVote:
		return "vote"
	case InstructionWeightedVote:
		return "weighted_vote"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

func (t InstructionType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *InstructionType) UnmarshalText(text []byte) error {
	for candidate := InstructionBankSend; candidate <= InstructionWeightedVote; candidate++ {
		if candidate.String() == string(text) {
			*t = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown instruction type %q", text)
}

// WeightedVoteOption is one leg of a split governance vote. Weight is a
// decimal string as accepted by the governance module.
type WeightedVoteOption struct {
	Option string `json:"option"`
	Weight string `json:"weight"`
}

// Instruction is a single side effect the host executes after the call
// returns. Only the fields relevant to Type are set.
type Instruction struct {
	InstructionID uuid.UUID       `json:"instruction_id"`
	BatchID       uuid.UUID       `json:"batch_id"`
	Index         int             `json:"index"`
	Type          InstructionType `json:"type"`

	ToAddress string `json:"to_address,omitempty"`
	Amount    Coins  `json:"amount,omitempty"`

	Validator    string `json:"validator,omitempty"`
	DstValidator string `json:"dst_validator,omitempty"`
	Coin         *Coin  `json:"coin,omitempty"`

	ProposalID      uint64               `json:"proposal_id,omitempty"`
	Option          string               `json:"option,omitempty"`
	WeightedOptions []WeightedVoteOption `json:"weighted_options,omitempty"`
}

// Attribute is a key/value pair describing what a call did.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Batch is the ordered instruction list produced by one successful call.
// The host executes Instructions strictly by Index.
type Batch struct {
	BatchID      uuid.UUID     `json:"batch_id"`
	EventRef     string        `json:"event_ref"`
	Sequence     int64         `json:"sequence"`
	Timestamp    int64         `json:"timestamp"` // Block time (epoch microseconds)
	Action       string        `json:"action"`
	Instructions []Instruction `json:"instructions"`
	Attributes   []Attribute   `json:"attributes"`
}

// Attribute returns the value for key, if present.
func (b *Batch) Attribute(key string) (string, bool) {
	for _, a := range b.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Validate ensures every instruction is well-formed and that the list order
// was not disturbed after building.
func (b *Batch) Validate() error {
	for i, ins := range b.Instructions {
		if ins.Index != i {
			return fmt.Errorf("instruction %s out of order: index %d at position %d", ins.InstructionID, ins.Index, i)
		}
		if ins.BatchID != b.BatchID {
			return fmt.Errorf("instruction %s has mismatched batch_id", ins.InstructionID)
		}
		if err := ins.validate(); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", i, ins.Type, err)
		}
	}
	return nil
}

func (ins *Instruction) validate() error {
	switch ins.Type {
	case InstructionBankSend:
		if ins.ToAddress == "" {
			return fmt.Errorf("missing recipient")
		}
		if len(ins.Amount) == 0 {
			return fmt.Errorf("empty amount")
		}
		for _, c := range ins.Amount {
			if err := validateTransferCoin(c); err != nil {
				return err
			}
		}
	case InstructionWithdrawDelegatorReward:
		if ins.Validator == "" {
			return fmt.Errorf("missing validator")
		}
	case InstructionDelegate, InstructionUndelegate:
		if ins.Validator == "" {
			return fmt.Errorf("missing validator")
		}
		if ins.Coin == nil {
			return fmt.Errorf("missing amount")
		}
		return validateTransferCoin(*ins.Coin)
	case InstructionRedelegate:
		if ins.Validator == "" || ins.DstValidator == "" {
			return fmt.Errorf("missing validator")
		}
		if ins.Validator == ins.DstValidator {
			return fmt.Errorf("source and destination validator are equal")
		}
		if ins.Coin == nil {
			return fmt.Errorf("missing amount")
		}
		return validateTransferCoin(*ins.Coin)
	case InstructionVote:
		if ins.Option == "" {
			return fmt.Errorf("missing vote option")
		}
	case InstructionWeightedVote:
		if len(ins.WeightedOptions) == 0 {
			return fmt.Errorf("missing vote options")
		}
	default:
		return fmt.Errorf("unknown instruction type %d", ins.Type)
	}
	return nil
}

// validateTransferCoin enforces the host's transfer bounds: a non-empty denom
// and a nonzero amount that fits in 128 bits.
func validateTransferCoin(c Coin) error {
	if c.Denom == "" {
		return fmt.Errorf("empty denom")
	}
	if c.Amount.IsZero() {
		return fmt.Errorf("zero amount for %s", c.Denom)
	}
	if !c.Amount.FitsUint128() {
		return fmt.Errorf("amount %s%s exceeds 128 bits", c.Amount, c.Denom)
	}
	return nil
}
