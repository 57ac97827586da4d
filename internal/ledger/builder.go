package ledger

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// batchNamespace roots the name-based UUIDs so replaying an event yields the
// same batch and instruction IDs.
var batchNamespace = uuid.MustParse("6f1c2d4e-8b7a-5c3d-9e0f-1a2b3c4d5e6f")

// BatchBuilder appends instructions and attributes in call order.
type BatchBuilder struct {
	batch *Batch
}

// NewBatchBuilder starts a batch for the event identified by eventRef.
func NewBatchBuilder(eventRef string, sequence int64, blockTime time.Time, action string) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			BatchID:      uuid.NewSHA1(batchNamespace, []byte(eventRef)),
			EventRef:     eventRef,
			Sequence:     sequence,
			Timestamp:    blockTime.UnixMicro(),
			Action:       action,
			Instructions: make([]Instruction, 0, 4),
			Attributes:   make([]Attribute, 0, 8),
		},
	}
}

func (bb *BatchBuilder) next(t InstructionType) *Instruction {
	idx := len(bb.batch.Instructions)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(idx))
	bb.batch.Instructions = append(bb.batch.Instructions, Instruction{
		InstructionID: uuid.NewSHA1(bb.batch.BatchID, buf[:]),
		BatchID:       bb.batch.BatchID,
		Index:         idx,
		Type:          t,
	})
	return &bb.batch.Instructions[idx]
}

// Send pays coins to an address.
func (bb *BatchBuilder) Send(to string, coins ...Coin) {
	ins := bb.next(InstructionBankSend)
	ins.ToAddress = to
	ins.Amount = append(Coins(nil), coins...)
}

// WithdrawReward claims the vault's rewards from one validator.
func (bb *BatchBuilder) WithdrawReward(validator string) {
	bb.next(InstructionWithdrawDelegatorReward).Validator = validator
}

func (bb *BatchBuilder) Delegate(validator string, amount Coin) {
	ins := bb.next(InstructionDelegate)
	ins.Validator = validator
	ins.Coin = &amount
}

func (bb *BatchBuilder) Undelegate(validator string, amount Coin) {
	ins := bb.next(InstructionUndelegate)
	ins.Validator = validator
	ins.Coin = &amount
}

func (bb *BatchBuilder) Redelegate(src, dst string, amount Coin) {
	ins := bb.next(InstructionRedelegate)
	ins.Validator = src
	ins.DstValidator = dst
	ins.Coin = &amount
}

func (bb *BatchBuilder) Vote(proposalID uint64, option string) {
	ins := bb.next(InstructionVote)
	ins.ProposalID = proposalID
	ins.Option = option
}

func (bb *BatchBuilder) WeightedVote(proposalID uint64, options []WeightedVoteOption) {
	ins := bb.next(InstructionWeightedVote)
	ins.ProposalID = proposalID
	ins.WeightedOptions = append([]WeightedVoteOption(nil), options...)
}

// Attr records an attribute. Keys may repeat; order is preserved.
func (bb *BatchBuilder) Attr(key, value string) {
	bb.batch.Attributes = append(bb.batch.Attributes, Attribute{Key: key, Value: value})
}

// Len returns the number of instructions built so far.
func (bb *BatchBuilder) Len() int { return len(bb.batch.Instructions) }

// Batch returns the built batch. The builder must not be used afterwards.
func (bb *BatchBuilder) Batch() *Batch {
	return bb.batch
}
