// internal/event/passthrough.go
package event

import (
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
)

// Governance vote options
const (
	VoteYes        = "yes"
	VoteNo         = "no"
	VoteAbstain    = "abstain"
	VoteNoWithVeto = "no_with_veto"
)

// IsValidVoteOption reports whether s names a governance vote option.
func IsValidVoteOption(s string) bool {
	switch s {
	case VoteYes, VoteNo, VoteAbstain, VoteNoWithVeto:
		return true
	}
	return false
}

type TransferOwnership struct {
	MsgInfo
	NewOwner string `json:"new_owner"`
}

func (m *TransferOwnership) EventType() EventType { return EventTypeTransferOwnership }

// Delegate stakes Amount of the bonded denom with Validator.
type Delegate struct {
	MsgInfo
	Validator string         `json:"validator"`
	Amount    fpmath.Uint256 `json:"amount"`
}

func (m *Delegate) EventType() EventType { return EventTypeDelegate }

type Undelegate struct {
	MsgInfo
	Validator string         `json:"validator"`
	Amount    fpmath.Uint256 `json:"amount"`
}

func (m *Undelegate) EventType() EventType { return EventTypeUndelegate }

type Redelegate struct {
	MsgInfo
	SrcValidator string         `json:"src_validator"`
	DstValidator string         `json:"dst_validator"`
	Amount       fpmath.Uint256 `json:"amount"`
}

func (m *Redelegate) EventType() EventType { return EventTypeRedelegate }

type ClaimDelegatorRewards struct {
	MsgInfo
}

func (m *ClaimDelegatorRewards) EventType() EventType { return EventTypeClaimDelegatorRewards }

type Vote struct {
	MsgInfo
	ProposalID uint64 `json:"proposal_id"`
	Option     string `json:"option"`
}

func (m *Vote) EventType() EventType { return EventTypeVote }

type WeightedVote struct {
	MsgInfo
	ProposalID uint64                      `json:"proposal_id"`
	Options    []ledger.WeightedVoteOption `json:"options"`
}

func (m *WeightedVote) EventType() EventType { return EventTypeWeightedVote }

// Withdraw sends vault funds out. Recipient defaults to the owner.
type Withdraw struct {
	MsgInfo
	Denom     string         `json:"denom"`
	Amount    fpmath.Uint256 `json:"amount"`
	Recipient *string        `json:"recipient,omitempty"`
}

func (m *Withdraw) EventType() EventType { return EventTypeWithdraw }
