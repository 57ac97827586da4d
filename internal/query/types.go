package query

import (
	"encoding/json"
	"time"
)

// InstructionEntry is one logged host instruction.
type InstructionEntry struct {
	InstructionID   string          `json:"instruction_id"`
	BatchID         string          `json:"batch_id"`
	Sequence        int64           `json:"sequence"`
	Index           int             `json:"index"`
	MsgType         string          `json:"msg_type"`
	InstructionType string          `json:"instruction_type"`
	Instruction     json.RawMessage `json:"instruction"`
	BlockTime       time.Time       `json:"block_time"`
}

// InstructionFilter narrows ListInstructions. Results are newest first;
// BeforeSequence pages backwards.
type InstructionFilter struct {
	Types          []string `json:"types,omitempty"`
	BeforeSequence *int64   `json:"before_sequence,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// AccountSequenceResponse is the next account sequence a sender must use.
type AccountSequenceResponse struct {
	Address      string `json:"address"`
	NextSequence int64  `json:"next_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SystemStatus summarizes log, projection and snapshot progress.
type SystemStatus struct {
	LatestSequence    int64  `json:"latest_sequence"`
	ProjectionSeq     int64  `json:"projection_sequence"`
	ProjectionLag     int64  `json:"projection_lag"`
	LatestSnapshotSeq int64  `json:"latest_snapshot_sequence"`
	Uptime            string `json:"uptime"`
}

// IntegrityReport is the result of recomputing the hash chain from the log.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedEvents   int64   `json:"checked_events"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	HashMismatches  []int64 `json:"hash_mismatches,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
