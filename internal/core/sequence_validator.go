package core

import (
	"LendVault/internal/observability"
	"fmt"
)

// SequenceValidator enforces contiguous account sequences per sender.
// Check and Advance are split so a rejected call does not consume its
// sequence. Not thread-safe; only the core goroutine uses it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// SequenceError reports a sequence that is not the next expected one.
type SequenceError struct {
	Partition string
	Expected  int64
	Got       int64
}

func (e *SequenceError) Error() string {
	if e.Got < e.Expected {
		return fmt.Sprintf("out-of-order message: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
	}
	return fmt.Sprintf("sequence gap: partition=%s, expected=%d, got=%d", e.Partition, e.Expected, e.Got)
}

// Check validates sourceSequence without advancing.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) error {
	expected := sv.expectedNextSeq[partition]
	if sourceSequence == expected {
		return nil
	}
	kind := "gap"
	if sourceSequence < expected {
		kind = "out_of_order"
	}
	if sv.metrics != nil {
		sv.metrics.EventSequenceRejected.WithLabelValues(kind).Inc()
	}
	return &SequenceError{Partition: partition, Expected: expected, Got: sourceSequence}
}

// Advance consumes sourceSequence after the call committed.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// GetExpectedSequence returns the next expected sequence for a partition.
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the next expected sequence, used on recovery.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions returns a copy of every partition's next sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func senderPartition(sender string) string {
	return "sender:" + sender
}
