package persistence

import (
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventLogWriter writes applied messages and their instructions to Postgres
// using multi-row INSERTs inside the caller's transaction.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	MsgType        string
	MsgID          string
	Sender         string
	Payload        []byte // JSON-encoded message
	StateAfter     []byte // canonical vault state after the message
	BatchID        uuid.UUID
	Batch          []byte // JSON-encoded ledger.Batch, byte-exact as hashed
	StateHash      []byte
	PrevHash       []byte
	BlockTime      time.Time
	SourceSequence int64
}

// InstructionRow represents a row in event_log.instructions
type InstructionRow struct {
	InstructionID   uuid.UUID
	BatchID         uuid.UUID
	Sequence        int64
	Index           int
	InstructionType string
	Payload         []byte // JSON-encoded ledger.Instruction
	BlockTime       time.Time
}

// Record is everything persisted for one applied message.
type Record struct {
	Event        EventRow
	Instructions []InstructionRow
}

// NewRecord converts a core output into log rows.
func NewRecord(env *event.EventEnvelope, batch *ledger.Batch, stateAfter []byte) (Record, error) {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		return Record{}, fmt.Errorf("marshal batch: %w", err)
	}
	rec := Record{
		Event: EventRow{
			Sequence:       env.Sequence,
			MsgType:        env.EventType.MsgType(),
			MsgID:          env.IdempotencyKey,
			Sender:         env.Sender,
			Payload:        env.Payload,
			StateAfter:     stateAfter,
			BatchID:        batch.BatchID,
			Batch:          batchJSON,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			BlockTime:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
		Instructions: make([]InstructionRow, 0, len(batch.Instructions)),
	}
	for _, ins := range batch.Instructions {
		payload, err := json.Marshal(ins)
		if err != nil {
			return Record{}, fmt.Errorf("marshal instruction %d: %w", ins.Index, err)
		}
		rec.Instructions = append(rec.Instructions, InstructionRow{
			InstructionID:   ins.InstructionID,
			BatchID:         ins.BatchID,
			Sequence:        env.Sequence,
			Index:           ins.Index,
			InstructionType: ins.Type.String(),
			Payload:         payload,
			BlockTime:       env.Timestamp,
		})
	}
	return rec, nil
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 12
	query := `INSERT INTO event_log.events
		(sequence, msg_type, msg_id, sender, payload, state_after, batch_id, batch, state_hash, prev_hash, block_time, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.MsgType, e.MsgID, e.Sender, e.Payload, e.StateAfter,
			e.BatchID, e.Batch, e.StateHash, e.PrevHash, e.BlockTime, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteInstructionBatch writes instruction rows to event_log.instructions.
func (w *EventLogWriter) WriteInstructionBatch(ctx context.Context, tx *sql.Tx, rows []InstructionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 7
	query := `INSERT INTO event_log.instructions
		(instruction_id, batch_id, sequence, idx, instruction_type, payload, block_time)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, r := range rows {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			r.InstructionID, r.BatchID, r.Sequence, r.Index,
			r.InstructionType, r.Payload, r.BlockTime,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (instruction_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for j := 1; j <= n; j++ {
		if j > 1 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", base+j)
	}
	sb.WriteByte(')')
	return sb.String()
}
