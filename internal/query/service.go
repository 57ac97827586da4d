package query

import (
	"LendVault/internal/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	defaultInstructionLimit = 100
	maxInstructionLimit     = 1000
	integrityPageSize       = 1000
	maxReportedFindings     = 10
)

// VaultReader is the live, thread-safe view of the vault.
type VaultReader interface {
	Info() (*core.InfoResponse, error)
}

// QueryService provides read-only access to the vault, the event log and
// the projection tables. Vault info is read live from the core; every
// other answer carries the projection watermark it was read at.
type QueryService struct {
	db        *sql.DB
	vault     VaultReader
	startTime time.Time
}

func NewQueryService(db *sql.DB, vault VaultReader, startTime time.Time) *QueryService {
	return &QueryService{db: db, vault: vault, startTime: startTime}
}

// Info returns the current vault description.
func (qs *QueryService) Info(ctx context.Context) (*core.InfoResponse, error) {
	return qs.vault.Info()
}

// ListInstructions returns logged instructions, newest first. Within one
// message the instructions keep their execution order.
func (qs *QueryService) ListInstructions(ctx context.Context, f InstructionFilter) ([]InstructionEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultInstructionLimit
	}
	if limit > maxInstructionLimit {
		limit = maxInstructionLimit
	}

	query := `
		SELECT i.instruction_id, i.batch_id, i.sequence, i.idx, e.msg_type,
		       i.instruction_type, i.payload, i.block_time
		FROM event_log.instructions i
		JOIN event_log.events e ON e.sequence = i.sequence
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if len(f.Types) > 0 {
		query += fmt.Sprintf(" AND i.instruction_type = ANY($%d)", argIdx)
		args = append(args, pq.Array(f.Types))
		argIdx++
	}
	if f.BeforeSequence != nil {
		query += fmt.Sprintf(" AND i.sequence < $%d", argIdx)
		args = append(args, *f.BeforeSequence)
		argIdx++
	}

	query += " ORDER BY i.sequence DESC, i.idx ASC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]InstructionEntry, 0, limit)
	for rows.Next() {
		var e InstructionEntry
		var payload []byte
		if err := rows.Scan(
			&e.InstructionID, &e.BatchID, &e.Sequence, &e.Index, &e.MsgType,
			&e.InstructionType, &payload, &e.BlockTime,
		); err != nil {
			return nil, err
		}
		e.Instruction = payload
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AccountSequence returns the next account sequence for address. Unknown
// senders start at 0.
func (qs *QueryService) AccountSequence(ctx context.Context, address string) (*AccountSequenceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &AccountSequenceResponse{Address: address, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT next_sequence FROM projections.account_sequences WHERE sender = $1
	`, address).Scan(&resp.NextSequence)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return resp, nil
}

// SystemStatus reports log head, projection watermark and snapshot progress.
func (qs *QueryService) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	status := &SystemStatus{Uptime: time.Since(qs.startTime).Truncate(time.Second).String()}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.events
	`).Scan(&status.LatestSequence); err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	projSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	status.ProjectionSeq = projSeq
	status.ProjectionLag = status.LatestSequence - projSeq

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.snapshots WHERE verified = TRUE
	`).Scan(&status.LatestSnapshotSeq); err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return status, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the event log from the first sequence and
// recomputes every link of the hash chain from the stored state and batch.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}
	prev := core.GenesisHash()
	lastSeq := int64(0)

	for {
		rows, err := qs.db.QueryContext(ctx, `
			SELECT sequence, state_after, batch, state_hash, prev_hash
			FROM event_log.events
			WHERE sequence > $1
			ORDER BY sequence ASC
			LIMIT $2
		`, lastSeq, integrityPageSize)
		if err != nil {
			return nil, err
		}

		n := 0
		for rows.Next() {
			var (
				seq                   int64
				stateAfter, batchJSON []byte
				stateHash, prevHash   []byte
			)
			if err := rows.Scan(&seq, &stateAfter, &batchJSON, &stateHash, &prevHash); err != nil {
				rows.Close()
				return nil, err
			}
			n++
			report.CheckedEvents++

			if seq != lastSeq+1 {
				report.SequenceGaps = appendCapped(report.SequenceGaps, seq)
			}
			if string(prevHash) != string(prev[:]) {
				report.HashChainBreaks = appendCapped(report.HashChainBreaks, seq)
			}

			var logged [32]byte
			copy(logged[:], prevHash)
			want := core.ChainHash(logged, seq, core.StateDigest(stateAfter, batchJSON))
			if string(stateHash) != string(want[:]) {
				report.HashMismatches = appendCapped(report.HashMismatches, seq)
			}

			copy(prev[:], stateHash)
			lastSeq = seq
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
		if n < integrityPageSize {
			break
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.HashMismatches) == 0 &&
		len(report.SequenceGaps) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func appendCapped(list []int64, seq int64) []int64 {
	if len(list) >= maxReportedFindings {
		return list
	}
	return append(list, seq)
}
