package projection

import (
	"LendVault/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// RebuildProjections rebuilds every projection table from the event log.
// The vault row comes from the newest state_after; account sequences from
// the highest source sequence per sender.
func RebuildProjections(ctx context.Context, db *sql.DB, contract string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM projections.vault WHERE contract = $1`,
		`DELETE FROM projections.counter_offers WHERE contract = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, contract); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	for _, stmt := range []string{
		`TRUNCATE projections.account_sequences`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	var (
		seq        int64
		stateAfter []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT sequence, state_after FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&seq, &stateAfter)
	if errors.Is(err, sql.ErrNoRows) {
		log.Println("INFO: projection rebuild: event log is empty")
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("load latest state: %w", err)
	}

	var v *state.VaultState
	if err := json.Unmarshal(stateAfter, &v); err != nil {
		return fmt.Errorf("decode state at %d: %w", seq, err)
	}
	if v != nil {
		if err := writeVault(ctx, tx, contract, v, seq); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_sequences (sender, next_sequence, last_sequence, updated_at)
		SELECT sender, MAX(source_sequence) + 1, MAX(sequence), NOW()
		FROM event_log.events
		GROUP BY sender
	`); err != nil {
		return fmt.Errorf("rebuild account sequences: %w", err)
	}

	if err := writeWatermark(ctx, tx, seq); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete at sequence %d", seq)
	return nil
}
