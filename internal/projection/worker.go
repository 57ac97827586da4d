package projection

import (
	"LendVault/internal/core"
	"LendVault/internal/observability"
	"LendVault/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Output is the slice of a core output the read model needs.
type Output struct {
	Sequence       int64
	MsgType        string
	Sender         string
	SourceSequence int64
	BlockTime      time.Time
	StateAfter     []byte
}

// ProjectionWorker keeps the projections schema in step with the core.
// The projection channel is non-blocking with drop; a lagging read model
// is rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	contract  string
	inputChan <-chan Output
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, contract string, inputChan <-chan Output, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		contract:  contract,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if output.Sequence <= pw.lastSeq {
				continue
			}

			start := time.Now()
			if err := pw.apply(ctx, output); err != nil {
				// Eventually consistent; RebuildProjections repairs gaps.
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Sequence
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionLastSequence.Set(float64(output.Sequence))
			}
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, output Output) error {
	var v *state.VaultState
	if err := json.Unmarshal(output.StateAfter, &v); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if v != nil {
		if err := writeVault(ctx, tx, pw.contract, v, output.Sequence); err != nil {
			return err
		}
	}
	if err := writeAccountSequence(ctx, tx, output.Sender, output.SourceSequence, output.Sequence); err != nil {
		return err
	}
	if err := writeWatermark(ctx, tx, output.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// writeVault replaces the vault row and its counter offer book.
func writeVault(ctx context.Context, tx *sql.Tx, contract string, v *state.VaultState, seq int64) error {
	info, err := core.BuildInfo(v)
	if err != nil {
		return err
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode info: %w", err)
	}
	oiJSON, err := nullableJSON(v.OpenInterest)
	if err != nil {
		return err
	}
	debtJSON, err := nullableJSON(v.OutstandingDebt)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.vault
			(contract, message, owner, lender, open_interest, expiry, outstanding_debt, info, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (contract) DO UPDATE SET
			message = $2, owner = $3, lender = $4, open_interest = $5, expiry = $6,
			outstanding_debt = $7, info = $8, last_sequence = $9, updated_at = NOW()
	`, contract, info.Message, v.Owner, v.Lender, oiJSON, v.Expiry, debtJSON, infoJSON, seq); err != nil {
		return fmt.Errorf("vault projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.counter_offers WHERE contract = $1`, contract); err != nil {
		return fmt.Errorf("clear counter offers: %w", err)
	}
	for _, offer := range v.CounterOffersSorted() {
		terms, err := json.Marshal(offer.OpenInterest)
		if err != nil {
			return fmt.Errorf("encode offer %s: %w", offer.Proposer, err)
		}
		liq := offer.OpenInterest.LiquidityCoin
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.counter_offers
				(contract, proposer, liquidity_denom, liquidity_amount, terms, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, contract, offer.Proposer, liq.Denom, liq.Amount.String(), terms, seq); err != nil {
			return fmt.Errorf("counter offer projection: %w", err)
		}
	}
	return nil
}

func writeAccountSequence(ctx context.Context, tx *sql.Tx, sender string, sourceSeq, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.account_sequences (sender, next_sequence, last_sequence, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (sender) DO UPDATE SET
			next_sequence = GREATEST(projections.account_sequences.next_sequence, EXCLUDED.next_sequence),
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
	`, sender, sourceSeq+1, seq)
	if err != nil {
		return fmt.Errorf("account sequence projection: %w", err)
	}
	return nil
}

func writeWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// nullableJSON encodes v, or returns an untyped nil so the column is NULL.
func nullableJSON[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
