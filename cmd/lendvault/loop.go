package main

import (
	"LendVault/internal/core"
	"LendVault/internal/ingestion"
	"LendVault/internal/observability"
	"LendVault/internal/persistence"
	"LendVault/internal/projection"
	"LendVault/internal/state"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rs/zerolog"
)

// snapshotStore is the part of the snapshot manager the core loop writes to.
type snapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *persistence.SnapshotData) (int, error)
	LoadSnapshot(ctx context.Context, sequence int64) (*persistence.SnapshotData, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// coreLoop is the only goroutine that touches the deterministic core after
// startup. It sequences submissions from every surface in arrival order,
// stamps their block time and takes snapshots between messages.
type coreLoop struct {
	core     *core.DeterministicCore
	snaps    snapshotStore
	interval int64
	metrics  *observability.Metrics
	logger   zerolog.Logger
	clock    func() time.Time

	lastSnapshotSeq int64
}

func newCoreLoop(c *core.DeterministicCore, snaps snapshotStore, interval int64, metrics *observability.Metrics) *coreLoop {
	return &coreLoop{
		core:            c,
		snaps:           snaps,
		interval:        interval,
		metrics:         metrics,
		logger:          observability.NewLogger("core-loop"),
		clock:           time.Now,
		lastSnapshotSeq: c.GetSequence() - 1,
	}
}

// run drains submissions until ctx ends. Queued submissions left behind on
// shutdown are handed back to their source.
func (l *coreLoop) run(ctx context.Context, submissions <-chan ingestion.Submission) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case sub := <-submissions:
					sub.Abandon(ctx.Err())
				default:
					return
				}
			}

		case sub := <-submissions:
			l.handle(sub)
			l.maybeSnapshot(ctx)
		}
	}
}

func (l *coreLoop) handle(sub ingestion.Submission) {
	// Submitted block times are never trusted; the logged payload carries
	// this stamp and replays it.
	sub.Event.Info().BlockTime = l.nextBlockTime()
	out, err := l.core.ProcessEvent(sub.Event)
	outcome := ingestion.Outcome(err)
	if l.metrics != nil {
		l.metrics.IngestMessages.WithLabelValues(sub.Surface, outcome).Inc()
	}
	if err != nil {
		l.logger.Debug().
			Str("surface", sub.Surface).
			Str("msg_type", sub.Event.EventType().MsgType()).
			Str("msg_id", sub.Event.IdempotencyKey()).
			Str("outcome", outcome).
			Err(err).
			Msg("message not applied")
	}
	sub.Complete(out, err)
}

// nextBlockTime reads the sequencer clock, clamped so it never runs behind
// the last committed block.
func (l *coreLoop) nextBlockTime() time.Time {
	now := l.clock().UTC().Truncate(time.Microsecond)
	if last := l.core.BlockTime(); now.Before(last) {
		return last
	}
	return now
}

func (l *coreLoop) maybeSnapshot(ctx context.Context) {
	if l.snaps == nil || l.interval <= 0 {
		return
	}
	if l.core.GetSequence()-1-l.lastSnapshotSeq < l.interval {
		return
	}
	if err := l.takeSnapshot(ctx); err != nil {
		log.Printf("ERROR: snapshot failed: %v", err)
	}
}

// takeSnapshot captures the core and stores it. Call it only from the
// goroutine that owns the core.
func (l *coreLoop) takeSnapshot(ctx context.Context) error {
	start := time.Now()
	coreSnap, err := l.core.CreateSnapshotState()
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if coreSnap.Sequence <= 0 {
		return nil
	}

	data, err := toSnapshotData(coreSnap)
	if err != nil {
		return err
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	size, err := l.snaps.SaveSnapshot(saveCtx, data)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	stored, err := l.snaps.LoadSnapshot(saveCtx, data.Sequence)
	if err != nil {
		return fmt.Errorf("read back: %w", err)
	}
	if err := verifySnapshot(stored, coreSnap); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if err := l.snaps.MarkVerified(saveCtx, data.Sequence); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	l.lastSnapshotSeq = data.Sequence

	if l.metrics != nil {
		l.metrics.SnapshotTaken.Inc()
		l.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		l.metrics.SnapshotSizeBytes.Set(float64(size))
		l.metrics.SnapshotLastSeq.Set(float64(data.Sequence))
	}
	log.Printf("INFO: snapshot saved and verified at sequence %d (%d bytes)", data.Sequence, size)
	return nil
}

// --- Snapshot conversion ---

func toSnapshotData(s *core.SnapshotState) (*persistence.SnapshotData, error) {
	vault, err := json.Marshal(s.Vault)
	if err != nil {
		return nil, fmt.Errorf("encode vault: %w", err)
	}
	return &persistence.SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Vault:           vault,
		Host:            s.Host,
		SequenceState:   s.SequenceState,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func fromSnapshotData(d *persistence.SnapshotData) (*core.SnapshotState, error) {
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Host:            d.Host,
		SequenceState:   d.SequenceState,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	if len(d.StateHash) != len(s.StateHash) {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	copy(s.StateHash[:], d.StateHash)

	if len(d.Vault) > 0 && !bytes.Equal(d.Vault, []byte("null")) {
		var v state.VaultState
		if err := json.Unmarshal(d.Vault, &v); err != nil {
			return nil, fmt.Errorf("snapshot %d: decode vault: %w", d.Sequence, err)
		}
		s.Vault = &v
	}
	return s, nil
}

// verifySnapshot checks that a stored snapshot decodes back to the state it
// was taken from.
func verifySnapshot(stored *persistence.SnapshotData, live *core.SnapshotState) error {
	if stored == nil {
		return fmt.Errorf("snapshot %d not found after save", live.Sequence)
	}
	decoded, err := fromSnapshotData(stored)
	if err != nil {
		return err
	}
	if decoded.Sequence != live.Sequence || decoded.StateHash != live.StateHash {
		return fmt.Errorf("snapshot %d: stored tip %d/%x, live %d/%x",
			live.Sequence, decoded.Sequence, decoded.StateHash[:4], live.Sequence, live.StateHash[:4])
	}

	gotVault, err := json.Marshal(decoded.Vault)
	if err != nil {
		return fmt.Errorf("snapshot %d: encode stored vault: %w", live.Sequence, err)
	}
	wantVault, err := json.Marshal(live.Vault)
	if err != nil {
		return fmt.Errorf("snapshot %d: encode live vault: %w", live.Sequence, err)
	}
	if !bytes.Equal(gotVault, wantVault) {
		return fmt.Errorf("snapshot %d: vault state differs", live.Sequence)
	}
	if !sameJSON(decoded.Host, live.Host) {
		return fmt.Errorf("snapshot %d: host state differs", live.Sequence)
	}

	if len(decoded.SequenceState) != len(live.SequenceState) {
		return fmt.Errorf("snapshot %d: %d sender sequences, live has %d",
			live.Sequence, len(decoded.SequenceState), len(live.SequenceState))
	}
	for sender, next := range live.SequenceState {
		if decoded.SequenceState[sender] != next {
			return fmt.Errorf("snapshot %d: sequence of %s differs", live.Sequence, sender)
		}
	}
	return nil
}

func sameJSON(a, b json.RawMessage) bool {
	var ca, cb bytes.Buffer
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}

// --- Replay ---

// eventSource pages through the event log.
type eventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

var errReplayDiverged = errors.New("replay diverged from the event log")

// replayEventsFromLog re-applies logged messages from fromSequence and checks
// that every recomputed sequence and state hash matches the logged one.
func replayEventsFromLog(ctx context.Context, src eventSource, c *core.DeterministicCore, fromSequence int64, metrics *observability.Metrics) (int64, error) {
	const batchSize = 1000
	var replayed int64

	for {
		rows, err := src.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			return replayed, nil
		}

		for _, row := range rows {
			evt, err := ingestion.ParseMessage(row.MsgType, row.Payload)
			if err != nil {
				return replayed, fmt.Errorf("seq %d: %w", row.Sequence, err)
			}
			out, err := c.ReplayEvent(evt)
			if err != nil {
				return replayed, fmt.Errorf("%w: seq %d rejected on replay: %v", errReplayDiverged, row.Sequence, err)
			}
			if out.Envelope.Sequence != row.Sequence {
				return replayed, fmt.Errorf("%w: logged seq %d replayed as %d", errReplayDiverged, row.Sequence, out.Envelope.Sequence)
			}
			if !bytes.Equal(out.Envelope.StateHash[:], row.StateHash) {
				return replayed, fmt.Errorf("%w: state hash mismatch at seq %d", errReplayDiverged, row.Sequence)
			}

			replayed++
			if metrics != nil {
				metrics.ReplayEventsTotal.Inc()
			}
		}
		fromSequence = rows[len(rows)-1].Sequence + 1
	}
}

// --- Output bridge ---

// bridgeCoreOutputs fans core outputs out to the persistence, projection and
// publish workers, converting to each worker's own row type. Persistence is
// a blocking send; projection and publishing drop when full. It returns once
// both inputs are closed and drained, closing its outputs.
func bridgeCoreOutputs(
	persistIn <-chan core.CoreOutput,
	projectionIn <-chan core.CoreOutput,
	persistOut chan<- persistence.Record,
	projectionOut chan<- projection.Output,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
) {
	defer close(persistOut)
	defer close(projectionOut)
	defer close(publishOut)

	for persistIn != nil || projectionIn != nil {
		select {
		case output, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			rec, err := persistence.NewRecord(output.Envelope, output.Batch, output.StateAfter)
			if err != nil {
				panic(fmt.Sprintf("FATAL: cannot encode seq %d for the event log: %v", output.Envelope.Sequence, err))
			}
			persistOut <- rec

			env := output.Envelope
			select {
			case publishOut <- ingestion.NewPublishableEvent(env.Sequence, env.EventType.MsgType(), env.IdempotencyKey, env.Sender, env.Timestamp, env.StateHash, output.Batch):
			default:
				if metrics != nil {
					metrics.PublishDrops.Inc()
				}
			}

		case output, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			env := output.Envelope
			select {
			case projectionOut <- projection.Output{
				Sequence:       env.Sequence,
				MsgType:        env.EventType.MsgType(),
				Sender:         env.Sender,
				SourceSequence: env.SourceSequence,
				BlockTime:      env.Timestamp,
				StateAfter:     output.StateAfter,
			}:
			default:
				if metrics != nil {
					metrics.ProjectionDrops.Inc()
				}
			}
		}
	}
}

// observeChannels samples channel fill levels until ctx ends.
func observeChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range chans {
				size, capacity := sample()
				metrics.ObserveChannel(name, size, capacity)
			}
		}
	}
}
