package core

import (
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	"LendVault/internal/observability"
	"LendVault/internal/state"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DeterministicCore is the single-threaded message processor. It owns the
// vault store and drives the host: every call runs inside one host unit of
// work and either commits both or rolls back both.
type DeterministicCore struct {
	sequence          int64
	contract          string
	hasher            *StateHasher
	store             *state.Store
	host              Host
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one applied message with its instruction batch and the
// canonical vault state after it.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateAfter []byte
}

// Options configure a DeterministicCore.
type Options struct {
	// Contract is the vault's own address on the host.
	Contract       string
	StartSequence  int64
	LRUCapacity    int
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
}

func NewDeterministicCore(host Host, opts Options) *DeterministicCore {
	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &DeterministicCore{
		sequence:          opts.StartSequence,
		contract:          opts.Contract,
		hasher:            NewStateHasher(),
		store:             state.NewStore(),
		host:              host,
		idempotency:       NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics),
		sequenceValidator: NewSequenceValidator(opts.Metrics),
		metrics:           opts.Metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
}

// ProcessEvent applies a live message: dedup, sequence check, execute,
// hash, then emit to the persistence and projection channels.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (*CoreOutput, error) {
	return c.process(evt, false)
}

// ReplayEvent re-applies a message read back from the event log. It skips
// the dedup lookup and emits nothing; the output is returned for hash checks.
func (c *DeterministicCore) ReplayEvent(evt event.Event) (*CoreOutput, error) {
	return c.process(evt, true)
}

func (c *DeterministicCore) process(evt event.Event, replay bool) (*CoreOutput, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	info := evt.Info()

	// Step 1: Idempotency check (two-tier)
	if !replay && c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		c.reject(eventType, "duplicate")
		return nil, ErrDuplicateEvent
	}

	if err := validateAddress(info.Sender, "sender"); err != nil {
		c.reject(eventType, string(CategoryValidation))
		return nil, err
	}

	// Step 2: Account sequence, consumed only on success
	partition := senderPartition(info.Sender)
	sourceSequence := evt.SourceSequence()
	if err := c.sequenceValidator.Check(partition, sourceSequence); err != nil {
		c.reject(eventType, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	// Step 3: Execute against vault and host atomically
	output, err := c.apply(evt, info)
	if err != nil {
		c.reject(eventType, string(CodeOf(err).Category()))
		c.logger.Debug().
			Str("event_type", eventType).
			Str("msg_id", idempotencyKey).
			Str("sender", info.Sender).
			Err(err).
			Msg("call rejected")
		return nil, err
	}

	c.sequenceValidator.Advance(partition, sourceSequence)
	c.idempotency.MarkProcessed(idempotencyKey)

	// Step 4: Emit. Persist is a blocking send (backpressure); projection
	// drops when full and catches up from the event log.
	if !replay {
		if c.persistChan != nil {
			select {
			case c.persistChan <- *output:
			default:
				if c.metrics != nil {
					c.metrics.PersistBackpressure.Inc()
				}
				c.persistChan <- *output
			}
		}
		if c.projectionChan != nil {
			select {
			case c.projectionChan <- *output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.Inc()
				}
			}
		}
	}

	c.recordApplied(eventType, output, time.Since(start))
	c.logger.Info().
		Int64("sequence", output.Envelope.Sequence).
		Str("event_type", eventType).
		Str("sender", info.Sender).
		Int("instructions", len(output.Batch.Instructions)).
		Bool("replay", replay).
		Msg("call applied")
	return output, nil
}

func (c *DeterministicCore) apply(evt event.Event, info *event.MsgInfo) (*CoreOutput, error) {
	// The core never reads the wall clock; block time comes with the message.
	blockTime := info.BlockTime.UTC()

	if err := c.host.Begin(blockTime); err != nil {
		return nil, wrapHostErr("begin", err)
	}
	tx := c.store.Begin()
	committed := false
	defer func() {
		if !committed {
			c.host.Rollback()
			tx.Discard()
		}
	}()

	if len(info.Funds) > 0 {
		funds, err := info.Funds.Normalize()
		if err != nil {
			return nil, errInternal("attached funds: %v", err)
		}
		if err := c.host.TransferFunds(info.Sender, c.contract, funds); err != nil {
			return nil, wrapHostErr("transfer attached funds", err)
		}
	}

	if tx.State == nil && evt.EventType() != event.EventTypeInstantiate {
		return nil, ErrNotInstantiated
	}

	out := ledger.NewBatchBuilder(evt.IdempotencyKey(), c.sequence, blockTime, evt.EventType().MsgType())
	cl := &call{
		state:    tx.State,
		info:     info,
		now:      blockTime,
		contract: c.contract,
		host:     c.host,
		out:      out,
	}
	if err := c.dispatchEvent(cl, evt); err != nil {
		return nil, err
	}
	tx.State = cl.state

	batch := out.Batch()
	if err := batch.Validate(); err != nil {
		return nil, errInternal("invalid instruction batch: %v", err)
	}

	// Instructions run strictly in list order inside the same unit of work.
	if err := c.host.Execute(c.contract, batch); err != nil {
		return nil, wrapHostErr("execute instructions", err)
	}

	if err := tx.State.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", evt.EventType(), err))
	}

	c.host.Commit()
	tx.Commit()
	committed = true

	stateAfter, err := c.store.MarshalState()
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode vault state: %v", err))
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode %s payload: %v", evt.EventType(), err))
	}

	digest := c.computeStateDigest(stateAfter, batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Sender:         info.Sender,
		Timestamp:      blockTime,
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	return &CoreOutput{Envelope: envelope, Batch: batch, StateAfter: stateAfter}, nil
}

// computeStateDigest is the canonical bytes hashed into the chain: the
// length-prefixed vault state followed by the instruction batch.
func (c *DeterministicCore) computeStateDigest(stateAfter []byte, batch *ledger.Batch) []byte {
	batchJSON, err := json.Marshal(batch)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode batch: %v", err))
	}
	return StateDigest(stateAfter, batchJSON)
}

// StateDigest frames the two encodings so their boundary is unambiguous.
func StateDigest(stateAfter, batchJSON []byte) []byte {
	digest := make([]byte, 0, 16+len(stateAfter)+len(batchJSON))
	digest = binary.LittleEndian.AppendUint64(digest, uint64(len(stateAfter)))
	digest = append(digest, stateAfter...)
	digest = binary.LittleEndian.AppendUint64(digest, uint64(len(batchJSON)))
	digest = append(digest, batchJSON...)
	return digest
}

func (c *DeterministicCore) dispatchEvent(cl *call, evt event.Event) error {
	switch e := evt.(type) {
	case *event.Instantiate:
		return c.handleInstantiate(cl, e)
	case *event.OpenInterest:
		return c.handleOpenInterest(cl, e)
	case *event.CloseOpenInterest:
		return c.handleCloseOpenInterest(cl, e)
	case *event.ProposeCounterOffer:
		return c.handleProposeCounterOffer(cl, e)
	case *event.AcceptCounterOffer:
		return c.handleAcceptCounterOffer(cl, e)
	case *event.CancelCounterOffer:
		return c.handleCancelCounterOffer(cl, e)
	case *event.FundOpenInterest:
		return c.handleFundOpenInterest(cl, e)
	case *event.RepayOpenInterest:
		return c.handleRepayOpenInterest(cl, e)
	case *event.Liquidate:
		return c.handleLiquidate(cl, e)
	case *event.TransferOwnership:
		return c.handleTransferOwnership(cl, e)
	case *event.Delegate:
		return c.handleDelegate(cl, e)
	case *event.Undelegate:
		return c.handleUndelegate(cl, e)
	case *event.Redelegate:
		return c.handleRedelegate(cl, e)
	case *event.ClaimDelegatorRewards:
		return c.handleClaimDelegatorRewards(cl, e)
	case *event.Vote:
		return c.handleVote(cl, e)
	case *event.WeightedVote:
		return c.handleWeightedVote(cl, e)
	case *event.Withdraw:
		return c.handleWithdraw(cl, e)
	default:
		return errInternal("unknown message type: %T", evt)
	}
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, output *CoreOutput, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	for _, ins := range output.Batch.Instructions {
		c.metrics.CoreInstructions.WithLabelValues(ins.Type.String()).Inc()
	}
	if _, ok := output.Batch.Attribute("evicted_proposer"); ok {
		c.metrics.CounterOfferEvicted.Inc()
	}
	if output.Envelope.EventType == event.EventTypeLiquidate {
		outcome := "settled"
		if _, ok := output.Batch.Attribute("outstanding_debt"); ok {
			outcome = "partial"
		}
		c.metrics.Liquidations.WithLabelValues(outcome).Inc()
	}

	if v := c.store.Snapshot(); v != nil {
		c.metrics.CounterOfferBookSize.Set(float64(len(v.CounterOffers)))
		debt := 0.0
		if v.OutstandingDebt != nil {
			debt = 1
		}
		c.metrics.OutstandingDebt.Set(debt)
	}
}

// --- Snapshot Restore & Startup Methods ---

// StatefulHost is a host whose state can be captured into a snapshot.
type StatefulHost interface {
	Host
	ExportState() (json.RawMessage, error)
	ImportState(json.RawMessage) error
}

// SnapshotState is everything needed to resume the core without replaying
// from genesis.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Vault           *state.VaultState
	Host            json.RawMessage
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot loads a snapshot; replay continues from Sequence+1.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if len(snap.Host) > 0 {
		sh, ok := c.host.(StatefulHost)
		if !ok {
			return fmt.Errorf("snapshot carries host state but host %T cannot import it", c.host)
		}
		if err := sh.ImportState(snap.Host); err != nil {
			return fmt.Errorf("import host state: %w", err)
		}
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.store.Restore(snap.Vault)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// CreateSnapshotState captures the current state. Call it from the core
// goroutine between messages.
func (c *DeterministicCore) CreateSnapshotState() (*SnapshotState, error) {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Vault:           c.store.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
	if sh, ok := c.host.(StatefulHost); ok {
		hostState, err := sh.ExportState()
		if err != nil {
			return nil, fmt.Errorf("export host state: %w", err)
		}
		snap.Host = hostState
	}
	return snap, nil
}

// WarmLRU loads recent message IDs into the dedup cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the chain tip.
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// ExpectedSequence returns the next account sequence for sender.
func (c *DeterministicCore) ExpectedSequence(sender string) int64 {
	return c.sequenceValidator.GetExpectedSequence(senderPartition(sender))
}

// Contract returns the vault's address on the host.
func (c *DeterministicCore) Contract() string {
	return c.contract
}

// Vault returns a copy of the committed vault state, nil before instantiate.
func (c *DeterministicCore) Vault() *state.VaultState {
	return c.store.Snapshot()
}

// BlockTime returns the host's last committed block time, or the zero time
// when the host does not report one.
func (c *DeterministicCore) BlockTime() time.Time {
	if bt, ok := c.host.(interface{ BlockTime() time.Time }); ok {
		return bt.BlockTime()
	}
	return time.Time{}
}
