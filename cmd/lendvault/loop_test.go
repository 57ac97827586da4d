package main

import (
	"LendVault/internal/chain"
	"LendVault/internal/core"
	"LendVault/internal/event"
	"LendVault/internal/ingestion"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/persistence"
	"LendVault/internal/projection"
	"LendVault/internal/state"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testContract = "vault1contract"
	testOwner    = "owner1"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSnapshots stores snapshots as encoded JSON, the way the snapshot
// table does. corrupt, when set, rewrites a snapshot before it is stored.
type fakeSnapshots struct {
	saved    []*persistence.SnapshotData
	stored   map[int64][]byte
	verified []int64
	corrupt  func(*persistence.SnapshotData)
}

func (f *fakeSnapshots) SaveSnapshot(_ context.Context, snap *persistence.SnapshotData) (int, error) {
	f.saved = append(f.saved, snap)
	stored := *snap
	if f.corrupt != nil {
		f.corrupt(&stored)
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return 0, err
	}
	if f.stored == nil {
		f.stored = make(map[int64][]byte)
	}
	f.stored[stored.Sequence] = data
	return len(data), nil
}

func (f *fakeSnapshots) LoadSnapshot(_ context.Context, sequence int64) (*persistence.SnapshotData, error) {
	data, ok := f.stored[sequence]
	if !ok {
		return nil, nil
	}
	var snap persistence.SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (f *fakeSnapshots) MarkVerified(_ context.Context, sequence int64) error {
	f.verified = append(f.verified, sequence)
	return nil
}

type fakeLog struct {
	rows []persistence.EventRow
}

func (f *fakeLog) LoadEventsFrom(_ context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range f.rows {
		if r.Sequence >= fromSequence && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func newTestCore(t *testing.T, persist chan core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	host, err := chain.New(chain.Genesis{
		BondedDenom:      "uatom",
		UnbondingSeconds: 7 * 24 * 60 * 60,
		GenesisTime:      testStart,
		Validators:       []string{"valoper1a"},
		Balances: []chain.GenesisAccount{
			{Address: testContract, Coins: ledger.Coins{ledger.NewCoin("uatom", 1_000)}},
		},
	})
	require.NoError(t, err)
	return core.NewDeterministicCore(host, core.Options{
		Contract:      testContract,
		StartSequence: 1,
		PersistChan:   persist,
	})
}

// testMessages returns instantiate followed by n withdrawals from the owner.
func testMessages(n int) []event.Event {
	info := func(seq int64) event.MsgInfo {
		return event.MsgInfo{
			MsgID:     uuid.New(),
			Sender:    testOwner,
			Sequence:  seq,
			BlockTime: testStart.Add(time.Duration(seq) * time.Minute),
		}
	}
	msgs := []event.Event{&event.Instantiate{MsgInfo: info(0)}}
	for i := 1; i <= n; i++ {
		msgs = append(msgs, &event.Withdraw{MsgInfo: info(int64(i)), Denom: "uatom", Amount: fpmath.NewUint256(10)})
	}
	return msgs
}

// loggedRows applies msgs to a fresh core and returns what the persistence
// worker would have written.
func loggedRows(t *testing.T, msgs []event.Event) ([]persistence.EventRow, *core.DeterministicCore) {
	t.Helper()
	persist := make(chan core.CoreOutput, len(msgs))
	c := newTestCore(t, persist)
	var rows []persistence.EventRow
	for _, m := range msgs {
		_, err := c.ProcessEvent(m)
		require.NoError(t, err)
		out := <-persist
		rec, err := persistence.NewRecord(out.Envelope, out.Batch, out.StateAfter)
		require.NoError(t, err)
		rows = append(rows, rec.Event)
	}
	return rows, c
}

func TestCoreLoop_SnapshotsAtInterval(t *testing.T) {
	persist := make(chan core.CoreOutput, 16)
	c := newTestCore(t, persist)
	snaps := &fakeSnapshots{}
	loop := newCoreLoop(c, snaps, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	submissions := make(chan ingestion.Submission)
	done := make(chan struct{})
	go func() {
		loop.run(ctx, submissions)
		close(done)
	}()

	for _, m := range testMessages(4) {
		reply := make(chan ingestion.Result, 1)
		submissions <- ingestion.Submission{Event: m, Surface: "test", Reply: reply}
		res := <-reply
		require.NoError(t, res.Err)
		require.NotNil(t, res.Output)
	}
	cancel()
	<-done

	require.Len(t, snaps.saved, 2)
	assert.Equal(t, int64(2), snaps.saved[0].Sequence)
	assert.Equal(t, int64(4), snaps.saved[1].Sequence)
	assert.Equal(t, []int64{2, 4}, snaps.verified)
	assert.Len(t, persist, 5)
}

func TestCoreLoop_SnapshotNotVerifiedWhenStoredCopyDiffers(t *testing.T) {
	c := newTestCore(t, make(chan core.CoreOutput, 16))
	for _, m := range testMessages(2) {
		_, err := c.ProcessEvent(m)
		require.NoError(t, err)
	}

	for name, corrupt := range map[string]func(*persistence.SnapshotData){
		"state hash": func(d *persistence.SnapshotData) { d.StateHash = make([]byte, 32) },
		"vault":      func(d *persistence.SnapshotData) { d.Vault = json.RawMessage(`{"owner":"mallory"}`) },
		"sequences":  func(d *persistence.SnapshotData) { d.SequenceState = map[string]int64{testOwner: 1} },
		"missing":    nil,
	} {
		t.Run(name, func(t *testing.T) {
			snaps := &fakeSnapshots{corrupt: corrupt}
			if corrupt == nil {
				// Nothing comes back from the store.
				snaps.corrupt = func(d *persistence.SnapshotData) { d.Sequence = -1 }
			}
			loop := newCoreLoop(c, snaps, 1, nil)
			err := loop.takeSnapshot(context.Background())
			require.Error(t, err)
			assert.Empty(t, snaps.verified)
		})
	}
}

func TestVerifySnapshot_AcceptsFaithfulCopy(t *testing.T) {
	c := newTestCore(t, make(chan core.CoreOutput, 16))
	for _, m := range testMessages(3) {
		_, err := c.ProcessEvent(m)
		require.NoError(t, err)
	}
	live, err := c.CreateSnapshotState()
	require.NoError(t, err)

	snaps := &fakeSnapshots{}
	data, err := toSnapshotData(live)
	require.NoError(t, err)
	_, err = snaps.SaveSnapshot(context.Background(), data)
	require.NoError(t, err)
	stored, err := snaps.LoadSnapshot(context.Background(), live.Sequence)
	require.NoError(t, err)

	assert.NoError(t, verifySnapshot(stored, live))
}

func TestCoreLoop_RejectedMessageReplies(t *testing.T) {
	c := newTestCore(t, make(chan core.CoreOutput, 4))
	loop := newCoreLoop(c, nil, 0, nil)

	acked := false
	reply := make(chan ingestion.Result, 1)
	msg := testMessages(1)[1]
	loop.handle(ingestion.Submission{Event: msg, Surface: "test", Reply: reply, Ack: func() { acked = true }})

	res := <-reply
	assert.True(t, acked, "rejected messages are acked")
	assert.Nil(t, res.Output)
	var seqErr *core.SequenceError
	assert.ErrorAs(t, res.Err, &seqErr)
}

func TestReplayEventsFromLog_ReproducesChain(t *testing.T) {
	rows, original := loggedRows(t, testMessages(5))

	fresh := newTestCore(t, nil)
	n, err := replayEventsFromLog(context.Background(), &fakeLog{rows: rows}, fresh, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.Equal(t, original.GetStateHash(), fresh.GetStateHash())
	assert.Equal(t, original.GetSequence(), fresh.GetSequence())
	assert.Equal(t, original.ExpectedSequence(testOwner), fresh.ExpectedSequence(testOwner))
}

func TestReplayEventsFromLog_DetectsDivergence(t *testing.T) {
	rows, _ := loggedRows(t, testMessages(5))
	rows[3].StateHash = make([]byte, 32)

	n, err := replayEventsFromLog(context.Background(), &fakeLog{rows: rows}, newTestCore(t, nil), 1, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errReplayDiverged))
	assert.Equal(t, int64(3), n)
}

func TestSnapshotData_RestoreThenReplayTail(t *testing.T) {
	msgs := testMessages(5)
	rows, original := loggedRows(t, msgs)

	// Snapshot a second core after the first three messages.
	partial := newTestCore(t, nil)
	for _, m := range msgs[:3] {
		_, err := partial.ReplayEvent(m)
		require.NoError(t, err)
	}
	coreSnap, err := partial.CreateSnapshotState()
	require.NoError(t, err)
	data, err := toSnapshotData(coreSnap)
	require.NoError(t, err)

	decoded, err := fromSnapshotData(data)
	require.NoError(t, err)
	assert.Equal(t, coreSnap.Sequence, decoded.Sequence)
	assert.Equal(t, coreSnap.StateHash, decoded.StateHash)

	restored := newTestCore(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(decoded))
	n, err := replayEventsFromLog(context.Background(), &fakeLog{rows: rows}, restored, decoded.Sequence+1, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, original.GetStateHash(), restored.GetStateHash())
}

func TestSnapshotData_RejectsBadHash(t *testing.T) {
	_, err := fromSnapshotData(&persistence.SnapshotData{Sequence: 7, StateHash: []byte{1, 2, 3}})
	assert.Error(t, err)
}

func TestBridgeCoreOutputs_DrainsAndCloses(t *testing.T) {
	persist := make(chan core.CoreOutput, 8)
	c := newTestCore(t, persist)
	for _, m := range testMessages(2) {
		_, err := c.ProcessEvent(m)
		require.NoError(t, err)
	}

	persistIn := make(chan core.CoreOutput, 8)
	projectionIn := make(chan core.CoreOutput, 8)
	for len(persist) > 0 {
		out := <-persist
		persistIn <- out
		projectionIn <- out
	}
	close(persistIn)
	close(projectionIn)

	persistOut := make(chan persistence.Record, 8)
	projectionOut := make(chan projection.Output, 1)
	publishOut := make(chan ingestion.PublishableEvent, 8)
	bridgeCoreOutputs(persistIn, projectionIn, persistOut, projectionOut, publishOut, nil)

	var seqs []int64
	for rec := range persistOut {
		seqs = append(seqs, rec.Event.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)

	var published int
	for ev := range publishOut {
		published++
		assert.Equal(t, int64(published), ev.Sequence)
	}
	assert.Equal(t, 3, published)

	// The projection side keeps what fit and drops the rest.
	var projected int
	for range projectionOut {
		projected++
	}
	assert.Equal(t, 1, projected)
}

// submit runs msg through the loop as sender and returns the core's reply.
func submit(loop *coreLoop, sender string, seq int64, msg event.Event, funds ...ledger.Coin) ingestion.Result {
	info := msg.Info()
	info.MsgID = uuid.New()
	info.Sender = sender
	info.Sequence = seq
	info.Funds = ledger.Coins(funds)
	reply := make(chan ingestion.Result, 1)
	loop.handle(ingestion.Submission{Event: msg, Surface: "test", Reply: reply})
	return <-reply
}

func TestCoreLoop_StampsBlockTimeFromClock(t *testing.T) {
	c := newTestCore(t, make(chan core.CoreOutput, 4))
	loop := newCoreLoop(c, nil, 0, nil)
	now := testStart.Add(10 * time.Minute)
	loop.clock = func() time.Time { return now }

	msg := &event.Instantiate{}
	msg.BlockTime = testStart.Add(365 * 24 * time.Hour)
	res := submit(loop, testOwner, 0, msg)
	require.NoError(t, res.Err)
	assert.True(t, res.Output.Envelope.Timestamp.Equal(now), "got %s", res.Output.Envelope.Timestamp)
	assert.True(t, c.BlockTime().Equal(now))

	// A clock running behind the last block is held at it.
	loop.clock = func() time.Time { return testStart }
	assert.True(t, loop.nextBlockTime().Equal(now))
}

func TestCoreLoop_FutureBlockTimeCannotLiquidateEarly(t *testing.T) {
	const lender = "lender1"
	host, err := chain.New(chain.Genesis{
		BondedDenom:      "uatom",
		UnbondingSeconds: 7 * 24 * 60 * 60,
		GenesisTime:      testStart,
		Validators:       []string{"valoper1a"},
		Balances: []chain.GenesisAccount{
			{Address: testContract, Coins: ledger.Coins{ledger.NewCoin("uatom", 1_000)}},
			{Address: lender, Coins: ledger.Coins{ledger.NewCoin("uusd", 1_000)}},
		},
	})
	require.NoError(t, err)
	c := core.NewDeterministicCore(host, core.Options{
		Contract:      testContract,
		StartSequence: 1,
		PersistChan:   make(chan core.CoreOutput, 16),
	})

	loop := newCoreLoop(c, nil, 0, nil)
	now := testStart.Add(time.Minute)
	loop.clock = func() time.Time { return now }

	terms := state.OpenInterest{
		LiquidityCoin:  ledger.NewCoin("uusd", 1_000),
		InterestCoin:   ledger.NewCoin("uusd", 50),
		ExpiryDuration: 3_600,
		Collateral:     ledger.NewCoin("uatom", 1_000),
	}
	require.NoError(t, submit(loop, testOwner, 0, &event.Instantiate{}).Err)
	require.NoError(t, submit(loop, testOwner, 1, &event.OpenInterest{Terms: terms}).Err)
	require.NoError(t, submit(loop, lender, 0, &event.FundOpenInterest{Expected: terms}, terms.LiquidityCoin).Err)
	funded := c.BlockTime()

	// The lender claims a block time a year past expiry.
	now = now.Add(time.Minute)
	early := &event.Liquidate{}
	early.BlockTime = now.Add(365 * 24 * time.Hour)
	res := submit(loop, lender, 1, early)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, core.ErrOpenInterestNotExpired), "got %v", res.Err)
	assert.True(t, c.BlockTime().Equal(funded), "block time moved to %s", c.BlockTime())
	assert.NotNil(t, c.Vault().Lender)
	assert.True(t, host.Balance(lender, "uatom").IsZero())

	now = funded.Add(time.Hour)
	require.NoError(t, submit(loop, lender, 1, &event.Liquidate{}).Err)
	assert.Nil(t, c.Vault().Lender)
	assert.True(t, host.Balance(lender, "uatom").Eq(fpmath.NewUint256(1_000)))
}
