package chain_test

import (
	"LendVault/internal/chain"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	contract = "vault1contract"
	lender   = "lender1"
	valA     = "valoper1a"
	valB     = "valoper1b"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.New(chain.Genesis{
		BondedDenom:      "uatom",
		UnbondingSeconds: 3600,
		GenesisTime:      t0,
		Validators:       []string{valA, valB},
		Proposals:        []uint64{7},
		Balances: []chain.GenesisAccount{
			{Address: contract, Coins: ledger.Coins{ledger.NewCoin("uatom", 100), ledger.NewCoin("uusd", 50)}},
		},
		Delegations: []ledger.Delegation{
			{Delegator: contract, Validator: valA, Amount: ledger.NewCoin("uatom", 30)},
		},
		Rewards: []chain.GenesisReward{
			{Delegator: contract, Validator: valA, Coins: []ledger.DecCoin{{Denom: "uatom", Amount: decimal.RequireFromString("7.75")}}},
		},
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return c
}

func batchOf(build func(bb *ledger.BatchBuilder)) *ledger.Batch {
	bb := ledger.NewBatchBuilder(uuid.NewString(), 0, t0, "test")
	build(bb)
	return bb.Batch()
}

func mustBegin(t *testing.T, c *chain.Chain, at time.Time) {
	t.Helper()
	if err := c.Begin(at); err != nil {
		t.Fatalf("begin: %v", err)
	}
}

func wantBalance(t *testing.T, c *chain.Chain, addr, denom string, want uint64) {
	t.Helper()
	got := c.Balance(addr, denom)
	if !got.Eq(fpmath.NewUint256(want)) {
		t.Errorf("balance %s %s: got %s, want %d", addr, denom, got, want)
	}
}

func TestRewardWithdrawFundsLaterSend(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)

	// The send needs the withdrawn reward: 100 + 7 = 107.
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.WithdrawReward(valA)
		bb.Send(lender, ledger.NewCoin("uatom", 107))
	})
	if err := c.Execute(contract, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	c.Commit()

	wantBalance(t, c, contract, "uatom", 0)
	wantBalance(t, c, lender, "uatom", 107)

	rewards, _ := c.QueryDelegationTotalRewards(contract)
	if len(rewards) != 1 || !rewards[0].Amount.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("remaining rewards: got %v, want 0.75uatom", rewards)
	}
}

func TestSendBeforeWithdrawFails(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)

	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.Send(lender, ledger.NewCoin("uatom", 107))
		bb.WithdrawReward(valA)
	})
	err := c.Execute(contract, batch)
	var ife *ledger.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	c.Rollback()
	wantBalance(t, c, contract, "uatom", 100)
}

func TestRollbackDiscardsUnit(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)
	if err := c.TransferFunds(contract, lender, ledger.Coins{ledger.NewCoin("uusd", 20)}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got, _ := c.QueryBalance(lender, "uusd")
	if !got.Eq(fpmath.NewUint256(20)) {
		t.Errorf("pending view: got %s, want 20", got)
	}
	c.Rollback()

	wantBalance(t, c, lender, "uusd", 0)
	wantBalance(t, c, contract, "uusd", 50)
}

func TestUndelegateMaturesAtBlockTime(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.Undelegate(valA, ledger.NewCoin("uatom", 30))
	})
	if err := c.Execute(contract, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	c.Commit()

	if ds, _ := c.QueryAllDelegations(contract); len(ds) != 0 {
		t.Errorf("delegations after full undelegate: got %d, want 0", len(ds))
	}
	if n := len(c.Unbonding(contract)); n != 1 {
		t.Fatalf("unbonding entries: got %d, want 1", n)
	}
	// The 7 whole reward units are paid out on undelegation.
	wantBalance(t, c, contract, "uatom", 107)

	mustBegin(t, c, t0.Add(59*time.Minute))
	c.Commit()
	wantBalance(t, c, contract, "uatom", 107)

	mustBegin(t, c, t0.Add(time.Hour))
	c.Commit()
	wantBalance(t, c, contract, "uatom", 137)
	if n := len(c.Unbonding(contract)); n != 0 {
		t.Errorf("unbonding entries after maturity: got %d, want 0", n)
	}
}

func TestFullUndelegateDropsRewards(t *testing.T) {
	c := newTestChain(t)
	if err := c.AccrueReward(contract, valB, ledger.DecCoin{Denom: "uatom", Amount: decimal.RequireFromString("3")}); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	mustBegin(t, c, t0)
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.Undelegate(valA, ledger.NewCoin("uatom", 30))
	})
	if err := c.Execute(contract, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	c.Commit()

	// valB has no delegation, so its accrual is not claimable; valA's
	// 0.75 remainder left with the delegation.
	rewards, _ := c.QueryDelegationTotalRewards(contract)
	if len(rewards) != 0 {
		t.Errorf("rewards after full undelegate: got %v, want none", rewards)
	}

	mustBegin(t, c, t0)
	err := c.Execute(contract, batchOf(func(bb *ledger.BatchBuilder) { bb.WithdrawReward(valA) }))
	c.Rollback()
	if err == nil {
		t.Fatal("withdrawing from a removed delegation should fail")
	}
}

func TestDelegateAndRedelegate(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.Delegate(valB, ledger.NewCoin("uatom", 40))
		bb.Redelegate(valA, valB, ledger.NewCoin("uatom", 10))
	})
	if err := c.Execute(contract, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	c.Commit()

	ds, _ := c.QueryAllDelegations(contract)
	if len(ds) != 2 || ds[0].Validator != valA || ds[1].Validator != valB {
		t.Fatalf("delegations: got %+v", ds)
	}
	if !ds[0].Amount.Amount.Eq(fpmath.NewUint256(20)) || !ds[1].Amount.Amount.Eq(fpmath.NewUint256(50)) {
		t.Errorf("delegated amounts: got %s and %s, want 20 and 50", ds[0].Amount, ds[1].Amount)
	}
	// 100 - 40 delegated + 7 rewards paid out by the redelegation.
	wantBalance(t, c, contract, "uatom", 67)
}

func TestDelegateWrongDenomFails(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)
	defer c.Rollback()
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.Delegate(valB, ledger.NewCoin("uusd", 10))
	})
	if err := c.Execute(contract, batch); err == nil {
		t.Fatal("expected error delegating a non-bonded denom")
	}
}

func TestVoteRecorded(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.WeightedVote(7, []ledger.WeightedVoteOption{{Option: "yes", Weight: "0.6"}, {Option: "no", Weight: "0.4"}})
	})
	if err := c.Execute(contract, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	c.Commit()

	rec, ok := c.Vote(7, contract)
	if !ok || len(rec.Options) != 2 {
		t.Fatalf("vote: got %+v, %v", rec, ok)
	}

	mustBegin(t, c, t0)
	defer c.Rollback()
	unknown := batchOf(func(bb *ledger.BatchBuilder) { bb.Vote(8, "yes") })
	if err := c.Execute(contract, unknown); err == nil {
		t.Error("expected error voting on unknown proposal")
	}
}

func TestBeginGuards(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0.Add(time.Minute))
	if err := c.Begin(t0.Add(time.Minute)); !errors.Is(err, chain.ErrUnitOpen) {
		t.Errorf("nested begin: got %v, want ErrUnitOpen", err)
	}
	c.Commit()

	if err := c.Begin(t0); !errors.Is(err, chain.ErrBlockRegressed) {
		t.Errorf("earlier block: got %v, want ErrBlockRegressed", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	c := newTestChain(t)
	mustBegin(t, c, t0)
	batch := batchOf(func(bb *ledger.BatchBuilder) {
		bb.Undelegate(valA, ledger.NewCoin("uatom", 5))
	})
	if err := c.Execute(contract, batch); err != nil {
		t.Fatalf("execute: %v", err)
	}
	c.Commit()

	data, err := c.ExportState()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	restored, err := chain.New(chain.DefaultGenesis())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := restored.ImportState(data); err != nil {
		t.Fatalf("import: %v", err)
	}

	wantBalance(t, restored, contract, "uatom", 107)
	if d, _ := restored.QueryDelegation(contract, valA); d == nil || !d.Amount.Amount.Eq(fpmath.NewUint256(25)) {
		t.Errorf("restored delegation: got %+v, want 25uatom", d)
	}
	if n := len(restored.Unbonding(contract)); n != 1 {
		t.Errorf("restored unbonding entries: got %d, want 1", n)
	}
	if denom, _ := restored.QueryBondedDenom(); denom != "uatom" {
		t.Errorf("restored bonded denom: got %s, want uatom", denom)
	}
}

func TestGenesisValidation(t *testing.T) {
	g := chain.DefaultGenesis()
	g.Delegations = []ledger.Delegation{{Delegator: contract, Validator: "valoper1missing", Amount: ledger.NewCoin("ustake", 1)}}
	if _, err := chain.New(g); err == nil {
		t.Error("expected error for delegation to unknown validator")
	}

	g = chain.DefaultGenesis()
	g.BondedDenom = ""
	if _, err := chain.New(g); err == nil {
		t.Error("expected error for empty bonded denom")
	}
}
