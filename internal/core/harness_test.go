package core_test

import (
	"LendVault/internal/chain"
	"LendVault/internal/core"
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/state"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Test helpers ---

const (
	contract = "vault1contract"
	owner    = "owner1"
	lender   = "lender1"
	valA     = "valoper1a"
	valB     = "valoper1b"
)

var (
	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msgNamespace = uuid.MustParse("0b6f5a52-3c1e-4f4e-9d7a-2f1e0c9b8a70")
)

func defaultGenesis() chain.Genesis {
	return chain.Genesis{
		BondedDenom:      "uatom",
		UnbondingSeconds: 7 * 24 * 60 * 60,
		GenesisTime:      t0,
		Validators:       []string{valA, valB},
		Proposals:        []uint64{1},
		Balances: []chain.GenesisAccount{
			{Address: contract, Coins: ledger.Coins{ledger.NewCoin("uatom", 2_000)}},
			{Address: lender, Coins: ledger.Coins{ledger.NewCoin("uusd", 10_000)}},
		},
	}
}

// harness drives a core against an in-process chain. Account sequences and
// message IDs are assigned deterministically so two harnesses fed the same
// script produce the same hashes.
type harness struct {
	t       *testing.T
	chain   *chain.Chain
	core    *core.DeterministicCore
	persist chan core.CoreOutput
	now     time.Time
	nonces  map[string]int64
	msgs    int
}

// newBareHarness returns a harness whose vault is not instantiated yet.
func newBareHarness(t *testing.T, edits ...func(*chain.Genesis)) *harness {
	t.Helper()
	g := defaultGenesis()
	for _, edit := range edits {
		edit(&g)
	}
	host, err := chain.New(g)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	persist := make(chan core.CoreOutput, 4096)
	c := core.NewDeterministicCore(host, core.Options{
		Contract:      contract,
		StartSequence: 1,
		PersistChan:   persist,
	})
	return &harness{
		t:       t,
		chain:   host,
		core:    c,
		persist: persist,
		now:     t0,
		nonces:  make(map[string]int64),
	}
}

func newHarness(t *testing.T, edits ...func(*chain.Genesis)) *harness {
	t.Helper()
	h := newBareHarness(t, edits...)
	h.mustApply(owner, &event.Instantiate{})
	return h
}

// stamp fills the call context of msg for sender.
func (h *harness) stamp(sender string, msg event.Event, funds []ledger.Coin) {
	h.msgs++
	info := msg.Info()
	info.MsgID = uuid.NewSHA1(msgNamespace, []byte(strconv.Itoa(h.msgs)))
	info.Sender = sender
	info.Funds = ledger.Coins(funds)
	info.Sequence = h.nonces[sender]
	info.BlockTime = h.now
}

func (h *harness) apply(sender string, msg event.Event, funds ...ledger.Coin) (*core.CoreOutput, error) {
	h.stamp(sender, msg, funds)
	out, err := h.core.ProcessEvent(msg)
	if err == nil {
		h.nonces[sender]++
	}
	return out, err
}

func (h *harness) mustApply(sender string, msg event.Event, funds ...ledger.Coin) *core.CoreOutput {
	h.t.Helper()
	out, err := h.apply(sender, msg, funds...)
	if err != nil {
		h.t.Fatalf("%s from %s failed: %v", msg.EventType(), sender, err)
	}
	return out
}

// expectErr applies msg, requires it to fail with target and checks that
// nothing was committed.
func (h *harness) expectErr(target error, sender string, msg event.Event, funds ...ledger.Coin) error {
	h.t.Helper()
	seq := h.core.GetSequence()
	hash := h.core.GetStateHash()
	before := h.vaultJSON()

	_, err := h.apply(sender, msg, funds...)
	if err == nil {
		h.t.Fatalf("%s from %s: expected %v, got success", msg.EventType(), sender, target)
	}
	if !errors.Is(err, target) {
		h.t.Fatalf("%s from %s: expected %v, got %v", msg.EventType(), sender, target, err)
	}
	if h.core.GetSequence() != seq || h.core.GetStateHash() != hash {
		h.t.Fatalf("%s: rejected call advanced the chain", msg.EventType())
	}
	if after := h.vaultJSON(); after != before {
		h.t.Fatalf("%s: rejected call changed vault state:\nbefore %s\nafter  %s", msg.EventType(), before, after)
	}
	return err
}

func (h *harness) vault() *state.VaultState {
	return h.core.Vault()
}

func (h *harness) vaultJSON() string {
	v := h.core.Vault()
	if v == nil {
		return "null"
	}
	return string(mustJSON(h.t, v))
}

func (h *harness) mint(addr string, coin ledger.Coin) {
	h.t.Helper()
	if err := h.chain.Mint(addr, coin); err != nil {
		h.t.Fatalf("mint %s to %s: %v", coin, addr, err)
	}
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *harness) wantBalance(addr, denom string, want uint64) {
	h.t.Helper()
	got := h.chain.Balance(addr, denom)
	if !got.Eq(fpmath.NewUint256(want)) {
		h.t.Errorf("balance %s %s: got %s, want %d", addr, denom, got, want)
	}
}

// open posts terms from the owner.
func (h *harness) open(terms state.OpenInterest) *core.CoreOutput {
	h.t.Helper()
	return h.mustApply(owner, &event.OpenInterest{Terms: terms})
}

// propose mints the escrow to proposer and proposes a counter offer of amount.
func (h *harness) propose(proposer string, amount uint64) *core.CoreOutput {
	h.t.Helper()
	terms := *h.vault().OpenInterest
	terms.LiquidityCoin.Amount = fpmath.NewUint256(amount)
	h.mint(proposer, terms.LiquidityCoin)
	return h.mustApply(proposer, &event.ProposeCounterOffer{Offer: terms}, terms.LiquidityCoin)
}

// fund binds lender at the active terms.
func (h *harness) fund() *core.CoreOutput {
	h.t.Helper()
	terms := *h.vault().OpenInterest
	return h.mustApply(lender, &event.FundOpenInterest{Expected: terms}, terms.LiquidityCoin)
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func standardTerms() state.OpenInterest {
	return state.OpenInterest{
		LiquidityCoin:  ledger.NewCoin("uusd", 1_000),
		InterestCoin:   ledger.NewCoin("ujuno", 50),
		ExpiryDuration: 86_400,
		Collateral:     ledger.NewCoin("uatom", 2_000),
	}
}

func withCollateral(terms state.OpenInterest, coin ledger.Coin) state.OpenInterest {
	terms.Collateral = coin
	return terms
}

func offerOf(terms state.OpenInterest, amount uint64) state.OpenInterest {
	terms.LiquidityCoin.Amount = fpmath.NewUint256(amount)
	return terms
}

// describe renders a batch as "type:target:coins" entries in index order.
func describe(b *ledger.Batch) string {
	parts := make([]string, 0, len(b.Instructions))
	for _, ins := range b.Instructions {
		switch ins.Type {
		case ledger.InstructionBankSend:
			parts = append(parts, "send:"+ins.ToAddress+":"+ins.Amount.String())
		case ledger.InstructionWithdrawDelegatorReward:
			parts = append(parts, "withdraw_reward:"+ins.Validator)
		case ledger.InstructionDelegate, ledger.InstructionUndelegate:
			parts = append(parts, ins.Type.String()+":"+ins.Validator+":"+ins.Coin.String())
		case ledger.InstructionRedelegate:
			parts = append(parts, "redelegate:"+ins.Validator+">"+ins.DstValidator+":"+ins.Coin.String())
		default:
			parts = append(parts, ins.Type.String())
		}
	}
	return strings.Join(parts, " ")
}

func wantBatch(t *testing.T, out *core.CoreOutput, want string) {
	t.Helper()
	if got := describe(out.Batch); got != want {
		t.Fatalf("instructions:\n got  %q\n want %q", got, want)
	}
}

func wantAttr(t *testing.T, out *core.CoreOutput, key, want string) {
	t.Helper()
	got, ok := out.Batch.Attribute(key)
	if !ok {
		t.Fatalf("attribute %s missing", key)
	}
	if got != want {
		t.Errorf("attribute %s: got %q, want %q", key, got, want)
	}
}

func wantNoAttr(t *testing.T, out *core.CoreOutput, key string) {
	t.Helper()
	if v, ok := out.Batch.Attribute(key); ok {
		t.Errorf("attribute %s: expected absent, got %q", key, v)
	}
}

// wantCleared checks every lifecycle field is unset.
func wantCleared(t *testing.T, v *state.VaultState) {
	t.Helper()
	if v.OpenInterest != nil || v.Lender != nil || v.Expiry != nil || v.OutstandingDebt != nil {
		t.Fatalf("lifecycle fields not cleared: oi=%v lender=%v expiry=%v debt=%v",
			v.OpenInterest, v.Lender, v.Expiry, v.OutstandingDebt)
	}
	if len(v.CounterOffers) != 0 {
		t.Fatalf("counter offer book not empty: %d entries", len(v.CounterOffers))
	}
}

// wantEscrowMatchesDebt checks the outstanding debt is the book's escrow total
// and is unset exactly when the book is empty.
func wantEscrowMatchesDebt(t *testing.T, v *state.VaultState) {
	t.Helper()
	if len(v.CounterOffers) == 0 {
		if v.OutstandingDebt != nil {
			t.Fatalf("empty book but outstanding debt %s", *v.OutstandingDebt)
		}
		return
	}
	total := fpmath.ZeroUint256()
	for _, oi := range v.CounterOffers {
		var err error
		if total, err = total.CheckedAdd(oi.LiquidityCoin.Amount); err != nil {
			t.Fatalf("escrow sum: %v", err)
		}
	}
	if v.OutstandingDebt == nil || !v.OutstandingDebt.Amount.Eq(total) {
		t.Fatalf("outstanding debt %v does not match escrow total %s", v.OutstandingDebt, total)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	return data
}

func decCoin(denom, amount string) ledger.DecCoin {
	return ledger.DecCoin{Denom: denom, Amount: decimal.RequireFromString(amount)}
}
