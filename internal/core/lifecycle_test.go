package core_test

import (
	"LendVault/internal/chain"
	"LendVault/internal/core"
	"LendVault/internal/event"
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/state"
	"errors"
	"fmt"
	"testing"
	"time"
)

// ============================================================================
// Test: Open / close
// ============================================================================

func TestOpenInterest_Validation(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()

	zeroLiquidity := terms
	zeroLiquidity.LiquidityCoin.Amount = fpmath.ZeroUint256()
	noDenom := terms
	noDenom.InterestCoin.Denom = ""
	noExpiry := terms
	noExpiry.ExpiryDuration = 0
	tooLong := terms
	tooLong.ExpiryDuration = state.MaxExpiryDuration + 1

	h.expectErr(core.ErrUnauthorized, lender, &event.OpenInterest{Terms: terms})
	h.expectErr(core.ErrInvalidCoinAmount, owner, &event.OpenInterest{Terms: zeroLiquidity})
	h.expectErr(core.ErrInvalidCoinDenom, owner, &event.OpenInterest{Terms: noDenom})
	h.expectErr(core.ErrInvalidExpiryDuration, owner, &event.OpenInterest{Terms: noExpiry})
	h.expectErr(core.ErrInvalidExpiryDuration, owner, &event.OpenInterest{Terms: tooLong})

	h.open(terms)
	h.expectErr(core.ErrOpenInterestAlreadyExists, owner, &event.OpenInterest{Terms: terms})
}

func TestOpenInterest_RequiresCollateral(t *testing.T) {
	h := newHarness(t)

	// Non-bonded collateral must be liquid.
	err := h.expectErr(core.ErrInsufficientBalance, owner,
		&event.OpenInterest{Terms: withCollateral(standardTerms(), ledger.NewCoin("uosmo", 10))})
	var ve *core.VaultError
	if !errors.As(err, &ve) || ve.Denom != "uosmo" || !ve.Available.IsZero() {
		t.Fatalf("unexpected error detail: %#v", err)
	}

	h.expectErr(core.ErrInsufficientBalance, owner,
		&event.OpenInterest{Terms: withCollateral(standardTerms(), ledger.NewCoin("uatom", 2_001))})
}

func TestOpenInterest_BondedCollateralCoveredByStake(t *testing.T) {
	h := newHarness(t, func(g *chain.Genesis) {
		g.Balances[0].Coins = ledger.Coins{ledger.NewCoin("uatom", 40)}
		g.Delegations = []ledger.Delegation{{Delegator: contract, Validator: valA, Amount: ledger.NewCoin("uatom", 50)}}
		g.Rewards = []chain.GenesisReward{{Delegator: contract, Validator: valA, Coins: []ledger.DecCoin{decCoin("uatom", "10.5")}}}
	})

	// 40 liquid + floor(10.5) rewards + 50 staked = 100
	h.expectErr(core.ErrInsufficientBalance, owner,
		&event.OpenInterest{Terms: withCollateral(standardTerms(), ledger.NewCoin("uatom", 101))})
	h.open(withCollateral(standardTerms(), ledger.NewCoin("uatom", 100)))
}

func TestOpenInterest_RepaymentOverflowRejected(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	terms.LiquidityCoin.Amount = fpmath.MustParseUint256("340282366920938463463374607431768211455") // 2^128-1
	terms.InterestCoin = ledger.NewCoin("uusd", 1)

	h.expectErr(core.ErrRepaymentAmountOverflow, owner, &event.OpenInterest{Terms: terms})
}

func TestCloseOpenInterest_RefundsAndClears(t *testing.T) {
	h := newHarness(t)
	h.expectErr(core.ErrNoOpenInterest, owner, &event.CloseOpenInterest{})

	h.open(standardTerms())
	h.propose("bob", 900)
	h.propose("alice", 950)

	h.expectErr(core.ErrUnauthorized, "alice", &event.CloseOpenInterest{})

	out := h.mustApply(owner, &event.CloseOpenInterest{})
	wantBatch(t, out, "send:alice:950uusd send:bob:900uusd")
	wantAttr(t, out, "refunded_offers", "2")
	wantCleared(t, h.vault())
	h.wantBalance("alice", "uusd", 950)
	h.wantBalance("bob", "uusd", 900)
	h.wantBalance(contract, "uusd", 0)

	h.expectErr(core.ErrNoOpenInterest, owner, &event.CloseOpenInterest{})
}

func TestCloseOpenInterest_LenderBound(t *testing.T) {
	h := newHarness(t)
	h.open(standardTerms())
	h.fund()

	h.expectErr(core.ErrLenderAlreadySet, owner, &event.CloseOpenInterest{})
}

// ============================================================================
// Test: Counter offers
// ============================================================================

func TestProposeCounterOffer_ScenarioA(t *testing.T) {
	h := newHarness(t)
	h.open(standardTerms())

	out := h.propose("proposerX", 950)
	if len(out.Batch.Instructions) != 0 {
		t.Fatalf("expected no instructions, got %s", describe(out.Batch))
	}

	v := h.vault()
	if v.OutstandingDebt == nil || !v.OutstandingDebt.Equal(ledger.NewCoin("uusd", 950)) {
		t.Fatalf("outstanding debt: got %v, want 950uusd", v.OutstandingDebt)
	}
	if len(v.CounterOffers) != 1 {
		t.Fatalf("expected 1 counter offer, got %d", len(v.CounterOffers))
	}
	h.wantBalance(contract, "uusd", 950)
	h.wantBalance("proposerX", "uusd", 0)
}

func TestProposeCounterOffer_Validation(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	escrow := ledger.NewCoin("uusd", 950)
	h.mint("alice", ledger.NewCoin("uusd", 5_000))

	h.expectErr(core.ErrNoOpenInterest, "alice", &event.ProposeCounterOffer{Offer: offerOf(terms, 950)}, escrow)
	h.open(terms)

	otherInterest := offerOf(terms, 950)
	otherInterest.InterestCoin = ledger.NewCoin("ujuno", 60)
	h.expectErr(core.ErrCounterOfferTermsMismatch, "alice", &event.ProposeCounterOffer{Offer: otherInterest}, escrow)

	otherDenom := offerOf(terms, 950)
	otherDenom.LiquidityCoin.Denom = "uatom"
	h.expectErr(core.ErrCounterOfferTermsMismatch, "alice", &event.ProposeCounterOffer{Offer: otherDenom}, escrow)

	h.expectErr(core.ErrInvalidCoinAmount, "alice", &event.ProposeCounterOffer{Offer: offerOf(terms, 0)})
	h.expectErr(core.ErrCounterOfferNotSmaller, "alice", &event.ProposeCounterOffer{Offer: offerOf(terms, 1_000)}, ledger.NewCoin("uusd", 1_000))

	err := h.expectErr(core.ErrCounterOfferEscrowMismatch, "alice", &event.ProposeCounterOffer{Offer: offerOf(terms, 950)}, ledger.NewCoin("uusd", 900))
	var ve *core.VaultError
	if !errors.As(err, &ve) || !ve.Expected.Eq(fpmath.NewUint256(950)) || !ve.Received.Eq(fpmath.NewUint256(900)) {
		t.Fatalf("unexpected escrow mismatch detail: %v", err)
	}
	// Attached funds of a rejected call stay with the sender.
	h.wantBalance("alice", "uusd", 5_000)

	h.mustApply("alice", &event.ProposeCounterOffer{Offer: offerOf(terms, 950)}, escrow)
	h.expectErr(core.ErrCounterOfferAlreadyExists, "alice", &event.ProposeCounterOffer{Offer: offerOf(terms, 940)}, ledger.NewCoin("uusd", 940))
	h.wantBalance("alice", "uusd", 4_050)
}

func TestCounterOfferBook_CapacityAndEviction(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	h.open(terms)

	for i := 0; i < state.MaxCounterOffers; i++ {
		h.propose(fmt.Sprintf("p%03d", i), uint64(100+i))
	}
	v := h.vault()
	if len(v.CounterOffers) != state.MaxCounterOffers {
		t.Fatalf("book size: got %d, want %d", len(v.CounterOffers), state.MaxCounterOffers)
	}
	wantEscrowMatchesDebt(t, v)

	// At capacity an offer equal to the minimum is rejected and nothing moves.
	h.mint("newcomer", ledger.NewCoin("uusd", 101))
	err := h.expectErr(core.ErrCounterOfferNotCompetitive, "newcomer",
		&event.ProposeCounterOffer{Offer: offerOf(terms, 100)}, ledger.NewCoin("uusd", 100))
	var ve *core.VaultError
	if !errors.As(err, &ve) || !ve.Minimum.Eq(fpmath.NewUint256(100)) {
		t.Fatalf("unexpected not-competitive detail: %v", err)
	}
	h.wantBalance("newcomer", "uusd", 101)

	// One more than the minimum evicts it and refunds it in full.
	out := h.mustApply("newcomer", &event.ProposeCounterOffer{Offer: offerOf(terms, 101)}, ledger.NewCoin("uusd", 101))
	wantBatch(t, out, "send:p000:100uusd")
	wantAttr(t, out, "evicted_proposer", "p000")
	h.wantBalance("p000", "uusd", 100)

	v = h.vault()
	if len(v.CounterOffers) != state.MaxCounterOffers {
		t.Fatalf("book size after eviction: got %d", len(v.CounterOffers))
	}
	if _, ok := v.CounterOffers["p000"]; ok {
		t.Fatal("evicted proposer still in the book")
	}
	wantEscrowMatchesDebt(t, v)
	if want := fpmath.NewUint256(57_886); !v.OutstandingDebt.Amount.Eq(want) {
		t.Fatalf("outstanding debt: got %s, want %s", v.OutstandingDebt.Amount, want)
	}

	// newcomer and p001 both hold 101; the lower address goes first.
	out = h.propose("late1", 102)
	wantAttr(t, out, "evicted_proposer", "newcomer")
	wantBatch(t, out, "send:newcomer:101uusd")
	wantEscrowMatchesDebt(t, h.vault())
}

func TestAcceptCounterOffer_RefundsOthersOnly(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	h.open(terms)
	h.propose("alice", 950)
	h.propose("bob", 900)
	h.propose("carol", 800)

	h.expectErr(core.ErrUnauthorized, "alice", &event.AcceptCounterOffer{Proposer: "bob", Offer: offerOf(terms, 900)})
	h.expectErr(core.ErrCounterOfferNotFound, owner, &event.AcceptCounterOffer{Proposer: "dave", Offer: offerOf(terms, 900)})
	h.expectErr(core.ErrCounterOfferMismatch, owner, &event.AcceptCounterOffer{Proposer: "bob", Offer: offerOf(terms, 950)})

	h.advance(time.Minute)
	out := h.mustApply(owner, &event.AcceptCounterOffer{Proposer: "bob", Offer: offerOf(terms, 900)})
	wantBatch(t, out, "send:alice:950uusd send:carol:800uusd")
	wantAttr(t, out, "lender", "bob")
	wantAttr(t, out, "refunded_offers", "2")

	v := h.vault()
	if v.Lender == nil || *v.Lender != "bob" {
		t.Fatalf("lender: got %v, want bob", v.Lender)
	}
	if !v.OpenInterest.Equal(offerOf(terms, 900)) {
		t.Fatalf("active terms not replaced by the accepted offer: %+v", *v.OpenInterest)
	}
	if want := h.now.Add(24 * time.Hour); v.Expiry == nil || !v.Expiry.Equal(want) {
		t.Fatalf("expiry: got %v, want %v", v.Expiry, want)
	}
	if len(v.CounterOffers) != 0 || v.OutstandingDebt != nil {
		t.Fatalf("book not cleared: %d entries, debt %v", len(v.CounterOffers), v.OutstandingDebt)
	}
	h.wantBalance(contract, "uusd", 900)

	h.mint("erin", ledger.NewCoin("uusd", 700))
	h.expectErr(core.ErrLenderAlreadySet, "erin", &event.ProposeCounterOffer{Offer: offerOf(terms, 700)}, ledger.NewCoin("uusd", 700))
	h.expectErr(core.ErrLenderAlreadySet, owner, &event.AcceptCounterOffer{Proposer: "alice", Offer: offerOf(terms, 950)})
}

func TestCancelCounterOffer_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.open(standardTerms())
	h.propose("alice", 950)
	before := *h.vault().OutstandingDebt

	h.propose("bob", 900)
	wantEscrowMatchesDebt(t, h.vault())

	out := h.mustApply("bob", &event.CancelCounterOffer{})
	wantBatch(t, out, "send:bob:900uusd")
	h.wantBalance("bob", "uusd", 900)

	v := h.vault()
	if !v.OutstandingDebt.Equal(before) {
		t.Fatalf("outstanding debt after cancel: got %s, want %s", *v.OutstandingDebt, before)
	}
	wantEscrowMatchesDebt(t, v)

	h.expectErr(core.ErrCounterOfferNotFound, "bob", &event.CancelCounterOffer{})

	h.mustApply("alice", &event.CancelCounterOffer{})
	if h.vault().OutstandingDebt != nil {
		t.Fatal("outstanding debt should be unset once the book is empty")
	}
}

func TestEscrowInvariant_RandomWalk(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	h.open(terms)

	proposers := []string{"a1", "a2", "a3", "a4", "a5"}
	for step := 0; step < 60; step++ {
		p := proposers[(step*7)%len(proposers)]
		if _, ok := h.vault().CounterOffers[p]; ok {
			h.mustApply(p, &event.CancelCounterOffer{})
		} else {
			h.propose(p, uint64(500+step))
		}
		wantEscrowMatchesDebt(t, h.vault())
	}
}

// ============================================================================
// Test: Fund / repay
// ============================================================================

func TestFundOpenInterest_BindsLenderAndRefunds(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	h.expectErr(core.ErrNoOpenInterest, lender, &event.FundOpenInterest{Expected: terms}, terms.LiquidityCoin)

	h.open(terms)
	h.propose("bob", 900)
	h.propose("alice", 950)

	h.expectErr(core.ErrOpenInterestMismatch, lender, &event.FundOpenInterest{Expected: offerOf(terms, 999)}, ledger.NewCoin("uusd", 999))
	err := h.expectErr(core.ErrOpenInterestFundingMismatch, lender, &event.FundOpenInterest{Expected: terms}, ledger.NewCoin("uusd", 999))
	var ve *core.VaultError
	if !errors.As(err, &ve) || ve.Denom != "uusd" || !ve.Received.Eq(fpmath.NewUint256(999)) {
		t.Fatalf("unexpected funding mismatch detail: %v", err)
	}
	h.wantBalance(lender, "uusd", 10_000)

	out := h.fund()
	wantBatch(t, out, "send:alice:950uusd send:bob:900uusd")
	wantAttr(t, out, "lender", lender)

	v := h.vault()
	if v.Lender == nil || *v.Lender != lender {
		t.Fatalf("lender: got %v", v.Lender)
	}
	if want := h.now.Add(24 * time.Hour); !v.Expiry.Equal(want) {
		t.Fatalf("expiry: got %v, want %v", v.Expiry, want)
	}
	if len(v.CounterOffers) != 0 || v.OutstandingDebt != nil {
		t.Fatal("book not cleared on fund")
	}
	h.wantBalance(lender, "uusd", 9_000)
	h.wantBalance(contract, "uusd", 1_000)

	h.expectErr(core.ErrLenderAlreadySet, lender, &event.FundOpenInterest{Expected: terms}, terms.LiquidityCoin)
	h.expectErr(core.ErrOpenInterestAlreadyExists, owner, &event.OpenInterest{Terms: terms})
}

func TestRepayOpenInterest(t *testing.T) {
	h := newHarness(t)
	h.expectErr(core.ErrNoOpenInterest, owner, &event.RepayOpenInterest{})

	h.open(standardTerms())
	h.expectErr(core.ErrNoLender, owner, &event.RepayOpenInterest{})
	h.fund()

	h.expectErr(core.ErrUnauthorized, lender, &event.RepayOpenInterest{})
	err := h.expectErr(core.ErrInsufficientBalance, owner, &event.RepayOpenInterest{})
	var ve *core.VaultError
	if !errors.As(err, &ve) || ve.Denom != "ujuno" || !ve.Requested.Eq(fpmath.NewUint256(50)) {
		t.Fatalf("unexpected shortfall detail: %v", err)
	}

	h.mint(contract, ledger.NewCoin("ujuno", 50))
	out := h.mustApply(owner, &event.RepayOpenInterest{})
	// One payment carrying every denom, ascending.
	wantBatch(t, out, "send:lender1:50ujuno,1000uusd")
	wantCleared(t, h.vault())
	h.wantBalance(lender, "uusd", 10_000)
	h.wantBalance(lender, "ujuno", 50)

	h.expectErr(core.ErrNoOpenInterest, owner, &event.RepayOpenInterest{})
}

func TestRepayOpenInterest_MergesSameDenom(t *testing.T) {
	h := newHarness(t)
	terms := standardTerms()
	terms.InterestCoin = ledger.NewCoin("uusd", 50)
	h.open(terms)
	h.fund()
	h.mint(contract, ledger.NewCoin("uusd", 50))

	out := h.mustApply(owner, &event.RepayOpenInterest{})
	wantBatch(t, out, "send:lender1:1050uusd")
	h.wantBalance(contract, "uusd", 0)
}

// ============================================================================
// Test: Info
// ============================================================================

func TestInfo_ReflectsLifecycle(t *testing.T) {
	h := newHarness(t)
	wantMessage := func(want string) {
		t.Helper()
		info, err := h.core.Info()
		if err != nil {
			t.Fatalf("info: %v", err)
		}
		if info.Message != want {
			t.Fatalf("info message: got %q, want %q", info.Message, want)
		}
	}

	wantMessage("Vault is idle")
	h.open(standardTerms())
	wantMessage("Open interest is accepting offers")

	h.propose("zed", 700)
	h.propose("amy", 800)
	info, err := h.core.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if len(info.CounterOffers) != 2 || info.CounterOffers[0].Proposer != "amy" || info.CounterOffers[1].Proposer != "zed" {
		t.Fatalf("counter offers not sorted by proposer: %+v", info.CounterOffers)
	}

	h.fund()
	wantMessage("Loan is active")
	info, _ = h.core.Info()
	if info.CounterOffers != nil {
		t.Fatalf("counter offers should be omitted once empty: %+v", info.CounterOffers)
	}
	if info.Lender == nil || *info.Lender != lender {
		t.Fatalf("info lender: got %v", info.Lender)
	}
}
