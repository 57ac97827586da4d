// Package chain is an in-process host chain: bank balances, staking with
// unbonding, distribution rewards and governance votes. Calls are grouped in
// units of work opened by Begin and closed by Commit or Rollback.
package chain

import (
	"LendVault/internal/ledger"
	fpmath "LendVault/internal/math"
	"LendVault/internal/observability"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrUnitOpen       = errors.New("chain: unit of work already open")
	ErrNoUnit         = errors.New("chain: no unit of work open")
	ErrBlockRegressed = errors.New("chain: block time moved backwards")
)

// UnbondingEntry is stake that leaves the validator set at CompletionTime.
type UnbondingEntry struct {
	Delegator      string      `json:"delegator"`
	Validator      string      `json:"validator"`
	Amount         ledger.Coin `json:"amount"`
	CompletionTime time.Time   `json:"completion_time"`
}

// VoteRecord is the latest vote of one voter on one proposal.
type VoteRecord struct {
	Voter   string                      `json:"voter"`
	Options []ledger.WeightedVoteOption `json:"options"`
}

type chainState struct {
	BondedDenom      string    `json:"bonded_denom"`
	UnbondingSeconds uint64    `json:"unbonding_seconds"`
	BlockTime        time.Time `json:"block_time"`

	Balances    map[string]map[string]fpmath.Uint256            `json:"balances"`    // address -> denom
	Validators  map[string]bool                                 `json:"validators"`  // operator address
	Delegations map[string]map[string]fpmath.Uint256            `json:"delegations"` // delegator -> validator
	Rewards     map[string]map[string]map[string]decimal.Decimal `json:"rewards"`     // delegator -> validator -> denom
	Unbonding   []UnbondingEntry                                `json:"unbonding"`
	Proposals   map[uint64]map[string]VoteRecord                `json:"proposals"` // proposal -> voter
}

func newChainState() *chainState {
	return &chainState{
		Balances:    make(map[string]map[string]fpmath.Uint256),
		Validators:  make(map[string]bool),
		Delegations: make(map[string]map[string]fpmath.Uint256),
		Rewards:     make(map[string]map[string]map[string]decimal.Decimal),
		Proposals:   make(map[uint64]map[string]VoteRecord),
	}
}

func (s *chainState) clone() *chainState {
	out := newChainState()
	out.BondedDenom = s.BondedDenom
	out.UnbondingSeconds = s.UnbondingSeconds
	out.BlockTime = s.BlockTime
	for addr, coins := range s.Balances {
		m := make(map[string]fpmath.Uint256, len(coins))
		for denom, amount := range coins {
			m[denom] = amount
		}
		out.Balances[addr] = m
	}
	for v := range s.Validators {
		out.Validators[v] = true
	}
	for delegator, vals := range s.Delegations {
		m := make(map[string]fpmath.Uint256, len(vals))
		for v, amount := range vals {
			m[v] = amount
		}
		out.Delegations[delegator] = m
	}
	for delegator, vals := range s.Rewards {
		vm := make(map[string]map[string]decimal.Decimal, len(vals))
		for v, coins := range vals {
			cm := make(map[string]decimal.Decimal, len(coins))
			for denom, amount := range coins {
				cm[denom] = amount
			}
			vm[v] = cm
		}
		out.Rewards[delegator] = vm
	}
	out.Unbonding = append([]UnbondingEntry(nil), s.Unbonding...)
	for id, votes := range s.Proposals {
		m := make(map[string]VoteRecord, len(votes))
		for voter, rec := range votes {
			m[voter] = rec
		}
		out.Proposals[id] = m
	}
	return out
}

// Chain implements core.Host in memory.
type Chain struct {
	mu        sync.RWMutex
	committed *chainState
	pending   *chainState
	logger    zerolog.Logger
}

// New builds a chain from genesis.
func New(g Genesis) (*Chain, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	s := newChainState()
	s.BondedDenom = g.BondedDenom
	s.UnbondingSeconds = g.UnbondingSeconds
	s.BlockTime = g.GenesisTime.UTC()
	for _, v := range g.Validators {
		s.Validators[v] = true
	}
	for _, id := range g.Proposals {
		s.Proposals[id] = make(map[string]VoteRecord)
	}
	for _, acc := range g.Balances {
		for _, c := range acc.Coins {
			if err := s.credit(acc.Address, c); err != nil {
				return nil, fmt.Errorf("genesis balance: %w", err)
			}
		}
	}
	for _, d := range g.Delegations {
		if err := s.bond(d.Delegator, d.Validator, d.Amount.Amount); err != nil {
			return nil, fmt.Errorf("genesis delegation: %w", err)
		}
	}
	for _, r := range g.Rewards {
		for _, c := range r.Coins {
			s.accrue(r.Delegator, r.Validator, c)
		}
	}
	return &Chain{committed: s, logger: observability.NewLogger("chain")}, nil
}

// --- Unit of work ---

// Begin opens a unit of work at blockTime and completes any unbonding that
// matured by then.
func (c *Chain) Begin(blockTime time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return ErrUnitOpen
	}
	if blockTime.Before(c.committed.BlockTime) {
		return fmt.Errorf("%w: %s before %s", ErrBlockRegressed, blockTime, c.committed.BlockTime)
	}
	p := c.committed.clone()
	p.BlockTime = blockTime.UTC()
	if err := p.matureUnbonding(); err != nil {
		return err
	}
	c.pending = p
	return nil
}

func (c *Chain) Commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return
	}
	c.committed = c.pending
	c.pending = nil
}

func (c *Chain) Rollback() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// view returns the state queries should see: the open unit of work, so the
// vault observes its own writes, or the committed state.
func (c *Chain) view() *chainState {
	if c.pending != nil {
		return c.pending
	}
	return c.committed
}

// --- Transactions ---

// TransferFunds moves coins inside the open unit of work.
func (c *Chain) TransferFunds(from, to string, coins ledger.Coins) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ErrNoUnit
	}
	for _, coin := range coins {
		if err := c.pending.transfer(from, to, coin); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs the batch with contract as signer, strictly by index. The
// first failing instruction fails the batch; the caller rolls back.
func (c *Chain) Execute(contract string, batch *ledger.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ErrNoUnit
	}
	for i := range batch.Instructions {
		ins := &batch.Instructions[i]
		if err := c.pending.execute(contract, ins); err != nil {
			return fmt.Errorf("instruction %d (%s): %w", ins.Index, ins.Type, err)
		}
		c.logger.Debug().
			Str("batch_id", batch.BatchID.String()).
			Int("index", ins.Index).
			Str("type", ins.Type.String()).
			Msg("instruction executed")
	}
	return nil
}

func (s *chainState) execute(contract string, ins *ledger.Instruction) error {
	switch ins.Type {
	case ledger.InstructionBankSend:
		for _, coin := range ins.Amount {
			if err := s.transfer(contract, ins.ToAddress, coin); err != nil {
				return err
			}
		}
		return nil
	case ledger.InstructionWithdrawDelegatorReward:
		return s.withdrawReward(contract, ins.Validator)
	case ledger.InstructionDelegate:
		return s.delegate(contract, ins.Validator, *ins.Coin)
	case ledger.InstructionUndelegate:
		return s.undelegate(contract, ins.Validator, *ins.Coin)
	case ledger.InstructionRedelegate:
		return s.redelegate(contract, ins.Validator, ins.DstValidator, *ins.Coin)
	case ledger.InstructionVote:
		return s.vote(contract, ins.ProposalID, []ledger.WeightedVoteOption{{Option: ins.Option, Weight: "1"}})
	case ledger.InstructionWeightedVote:
		return s.vote(contract, ins.ProposalID, ins.WeightedOptions)
	default:
		return fmt.Errorf("unsupported instruction type %s", ins.Type)
	}
}

// --- Bank ---

func (s *chainState) balance(addr, denom string) fpmath.Uint256 {
	return s.Balances[addr][denom]
}

func (s *chainState) credit(addr string, coin ledger.Coin) error {
	acct, ok := s.Balances[addr]
	if !ok {
		acct = make(map[string]fpmath.Uint256)
		s.Balances[addr] = acct
	}
	sum, err := acct[coin.Denom].CheckedAdd(coin.Amount)
	if err != nil {
		return fmt.Errorf("credit %s to %s: %w", coin, addr, err)
	}
	acct[coin.Denom] = sum
	return nil
}

func (s *chainState) debit(addr string, coin ledger.Coin) error {
	have := s.balance(addr, coin.Denom)
	rest, err := have.CheckedSub(coin.Amount)
	if err != nil {
		return &ledger.InsufficientFundsError{
			Address:   addr,
			Denom:     coin.Denom,
			Available: have,
			Requested: coin.Amount,
		}
	}
	if rest.IsZero() {
		delete(s.Balances[addr], coin.Denom)
		return nil
	}
	s.Balances[addr][coin.Denom] = rest
	return nil
}

func (s *chainState) transfer(from, to string, coin ledger.Coin) error {
	if coin.Amount.IsZero() {
		return nil
	}
	if err := s.debit(from, coin); err != nil {
		return err
	}
	return s.credit(to, coin)
}

// --- Staking ---

func (s *chainState) bond(delegator, validator string, amount fpmath.Uint256) error {
	vals, ok := s.Delegations[delegator]
	if !ok {
		vals = make(map[string]fpmath.Uint256)
		s.Delegations[delegator] = vals
	}
	sum, err := vals[validator].CheckedAdd(amount)
	if err != nil {
		return fmt.Errorf("bond to %s: %w", validator, err)
	}
	vals[validator] = sum
	return nil
}

func (s *chainState) unbond(delegator, validator string, amount fpmath.Uint256) error {
	have, ok := s.Delegations[delegator][validator]
	if !ok {
		return fmt.Errorf("no delegation from %s to %s", delegator, validator)
	}
	rest, err := have.CheckedSub(amount)
	if err != nil {
		return fmt.Errorf("delegation to %s holds %s, cannot unbond %s", validator, have, amount)
	}
	if rest.IsZero() {
		delete(s.Delegations[delegator], validator)
		if len(s.Delegations[delegator]) == 0 {
			delete(s.Delegations, delegator)
		}
		// Fractions left after the payout go with the delegation.
		delete(s.Rewards[delegator], validator)
		if len(s.Rewards[delegator]) == 0 {
			delete(s.Rewards, delegator)
		}
		return nil
	}
	s.Delegations[delegator][validator] = rest
	return nil
}

func (s *chainState) checkStakeCoin(validator string, coin ledger.Coin) error {
	if !s.Validators[validator] {
		return fmt.Errorf("validator %s not found", validator)
	}
	if coin.Denom != s.BondedDenom {
		return fmt.Errorf("cannot stake %s, bonded denom is %s", coin.Denom, s.BondedDenom)
	}
	return nil
}

func (s *chainState) delegate(delegator, validator string, coin ledger.Coin) error {
	if err := s.checkStakeCoin(validator, coin); err != nil {
		return err
	}
	if err := s.debit(delegator, coin); err != nil {
		return err
	}
	return s.bond(delegator, validator, coin.Amount)
}

func (s *chainState) undelegate(delegator, validator string, coin ledger.Coin) error {
	if err := s.checkStakeCoin(validator, coin); err != nil {
		return err
	}
	if err := s.payoutRewards(delegator, validator); err != nil {
		return err
	}
	if err := s.unbond(delegator, validator, coin.Amount); err != nil {
		return err
	}
	s.Unbonding = append(s.Unbonding, UnbondingEntry{
		Delegator:      delegator,
		Validator:      validator,
		Amount:         coin,
		CompletionTime: s.BlockTime.Add(time.Duration(s.UnbondingSeconds) * time.Second),
	})
	return nil
}

func (s *chainState) redelegate(delegator, src, dst string, coin ledger.Coin) error {
	if err := s.checkStakeCoin(src, coin); err != nil {
		return err
	}
	if !s.Validators[dst] {
		return fmt.Errorf("validator %s not found", dst)
	}
	if err := s.payoutRewards(delegator, src); err != nil {
		return err
	}
	if err := s.unbond(delegator, src, coin.Amount); err != nil {
		return err
	}
	return s.bond(delegator, dst, coin.Amount)
}

// matureUnbonding pays out every entry whose completion time has passed,
// preserving the order of the rest.
func (s *chainState) matureUnbonding() error {
	kept := s.Unbonding[:0]
	for _, entry := range s.Unbonding {
		if entry.CompletionTime.After(s.BlockTime) {
			kept = append(kept, entry)
			continue
		}
		if err := s.credit(entry.Delegator, entry.Amount); err != nil {
			return err
		}
	}
	s.Unbonding = kept
	return nil
}

// --- Distribution ---

func (s *chainState) accrue(delegator, validator string, coin ledger.DecCoin) {
	vals, ok := s.Rewards[delegator]
	if !ok {
		vals = make(map[string]map[string]decimal.Decimal)
		s.Rewards[delegator] = vals
	}
	coins, ok := vals[validator]
	if !ok {
		coins = make(map[string]decimal.Decimal)
		vals[validator] = coins
	}
	coins[coin.Denom] = coins[coin.Denom].Add(coin.Amount)
}

func (s *chainState) withdrawReward(delegator, validator string) error {
	if _, ok := s.Delegations[delegator][validator]; !ok {
		return fmt.Errorf("no delegation from %s to %s", delegator, validator)
	}
	return s.payoutRewards(delegator, validator)
}

// payoutRewards credits the integral part of the rewards accrued with one
// validator; fractions stay accrued. Unbonding and redelegating stake pay
// out first, as a withdraw would.
func (s *chainState) payoutRewards(delegator, validator string) error {
	coins := s.Rewards[delegator][validator]
	denoms := make([]string, 0, len(coins))
	for denom := range coins {
		denoms = append(denoms, denom)
	}
	sort.Strings(denoms)
	for _, denom := range denoms {
		whole, err := fpmath.FloorDecimal(coins[denom])
		if err != nil {
			return fmt.Errorf("reward %s: %w", denom, err)
		}
		if whole.IsZero() {
			continue
		}
		if err := s.credit(delegator, ledger.Coin{Denom: denom, Amount: whole}); err != nil {
			return err
		}
		coins[denom] = coins[denom].Sub(whole.Decimal())
	}
	return nil
}

// --- Governance ---

func (s *chainState) vote(voter string, proposalID uint64, options []ledger.WeightedVoteOption) error {
	votes, ok := s.Proposals[proposalID]
	if !ok {
		return fmt.Errorf("proposal %d not found", proposalID)
	}
	votes[voter] = VoteRecord{Voter: voter, Options: append([]ledger.WeightedVoteOption(nil), options...)}
	return nil
}

// --- Queries (core.Querier) ---

func (c *Chain) QueryBalance(address, denom string) (fpmath.Uint256, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view().balance(address, denom), nil
}

func (c *Chain) QueryBondedDenom() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view().BondedDenom, nil
}

func (c *Chain) QueryValidator(validator string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view().Validators[validator], nil
}

// QueryDelegation returns nil when delegator has no stake with validator.
func (c *Chain) QueryDelegation(delegator, validator string) (*ledger.Delegation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.view()
	amount, ok := s.Delegations[delegator][validator]
	if !ok {
		return nil, nil
	}
	return &ledger.Delegation{
		Delegator: delegator,
		Validator: validator,
		Amount:    ledger.Coin{Denom: s.BondedDenom, Amount: amount},
	}, nil
}

// QueryAllDelegations lists delegations in ascending validator order.
func (c *Chain) QueryAllDelegations(delegator string) ([]ledger.Delegation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.view()
	vals := s.Delegations[delegator]
	out := make([]ledger.Delegation, 0, len(vals))
	for v, amount := range vals {
		out = append(out, ledger.Delegation{
			Delegator: delegator,
			Validator: v,
			Amount:    ledger.Coin{Denom: s.BondedDenom, Amount: amount},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Validator < out[j].Validator })
	return out, nil
}

// QueryDelegationTotalRewards sums accrued rewards across the validators
// delegator currently stakes with, one entry per denom in ascending order.
func (c *Chain) QueryDelegationTotalRewards(delegator string) ([]ledger.DecCoin, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.view()
	totals := make(map[string]decimal.Decimal)
	for validator, coins := range s.Rewards[delegator] {
		if _, ok := s.Delegations[delegator][validator]; !ok {
			continue
		}
		for denom, amount := range coins {
			totals[denom] = totals[denom].Add(amount)
		}
	}
	out := make([]ledger.DecCoin, 0, len(totals))
	for denom, amount := range totals {
		if amount.IsZero() {
			continue
		}
		out = append(out, ledger.DecCoin{Denom: denom, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Denom < out[j].Denom })
	return out, nil
}

// --- Operator and test hooks, applied to committed state ---

func (c *Chain) committedOnly(fn func(s *chainState) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return ErrUnitOpen
	}
	return fn(c.committed)
}

// Mint credits coins to an address outside any unit of work.
func (c *Chain) Mint(address string, coin ledger.Coin) error {
	return c.committedOnly(func(s *chainState) error { return s.credit(address, coin) })
}

// Burn removes coins from an address outside any unit of work.
func (c *Chain) Burn(address string, coin ledger.Coin) error {
	return c.committedOnly(func(s *chainState) error { return s.debit(address, coin) })
}

// AccrueReward adds an unclaimed reward for delegator from validator.
func (c *Chain) AccrueReward(delegator, validator string, coin ledger.DecCoin) error {
	return c.committedOnly(func(s *chainState) error {
		if !s.Validators[validator] {
			return fmt.Errorf("validator %s not found", validator)
		}
		s.accrue(delegator, validator, coin)
		return nil
	})
}

func (c *Chain) AddValidator(validator string) error {
	return c.committedOnly(func(s *chainState) error {
		s.Validators[validator] = true
		return nil
	})
}

func (c *Chain) AddProposal(id uint64) error {
	return c.committedOnly(func(s *chainState) error {
		if _, ok := s.Proposals[id]; !ok {
			s.Proposals[id] = make(map[string]VoteRecord)
		}
		return nil
	})
}

// Balance reads a committed balance.
func (c *Chain) Balance(address, denom string) fpmath.Uint256 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed.balance(address, denom)
}

// Unbonding returns the committed unbonding queue of delegator.
func (c *Chain) Unbonding(delegator string) []UnbondingEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []UnbondingEntry
	for _, e := range c.committed.Unbonding {
		if e.Delegator == delegator {
			out = append(out, e)
		}
	}
	return out
}

// Vote returns the committed vote of voter on a proposal.
func (c *Chain) Vote(proposalID uint64, voter string) (VoteRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.committed.Proposals[proposalID][voter]
	return rec, ok
}

// BlockTime is the time of the last committed unit of work.
func (c *Chain) BlockTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed.BlockTime
}

// --- Snapshots ---

func (c *Chain) ExportState() (json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c.committed)
}

func (c *Chain) ImportState(data json.RawMessage) error {
	s := newChainState()
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("decode chain state: %w", err)
	}
	return c.committedOnly(func(*chainState) error {
		c.committed = s
		return nil
	})
}
