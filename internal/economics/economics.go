// Package economics implements ValidatorEconomics (C4): deposits,
// slashing, redistribution, and withdrawal delays.
//
// Grounded line-for-line on
// original_source/app/validator_economics.py; the mutex-guarded
// map-based struct shape is grounded on the teacher's
// internal/consensus/consensus_state.go.
package economics

import (
	"sync"

	"github.com/evokitimpal/timpal/internal/timpalconfig"
)

// Economics tracks every validator's deposit, slashed amount, withdrawal
// request, and deposit-transition bookkeeping.
type Economics struct {
	cfg *timpalconfig.Config

	mu sync.RWMutex

	deposits             map[string]uint64
	slashedAmounts       map[string]uint64
	pendingRedistribution uint64
	withdrawalRequests   map[string]int64 // address -> height requested
	validatorStatus      map[string]string // "active" | "inactive_pending_deposit"
	autoLockEnabled      map[string]bool
	scheduledDeposits    map[string]int64
	transitionCompleted  bool
}

const (
	StatusActive             = "active"
	StatusInactivePending     = "inactive_pending_deposit"
)

// New constructs an empty Economics state for the given network config.
func New(cfg *timpalconfig.Config) *Economics {
	return &Economics{
		cfg:                  cfg,
		deposits:             make(map[string]uint64),
		slashedAmounts:       make(map[string]uint64),
		withdrawalRequests:   make(map[string]int64),
		validatorStatus:      make(map[string]string),
		autoLockEnabled:      make(map[string]bool),
		scheduledDeposits:    make(map[string]int64),
	}
}

// IsInGracePeriod reports whether height is still within the bootstrap
// grace period during which no deposit is required.
func (e *Economics) IsInGracePeriod(height int64) bool {
	return height < e.cfg.DepositGracePeriodBlocks
}

// CalculateDepositRequirement returns the deposit pals required to
// register at height (0 during grace period).
func (e *Economics) CalculateDepositRequirement(height int64) uint64 {
	if e.IsInGracePeriod(height) {
		return 0
	}
	return e.cfg.ValidatorDepositPals
}

// ProcessDeposit records a validator's deposit and marks it active.
// During the grace period no deposit amount is required; after it, amount
// must meet ValidatorDepositPals.
func (e *Economics) ProcessDeposit(address string, amount uint64, height int64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.IsInGracePeriod(height) {
		e.validatorStatus[address] = StatusActive
		return true, "accepted during grace period, no deposit required"
	}
	if amount < e.cfg.ValidatorDepositPals {
		return false, "deposit below required amount"
	}
	e.deposits[address] = amount
	e.validatorStatus[address] = StatusActive
	return true, "deposit accepted"
}

// SlashValidator reduces a validator's deposit by percentage% and moves
// the slashed amount into the redistribution pool, grounded on
// validator_economics.py's slash_validator.
func (e *Economics) SlashValidator(address string, percentage int64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.deposits[address]
	if current == 0 {
		return 0, false
	}
	slashAmount := current * uint64(percentage) / 100
	e.deposits[address] = current - slashAmount
	e.slashedAmounts[address] += slashAmount
	e.pendingRedistribution += slashAmount

	if e.deposits[address] < e.cfg.MinDepositPals {
		e.validatorStatus[address] = StatusInactivePending
	}
	return slashAmount, true
}

// SlashDoubleSigning applies the double-signing slash percentage.
func (e *Economics) SlashDoubleSigning(address string) (uint64, bool) {
	return e.SlashValidator(address, e.cfg.SlashDoubleSigning)
}

// SlashInvalidBlock applies the invalid-block slash percentage.
func (e *Economics) SlashInvalidBlock(address string) (uint64, bool) {
	return e.SlashValidator(address, e.cfg.SlashInvalidBlock)
}

// RequestWithdrawal records a withdrawal request at currentHeight.
func (e *Economics) RequestWithdrawal(address string, currentHeight int64) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deposits[address] == 0 {
		return false, "no deposit on record"
	}
	if _, exists := e.withdrawalRequests[address]; exists {
		return false, "withdrawal already requested"
	}
	e.withdrawalRequests[address] = currentHeight
	return true, "withdrawal requested"
}

// CanWithdraw reports whether a previously requested withdrawal has
// cleared WithdrawalDelayBlocks.
func (e *Economics) CanWithdraw(address string, currentHeight int64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	requestedAt, exists := e.withdrawalRequests[address]
	if !exists || e.deposits[address] == 0 {
		return false
	}
	return currentHeight >= requestedAt+e.cfg.WithdrawalDelayBlocks
}

// ProcessWithdrawal releases a cleared withdrawal request, returning the
// released amount.
func (e *Economics) ProcessWithdrawal(address string, currentHeight int64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	requestedAt, exists := e.withdrawalRequests[address]
	if !exists {
		return 0, false
	}
	if currentHeight < requestedAt+e.cfg.WithdrawalDelayBlocks {
		return 0, false
	}
	amount := e.deposits[address]
	delete(e.deposits, address)
	delete(e.withdrawalRequests, address)
	return amount, true
}

// GetValidatorDeposit returns the current deposit on record.
func (e *Economics) GetValidatorDeposit(address string) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deposits[address]
}

// IsDepositSufficient reports deposit >= MinDepositPals.
func (e *Economics) IsDepositSufficient(address string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deposits[address] >= e.cfg.MinDepositPals
}

// HasFullDeposit reports whether a validator meets the full
// ValidatorDepositPals requirement (always true during grace period).
func (e *Economics) HasFullDeposit(address string, height int64) bool {
	if e.IsInGracePeriod(height) {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deposits[address] >= e.cfg.ValidatorDepositPals
}

// PendingRedistribution returns the current slashed-pool balance awaiting
// redistribution.
func (e *Economics) PendingRedistribution() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pendingRedistribution
}

// GetRedistributionRewards splits the pending redistribution pool evenly
// across the honest (sufficiently-deposited) subset of activeValidators,
// resets the pool to zero, and returns the per-address credit. The
// remainder from integer division is burned, not redistributed — grounded
// exactly on validator_economics.py's get_redistribution_rewards.
func (e *Economics) GetRedistributionRewards(activeValidators []string) map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingRedistribution == 0 || len(activeValidators) == 0 {
		return map[string]uint64{}
	}

	honest := make([]string, 0, len(activeValidators))
	for _, v := range activeValidators {
		if e.deposits[v] >= e.cfg.MinDepositPals {
			honest = append(honest, v)
		}
	}
	if len(honest) == 0 {
		e.pendingRedistribution = 0
		return map[string]uint64{}
	}

	perValidator := e.pendingRedistribution / uint64(len(honest))
	rewards := make(map[string]uint64, len(honest))
	for _, v := range honest {
		rewards[v] = perValidator
	}
	e.pendingRedistribution = 0
	return rewards
}

// GetValidatorStatus returns the tracked status, defaulting to active for
// validators not otherwise marked inactive.
func (e *Economics) GetValidatorStatus(address string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if status, ok := e.validatorStatus[address]; ok {
		return status
	}
	return StatusActive
}

func (e *Economics) MarkInactive(address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validatorStatus[address] = StatusInactivePending
}

func (e *Economics) MarkActive(address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validatorStatus[address] = StatusActive
}

// IsValidatorActive reports whether the validator is currently eligible
// to propose/be rewarded from an economics standpoint.
func (e *Economics) IsValidatorActive(address string, height int64) bool {
	if e.GetValidatorStatus(address) == StatusInactivePending {
		return false
	}
	return e.HasFullDeposit(address, height)
}

// IsInAdvanceDepositWindow reports whether height falls in the window
// during which validators may pre-schedule their transition deposit.
func (e *Economics) IsInAdvanceDepositWindow(height int64) bool {
	return height >= e.cfg.AdvanceDepositWindowStart && height < e.cfg.TransitionBlock
}

// ScheduleDeposit records a pre-scheduled deposit during the advance
// window, returning false if height is outside it.
func (e *Economics) ScheduleDeposit(address string, height int64) bool {
	if !e.IsInAdvanceDepositWindow(height) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduledDeposits[address] = height
	return true
}

// SetAutoLock sets a validator's auto-lock preference for the deposit
// transition. Default (unset) is true.
func (e *Economics) SetAutoLock(address string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoLockEnabled[address] = enabled
}

// GetAutoLockStatus returns the validator's auto-lock preference,
// defaulting to true.
func (e *Economics) GetAutoLockStatus(address string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if v, ok := e.autoLockEnabled[address]; ok {
		return v
	}
	return true
}

// TransitionResult is the per-validator outcome of ProcessTransition.
type TransitionResult struct {
	Locked bool
	Amount uint64
	Reason string
}

// ProcessTransition is the one-time deposit-transition step applied at
// exactly block DepositGracePeriodBlocks: every registered validator
// either auto-locks its deposit (if scheduled, or auto-lock enabled and
// balance sufficient) or is marked inactive. Idempotent: a second call is
// a no-op and returns an empty map, matching
// validator_economics.py's process_transition.
func (e *Economics) ProcessTransition(registeredValidators []string, balanceOf func(string) uint64) map[string]TransitionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transitionCompleted {
		return map[string]TransitionResult{}
	}

	results := make(map[string]TransitionResult, len(registeredValidators))
	for _, address := range registeredValidators {
		_, scheduled := e.scheduledDeposits[address]
		autoLock := true
		if v, ok := e.autoLockEnabled[address]; ok {
			autoLock = v
		}
		balance := balanceOf(address)
		shouldLock := scheduled || (autoLock && balance >= e.cfg.ValidatorDepositPals)

		if shouldLock && balance >= e.cfg.ValidatorDepositPals {
			e.deposits[address] = e.cfg.ValidatorDepositPals
			e.validatorStatus[address] = StatusActive
			results[address] = TransitionResult{Locked: true, Amount: e.cfg.ValidatorDepositPals, Reason: "deposit auto-locked at transition"}
		} else {
			e.validatorStatus[address] = StatusInactivePending
			results[address] = TransitionResult{Locked: false, Amount: 0, Reason: "insufficient balance at transition"}
		}
	}
	e.transitionCompleted = true
	return results
}

// TransitionCompleted reports whether ProcessTransition has already run.
func (e *Economics) TransitionCompleted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transitionCompleted
}
