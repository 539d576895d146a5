package ledger

import (
	"sort"

	"github.com/evokitimpal/timpal/internal/historicalstate"
)

// applyRegistrationsLocked installs every accepted validator_registration
// effect from the just-committed block into the real registry, per
// spec.md §4.9's post-admission effects: genesis-block registrations
// activate immediately, everything else gets a two-block Tendermint
// activation delay.
func (l *Ledger) applyRegistrationsLocked(regs []pendingRegistration, height int64) {
	for _, r := range regs {
		existing, already := l.validatorRegistry[r.sender]
		if already {
			existing.PublicKey = r.pubKey
			existing.DeviceID = r.deviceID
			continue
		}

		entry := &historicalstate.ValidatorEntry{
			Address:            r.sender,
			PublicKey:          r.pubKey,
			DeviceID:           r.deviceID,
			RegisteredAt:       r.timestamp,
			RegistrationHeight: height,
			DepositAmount:      r.amount,
		}
		if height == 0 {
			entry.Status = statusGenesis
			entry.ActivationHeight = 0
			l.validatorSet = append(l.validatorSet, r.sender)
		} else {
			entry.Status = statusPending
			entry.ActivationHeight = height + 2
		}
		l.validatorRegistry[r.sender] = entry

		if r.amount > 0 {
			l.econ.ProcessDeposit(r.sender, r.amount, height)
		}
	}
}

// enforceGracePeriodTransitionLocked runs the one-time deposit-transition
// step at exactly block DepositGracePeriodBlocks, per spec.md §4.4:
// validators either auto-lock a sufficient deposit or are marked inactive.
func (l *Ledger) enforceGracePeriodTransitionLocked(height int64) {
	addrs := make([]string, 0, len(l.validatorRegistry))
	for addr, e := range l.validatorRegistry {
		if e.Status == statusGenesis {
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	results := l.econ.ProcessTransition(addrs, func(addr string) uint64 { return l.balances[addr] })
	for addr, res := range results {
		entry, ok := l.validatorRegistry[addr]
		if !ok {
			continue
		}
		if res.Locked {
			l.balances[addr] -= res.Amount
			entry.DepositAmount = res.Amount
		} else {
			entry.Status = statusInactive
			l.removeFromValidatorSetLocked(addr)
		}
	}
}

// activatePendingValidatorsLocked promotes every "pending" registration
// whose activation_height has arrived, per spec.md §4.9's post-admission
// effects.
func (l *Ledger) activatePendingValidatorsLocked(height int64) {
	for addr, e := range l.validatorRegistry {
		if e.Status == statusPending && e.ActivationHeight <= height {
			e.Status = statusActive
			l.econ.MarkActive(addr)
			l.addToValidatorSetLocked(addr)
		}
	}
}

func (l *Ledger) addToValidatorSetLocked(addr string) {
	for _, v := range l.validatorSet {
		if v == addr {
			return
		}
	}
	l.validatorSet = append(l.validatorSet, addr)
}

func (l *Ledger) removeFromValidatorSetLocked(addr string) {
	for i, v := range l.validatorSet {
		if v == addr {
			l.validatorSet = append(l.validatorSet[:i], l.validatorSet[i+1:]...)
			return
		}
	}
}

// updateProposerPrioritiesAfterCommitLocked implements Tendermint-style
// proposer-priority bookkeeping: every active non-genesis validator's
// priority increases by its voting power, then the highest-priority
// validator (ties broken by lexicographically smallest address) is
// decremented by the total voting power. Gated on height >
// cfg.BootstrapHeight per spec.md §4.9; this never gates actual proposer
// selection, which is VRF-driven, but the reference still runs it on every
// commit past bootstrap, so this port does too.
func (l *Ledger) updateProposerPrioritiesAfterCommitLocked(proposer string, height int64) {
	var candidates []string
	for addr, e := range l.validatorRegistry {
		if e.Status != statusActive {
			continue
		}
		e.ProposerPriority += int64(l.votingPowerOfLocked(addr))
		candidates = append(candidates, addr)
	}
	if len(candidates) == 0 {
		return
	}
	sort.Strings(candidates)

	best := candidates[0]
	for _, addr := range candidates[1:] {
		if l.validatorRegistry[addr].ProposerPriority > l.validatorRegistry[best].ProposerPriority {
			best = addr
		}
	}
	total := l.totalVotingPowerLocked(candidates)
	l.validatorRegistry[best].ProposerPriority -= int64(total)
}

// SlashValidator reduces a validator's deposit per spec.md §4.4 and forces
// deregistration if the remaining deposit drops below MinDepositPals,
// grounded on ledger.py's slash_validator.
func (l *Ledger) SlashValidator(address string, percentage int64) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slashed, ok := l.econ.SlashValidator(address, percentage)
	if !ok {
		return 0, false
	}
	if !l.econ.IsDepositSufficient(address) {
		l.deregisterValidatorLocked(address)
	}
	return slashed, true
}

// DeregisterValidator marks a validator inactive and removes it from the
// active validator set.
func (l *Ledger) DeregisterValidator(address string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deregisterValidatorLocked(address)
}

func (l *Ledger) deregisterValidatorLocked(address string) {
	if e, ok := l.validatorRegistry[address]; ok {
		e.Status = statusInactive
	}
	l.econ.MarkInactive(address)
	l.removeFromValidatorSetLocked(address)
}
