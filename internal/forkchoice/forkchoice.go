// Package forkchoice implements ForkChoice (C7): canonical-chain
// comparison, finality checkpoints, reorg gating and planning.
//
// Grounded in full on original_source/app/fork_choice.py.
package forkchoice

import (
	"sync"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/timpalconfig"
	"github.com/evokitimpal/timpal/internal/timpallog"
)

const baseBlockWeight = 1_000_000

var logger = timpallog.For("forkchoice")

// BalanceFunc resolves an address's current TMPL balance in pals, used
// only for 51%-attack coin-ownership verification.
type BalanceFunc func(address string) uint64

// ForkChoice tracks finality checkpoints and decides which of two
// candidate chains is canonical.
type ForkChoice struct {
	cfg *timpalconfig.Config

	getBalance BalanceFunc

	mu                 sync.RWMutex
	finalityCheckpoints map[int64]string // height -> block hash
	chainWeightCache    map[string]int64 // tip hash -> weight
}

// New constructs a ForkChoice for cfg. getBalance may be nil, in which case
// the 51%-attack check is skipped (treated as always passing), matching
// fork_choice.py's behavior when no balance function is supplied.
func New(cfg *timpalconfig.Config, getBalance BalanceFunc) *ForkChoice {
	return &ForkChoice{
		cfg:                 cfg,
		getBalance:          getBalance,
		finalityCheckpoints: make(map[int64]string),
		chainWeightCache:    make(map[string]int64),
	}
}

// CalculateChainWeight returns len(chain) * baseBlockWeight. Weight is
// deliberately constant per block rather than VRF-derived, so a proposer
// cannot grind block contents to inflate its own chain's weight.
func (f *ForkChoice) CalculateChainWeight(chain []*core.Block) int64 {
	if len(chain) == 0 {
		return 0
	}
	tip := chain[len(chain)-1].BlockHash

	f.mu.RLock()
	if w, ok := f.chainWeightCache[tip]; ok && tip != "" {
		f.mu.RUnlock()
		return w
	}
	f.mu.RUnlock()

	weight := int64(len(chain)) * baseBlockWeight
	if tip != "" {
		f.mu.Lock()
		f.chainWeightCache[tip] = weight
		f.mu.Unlock()
	}
	return weight
}

// CompareChains returns 1 if chainA is canonical, -1 if chainB is, 0 if the
// chains are identical. Tiebreak order: weight, length, earlier fork-point
// timestamp, lexicographically smaller fork-point hash.
func (f *ForkChoice) CompareChains(chainA, chainB []*core.Block) int {
	weightA := f.CalculateChainWeight(chainA)
	weightB := f.CalculateChainWeight(chainB)
	if weightA > weightB {
		return 1
	}
	if weightB > weightA {
		return -1
	}

	if len(chainA) > len(chainB) {
		return 1
	}
	if len(chainB) > len(chainA) {
		return -1
	}

	forkHeight := findForkPoint(chainA, chainB)
	if forkHeight == -1 {
		return 0
	}
	if forkHeight >= len(chainA) || forkHeight >= len(chainB) {
		return 0
	}

	blockA := chainA[forkHeight]
	blockB := chainB[forkHeight]

	if blockA.Timestamp < blockB.Timestamp {
		return 1
	}
	if blockB.Timestamp < blockA.Timestamp {
		return -1
	}

	if blockA.BlockHash < blockB.BlockHash {
		return 1
	}
	if blockB.BlockHash < blockA.BlockHash {
		return -1
	}
	return 0
}

// findForkPoint returns the height of the first diverging block, or -1 if
// the chains are identical up to the shorter one's length and equal in
// length, or the length of the shorter chain when one is a strict prefix
// of the other.
func findForkPoint(chainA, chainB []*core.Block) int {
	minLen := len(chainA)
	if len(chainB) < minLen {
		minLen = len(chainB)
	}
	for h := 0; h < minLen; h++ {
		if chainA[h].BlockHash != chainB[h].BlockHash {
			return h
		}
	}
	if len(chainA) == len(chainB) {
		return -1
	}
	return minLen
}

func chainValidatorsFrom(chain []*core.Block, startHeight int) []string {
	seen := make(map[string]bool)
	var out []string
	for i := startHeight; i < len(chain); i++ {
		proposer := chain[i].Proposer
		if proposer == "" || proposer == "genesis" {
			continue
		}
		if !seen[proposer] {
			seen[proposer] = true
			out = append(out, proposer)
		}
	}
	return out
}

// checkAttackCoinThreshold reports whether attackingValidators collectively
// own at least AttackPreventionThreshold pals. With no balance function
// configured the check cannot be performed and defaults to allowing the
// reorg, matching fork_choice.py's documented fail-open behavior.
func (f *ForkChoice) checkAttackCoinThreshold(attackingValidators []string) (bool, uint64) {
	if f.getBalance == nil {
		return true, 0
	}
	var total uint64
	for _, v := range attackingValidators {
		total += f.getBalance(v)
	}
	return total >= f.cfg.AttackPreventionThreshold, total
}

// AddFinalityCheckpoint records height as finalized if it lands on a
// FinalityCheckpointInterval boundary.
func (f *ForkChoice) AddFinalityCheckpoint(height int64, blockHash string) {
	if height%f.cfg.FinalityCheckpointInterval != 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalityCheckpoints[height] = blockHash
	logger.WithField("height", height).Info("finality checkpoint added")
}

func (f *ForkChoice) latestCheckpointHeight() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var max int64
	for h := range f.finalityCheckpoints {
		if h > max {
			max = h
		}
	}
	return max
}

// CheckpointAtHeight returns the finalized block hash recorded at height,
// if any.
func (f *ForkChoice) CheckpointAtHeight(height int64) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	hash, ok := f.finalityCheckpoints[height]
	return hash, ok
}

// IsFinalized reports whether height is at or before the latest finality
// checkpoint.
func (f *ForkChoice) IsFinalized(height int64) bool {
	return height <= f.latestCheckpointHeight()
}

// ValidateChainContinuity checks sequential heights and linked hashes from
// a genesis block at height 0.
func ValidateChainContinuity(chain []*core.Block) (bool, string) {
	if len(chain) == 0 {
		return true, "empty chain is valid"
	}
	if chain[0].Height != 0 {
		return false, "first block does not have height 0"
	}
	for i := 1; i < len(chain); i++ {
		block := chain[i]
		prev := chain[i-1]
		if block.Height != prev.Height+1 {
			return false, "gap in chain heights"
		}
		if block.PreviousHash != prev.BlockHash {
			return false, "break in chain: previous_hash does not match parent hash"
		}
	}
	return true, "chain continuity validated"
}

// CanReorganizeToChain decides whether a reorg from currentChain to
// newChain is permitted, applying finality-checkpoint gating and max-reorg-
// depth gating (each with a network-recovery escape hatch), then
// 51%-attack coin-ownership gating (no escape hatch), grounded exactly on
// fork_choice.py's can_reorganize_to_chain.
func (f *ForkChoice) CanReorganizeToChain(currentChain, newChain []*core.Block) (bool, string) {
	forkHeight := findForkPoint(currentChain, newChain)
	if forkHeight == -1 {
		return false, "chains are identical, no reorg needed"
	}

	chainLengthAdvantage := int64(len(newChain) - len(currentChain))

	latestCheckpoint := f.latestCheckpointHeight()
	if int64(forkHeight) <= latestCheckpoint {
		if chainLengthAdvantage < f.cfg.NetworkRecoveryThreshold {
			return false, "fork is past the finality checkpoint and lacks a network-recovery advantage"
		}
		logger.WithField("checkpoint", latestCheckpoint).Warn("allowing reorg past finality checkpoint for network recovery")
	}

	currentHeight := int64(len(currentChain) - 1)
	reorgDepth := currentHeight - int64(forkHeight)

	if reorgDepth > f.cfg.MaxReorgDepth {
		if chainLengthAdvantage < f.cfg.NetworkRecoveryThreshold {
			return false, "reorganization depth exceeds the maximum allowed"
		}
		logger.WithField("depth", reorgDepth).Warn("allowing deep reorg for network recovery")
	}

	newChainHeight := int64(len(newChain) - 1)
	inGracePeriod := newChainHeight < f.cfg.DepositGracePeriodBlocks

	if reorgDepth >= f.cfg.AttackReorgThreshold && !inGracePeriod {
		attackingValidators := chainValidatorsFrom(newChain, forkHeight)
		if len(attackingValidators) > 0 {
			hasEnough, total := f.checkAttackCoinThreshold(attackingValidators)
			if !hasEnough {
				logger.WithField("total_pals", total).Warn("51% attack reorg blocked: insufficient coin ownership")
				return false, "51% attack prevented: insufficient coin ownership on attacking chain"
			}
		}
	}

	if f.CompareChains(currentChain, newChain) >= 0 {
		return false, "new chain is not better than current chain"
	}

	return true, "reorganization allowed"
}

// ReorganizationPlan describes the blocks and transactions affected by a
// permitted reorg.
type ReorganizationPlan struct {
	ForkHeight           int
	BlocksToRemove       []*core.Block
	BlocksToAdd          []*core.Block
	TransactionsToReturn []core.Transaction
}

// GetReorganizationPlan returns the reorg plan for switching from
// currentChain to newChain, or nil if CanReorganizeToChain rejects it.
func (f *ForkChoice) GetReorganizationPlan(currentChain, newChain []*core.Block) *ReorganizationPlan {
	allowed, reason := f.CanReorganizeToChain(currentChain, newChain)
	if !allowed {
		logger.WithField("reason", reason).Info("reorganization not allowed")
		return nil
	}

	forkHeight := findForkPoint(currentChain, newChain)
	blocksToRemove := currentChain[forkHeight:]
	blocksToAdd := newChain[forkHeight:]

	var txsToReturn []core.Transaction
	for _, b := range blocksToRemove {
		txsToReturn = append(txsToReturn, b.Transactions...)
	}

	return &ReorganizationPlan{
		ForkHeight:           forkHeight,
		BlocksToRemove:       blocksToRemove,
		BlocksToAdd:          blocksToAdd,
		TransactionsToReturn: txsToReturn,
	}
}
