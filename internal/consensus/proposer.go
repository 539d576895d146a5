package consensus

import (
	"time"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/ledger"
)

// attemptPropose checks whether this node's ranked proposer window has
// arrived for the next height and, if so, builds, signs, commits and
// broadcasts a block. now is the wall-clock time the caller observed the
// tick at, threaded through for testability.
func (e *Engine) attemptPropose(now time.Time) {
	height := e.ledger.BlockCount()
	slot := height

	queue := e.ledger.GetRankedProposersForSlot(slot)
	rank := indexOf(queue, e.address)
	if rank < 0 {
		return
	}

	parent := e.ledger.LatestBlock()
	var parentTimestamp int64
	if parent != nil {
		parentTimestamp = parent.Timestamp
	}
	windowStart := parentTimestamp + e.cfg.BlockTimeSeconds*(int64(rank)+1)
	windowEnd := windowStart + e.cfg.BlockTimeSeconds

	nowUnix := now.Unix()
	if nowUnix < windowStart {
		// Not yet this rank's turn; a later tick will re-check once the
		// window opens.
		return
	}
	if nowUnix > windowEnd {
		// Window passed without our proposal landing; wait for the next
		// height's queue instead of proposing out of window.
		return
	}

	if reason, ok := e.safetyStop(height); !ok {
		logger.WithField("reason", reason).Warn("skipping proposal, safety stop engaged")
		return
	}

	block := e.buildBlock(height, slot, uint8(rank), parent, nowUnix)
	e.commitProposal(block)
}

// commitProposal adds a self-built block to the ledger, drains its
// transactions out of the mempool, and broadcasts it on success.
func (e *Engine) commitProposal(block *core.Block) {
	ok, err := e.ledger.AddBlock(block, ledger.AddBlockOptions{})
	if !ok {
		logger.WithField("height", block.Height).WithError(err).Error("self-proposed block rejected by ledger")
		return
	}
	e.mempool.RemoveBatch(block.Transactions)

	if err := e.net.BroadcastBlock(block); err != nil {
		logger.WithError(err).Warn("failed to broadcast proposed block")
	}

	e.mu.Lock()
	e.lastProposerWasSelf = true
	e.mu.Unlock()
}

// buildBlock assembles an unsigned-then-signed block for height from the
// current mempool contents.
func (e *Engine) buildBlock(height, slot int64, rank uint8, parent *core.Block, timestamp int64) *core.Block {
	txs := e.mempool.Take(e.cfg.MaxTransactionsPerBlock)

	var previousHash string
	if parent != nil {
		previousHash = parent.BlockHash
	}

	reward := e.cfg.EmissionPerBlockPals
	block := &core.Block{
		Height:            height,
		Timestamp:         timestamp,
		Transactions:      txs,
		PreviousHash:      previousHash,
		Proposer:          e.address,
		Reward:            reward,
		RewardAllocations: map[string]uint64{e.address: reward},
		Slot:              slot,
		Rank:              rank,
	}
	block.SignBlock(e.signer)
	return block
}

// indexOf returns the position of addr in queue, or -1 if absent.
func indexOf(queue []string, addr string) int {
	for i, a := range queue {
		if a == addr {
			return i
		}
	}
	return -1
}
