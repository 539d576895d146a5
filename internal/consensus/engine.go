package consensus

import (
	"sync"
	"time"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/ledger"
	"github.com/evokitimpal/timpal/internal/mempool"
	"github.com/evokitimpal/timpal/internal/timpalconfig"
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
)

// Engine runs the slot-paced proposer/validator loop against a Ledger,
// per spec.md §4.11. One Engine exists per node. The slot loop and the
// incoming-block receiver run on separate goroutines and may call into
// the Ledger and Mempool at the same time; both of those serialize
// concurrent calls with their own mutex.
type Engine struct {
	cfg     *timpalconfig.Config
	ledger  *ledger.Ledger
	mempool *mempool.Mempool
	net     NetworkPort

	address string
	signer  *timpalcrypto.PrivateKey

	isBootstrapNode bool
	requiredPeers   int
	// externalBlockTimeout bounds how long this node will go without
	// seeing a peer-produced block while ahead of every peer before it
	// treats itself as isolated and stops proposing.
	externalBlockTimeout time.Duration

	mu                  sync.Mutex
	phase               Phase
	coolingRemaining    int64
	lastExternalBlockAt time.Time
	lastProposerWasSelf bool

	sideBlocksMu sync.Mutex
	// sideBlocks holds blocks received out of canonical sequence — ahead
	// of the local tip, or at/below it with a hash the local chain
	// doesn't have — keyed by block hash, so a later-arriving block that
	// extends one of them can be chased back into a full competing chain
	// for ReorganizeToChain. Entries older than the deepest permitted
	// reorg are pruned on every insert.
	sideBlocks map[string]*core.Block

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Config bundles Engine's construction parameters.
type Config struct {
	ChainConfig          *timpalconfig.Config
	Ledger               *ledger.Ledger
	Mempool              *mempool.Mempool
	Network              NetworkPort
	Address              string
	Signer               *timpalcrypto.PrivateKey
	IsBootstrapNode      bool
	RequiredPeers        int
	ExternalBlockTimeout time.Duration
}

// New constructs an Engine starting in the SYNCING phase; it does not
// propose until it has observed enough cooling ticks to promote to
// ACTIVE.
func New(c Config) *Engine {
	return &Engine{
		cfg:                  c.ChainConfig,
		ledger:               c.Ledger,
		mempool:              c.Mempool,
		net:                  c.Network,
		address:              c.Address,
		signer:               c.Signer,
		isBootstrapNode:      c.IsBootstrapNode,
		requiredPeers:        c.RequiredPeers,
		externalBlockTimeout: c.ExternalBlockTimeout,
		phase:                PhaseSyncing,
		sideBlocks:           make(map[string]*core.Block),
		stopChan:             make(chan struct{}),
	}
}

// Start launches the slot ticker and the incoming-block receiver, each on
// its own goroutine.
func (e *Engine) Start() {
	logger.WithField("address", e.address).Info("starting consensus engine")
	e.wg.Add(2)
	go e.runLoop()
	go e.receiveLoop()
}

// Stop signals both loops to exit and waits for them to finish.
func (e *Engine) Stop() {
	close(e.stopChan)
	e.wg.Wait()
	logger.Info("consensus engine stopped")
}

func (e *Engine) runLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.BlockTimeSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.tick(time.Now())
		}
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopChan:
			return
		case block, ok := <-e.net.IncomingBlocks():
			if !ok {
				return
			}
			e.HandleIncomingBlock(block)
		}
	}
}

// tick is the per-slot body of the consensus loop: refresh phase,
// request sync if behind, then attempt a proposal if this node's window
// has arrived. now is threaded through rather than read internally so
// tests can drive it without a real ticker.
func (e *Engine) tick(now time.Time) {
	localHeight := e.ledger.BlockCount()
	maxPeer := e.net.MaxPeerHeight()
	e.updatePhase(localHeight, maxPeer)

	if localHeight < maxPeer {
		e.net.RequestSync(localHeight)
	}
	if e.Phase() != PhaseActive {
		return
	}
	e.attemptPropose(now)
}

// HandleIncomingBlock applies a block received from a peer to the
// ledger, per spec.md §5: a received block is atomically applied or
// rejected, never partial-applied. A block that cannot simply extend the
// local tip — because it is ahead of it, behind it, or rejected at the
// same height — is stashed as a potential competing-chain fragment and
// chased into a full candidate chain for Ledger.ReorganizeToChain, per
// spec.md §4.8/§4.9's bounded reorganization.
func (e *Engine) HandleIncomingBlock(block *core.Block) {
	if block == nil {
		return
	}
	localHeight := e.ledger.BlockCount()

	if block.Height > localHeight {
		e.net.RequestSync(localHeight)
		e.stashSideBlock(block)
		e.tryReorganize(block)
		return
	}

	if block.Height < localHeight {
		if existing := e.ledger.BlockAtHeight(block.Height); existing != nil && existing.BlockHash == block.BlockHash {
			return
		}
		e.stashSideBlock(block)
		e.tryReorganize(block)
		return
	}

	ok, err := e.ledger.AddBlock(block, ledger.AddBlockOptions{})
	if !ok {
		logger.WithField("height", block.Height).WithError(err).Warn("rejected incoming block")
		// Only a genuine fork attempt (a different parent than our own
		// tip) is worth chasing into a reorg; a block rejected for any
		// other reason (bad signature, wrong proposer, stale timestamp)
		// while correctly extending our own tip is just invalid, not
		// competing history.
		if tip := e.ledger.LatestBlock(); tip == nil || block.PreviousHash != tip.BlockHash {
			e.stashSideBlock(block)
			e.tryReorganize(block)
		}
		return
	}
	e.mempool.RemoveBatch(block.Transactions)

	e.mu.Lock()
	e.lastExternalBlockAt = timeNow()
	e.lastProposerWasSelf = false
	e.mu.Unlock()
}

// stashSideBlock records block as a candidate fragment of a competing
// chain, keyed by its own hash so a child block can look its parent up
// by PreviousHash. Fragments more than MaxReorgDepth below the local tip
// can never produce a permitted reorg (ForkChoice.CanReorganizeToChain
// gates on exactly that bound), so they are pruned on every insert
// rather than retained forever.
func (e *Engine) stashSideBlock(block *core.Block) {
	e.sideBlocksMu.Lock()
	defer e.sideBlocksMu.Unlock()

	e.sideBlocks[block.BlockHash] = block

	localHeight := e.ledger.BlockCount()
	floor := localHeight - e.cfg.MaxReorgDepth - 1
	for hash, b := range e.sideBlocks {
		if b.Height < floor {
			delete(e.sideBlocks, hash)
		}
	}
}

func (e *Engine) sideBlock(hash string) *core.Block {
	e.sideBlocksMu.Lock()
	defer e.sideBlocksMu.Unlock()
	return e.sideBlocks[hash]
}

// assembleCandidateChain walks backward from tip through sideBlocks,
// reconnecting to the local chain as soon as a PreviousHash matches a
// block the ledger already has, and returns the full resulting chain
// from height 0 through tip. It returns nil if the chain back to the
// local chain (or to genesis) cannot yet be fully resolved from buffered
// fragments — e.g. an intermediate block hasn't arrived yet.
func (e *Engine) assembleCandidateChain(tip *core.Block) []*core.Block {
	chain := make([]*core.Block, tip.Height+1)
	chain[tip.Height] = tip

	cur := tip
	for cur.Height > 0 {
		if parent := e.ledger.BlockAtHeight(cur.Height - 1); parent != nil && parent.BlockHash == cur.PreviousHash {
			for h := cur.Height - 1; h >= 0; h-- {
				chain[h] = e.ledger.BlockAtHeight(h)
			}
			return chain
		}
		parent := e.sideBlock(cur.PreviousHash)
		if parent == nil || parent.Height != cur.Height-1 {
			return nil
		}
		chain[parent.Height] = parent
		cur = parent
	}
	return chain
}

// tryReorganize attempts to resolve tip into a full competing chain and,
// if one can be assembled, asks the ledger whether it is a permitted and
// better chain to switch to. Both a failure to assemble and a rejected
// reorg are expected, routine outcomes (an incomplete fragment, or a
// fork that loses the fork-choice comparison), not errors.
func (e *Engine) tryReorganize(tip *core.Block) {
	chain := e.assembleCandidateChain(tip)
	if chain == nil {
		return
	}

	ok, err := e.ledger.ReorganizeToChain(chain)
	if !ok {
		logger.WithField("height", tip.Height).WithError(err).Debug("competing chain did not trigger a reorganization")
		return
	}

	logger.WithField("height", e.ledger.BlockCount()).Info("reorganized onto a competing chain")
	for _, b := range chain {
		e.mempool.RemoveBatch(b.Transactions)
	}

	e.mu.Lock()
	e.lastExternalBlockAt = timeNow()
	e.lastProposerWasSelf = false
	e.mu.Unlock()
}

// timeNow is a var so tests can control the timestamp recorded against
// lastExternalBlockAt without sleeping in real time.
var timeNow = time.Now

// safetyStop evaluates spec.md §4.11's four stop conditions before a
// proposal attempt, returning a human-readable reason and false if
// proposing right now would be unsafe.
func (e *Engine) safetyStop(height int64) (string, bool) {
	if !e.isBootstrapNode && e.net.PeerCount() < e.requiredPeers {
		return "too few reachable peers", false
	}
	if len(e.ledger.ActiveValidatorAddresses()) < MinValidatorsForConsensus {
		return "too few active validators for consensus", false
	}

	maxPeer := e.net.MaxPeerHeight()
	if height <= maxPeer {
		return "", true
	}

	e.mu.Lock()
	lastExternal := e.lastExternalBlockAt
	lastSelf := e.lastProposerWasSelf
	e.mu.Unlock()

	if !lastExternal.IsZero() && timeNow().Sub(lastExternal) > e.externalBlockTimeout {
		return "no external block received while ahead of all peers", false
	}
	if lastSelf {
		return "previous block was self-proposed while ahead of all peers", false
	}
	return "", true
}
