// Package mempool implements the Mempool (C10): the pending-transaction
// pool that enforces capacity and computes pending_nonce(sender), the
// value a wallet or RPC layer needs to chain multiple unconfirmed
// transactions from the same sender.
//
// Grounded on the teacher's internal/mempool/mempool.go for the
// mutex-guarded map-keyed-by-hash shape, rewritten against
// core.Transaction (account-model, no UTXO tx.ID) and extended with the
// nonce-tracking spec.md §4.10 requires; eviction policy is explicitly
// non-consensus-critical, so the only policy implemented is FIFO-by-fee
// ordering on Take, not true priority scheduling.
package mempool

import (
	"sort"
	"sync"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

// NonceSource is the minimal ledger view PendingNonce needs. Ledger
// satisfies this directly via its ValidationState implementation.
type NonceSource interface {
	Nonce(address string) uint64
}

// Mempool holds transactions awaiting inclusion in a block, keyed by
// transaction hash, with a per-sender nonce index for pending_nonce.
type Mempool struct {
	mu sync.RWMutex

	capacity int
	ledger   NonceSource

	byHash map[string]core.Transaction
	// pendingNonces[sender][nonce] = hash, so pending_nonce and
	// same-sender replacement/removal are both O(1).
	pendingNonces map[string]map[uint64]string
}

// New constructs an empty Mempool bounded at capacity pending
// transactions, resolving confirmed nonces through ledger.
func New(ledger NonceSource, capacity int) *Mempool {
	return &Mempool{
		capacity:      capacity,
		ledger:        ledger,
		byHash:        make(map[string]core.Transaction),
		pendingNonces: make(map[string]map[uint64]string),
	}
}

// AddTransaction validates tx's signature and admits it if the pool has
// room and it is not already present, grounded on ledger.py's own
// signature-then-structural validation order.
func (mp *Mempool) AddTransaction(tx core.Transaction) error {
	if !tx.Verify() {
		return timpalerrors.ErrSignatureInvalid
	}
	hash := tx.CalculateHash()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.byHash[hash]; exists {
		return timpalerrors.ErrTxAlreadyInMempool
	}
	if len(mp.byHash) >= mp.capacity {
		return timpalerrors.ErrMempoolFull
	}

	mp.byHash[hash] = tx
	if mp.pendingNonces[tx.Sender] == nil {
		mp.pendingNonces[tx.Sender] = make(map[uint64]string)
	}
	mp.pendingNonces[tx.Sender][tx.Nonce] = hash
	return nil
}

// PendingNonce returns max(ledger.nonce[sender], 1 + max nonce of
// sender's pending txs), per spec.md §4.10 — the next nonce a wallet
// should use so a new transaction chains after everything already
// queued for that sender.
func (mp *Mempool) PendingNonce(sender string) uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	base := mp.ledger.Nonce(sender)
	byNonce, ok := mp.pendingNonces[sender]
	if !ok || len(byNonce) == 0 {
		return base
	}

	var maxPending uint64
	for nonce := range byNonce {
		if nonce > maxPending {
			maxPending = nonce
		}
	}
	if maxPending+1 > base {
		return maxPending + 1
	}
	return base
}

// PendingCount returns how many pending transactions sender currently
// has queued, for the /api/account pending_count field.
func (mp *Mempool) PendingCount(sender string) int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.pendingNonces[sender])
}

// Take returns up to limit pending transactions, highest fee first, for
// a proposer assembling a block. It does not remove them — callers must
// call Remove once the block they end up in (if any) is committed.
func (mp *Mempool) Take(limit int) []core.Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	all := make([]core.Transaction, 0, len(mp.byHash))
	for _, tx := range mp.byHash {
		all = append(all, tx)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Fee != all[j].Fee {
			return all[i].Fee > all[j].Fee
		}
		return all[i].Timestamp < all[j].Timestamp
	})
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	return all[:limit]
}

// Remove evicts tx from the pool, typically after its block commits or
// after a reorg returns it (ForkChoice's ReorganizationPlan) and it is
// later superseded.
func (mp *Mempool) Remove(tx core.Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.removeLocked(tx)
}

func (mp *Mempool) removeLocked(tx core.Transaction) {
	hash := tx.CalculateHash()
	delete(mp.byHash, hash)
	if byNonce, ok := mp.pendingNonces[tx.Sender]; ok {
		delete(byNonce, tx.Nonce)
		if len(byNonce) == 0 {
			delete(mp.pendingNonces, tx.Sender)
		}
	}
}

// RemoveBatch removes every transaction in txs, e.g. everything a just
// committed block consumed.
func (mp *Mempool) RemoveBatch(txs []core.Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, tx := range txs {
		mp.removeLocked(tx)
	}
}

// Count returns the number of transactions currently pending.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.byHash)
}
