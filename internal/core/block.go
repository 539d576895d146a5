package core

import (
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
)

// Block is the append-only chain's unit of commitment, per spec.md §3.
//
// Grounded on the teacher's internal/core/block.go for the Go shape
// (NewBlock/HeaderForSigning-style header hashing) but the teacher's
// HashTransactions was an explicit placeholder ("not a real Merkle Root",
// its own TODO says so) — CalculateMerkleRoot here implements the real
// pairwise-duplicate-odd algorithm from
// original_source/app/block.py's calculate_merkle_root, and CalculateHash
// hashes the canonical JSON header exactly as block.py's calculate_hash
// does, rather than the teacher's binary concatenation.
type Block struct {
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`

	Transactions []Transaction `json:"transactions"`

	PreviousHash string `json:"previous_hash"`
	Proposer     string `json:"proposer"`

	Reward           uint64            `json:"reward"`
	RewardAllocations map[string]uint64 `json:"reward_allocations"`

	MerkleRoot       string `json:"merkle_root"`
	ProposerSignature []byte `json:"proposer_signature"`
	BlockHash        string `json:"block_hash"`

	// Time-sliced slot/rank: slot is the scheduling unit (one per block
	// height under normal operation); rank selects which queue entry
	// (0 = primary, 1+ = fallback) produced this block.
	Slot int64 `json:"slot"`
	Rank uint8 `json:"rank"`
}

// CalculateMerkleRoot recomputes the Merkle root from freshly recomputed
// transaction hashes (the cached tx_hash on each Transaction MUST NOT be
// trusted, per spec.md §3 and §4.3) using iterated pairwise SHA-256,
// duplicating the last hash at each level when the count is odd. The
// empty-transaction-set root is sha256("").
func (b *Block) CalculateMerkleRoot() string {
	if len(b.Transactions) == 0 {
		return timpalcrypto.Sha256Hex(nil)
	}

	level := make([]string, len(b.Transactions))
	for i := range b.Transactions {
		level[i] = b.Transactions[i].CalculateHash()
	}

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := level[i] + level[i+1]
			next = append(next, timpalcrypto.Sha256Hex([]byte(combined)))
		}
		level = next
	}
	return level[0]
}

// headerPayload builds the canonical, sorted-key JSON payload that
// block_hash is computed over, per spec.md §3: "block_hash = SHA-256 over
// canonical JSON of {height, timestamp, merkle_root, previous_hash,
// proposer, reward, reward_allocations, slot, rank}".
func (b *Block) headerPayload(merkleRoot string) map[string]interface{} {
	allocations := b.RewardAllocations
	if allocations == nil {
		allocations = map[string]uint64{}
	}
	return map[string]interface{}{
		"height":             b.Height,
		"timestamp":          b.Timestamp,
		"merkle_root":        merkleRoot,
		"previous_hash":      b.PreviousHash,
		"proposer":           b.Proposer,
		"reward":             b.Reward,
		"reward_allocations": allocations,
		"slot":               b.Slot,
		"rank":               b.Rank,
	}
}

// CalculateHash always recomputes the Merkle root before hashing the
// header, so that any transaction tampering after the block was first
// hashed is detected, per spec.md §4.3.
func (b *Block) CalculateHash() string {
	merkleRoot := b.CalculateMerkleRoot()
	b.MerkleRoot = merkleRoot
	payload := b.headerPayload(merkleRoot)
	encoded := MustCanonicalJSON(payload)
	return timpalcrypto.Sha256Hex(encoded)
}

// SignBlock signs the block's current hash with the proposer's key and
// sets BlockHash/ProposerSignature.
func (b *Block) SignBlock(priv *timpalcrypto.PrivateKey) {
	b.BlockHash = b.CalculateHash()
	digest := timpalcrypto.Sha256([]byte(b.BlockHash))
	b.ProposerSignature = timpalcrypto.Sign(priv, digest[:])
}

// VerifyProposerSignature re-hashes the block before checking the
// signature, so any post-sign tampering (to transactions, reward
// allocations, slot/rank, etc.) fails verification, per spec.md §4.3.
func (b *Block) VerifyProposerSignature(pub *timpalcrypto.PublicKey) bool {
	if len(b.ProposerSignature) == 0 {
		return false
	}
	currentHash := b.CalculateHash()
	if currentHash != b.BlockHash {
		return false
	}
	digest := timpalcrypto.Sha256([]byte(currentHash))
	return timpalcrypto.Verify(pub, digest[:], b.ProposerSignature)
}

// SerializedSize approximates the wire size used for the
// MAX_BLOCK_SIZE_BYTES check in spec.md §6/§4.9 step 5.
func (b *Block) SerializedSize() int {
	encoded, err := CanonicalJSON(b)
	if err != nil {
		return 0
	}
	return len(encoded)
}
