// Package core defines the wire-level record types of the consensus core:
// Transaction (C2) and Block (C3).
//
// Grounded on the teacher's internal/core/transaction.go for the Go shape
// (canonical-payload-struct-then-hash pattern, constructor-per-type
// helpers, sentinel errors) but rebuilt against spec.md §3/§4.2: the
// teacher's UTXO-style Transaction (TxInput/TxOutput/multisig) is replaced
// by TIMPAL's account+nonce model, and P256 signing is replaced by
// secp256k1 via internal/timpalcrypto.
package core

import (
	"fmt"
	"sort"

	"github.com/evokitimpal/timpal/internal/timpalcrypto"
	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

// TxType enumerates the transaction kinds spec.md §3 names.
type TxType string

const (
	TxTransfer              TxType = "transfer"
	TxValidatorRegistration TxType = "validator_registration"
	TxValidatorHeartbeat    TxType = "validator_heartbeat"
	TxEpochAttestation      TxType = "epoch_attestation"
	TxTimeoutCertificate    TxType = "timeout_certificate"
	TxGenesisReward         TxType = "genesis_reward"
)

// nonceAdvancingTypes are the tx types that advance nonces[sender] per
// spec.md §4.2's nonce rule.
var nonceAdvancingTypes = map[TxType]bool{
	TxTransfer:              true,
	TxValidatorRegistration: true,
}

// AdvancesNonce reports whether applying a transaction of this type
// advances the sender's nonce.
func (t TxType) AdvancesNonce() bool {
	return nonceAdvancingTypes[t]
}

// TimeoutVote is one validator's vote inside a timeout_certificate,
// grounded on original_source/app/ledger.py's
// _validate_timeout_certificate (each vote carries a validator identity
// and a signature over the certificate being voted for).
type TimeoutVote struct {
	Validator string `json:"validator"`
	Signature []byte `json:"signature"`
}

// Transaction is the account-model transaction record. Exactly one of
// the type-specific field groups is meaningful, selected by TxType.
type Transaction struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Timestamp int64  `json:"timestamp"`
	Nonce     uint64 `json:"nonce"`
	TxType    TxType `json:"tx_type"`
	PublicKey string `json:"public_key"`

	// validator_registration
	DeviceID string `json:"device_id,omitempty"`

	// epoch_attestation
	EpochNumber int64 `json:"epoch_number,omitempty"`

	// timeout_certificate
	Round int64         `json:"round,omitempty"`
	Votes []TimeoutVote `json:"votes,omitempty"`

	// Set after construction; excluded from the hashed payload.
	Signature []byte `json:"signature"`
	TxHash    string `json:"tx_hash"`
}

// canonicalPayload builds the ordered, hash-stable representation of a
// transaction's semantic fields (everything except signature/tx_hash
// itself), per spec.md §3: "tx_hash is SHA-256 over canonical JSON of all
// semantic fields".
func (tx *Transaction) canonicalPayload() map[string]interface{} {
	payload := map[string]interface{}{
		"sender":     tx.Sender,
		"recipient":  tx.Recipient,
		"amount":     tx.Amount,
		"fee":        tx.Fee,
		"timestamp":  tx.Timestamp,
		"nonce":      tx.Nonce,
		"tx_type":    string(tx.TxType),
		"public_key": tx.PublicKey,
	}
	switch tx.TxType {
	case TxValidatorRegistration:
		payload["device_id"] = tx.DeviceID
	case TxEpochAttestation:
		payload["epoch_number"] = tx.EpochNumber
	case TxTimeoutCertificate:
		payload["round"] = tx.Round
		votes := make([]map[string]interface{}, 0, len(tx.Votes))
		// Sort by validator address so the certificate hashes identically
		// regardless of vote-collection order.
		sorted := append([]TimeoutVote(nil), tx.Votes...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Validator < sorted[j].Validator })
		for _, v := range sorted {
			votes = append(votes, map[string]interface{}{
				"validator": v.Validator,
				"signature": v.Signature,
			})
		}
		payload["votes"] = votes
	}
	return payload
}

// CalculateHash recomputes tx_hash from the transaction's current fields.
// Callers must never trust a cached TxHash during verification — always
// call this and compare, matching block.go's "don't use cached tx_hash"
// invariant applied at the transaction level.
func (tx *Transaction) CalculateHash() string {
	payload := tx.canonicalPayload()
	encoded := MustCanonicalJSON(payload)
	return timpalcrypto.Sha256Hex(encoded)
}

// Sign signs the transaction's current hash with priv and sets
// PublicKey/Signature/TxHash.
func (tx *Transaction) Sign(priv *timpalcrypto.PrivateKey) {
	tx.PublicKey = priv.PublicKey().Hex()
	tx.TxHash = tx.CalculateHash()
	hash := timpalcrypto.Sha256([]byte(tx.TxHash))
	tx.Signature = timpalcrypto.Sign(priv, hash[:])
}

// Verify checks that the transaction's signature is valid over a freshly
// recomputed hash and that Sender matches the public key it claims to be
// signed by, per spec.md §4.2: "verify() checks signature over canonical
// tx_hash and that derive_address(public_key) == sender".
func (tx *Transaction) Verify() bool {
	if tx.PublicKey == "" || len(tx.Signature) == 0 {
		return false
	}
	pub, err := timpalcrypto.PublicKeyFromHex(tx.PublicKey)
	if err != nil {
		return false
	}
	if timpalcrypto.DeriveAddress(pub) != tx.Sender {
		return false
	}
	freshHash := tx.CalculateHash()
	digest := timpalcrypto.Sha256([]byte(freshHash))
	return timpalcrypto.Verify(pub, digest[:], tx.Signature)
}

// ValidationState is the minimal read view IsValid needs: current
// balances and nonces. The Ledger supplies a live or temporary/rolling
// view of this during block application, per spec.md §4.9 step 7.
type ValidationState interface {
	Balance(address string) uint64
	Nonce(address string) uint64
}

// IsValid applies the per-type structural/economic checks of spec.md
// §4.2. It does not check attestation committee membership (that is
// AttestationManager's job, invoked separately by the Ledger) or registry
// uniqueness (also a Ledger-level, in-block-scan concern).
func (tx *Transaction) IsValid(state ValidationState, maxSupply uint64) (bool, error) {
	if tx.Amount > maxSupply {
		return false, timpalerrors.ErrAmountExceedsSupply
	}
	switch tx.TxType {
	case TxTransfer:
		if state.Nonce(tx.Sender) != tx.Nonce {
			return false, fmt.Errorf("%w: sender %s expected %d got %d",
				timpalerrors.ErrNonceMismatch, tx.Sender, state.Nonce(tx.Sender), tx.Nonce)
		}
		total := tx.Amount + tx.Fee
		if total < tx.Amount { // overflow guard
			return false, timpalerrors.ErrAmountExceedsSupply
		}
		if state.Balance(tx.Sender) < total {
			return false, timpalerrors.ErrInsufficientBalance
		}
		return true, nil
	case TxValidatorRegistration:
		if tx.DeviceID == "" {
			return false, fmt.Errorf("%w: empty device_id", timpalerrors.ErrMalformedPublicKey)
		}
		if !timpalcrypto.IsValidAddress(tx.Sender) {
			return false, timpalerrors.ErrAddressMismatch
		}
		if state.Nonce(tx.Sender) != tx.Nonce {
			return false, timpalerrors.ErrNonceMismatch
		}
		return true, nil
	case TxEpochAttestation:
		if tx.EpochNumber < 0 {
			return false, fmt.Errorf("%w: negative epoch_number", timpalerrors.ErrNegativeAmount)
		}
		return true, nil
	case TxValidatorHeartbeat:
		// Legacy type; never advances nonce, always structurally accepted
		// here (liveness significance, if any, is read-only).
		return true, nil
	case TxTimeoutCertificate:
		if len(tx.Votes) == 0 {
			return false, fmt.Errorf("%w: timeout certificate has no votes", timpalerrors.ErrTimeoutCertInvalid)
		}
		return true, nil
	case TxGenesisReward:
		return true, nil
	default:
		return false, timpalerrors.ErrUnknownTxType
	}
}
