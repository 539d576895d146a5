package core

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evokitimpal/timpal/internal/timpalcrypto"
)

func signedTx(t *testing.T, priv *timpalcrypto.PrivateKey, nonce uint64) Transaction {
	t.Helper()
	tx := Transaction{
		Sender:    timpalcrypto.DeriveAddress(priv.PublicKey()),
		Recipient: "tmplrecipient",
		Amount:    10,
		Fee:       1,
		Timestamp: 1_700_000_000,
		Nonce:     nonce,
		TxType:    TxTransfer,
	}
	tx.Sign(priv)
	return tx
}

func TestMerkleRootEmptyBlock(t *testing.T) {
	b := &Block{}
	require.Equal(t, timpalcrypto.Sha256Hex(nil), b.CalculateMerkleRoot())
}

func TestMerkleRootDuplicatesLastHashWhenOdd(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	odd := &Block{Transactions: []Transaction{
		signedTx(t, priv, 0),
		signedTx(t, priv, 1),
		signedTx(t, priv, 2),
	}}
	even := &Block{Transactions: append(append([]Transaction{}, odd.Transactions...), odd.Transactions[2])}

	require.Equal(t, even.CalculateMerkleRoot(), odd.CalculateMerkleRoot(),
		"odd transaction count must duplicate the last hash, matching the even-count result")
}

func TestMerkleRootDetectsTamperedTransaction(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	b := &Block{Transactions: []Transaction{signedTx(t, priv, 0), signedTx(t, priv, 1)}}
	original := b.CalculateMerkleRoot()

	b.Transactions[0].Amount = 99999
	require.NotEqual(t, original, b.CalculateMerkleRoot(),
		"recomputed merkle root must change when a transaction is tampered with, even if tx_hash was cached")
}

func TestBlockSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	b := &Block{
		Height:            1,
		Timestamp:         1_700_000_003,
		PreviousHash:      "0000000000000000000000000000000000000000000000000000000000000000000",
		Proposer:          timpalcrypto.DeriveAddress(pub),
		Reward:            63_450_000,
		RewardAllocations: map[string]uint64{timpalcrypto.DeriveAddress(pub): 63_450_000},
		Transactions:      []Transaction{signedTx(t, priv, 0)},
	}
	b.SignBlock(priv)
	require.True(t, b.VerifyProposerSignature(pub))
}

func TestBlockVerifyFailsAfterTamper(t *testing.T) {
	priv, pub, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	b := &Block{
		Height:       2,
		Timestamp:    1_700_000_006,
		PreviousHash: "abc",
		Proposer:     timpalcrypto.DeriveAddress(pub),
		Transactions: []Transaction{signedTx(t, priv, 0)},
	}
	b.SignBlock(priv)

	b.Reward = 1_000_000
	require.False(t, b.VerifyProposerSignature(pub))
}

func TestBlockHashStableAcrossRecompute(t *testing.T) {
	priv, pub, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	b := &Block{
		Height:       3,
		Timestamp:    1_700_000_009,
		PreviousHash: "def",
		Proposer:     timpalcrypto.DeriveAddress(pub),
		Slot:         3,
		Rank:         0,
	}
	h1 := b.CalculateHash()
	h2 := b.CalculateHash()
	require.Equal(t, h1, h2)
}
