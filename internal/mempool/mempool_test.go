package mempool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

type fakeLedger struct{ nonces map[string]uint64 }

func (f fakeLedger) Nonce(address string) uint64 { return f.nonces[address] }

func signedTransfer(t *testing.T, priv *timpalcrypto.PrivateKey, nonce uint64, fee uint64) core.Transaction {
	t.Helper()
	tx := core.Transaction{
		Sender:    timpalcrypto.DeriveAddress(priv.PublicKey()),
		Recipient: "tmplrecipient",
		Amount:    10,
		Fee:       fee,
		Timestamp: 1_700_000_000 + int64(nonce),
		Nonce:     nonce,
		TxType:    core.TxTransfer,
	}
	tx.Sign(priv)
	return tx
}

func TestAddTransactionRejectsDuplicate(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	mp := New(fakeLedger{nonces: map[string]uint64{}}, 10)
	tx := signedTransfer(t, priv, 0, 5)

	require.NoError(t, mp.AddTransaction(tx))
	require.ErrorIs(t, mp.AddTransaction(tx), timpalerrors.ErrTxAlreadyInMempool)
	require.Equal(t, 1, mp.Count())
}

func TestAddTransactionRejectsBadSignature(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	mp := New(fakeLedger{nonces: map[string]uint64{}}, 10)
	tx := signedTransfer(t, priv, 0, 5)
	tx.Amount = 99999 // tamper after signing

	require.ErrorIs(t, mp.AddTransaction(tx), timpalerrors.ErrSignatureInvalid)
	require.Equal(t, 0, mp.Count())
}

func TestAddTransactionRejectsAtCapacity(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	mp := New(fakeLedger{nonces: map[string]uint64{}}, 1)
	require.NoError(t, mp.AddTransaction(signedTransfer(t, priv, 0, 5)))
	require.ErrorIs(t, mp.AddTransaction(signedTransfer(t, priv, 1, 5)), timpalerrors.ErrMempoolFull)
}

func TestPendingNonceTracksMaxQueuedNoncePlusOne(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr := timpalcrypto.DeriveAddress(priv.PublicKey())

	ledger := fakeLedger{nonces: map[string]uint64{addr: 3}}
	mp := New(ledger, 10)

	require.Equal(t, uint64(3), mp.PendingNonce(addr))

	require.NoError(t, mp.AddTransaction(signedTransfer(t, priv, 3, 5)))
	require.Equal(t, uint64(4), mp.PendingNonce(addr))

	require.NoError(t, mp.AddTransaction(signedTransfer(t, priv, 4, 5)))
	require.Equal(t, uint64(5), mp.PendingNonce(addr))
}

func TestPendingNonceFallsBackToLedgerWhenNoPendingTxs(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr := timpalcrypto.DeriveAddress(priv.PublicKey())

	mp := New(fakeLedger{nonces: map[string]uint64{addr: 7}}, 10)
	require.Equal(t, uint64(7), mp.PendingNonce(addr))
}

func TestTakeOrdersByFeeDescending(t *testing.T) {
	priv1, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	priv2, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	mp := New(fakeLedger{nonces: map[string]uint64{}}, 10)
	low := signedTransfer(t, priv1, 0, 5)
	high := signedTransfer(t, priv2, 0, 50)
	require.NoError(t, mp.AddTransaction(low))
	require.NoError(t, mp.AddTransaction(high))

	ordered := mp.Take(10)
	require.Len(t, ordered, 2)
	require.Equal(t, uint64(50), ordered[0].Fee)
	require.Equal(t, uint64(5), ordered[1].Fee)
}

func TestTakeRespectsLimit(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)

	mp := New(fakeLedger{nonces: map[string]uint64{}}, 10)
	require.NoError(t, mp.AddTransaction(signedTransfer(t, priv, 0, 5)))
	require.NoError(t, mp.AddTransaction(signedTransfer(t, priv, 1, 5)))

	require.Len(t, mp.Take(1), 1)
}

func TestRemoveBatchEvictsAndClearsPendingNonceIndex(t *testing.T) {
	priv, _, err := timpalcrypto.GenerateKeyPair()
	require.NoError(t, err)
	addr := timpalcrypto.DeriveAddress(priv.PublicKey())

	mp := New(fakeLedger{nonces: map[string]uint64{addr: 0}}, 10)
	tx := signedTransfer(t, priv, 0, 5)
	require.NoError(t, mp.AddTransaction(tx))
	require.Equal(t, 1, mp.PendingCount(addr))

	mp.RemoveBatch([]core.Transaction{tx})
	require.Equal(t, 0, mp.Count())
	require.Equal(t, 0, mp.PendingCount(addr))
	require.Equal(t, uint64(0), mp.PendingNonce(addr))
}
