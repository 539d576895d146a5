package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evokitimpal/timpal/internal/core"
)

func testBlock(height int64) *core.Block {
	return &core.Block{
		Height:       height,
		Timestamp:    time.Now().Unix(),
		Transactions: []core.Transaction{},
		PreviousHash: "prev",
		Proposer:     "validator-1",
		BlockHash:    "hash",
	}
}

func TestConnectIsBidirectional(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)

	require.Equal(t, 1, a.PeerCount())
	require.Equal(t, 1, b.PeerCount())
}

func TestBroadcastBlockDeliversToPeer(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)

	block := testBlock(3)
	require.NoError(t, a.BroadcastBlock(block))

	select {
	case received := <-b.IncomingBlocks():
		require.Equal(t, block.Height, received.Height)
		require.Equal(t, block.BlockHash, received.BlockHash)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for block delivery")
	}
}

func TestBroadcastBlockUpdatesReceiverPeerHeight(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)

	require.NoError(t, a.BroadcastBlock(testBlock(4)))

	require.Eventually(t, func() bool {
		return b.MaxPeerHeight() == 5
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcastTransactionDeliversToPeer(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)

	tx := core.Transaction{Sender: "alice", Recipient: "bob", Amount: 10, Nonce: 1, TxType: core.TxTransfer}
	require.NoError(t, a.BroadcastTransaction(tx))

	select {
	case received := <-b.IncomingTransactions():
		require.Equal(t, tx.Sender, received.Sender)
		require.Equal(t, tx.Amount, received.Amount)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transaction delivery")
	}
}

func TestRequestSyncReturnsBlocksFromProvider(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)

	b.SetBlockRangeProvider(func(fromHeight int64) []*core.Block {
		require.Equal(t, int64(2), fromHeight)
		return []*core.Block{testBlock(2), testBlock(3)}
	})

	a.RequestSync(2)

	received := make([]*core.Block, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case blk := <-a.IncomingBlocks():
			received = append(received, blk)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sync response blocks")
		}
	}
	require.Equal(t, int64(2), received[0].Height)
	require.Equal(t, int64(3), received[1].Height)
}

func TestRequestSyncWithNoProviderIsNoop(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)

	a.RequestSync(0)

	select {
	case <-a.IncomingBlocks():
		t.Fatal("expected no block without a provider wired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectStopsDelivery(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)
	a.Disconnect(b.ID)

	require.Equal(t, 0, a.PeerCount())
	require.NoError(t, a.BroadcastBlock(testBlock(1)))

	select {
	case <-b.IncomingBlocks():
		t.Fatal("peer should not receive blocks after disconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeerListReportsKnownHeights(t *testing.T) {
	a := NewSimulatedNetwork()
	b := NewSimulatedNetwork()
	Connect(a, b)
	require.NoError(t, a.BroadcastBlock(testBlock(7)))

	require.Eventually(t, func() bool {
		list := b.PeerList()
		return len(list.Peers) == 1 && list.Peers[0].Height == 8
	}, time.Second, 10*time.Millisecond)
}
