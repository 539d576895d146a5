package consensus

import "github.com/evokitimpal/timpal/internal/core"

// NetworkPort is everything the consensus loop needs from the transport
// layer, kept deliberately narrow so Engine can be unit tested against a
// fake without pulling in the real peer-to-peer stack. A future network
// package implements this against spec.md §6's announce_node/new_block/
// sync_request message set.
type NetworkPort interface {
	// BroadcastBlock announces a newly committed block to peers.
	BroadcastBlock(block *core.Block) error
	// BroadcastTransaction announces a transaction the node itself
	// originated (not used by the proposer loop directly, but kept here
	// so Engine has one interface for everything it can push outward).
	BroadcastTransaction(tx core.Transaction) error
	// IncomingBlocks delivers blocks received from peers, in arrival
	// order. The channel is never closed while the network is running.
	IncomingBlocks() <-chan *core.Block
	// MaxPeerHeight returns the highest chain height any reachable peer
	// has reported, or -1 if no peers have reported a height yet.
	MaxPeerHeight() int64
	// PeerCount returns the number of currently reachable peers.
	PeerCount() int
	// RequestSync asks peers for blocks starting at fromHeight.
	RequestSync(fromHeight int64)
}
