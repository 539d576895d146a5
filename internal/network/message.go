package network

import "github.com/evokitimpal/timpal/internal/core"

// MessageType names one of spec.md §6's five P2P message content types.
type MessageType string

const (
	MessageAnnounceNode    MessageType = "announce_node"
	MessageNewTransaction  MessageType = "new_transaction"
	MessageNewBlock        MessageType = "new_block"
	MessageSyncRequest     MessageType = "sync_request"
	MessagePeerList        MessageType = "peer_list"
)

// AnnounceNodePayload is a new peer's self-introduction.
type AnnounceNodePayload struct {
	DeviceID      string `json:"device_id"`
	RewardAddress string `json:"reward_address"`
}

// NewTransactionPayload carries a single transaction a peer is relaying.
type NewTransactionPayload struct {
	Transaction core.Transaction `json:"transaction"`
}

// NewBlockPayload carries a single newly committed or relayed block.
type NewBlockPayload struct {
	Block core.Block `json:"block"`
}

// SyncRequestPayload asks a peer for every block after CurrentHeight, the
// requester's latest height. CurrentHeight == -1 means "I have nothing,
// send from 0".
type SyncRequestPayload struct {
	CurrentHeight int64 `json:"current_height"`
}

// PeerInfo is one entry of a peer_list response.
type PeerInfo struct {
	ID     string `json:"id"`
	Height int64  `json:"height"`
}

// PeerListPayload is the known-peers response to an announce_node.
type PeerListPayload struct {
	Peers []PeerInfo `json:"peers"`
}

// Envelope wraps a payload with its message type and the sending peer's
// ID, the shape every message actually crossing a SimulatedNetwork's
// inbox takes.
type Envelope struct {
	Type    MessageType
	From    string
	Payload interface{}
}
