package network

import (
	"sync"

	"github.com/google/uuid"

	"github.com/evokitimpal/timpal/internal/core"
)

// BlockRangeProvider answers a sync_request: given the first height a peer
// is missing, return every block this node holds from that height on, in
// order.
type BlockRangeProvider func(fromHeight int64) []*core.Block

// link is one established connection from a SimulatedNetwork to a peer,
// carrying its own inbox and processor goroutine.
type link struct {
	peer     *SimulatedNetwork
	inbox    chan Envelope
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newLink(peer *SimulatedNetwork) *link {
	return &link{
		peer:     peer,
		inbox:    make(chan Envelope, 256),
		stopChan: make(chan struct{}),
	}
}

func (l *link) start(owner *SimulatedNetwork) {
	l.wg.Add(1)
	go l.process(owner)
}

func (l *link) stop() {
	close(l.stopChan)
	l.wg.Wait()
}

func (l *link) process(owner *SimulatedNetwork) {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopChan:
			return
		case env, ok := <-l.inbox:
			if !ok {
				return
			}
			owner.route(env)
		}
	}
}

// SimulatedNetwork is an in-memory peer-to-peer transport connecting
// SimulatedNetwork instances within the same process. It satisfies
// consensus.NetworkPort by structural typing, so this package never
// imports internal/consensus.
type SimulatedNetwork struct {
	ID string

	mu                 sync.RWMutex
	links              map[string]*link
	peerHeights        map[string]int64
	blockRangeProvider BlockRangeProvider

	incomingBlocks chan *core.Block
	incomingTxs    chan core.Transaction
}

// NewSimulatedNetwork allocates a node with a fresh random ID and no
// connected peers.
func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		ID:             uuid.NewString(),
		links:          make(map[string]*link),
		peerHeights:    make(map[string]int64),
		incomingBlocks: make(chan *core.Block, 256),
		incomingTxs:    make(chan core.Transaction, 256),
	}
}

// SetBlockRangeProvider wires the callback sync_request is served from.
// A node with no provider set silently ignores sync requests.
func (sn *SimulatedNetwork) SetBlockRangeProvider(p BlockRangeProvider) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.blockRangeProvider = p
}

// Connect links two nodes bidirectionally, as announce_node would after
// a successful handshake.
func Connect(a, b *SimulatedNetwork) {
	a.addLink(b)
	b.addLink(a)
}

func (sn *SimulatedNetwork) addLink(peer *SimulatedNetwork) {
	sn.mu.Lock()
	if _, exists := sn.links[peer.ID]; exists {
		sn.mu.Unlock()
		return
	}
	l := newLink(peer)
	sn.links[peer.ID] = l
	sn.peerHeights[peer.ID] = 0
	sn.mu.Unlock()
	l.start(sn)
}

// Disconnect removes a peer and stops its processor goroutine.
func (sn *SimulatedNetwork) Disconnect(peerID string) {
	sn.mu.Lock()
	l, exists := sn.links[peerID]
	if !exists {
		sn.mu.Unlock()
		return
	}
	delete(sn.links, peerID)
	delete(sn.peerHeights, peerID)
	sn.mu.Unlock()
	l.stop()
}

func (sn *SimulatedNetwork) linkSnapshot() []*link {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	out := make([]*link, 0, len(sn.links))
	for _, l := range sn.links {
		out = append(out, l)
	}
	return out
}

func (sn *SimulatedNetwork) deliver(l *link, env Envelope) {
	env.From = sn.ID
	select {
	case l.inbox <- env:
	default:
		logger.WithField("peer", l.peer.ID).Warn("peer inbox full, dropping message")
	}
}

// BroadcastBlock implements consensus.NetworkPort.
func (sn *SimulatedNetwork) BroadcastBlock(block *core.Block) error {
	if block == nil {
		return nil
	}
	for _, l := range sn.linkSnapshot() {
		sn.deliver(l, Envelope{Type: MessageNewBlock, Payload: NewBlockPayload{Block: *block}})
	}
	return nil
}

// BroadcastTransaction implements consensus.NetworkPort.
func (sn *SimulatedNetwork) BroadcastTransaction(tx core.Transaction) error {
	for _, l := range sn.linkSnapshot() {
		sn.deliver(l, Envelope{Type: MessageNewTransaction, Payload: NewTransactionPayload{Transaction: tx}})
	}
	return nil
}

// RequestSync implements consensus.NetworkPort, asking every connected
// peer for blocks from fromHeight on.
func (sn *SimulatedNetwork) RequestSync(fromHeight int64) {
	currentHeight := fromHeight - 1
	for _, l := range sn.linkSnapshot() {
		sn.deliver(l, Envelope{Type: MessageSyncRequest, Payload: SyncRequestPayload{CurrentHeight: currentHeight}})
	}
}

// IncomingBlocks implements consensus.NetworkPort.
func (sn *SimulatedNetwork) IncomingBlocks() <-chan *core.Block {
	return sn.incomingBlocks
}

// IncomingTransactions delivers transactions relayed by peers, for a
// node's mempool to pull from; not part of consensus.NetworkPort, since
// the consensus loop itself never consumes transactions directly.
func (sn *SimulatedNetwork) IncomingTransactions() <-chan core.Transaction {
	return sn.incomingTxs
}

// MaxPeerHeight implements consensus.NetworkPort.
func (sn *SimulatedNetwork) MaxPeerHeight() int64 {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	max := int64(-1)
	for _, h := range sn.peerHeights {
		if h > max {
			max = h
		}
	}
	return max
}

// PeerCount implements consensus.NetworkPort.
func (sn *SimulatedNetwork) PeerCount() int {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	return len(sn.links)
}

// AnnounceNode logs a peer's self-introduction. Real discovery/handshake
// logic sits outside this in-memory simulation.
func (sn *SimulatedNetwork) AnnounceNode(payload AnnounceNodePayload) {
	logger.WithField("device_id", payload.DeviceID).WithField("reward_address", payload.RewardAddress).Info("peer announced")
}

// PeerList reports every connected peer's last-known height, the
// peer_list response to an announce_node.
func (sn *SimulatedNetwork) PeerList() PeerListPayload {
	sn.mu.RLock()
	defer sn.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(sn.peerHeights))
	for id, h := range sn.peerHeights {
		peers = append(peers, PeerInfo{ID: id, Height: h})
	}
	return PeerListPayload{Peers: peers}
}

func (sn *SimulatedNetwork) recordPeerHeight(peerID string, height int64) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	if height > sn.peerHeights[peerID] {
		sn.peerHeights[peerID] = height
	}
}

// route dispatches an envelope delivered into this node's links to the
// right handling, keyed on its type.
func (sn *SimulatedNetwork) route(env Envelope) {
	switch env.Type {
	case MessageNewBlock:
		payload, ok := env.Payload.(NewBlockPayload)
		if !ok {
			logger.Warn("malformed new_block payload")
			return
		}
		block := payload.Block
		sn.recordPeerHeight(env.From, block.Height+1)
		select {
		case sn.incomingBlocks <- &block:
		default:
			logger.WithField("node", sn.ID).Warn("incoming block channel full, dropping block")
		}

	case MessageNewTransaction:
		payload, ok := env.Payload.(NewTransactionPayload)
		if !ok {
			logger.Warn("malformed new_transaction payload")
			return
		}
		select {
		case sn.incomingTxs <- payload.Transaction:
		default:
			logger.WithField("node", sn.ID).Warn("incoming transaction channel full, dropping transaction")
		}

	case MessageSyncRequest:
		payload, ok := env.Payload.(SyncRequestPayload)
		if !ok {
			logger.Warn("malformed sync_request payload")
			return
		}
		sn.handleSyncRequest(env.From, payload.CurrentHeight)

	case MessageAnnounceNode:
		payload, ok := env.Payload.(AnnounceNodePayload)
		if ok {
			sn.AnnounceNode(payload)
		}

	case MessagePeerList:
		// Informational; nothing in this simulation consumes a received
		// peer_list yet.

	default:
		logger.WithField("type", string(env.Type)).Warn("unhandled message type")
	}
}

func (sn *SimulatedNetwork) handleSyncRequest(requesterID string, currentHeight int64) {
	sn.mu.RLock()
	provider := sn.blockRangeProvider
	l, known := sn.links[requesterID]
	sn.mu.RUnlock()
	if provider == nil || !known {
		return
	}
	blocks := provider(currentHeight + 1)
	for _, b := range blocks {
		sn.deliver(l, Envelope{Type: MessageNewBlock, Payload: NewBlockPayload{Block: *b}})
	}
}
