// Package network provides an in-memory simulated peer-to-peer transport
// for the consensus core, carrying spec.md §6's five P2P message types
// (announce_node, new_transaction, new_block, sync_request, peer_list)
// between SimulatedNetwork instances connected in the same process.
//
// Framing, authentication, and replay protection are out of scope per
// spec.md §1 — a real transport would sit behind the same Envelope/message
// shape this package defines.
package network

import "github.com/evokitimpal/timpal/internal/timpallog"

var logger = timpallog.For("network")
