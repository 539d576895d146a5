// Package consensus implements the slot-paced proposer/validator loop
// (C11): waiting for each slot's scheduled time, tracking the node's own
// sync phase, selecting and waiting for its ranked proposer window,
// assembling and signing blocks from the mempool, and handing finished
// blocks to the ledger and the network.
//
// Grounded on this package's own prior engine.go/proposer.go for the
// overall ticker/select loop shape, rewritten against ledger.Ledger
// (which owns all real validation and state mutation) and
// mempool.Mempool in place of the earlier placeholder
// blockchain.Blockchain and no-op ValidationService.
package consensus

import "github.com/evokitimpal/timpal/internal/timpallog"

var logger = timpallog.For("consensus")
