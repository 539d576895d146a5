package consensus

// Phase is the node's own view of how caught up it is with the network,
// per spec.md §4.11. A node only proposes blocks while ACTIVE.
type Phase string

const (
	// PhaseSyncing means the node is behind and must not propose.
	PhaseSyncing Phase = "syncing"
	// PhaseCooling means the node recently caught up and is waiting out
	// SyncCoolingBlocks ticks before trusting its own view enough to
	// propose, so a single lucky sync burst doesn't immediately promote
	// a node that is still missing peers or historical state.
	PhaseCooling Phase = "cooling"
	// PhaseActive means the node proposes and votes normally.
	PhaseActive Phase = "active"
)

const (
	// SyncLagThreshold is the max height gap behind the best known peer
	// at which a SYNCING node is allowed to start cooling down.
	SyncLagThreshold = 5
	// SevereLagThreshold drops an ACTIVE or COOLING node straight back
	// to SYNCING.
	SevereLagThreshold = 10
	// SyncCoolingBlocks is how many consecutive in-range ticks a node
	// must observe while COOLING before promoting to ACTIVE.
	SyncCoolingBlocks = 5
	// MinValidatorsForConsensus is the minimum number of active,
	// non-slashed validators required before a node will propose; below
	// this the network cannot safely reach agreement.
	MinValidatorsForConsensus = 2
)

// updatePhase recomputes e.phase from the current height lag against the
// best known peer height. Called once per tick before any proposal
// attempt; never blocks.
func (e *Engine) updatePhase(localHeight, maxPeerHeight int64) {
	lag := maxPeerHeight - localHeight

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.phase {
	case PhaseActive:
		if lag > SevereLagThreshold {
			e.phase = PhaseSyncing
		}
	case PhaseCooling:
		if lag > SevereLagThreshold {
			e.phase = PhaseSyncing
			return
		}
		e.coolingRemaining--
		if e.coolingRemaining <= 0 {
			e.phase = PhaseActive
		}
	case PhaseSyncing:
		if lag <= SyncLagThreshold {
			e.phase = PhaseCooling
			e.coolingRemaining = SyncCoolingBlocks
		}
	}
}

// Phase returns the engine's current sync phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}
