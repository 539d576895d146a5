// Package historicalstate implements HistoricalStateLog (C8): per-height
// validator-registry frames and attestation snapshots, persisted and
// cached so that a chain reorganization can replay VRF proposer selection
// against the exact state that was in effect at each historical height
// instead of the current, possibly-already-rolled-forward state.
//
// Grounded in full on original_source/app/historical_state.py
// (ValidatorEntry, ValidatorStateFrame, HistoricalStateRecord,
// HistoricalStateLog); ledger.py's _record_historical_state and
// _get_historical_expected_proposer describe how the ledger calls into
// this package.
package historicalstate

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
)

// ValidatorEntry is a validator's complete registry state at one height,
// enough to reconstruct VRF eligibility.
type ValidatorEntry struct {
	Address            string `json:"address"`
	PublicKey          string `json:"public_key"`
	DeviceID           string `json:"device_id"`
	Status             string `json:"status"`
	RegisteredAt       int64  `json:"registered_at"`
	RegistrationHeight int64  `json:"registration_height"`
	ActivationHeight   int64  `json:"activation_height"`
	DepositAmount      uint64 `json:"deposit_amount"`
	VotingPower        uint64 `json:"voting_power"`
	ProposerPriority   int64  `json:"proposer_priority"`
}

// LivenessFilterState captures the exact inputs to the liveness-filtered
// proposer set at one height, so a replay can reproduce it exactly.
type LivenessFilterState struct {
	RecentProposers        []string `json:"recent_proposers"`
	GracePeriodValidators  []string `json:"grace_period_validators"`
	CombinedLivenessSet    []string `json:"combined_liveness_set"`
	LookbackBlocks         int64    `json:"lookback_blocks"`
	GraceWindowBlocks      int64    `json:"grace_window_blocks"`
}

// ValidatorStateFrame is the full validator registry as of block_height.
type ValidatorStateFrame struct {
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	Timestamp   int64  `json:"timestamp"`

	OrderedValidators []ValidatorEntry `json:"ordered_validators"`

	LivenessFilterState *LivenessFilterState `json:"liveness_filter_state,omitempty"`

	EpochSeed   string `json:"epoch_seed"`
	EpochNumber int64  `json:"epoch_number"`

	IsFullFrame       bool  `json:"is_full_frame"`
	ParentFrameHeight *int64 `json:"parent_frame_height,omitempty"`

	AddedValidators   []ValidatorEntry  `json:"added_validators,omitempty"`
	RemovedValidators []string          `json:"removed_validators,omitempty"`
	StatusChanges     map[string]string `json:"status_changes,omitempty"`
}

// ActiveValidators returns the addresses with 'active' or 'genesis' status.
func (f *ValidatorStateFrame) ActiveValidators() []string {
	var out []string
	for _, v := range f.OrderedValidators {
		if v.Status == "active" || v.Status == "genesis" {
			out = append(out, v.Address)
		}
	}
	return out
}

// EligibleAtHeight returns active/genesis validators activated at or
// before height.
func (f *ValidatorStateFrame) EligibleAtHeight(height int64) []string {
	var out []string
	for _, v := range f.OrderedValidators {
		if v.ActivationHeight <= height && (v.Status == "active" || v.Status == "genesis") {
			out = append(out, v.Address)
		}
	}
	return out
}

// PublicKeyOf looks up a validator's public key within the frame.
func (f *ValidatorStateFrame) PublicKeyOf(address string) (string, bool) {
	for _, v := range f.OrderedValidators {
		if v.Address == address {
			return v.PublicKey, true
		}
	}
	return "", false
}

// Hash computes a deterministic integrity hash over the frame's identity
// and (address-sorted) validator set, grounded on
// ValidatorStateFrame.calculate_hash.
func (f *ValidatorStateFrame) Hash() string {
	sorted := append([]ValidatorEntry(nil), f.OrderedValidators...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	validators := make([]map[string]interface{}, len(sorted))
	for i, v := range sorted {
		validators[i] = map[string]interface{}{
			"address":             v.Address,
			"public_key":          v.PublicKey,
			"device_id":           v.DeviceID,
			"status":              v.Status,
			"registered_at":       v.RegisteredAt,
			"registration_height": v.RegistrationHeight,
			"activation_height":   v.ActivationHeight,
			"deposit_amount":      v.DepositAmount,
			"voting_power":        v.VotingPower,
			"proposer_priority":   v.ProposerPriority,
		}
	}
	payload := map[string]interface{}{
		"block_height": f.BlockHeight,
		"block_hash":   f.BlockHash,
		"validators":   validators,
	}
	return timpalcrypto.Sha256Hex(core.MustCanonicalJSON(payload))
}

// EpochSnapshot captures attestation/committee state at an epoch boundary,
// enough to recompute the VRF-ordered committee for any height in the
// epoch during replay.
type EpochSnapshot struct {
	EpochNumber      int64  `json:"epoch_number"`
	EpochStartBlock  int64  `json:"epoch_start_block"`
	EpochEndBlock    int64  `json:"epoch_end_block"`
	EpochSeed        string `json:"epoch_seed"`
	EpochSeedSourceHash string `json:"epoch_seed_source_hash"`

	CommitteeMembers []string `json:"committee_members"`

	Attestations map[string]int64 `json:"attestations"`

	ParticipatingValidators int     `json:"participating_validators"`
	TotalValidators         int     `json:"total_validators"`
	ParticipationRate       float64 `json:"participation_rate"`
	IsFinalized             bool    `json:"is_finalized"`
}

// Hash computes a deterministic integrity hash, grounded on
// EpochSnapshot.calculate_hash.
func (s *EpochSnapshot) Hash() string {
	committee := append([]string(nil), s.CommitteeMembers...)
	sort.Strings(committee)
	payload := map[string]interface{}{
		"epoch_number": s.EpochNumber,
		"epoch_seed":   s.EpochSeed,
		"committee":    committee,
		"attestations": s.Attestations,
	}
	return timpalcrypto.Sha256Hex(core.MustCanonicalJSON(payload))
}

// HistoricalStateRecord links a committed block to the validator frame and
// (optional) epoch snapshot in effect at that height, chained to the
// previous record's hash for tamper-evidence.
type HistoricalStateRecord struct {
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	Timestamp   int64  `json:"timestamp"`

	ValidatorFrameHash string `json:"validator_frame_hash"`

	EpochNumber         int64   `json:"epoch_number"`
	EpochSnapshotHash   string  `json:"epoch_snapshot_hash,omitempty"`
	HasEpochTransition  bool    `json:"has_epoch_transition"`

	PreviousRecordHash string `json:"previous_record_hash,omitempty"`

	ProposerAddress      string   `json:"proposer_address"`
	ProposerWasValid     bool     `json:"proposer_was_valid"`
	ExpectedProposerByVRF string  `json:"expected_proposer_by_vrf"`

	CurrentRound int64    `json:"current_round"`
	Slot         int64    `json:"slot"`
	ProposerQueue []string `json:"proposer_queue,omitempty"`
}

// RecordHash computes the integrity-chain hash, grounded on
// HistoricalStateRecord.calculate_record_hash.
func (r *HistoricalStateRecord) RecordHash() string {
	payload := map[string]interface{}{
		"block_height":         r.BlockHeight,
		"block_hash":           r.BlockHash,
		"validator_frame_hash": r.ValidatorFrameHash,
		"epoch_number":         r.EpochNumber,
		"epoch_snapshot_hash":  r.EpochSnapshotHash,
		"previous_record_hash": r.PreviousRecordHash,
	}
	return timpalcrypto.Sha256Hex(core.MustCanonicalJSON(payload))
}

// NewRecord builds a record for height, deriving ProposerWasValid from
// whether proposer matches the VRF-expected proposer (always true if no
// expected proposer was supplied, matching the reference's default).
func NewRecord(height int64, blockHash string, frame *ValidatorStateFrame, epochNumber int64, epochSnapshot *EpochSnapshot, previous *HistoricalStateRecord, proposer, expectedProposer string, round int64, slot int64, proposerQueue []string, timestamp int64) *HistoricalStateRecord {
	r := &HistoricalStateRecord{
		BlockHeight:           height,
		BlockHash:             blockHash,
		Timestamp:             timestamp,
		ValidatorFrameHash:    frame.Hash(),
		EpochNumber:           epochNumber,
		HasEpochTransition:    epochSnapshot != nil,
		ProposerAddress:       proposer,
		ExpectedProposerByVRF: expectedProposer,
		ProposerWasValid:      expectedProposer == "" || proposer == expectedProposer,
		CurrentRound:          round,
		Slot:                  slot,
		ProposerQueue:         proposerQueue,
	}
	if epochSnapshot != nil {
		r.EpochSnapshotHash = epochSnapshot.Hash()
	}
	if previous != nil {
		r.PreviousRecordHash = previous.RecordHash()
	}
	return r
}

// bundle is everything stored for one height.
type bundle struct {
	record        *HistoricalStateRecord
	frame         *ValidatorStateFrame
	epochSnapshot *EpochSnapshot
}

// Log is the in-process historical state log: an LRU-cached hot path over
// a pluggable Store for cold persistence.
type Log struct {
	cache *lru.Cache[int64, *bundle]
	store Store

	epochBoundaries []int64

	latestHeight   int64
	earliestHeight int64
}

// New constructs a Log. store may be NewMemoryStore() or a
// bbolt-backed store (see store.go); cacheSize bounds the hot in-memory
// set, with everything else served from store.
func New(store Store, cacheSize int) *Log {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New[int64, *bundle](cacheSize)
	if err != nil {
		panic(err)
	}
	return &Log{
		cache:          cache,
		store:          store,
		latestHeight:   -1,
		earliestHeight: 0,
	}
}

// Store persists a record/frame/optional epoch snapshot for one height,
// write-through to both the hot cache and the backing Store.
func (l *Log) Store(record *HistoricalStateRecord, frame *ValidatorStateFrame, epochSnapshot *EpochSnapshot) error {
	height := record.BlockHeight
	b := &bundle{record: record, frame: frame, epochSnapshot: epochSnapshot}
	l.cache.Add(height, b)

	if epochSnapshot != nil {
		found := false
		for _, h := range l.epochBoundaries {
			if h == height {
				found = true
				break
			}
		}
		if !found {
			l.epochBoundaries = append(l.epochBoundaries, height)
			sort.Slice(l.epochBoundaries, func(i, j int) bool { return l.epochBoundaries[i] < l.epochBoundaries[j] })
		}
	}

	if height > l.latestHeight {
		l.latestHeight = height
	}

	if l.store != nil {
		return l.store.Put(height, b.record, b.frame, b.epochSnapshot)
	}
	return nil
}

func (l *Log) load(height int64) (*bundle, bool) {
	if b, ok := l.cache.Get(height); ok {
		return b, true
	}
	if l.store == nil {
		return nil, false
	}
	record, frame, epochSnapshot, ok, err := l.store.Get(height)
	if err != nil || !ok {
		return nil, false
	}
	b := &bundle{record: record, frame: frame, epochSnapshot: epochSnapshot}
	l.cache.Add(height, b)
	return b, true
}

// GetRecord retrieves the record stored for height.
func (l *Log) GetRecord(height int64) (*HistoricalStateRecord, bool) {
	b, ok := l.load(height)
	if !ok {
		return nil, false
	}
	return b.record, true
}

// GetFrame retrieves the validator frame stored for height.
func (l *Log) GetFrame(height int64) (*ValidatorStateFrame, bool) {
	b, ok := l.load(height)
	if !ok {
		return nil, false
	}
	return b.frame, true
}

// GetEpochSnapshot retrieves the epoch snapshot stored exactly at height,
// if height was an epoch boundary.
func (l *Log) GetEpochSnapshot(height int64) (*EpochSnapshot, bool) {
	b, ok := l.load(height)
	if !ok || b.epochSnapshot == nil {
		return nil, false
	}
	return b.epochSnapshot, true
}

// GetNearestEpochSnapshot returns the epoch snapshot at the latest
// recorded epoch boundary at or before height.
func (l *Log) GetNearestEpochSnapshot(height int64) (*EpochSnapshot, int64) {
	best := int64(-1)
	for _, h := range l.epochBoundaries {
		if h <= height {
			best = h
		} else {
			break
		}
	}
	if best < 0 {
		return nil, -1
	}
	snap, ok := l.GetEpochSnapshot(best)
	if !ok {
		return nil, -1
	}
	return snap, best
}

// ValidatorSetAtHeight reconstructs the full validator set as of height,
// ordered fallback per spec.md §4.8: exact-height frame first; the
// reference implementation never actually applies deltas at read time
// (get_validator_set_at_height returns the stored frame's validators
// either way), so neither does this port.
func (l *Log) ValidatorSetAtHeight(height int64) (map[string]ValidatorEntry, bool) {
	frame, ok := l.GetFrame(height)
	if !ok {
		return nil, false
	}
	out := make(map[string]ValidatorEntry, len(frame.OrderedValidators))
	for _, v := range frame.OrderedValidators {
		out[v.Address] = v
	}
	return out, true
}

// ProposerQueueAtHeight returns the VRF-ordered proposer queue recorded
// for height, falling back to the nearest epoch snapshot's committee if
// the record itself didn't carry one.
func (l *Log) ProposerQueueAtHeight(height int64, computeQueue func(committee []string, epochSeed string, height int64) []string) ([]string, bool) {
	if record, ok := l.GetRecord(height); ok && len(record.ProposerQueue) > 0 {
		return record.ProposerQueue, true
	}
	snap, _ := l.GetNearestEpochSnapshot(height)
	if snap == nil || len(snap.CommitteeMembers) == 0 || snap.EpochSeed == "" {
		return nil, false
	}
	return computeQueue(snap.CommitteeMembers, snap.EpochSeed, height), true
}

// RemoveAboveHeight discards every record/frame/snapshot above height,
// used when rolling back to height during a reorg.
func (l *Log) RemoveAboveHeight(height int64) int {
	removed := 0
	for _, k := range l.cache.Keys() {
		if k > height {
			l.cache.Remove(k)
			removed++
		}
	}
	if l.store != nil {
		n, _ := l.store.DeleteAbove(height)
		if n > removed {
			removed = n
		}
	}

	kept := l.epochBoundaries[:0:0]
	for _, h := range l.epochBoundaries {
		if h <= height {
			kept = append(kept, h)
		}
	}
	l.epochBoundaries = kept

	if removed > 0 {
		l.latestHeight = height
	}
	return removed
}

// HasHeight reports whether a record exists for height, without touching
// the LRU's recency order more than a normal read would.
func (l *Log) HasHeight(height int64) bool {
	_, ok := l.GetRecord(height)
	return ok
}

// HeightRange returns (earliest, latest) known heights.
func (l *Log) HeightRange() (int64, int64) {
	return l.earliestHeight, l.latestHeight
}

