// Package attestation implements AttestationManager (C5): per-epoch
// committee sampling, attestation recording, and snapshot/rollback.
//
// Grounded in full on original_source/app/attestation.py. Epoch length and
// attestation window are taken from timpalconfig (100/100), not
// attestation.py's stale class-default constructor parameters (10).
package attestation

import (
	"sort"
	"sync"

	"github.com/evokitimpal/timpal/internal/core"
	"github.com/evokitimpal/timpal/internal/timpalconfig"
	"github.com/evokitimpal/timpal/internal/timpalcrypto"
	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

// EpochInfo reports epoch participation, grounded on attestation.py's
// EpochInfo dataclass and get_epoch_info.
type EpochInfo struct {
	EpochNumber            int64
	StartBlock             int64
	EndBlock                int64
	AttestationDeadline     int64
	ParticipatingValidators int
	TotalValidators         int
	ParticipationRate       float64
	IsFinalized             bool
}

// Manager tracks attestations per epoch and the committee cache.
type Manager struct {
	cfg *timpalconfig.Config

	mu sync.RWMutex

	attestations      map[int64]map[string]int64 // epoch -> validator -> block_height
	epochCommittees   map[int64]map[string]bool  // cache
	finalizedEpochs    map[int64]bool
}

// New constructs an empty Manager for the given network config.
func New(cfg *timpalconfig.Config) *Manager {
	return &Manager{
		cfg:             cfg,
		attestations:    make(map[int64]map[string]int64),
		epochCommittees: make(map[int64]map[string]bool),
		finalizedEpochs: make(map[int64]bool),
	}
}

// EpochOf computes epoch_of(height) = height / EPOCH_LENGTH.
func (m *Manager) EpochOf(height int64) int64 { return height / m.cfg.EpochLength }

// EpochStart computes epoch_start(e) = e * EPOCH_LENGTH.
func (m *Manager) EpochStart(epoch int64) int64 { return epoch * m.cfg.EpochLength }

// EpochEnd computes the last block height belonging to epoch.
func (m *Manager) EpochEnd(epoch int64) int64 { return (epoch+1)*m.cfg.EpochLength - 1 }

// Deadline computes deadline(e) = epoch_start(e) + ATTESTATION_WINDOW - 1.
func (m *Manager) Deadline(epoch int64) int64 {
	return m.EpochStart(epoch) + m.cfg.AttestationWindow - 1
}

// SelectCommittee returns the deterministic committee for epoch,
// grounded on attestation.py's select_committee: if there are fewer
// validators than the committee size, the committee is everyone; else
// sort by sha256("epoch_{e}_{address}") ascending and take the first
// committee_size entries.
func (m *Manager) SelectCommittee(epoch int64, allValidators []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectCommitteeLocked(epoch, allValidators)
}

func (m *Manager) selectCommitteeLocked(epoch int64, allValidators []string) []string {
	if cached, ok := m.epochCommittees[epoch]; ok {
		return setToSortedSlice(cached)
	}

	if len(allValidators) <= m.cfg.AttestationCommitteeSize {
		committee := make(map[string]bool, len(allValidators))
		for _, v := range allValidators {
			committee[v] = true
		}
		m.epochCommittees[epoch] = committee
		return setToSortedSlice(committee)
	}

	type scored struct {
		hash string
		addr string
	}
	scoredList := make([]scored, len(allValidators))
	for i, v := range allValidators {
		combined := []byte("epoch_" + itoa(epoch) + "_" + v)
		scoredList[i] = scored{hash: timpalcrypto.Sha256Hex(combined), addr: v}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].hash < scoredList[j].hash })

	committee := make(map[string]bool, m.cfg.AttestationCommitteeSize)
	for i := 0; i < m.cfg.AttestationCommitteeSize && i < len(scoredList); i++ {
		committee[scoredList[i].addr] = true
	}
	m.epochCommittees[epoch] = committee
	return setToSortedSlice(committee)
}

// IsInCommittee checks committee membership for a validator in epoch.
func (m *Manager) IsInCommittee(epoch int64, validator string, allValidators []string) bool {
	committee := m.SelectCommittee(epoch, allValidators)
	for _, v := range committee {
		if v == validator {
			return true
		}
	}
	return false
}

// ShouldAttest reports whether validator should submit an attestation at
// blockHeight, grounded on attestation.py's should_attest (supplemented,
// see SPEC_FULL.md §5 — a read-only helper for a validator process, not a
// consensus-critical check).
func (m *Manager) ShouldAttest(blockHeight int64, validator string, allValidators []string) bool {
	epoch := m.EpochOf(blockHeight)
	if !m.IsInCommittee(epoch, validator, allValidators) {
		return false
	}
	if blockHeight > m.Deadline(epoch) {
		return false
	}
	if m.HasAttested(epoch, validator) {
		return false
	}
	return blockHeight >= m.EpochStart(epoch)
}

// ValidateAttestation checks an attestation without recording it, for use
// during block validation, grounded on attestation.py's
// validate_attestation.
func (m *Manager) ValidateAttestation(epoch int64, validator string, blockHeight int64, allValidators []string, skipCommitteeCheck bool) (bool, error) {
	currentEpoch := m.EpochOf(blockHeight)

	if epoch > currentEpoch {
		return false, timpalerrors.ErrAttestationFutureEpoch
	}
	if epoch < currentEpoch-1 {
		return false, timpalerrors.ErrAttestationTooOld
	}
	if !skipCommitteeCheck && !m.IsInCommittee(epoch, validator, allValidators) {
		return false, timpalerrors.ErrNotInCommittee
	}

	start := m.EpochStart(epoch)
	deadline := m.Deadline(epoch)
	if blockHeight < start || blockHeight > deadline {
		return false, timpalerrors.ErrAttestationOutOfWindow
	}

	if m.HasAttested(epoch, validator) {
		return false, timpalerrors.ErrAlreadyAttested
	}
	return true, nil
}

// RecordAttestation records a validator's attestation for an epoch. It
// assumes ValidateAttestation has already run; it is only called during
// block application, never during validation, per attestation.py's
// record_attestation docstring.
func (m *Manager) RecordAttestation(epoch int64, validator string, blockHeight int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byValidator, ok := m.attestations[epoch]; ok {
		if _, exists := byValidator[validator]; exists {
			return false
		}
	} else {
		m.attestations[epoch] = make(map[string]int64)
	}
	m.attestations[epoch][validator] = blockHeight
	return true
}

// GetAttestationsForEpoch returns a copy of the epoch's attestation map.
func (m *Manager) GetAttestationsForEpoch(epoch int64) map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.attestations[epoch]))
	for k, v := range m.attestations[epoch] {
		out[k] = v
	}
	return out
}

// HasAttested reports whether validator attested in epoch.
func (m *Manager) HasAttested(epoch int64, validator string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byValidator, ok := m.attestations[epoch]
	if !ok {
		return false
	}
	_, attested := byValidator[validator]
	return attested
}

// GetEpochInfo reports comprehensive epoch participation, grounded on
// attestation.py's get_epoch_info.
func (m *Manager) GetEpochInfo(epoch int64, validatorSet []string, currentBlock int64) EpochInfo {
	attestations := m.GetAttestationsForEpoch(epoch)
	deadline := m.Deadline(epoch)

	m.mu.RLock()
	finalized := currentBlock > deadline || m.finalizedEpochs[epoch]
	m.mu.RUnlock()

	rate := 0.0
	if len(validatorSet) > 0 {
		rate = float64(len(attestations)) / float64(len(validatorSet))
	}

	return EpochInfo{
		EpochNumber:             epoch,
		StartBlock:              m.EpochStart(epoch),
		EndBlock:                m.EpochEnd(epoch),
		AttestationDeadline:     deadline,
		ParticipatingValidators: len(attestations),
		TotalValidators:         len(validatorSet),
		ParticipationRate:       rate,
		IsFinalized:             finalized,
	}
}

// --- Snapshot / rollback (spec.md §4.5) ---

// Snapshot is the canonical, hash-stable export of a Manager's state,
// grounded on attestation.py's export_snapshot: sorted lists and
// string-keyed maps so the SHA-256 of its canonical JSON is stable across
// processes.
type Snapshot struct {
	Attestations    map[string]map[string]int64 `json:"attestations"`     // epoch(str) -> validator -> height
	EpochCommittees map[string][]string          `json:"epoch_committees"` // epoch(str) -> sorted committee
	FinalizedEpochs []string                      `json:"finalized_epochs"`
	Hash            string                        `json:"hash"`
}

func (m *Manager) buildSnapshotPayload() map[string]interface{} {
	attestations := make(map[string]map[string]int64, len(m.attestations))
	for epoch, byValidator := range m.attestations {
		attestations[itoa(epoch)] = byValidator
	}
	committees := make(map[string][]string, len(m.epochCommittees))
	for epoch, set := range m.epochCommittees {
		committees[itoa(epoch)] = setToSortedSlice(set)
	}
	finalized := make([]string, 0, len(m.finalizedEpochs))
	for epoch := range m.finalizedEpochs {
		finalized = append(finalized, itoa(epoch))
	}
	sort.Strings(finalized)

	return map[string]interface{}{
		"attestations":     attestations,
		"epoch_committees": committees,
		"finalized_epochs": finalized,
	}
}

// ExportSnapshot serializes the manager's current state into a
// hash-stable Snapshot.
func (m *Manager) ExportSnapshot() Snapshot {
	m.mu.RLock()
	payload := m.buildSnapshotPayload()
	m.mu.RUnlock()

	encoded := core.MustCanonicalJSON(payload)
	hash := timpalcrypto.Sha256Hex(encoded)

	return Snapshot{
		Attestations:    payload["attestations"].(map[string]map[string]int64),
		EpochCommittees: payload["epoch_committees"].(map[string][]string),
		FinalizedEpochs: payload["finalized_epochs"].([]string),
		Hash:            hash,
	}
}

// ImportSnapshot recomputes the snapshot's hash and refuses on mismatch,
// per spec.md §4.5. On success it replaces the manager's current state.
func (m *Manager) ImportSnapshot(snap Snapshot) error {
	payload := map[string]interface{}{
		"attestations":     snap.Attestations,
		"epoch_committees": snap.EpochCommittees,
		"finalized_epochs": snap.FinalizedEpochs,
	}
	encoded := core.MustCanonicalJSON(payload)
	if timpalcrypto.Sha256Hex(encoded) != snap.Hash {
		return timpalerrors.ErrSnapshotHashMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attestations = make(map[int64]map[string]int64, len(snap.Attestations))
	for epochStr, byValidator := range snap.Attestations {
		epoch := atoi(epochStr)
		cp := make(map[string]int64, len(byValidator))
		for k, v := range byValidator {
			cp[k] = v
		}
		m.attestations[epoch] = cp
	}

	m.epochCommittees = make(map[int64]map[string]bool, len(snap.EpochCommittees))
	for epochStr, members := range snap.EpochCommittees {
		epoch := atoi(epochStr)
		set := make(map[string]bool, len(members))
		for _, addr := range members {
			set[addr] = true
		}
		m.epochCommittees[epoch] = set
	}

	m.finalizedEpochs = make(map[int64]bool, len(snap.FinalizedEpochs))
	for _, epochStr := range snap.FinalizedEpochs {
		m.finalizedEpochs[atoi(epochStr)] = true
	}

	return nil
}

// RollbackToHeight deletes every attestation recorded strictly after h,
// per spec.md §4.5's rollback_to_height.
func (m *Manager) RollbackToHeight(h int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for epoch, byValidator := range m.attestations {
		for validator, height := range byValidator {
			if height > h {
				delete(byValidator, validator)
			}
		}
		if len(byValidator) == 0 {
			delete(m.attestations, epoch)
		}
	}
}

// MarkFinalized records epoch as finalized.
func (m *Manager) MarkFinalized(epoch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizedEpochs[epoch] = true
}

// CleanupOldEpochs evicts committee-cache entries older than
// EpochHistoryRetention epochs behind currentEpoch, grounded on
// vrf.py/attestation.py's cleanup_old_epochs pattern.
func (m *Manager) CleanupOldEpochs(currentEpoch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.cfg.EpochHistoryRetention
	for epoch := range m.epochCommittees {
		if currentEpoch-epoch > keep {
			delete(m.epochCommittees, epoch)
		}
	}
}

func setToSortedSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
