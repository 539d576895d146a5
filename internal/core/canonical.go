package core

import "encoding/json"

// CanonicalJSON serializes v as JSON with sorted keys and compact
// separators, per spec.md §6's canonical-serialization contract. Values
// passed to this function must already be plain Go maps/slices/scalars
// (not structs with field tags), so that Go's encoding/json's built-in
// "map keys sorted lexicographically, no extra whitespace" behavior is the
// entire implementation — no third-party JSON library in the pack offers
// anything beyond what the standard encoder already guarantees for this
// contract.
//
// Any list that feeds a hash (committee sets, attestation sets, liveness
// sets) must be sorted by the caller before being placed into v; this
// function does not re-sort slices, only guarantees map-key order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// MustCanonicalJSON is CanonicalJSON for call sites where a marshal error
// would indicate a programming error (the argument is a value this
// package built itself, not external input).
func MustCanonicalJSON(v interface{}) []byte {
	b, err := CanonicalJSON(v)
	if err != nil {
		panic("core: canonical JSON marshal of internal value failed: " + err.Error())
	}
	return b
}
