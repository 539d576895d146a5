package core

// Package core contains the wire-level record types of the TIMPAL
// consensus core: Transaction (C2) and Block (C3), their canonical
// serialization, and the hashing/signing operations whose output is part
// of the consensus contract (spec.md §6).
