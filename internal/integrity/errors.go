package integrity

import "fmt"

// ErrorKind classifies a single verification finding.
type ErrorKind string

const (
	// KindMissingChainMeta: the record lacks the nested chain fields.
	KindMissingChainMeta ErrorKind = "missing_chain_metadata"
	// KindPreviousHashMismatch: the recorded previous hash does not
	// match the recorded chain hash of the prior block.
	KindPreviousHashMismatch ErrorKind = "previous_hash_mismatch"
	// KindChainHashMismatch: recomputing the chain hash from the
	// record's own fields disagrees with the stored value.
	KindChainHashMismatch ErrorKind = "chain_hash_mismatch"
	// KindContentHashMismatch: the position-independent content hash
	// disagrees with the stored value.
	KindContentHashMismatch ErrorKind = "content_hash_mismatch"
)

// VerifyError is a single finding from a chain walk. Verify accumulates
// these as values; it never raises for malformed data.
type VerifyError struct {
	Index  int       `json:"block_index"`
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("block %d: %s: %s", e.Index, e.Kind, e.Detail)
}
