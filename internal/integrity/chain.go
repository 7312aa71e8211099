package integrity

import "fmt"

// genesisEpoch is the fixed structural timestamp mixed into every
// genesis hash. It must never change: genesis hashes are re-derived
// from (agentID, salt) on load and have no separate storage.
const genesisEpoch = "2025-07-19T00:00:00.000000"

// Chain owns one agent's salt and genesis anchor. It holds no block
// storage: Append returns a fully populated Block and the caller
// appends it to its own history, which keeps the chain trivially
// composable with whatever persistence the orchestrator uses.
//
// A Chain's operations are pure computation over the caller-supplied
// history. Mutating calls for the same agent must be serialised by the
// caller; distinct agents' chains are fully independent.
type Chain struct {
	agentID string
	salt    string
	genesis string
}

// NewChain creates a Chain for agentID with the given salt.
// genesisHash may be supplied to reuse a persisted genesis value; when
// empty it is re-derived deterministically from agentID and salt.
func NewChain(agentID, salt, genesisHash string) *Chain {
	c := &Chain{agentID: agentID, salt: salt, genesis: genesisHash}
	if c.genesis == "" {
		c.genesis = Digest([]string{agentID, "genesis", genesisEpoch}, salt)
	}
	return c
}

// AgentID returns the agent identity this chain belongs to.
func (c *Chain) AgentID() string { return c.agentID }

// Salt returns the chain's secret salt.
func (c *Chain) Salt() string { return c.salt }

// GenesisHash returns the deterministic anchor used as the first
// block's previous hash.
func (c *Chain) GenesisHash() string { return c.genesis }

func (c *Chain) contentHash(role Role, content, timestamp string) string {
	return Digest([]string{string(role), content, timestamp}, c.salt)
}

func (c *Chain) chainHash(role Role, content, timestamp, previousHash string) string {
	return Digest([]string{string(role), content, timestamp, previousHash}, c.salt)
}

// Append computes the Block for a new message against the given
// history. The previous hash is the last block's recorded chain hash,
// or the genesis hash for an empty history. Append has no side
// effects; the caller owns appending the returned Block to storage.
func (c *Chain) Append(role Role, content, timestamp string, history []Block) Block {
	previous := c.genesis
	if n := len(history); n > 0 && history[n-1].Chain != nil {
		previous = history[n-1].Chain.CurrentHash
	}

	return Block{
		Role:        role,
		Content:     content,
		Timestamp:   timestamp,
		ContentHash: c.contentHash(role, content, timestamp),
		Chain: &ChainMeta{
			CurrentHash:  c.chainHash(role, content, timestamp, previous),
			PreviousHash: previous,
			BlockIndex:   len(history),
		},
	}
}

// Verify walks history in order and accumulates every integrity
// finding. It is total: malformed records are reported, never raised.
//
// The walk cursor advances to each block's *recorded* chain hash, not
// the recomputed one. A single tampered block is therefore flagged at
// its own index without cascading previous-hash errors into every
// later block: the topology used for walking is the one written to
// storage, while content fidelity is checked independently per block.
func (c *Chain) Verify(history []Block) (bool, []VerifyError) {
	var errs []VerifyError
	expected := c.genesis

	for i, b := range history {
		if b.Chain == nil {
			errs = append(errs, VerifyError{
				Index:  i,
				Kind:   KindMissingChainMeta,
				Detail: "record has no chain metadata",
			})
			continue
		}

		if b.Chain.PreviousHash != expected {
			errs = append(errs, VerifyError{
				Index:  i,
				Kind:   KindPreviousHashMismatch,
				Detail: fmt.Sprintf("expected %s, recorded %s", short(expected), short(b.Chain.PreviousHash)),
			})
		}

		// Recompute from the record's own fields and its recorded
		// previous hash, so a topology break upstream does not mask a
		// clean block here.
		if got := c.chainHash(b.Role, b.Content, b.Timestamp, b.Chain.PreviousHash); got != b.Chain.CurrentHash {
			errs = append(errs, VerifyError{
				Index:  i,
				Kind:   KindChainHashMismatch,
				Detail: "recorded chain hash does not match recomputation",
			})
		}

		if b.ContentHash != "" {
			if c.contentHash(b.Role, b.Content, b.Timestamp) != b.ContentHash {
				errs = append(errs, VerifyError{
					Index:  i,
					Kind:   KindContentHashMismatch,
					Detail: "recorded content hash does not match recomputation",
				})
			}
		}

		expected = b.Chain.CurrentHash
	}

	return len(errs) == 0, errs
}

// RebuildFrom keeps history[:index] untouched and regenerates every
// block from index onward, re-deriving all hashes from the (possibly
// edited) content fields. It is the only sanctioned way to change
// recorded history and must be invoked explicitly by an authorised
// caller; it is never triggered automatically by a failed Verify.
func (c *Chain) RebuildFrom(history []Block, index int) ([]Block, error) {
	if index < 0 || index > len(history) {
		return nil, fmt.Errorf("rebuild index %d out of range [0,%d]", index, len(history))
	}

	rebuilt := make([]Block, 0, len(history))
	rebuilt = append(rebuilt, history[:index]...)
	for _, b := range history[index:] {
		rebuilt = append(rebuilt, c.Append(b.Role, b.Content, b.Timestamp, rebuilt))
	}
	return rebuilt, nil
}

// Metadata summarises the chain state over the given history.
type Metadata struct {
	AgentID     string `json:"agent"`
	TotalBlocks int    `json:"total_blocks"`
	GenesisHash string `json:"genesis_hash"`
	LastHash    string `json:"last_hash"`
	Salt        string `json:"salt"`
	Verified    bool   `json:"integrity_verified"`
}

// Metadata returns block count, genesis, the last recorded chain hash
// (genesis for an empty history), and the Verify result.
func (c *Chain) Metadata(history []Block) Metadata {
	last := c.genesis
	if n := len(history); n > 0 && history[n-1].Chain != nil {
		last = history[n-1].Chain.CurrentHash
	}
	valid, _ := c.Verify(history)
	return Metadata{
		AgentID:     c.agentID,
		TotalBlocks: len(history),
		GenesisHash: c.genesis,
		LastHash:    last,
		Salt:        c.salt,
		Verified:    valid,
	}
}

// short truncates a hash for human-readable error details.
func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	if h == "" {
		return "<none>"
	}
	return h
}
