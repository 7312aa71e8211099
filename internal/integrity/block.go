package integrity

// Role identifies who authored a logged message.
type Role string

const (
	// RoleOperator marks messages written by the human operator.
	RoleOperator Role = "operator"
	// RoleAgent marks messages produced by an automated agent.
	RoleAgent Role = "agent"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleOperator || r == RoleAgent
}

// ChainMeta is the chain-position portion of a Block. Field names match
// the persisted representation, nested under "blockchain" in each
// stored record.
type ChainMeta struct {
	CurrentHash  string `json:"current_hash"`
	PreviousHash string `json:"previous_hash"`
	BlockIndex   int    `json:"block_index"`
}

// Block is one logged message plus its integrity hashes.
//
// ContentHash covers role, content, and timestamp and is independent of
// chain position. ChainMeta.CurrentHash additionally covers the
// previous block's chain hash, linking the block into the chain.
// A Block loaded from a legacy log may lack ChainMeta entirely; such
// records are flagged by Verify and repaired by migration.
type Block struct {
	Role        Role       `json:"role"`
	Content     string     `json:"content"`
	Timestamp   string     `json:"timestamp"`
	ContentHash string     `json:"hash,omitempty"`
	Chain       *ChainMeta `json:"blockchain,omitempty"`
}

// HasChainMeta reports whether the block carries chain metadata.
func (b Block) HasChainMeta() bool {
	return b.Chain != nil
}
