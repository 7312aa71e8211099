package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/hkdf"
)

// saltInfo is the HKDF info string binding derived salts to this system.
const saltInfo = "convochain salt v1"

// Registry owns the collection of Chains keyed by agent identity. A
// Chain is created lazily the first time its agent is referenced,
// resolving the salt in order: the global override, then persisted
// metadata, then a fresh derivation from the agent ID and a
// creation-time nonce.
//
// The Registry is an explicit value owned and threaded through by
// whatever composes the system; there is no package-level instance.
// Its own map is safe for concurrent use, but mutating calls against
// the same agent's history must still be serialised by the caller.
type Registry struct {
	mu         sync.Mutex
	chains     map[string]*Chain
	globalSalt string
}

// NewRegistry creates a Registry. globalSalt, when non-empty, is the
// one shared secret used for every agent's chain; leave it empty for
// per-agent salts.
func NewRegistry(globalSalt string) *Registry {
	return &Registry{
		chains:     make(map[string]*Chain),
		globalSalt: globalSalt,
	}
}

// GetOrCreate returns the cached Chain for agentID, constructing it on
// first use. meta, when non-nil, supplies the salt (and optionally a
// persisted genesis hash) recovered from storage; it is consulted only
// when no global salt override is configured.
func (r *Registry) GetOrCreate(agentID string, meta *Metadata) *Chain {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.chains[agentID]; ok {
		return c
	}

	salt := r.globalSalt
	genesis := ""
	if salt == "" && meta != nil {
		salt = meta.Salt
		genesis = meta.GenesisHash
	}
	if salt == "" {
		salt = deriveSalt(agentID)
	}

	c := NewChain(agentID, salt, genesis)
	r.chains[agentID] = c
	return c
}

// Append delegates to the agent's Chain. It is the sole entry point an
// orchestrator should use to log a message; bypassing it leaves the
// stored chain inconsistent with untracked entries.
func (r *Registry) Append(agentID string, role Role, content, timestamp string, history []Block) Block {
	return r.GetOrCreate(agentID, nil).Append(role, content, timestamp, history)
}

// Verify delegates to the agent's Chain.
func (r *Registry) Verify(agentID string, history []Block) (bool, []VerifyError) {
	return r.GetOrCreate(agentID, nil).Verify(history)
}

// Rebuild delegates to the agent's Chain.
func (r *Registry) Rebuild(agentID string, history []Block, index int) ([]Block, error) {
	return r.GetOrCreate(agentID, nil).RebuildFrom(history, index)
}

// MigrateExisting retroactively establishes chain metadata for a legacy
// log. Entries that already carry chain metadata pass through
// unchanged; entries without it are replayed through Append in recorded
// order. Running it twice on its own output is a no-op.
//
// Migration establishes a new trust baseline: it cannot detect
// tampering that happened before the log was migrated.
func (r *Registry) MigrateExisting(agentID string, history []Block) []Block {
	c := r.GetOrCreate(agentID, nil)

	migrated := make([]Block, 0, len(history))
	for _, b := range history {
		if b.Chain != nil {
			migrated = append(migrated, b)
			continue
		}
		ts := b.Timestamp
		if ts == "" {
			ts = time.Now().UTC().Format(time.RFC3339Nano)
		}
		migrated = append(migrated, c.Append(b.Role, b.Content, ts, migrated))
	}
	return migrated
}

// Report is the full integrity report for one agent: the Verify
// result, the chain metadata, and a wall-clock verification timestamp.
type Report struct {
	ReportID   string        `json:"report_id"`
	AgentID    string        `json:"agent"`
	Valid      bool          `json:"integrity_valid"`
	Errors     []VerifyError `json:"errors"`
	Metadata   Metadata      `json:"metadata"`
	VerifiedAt time.Time     `json:"verification_timestamp"`
}

// Report composes Verify and Metadata for display or audit logging.
func (r *Registry) Report(agentID string, history []Block) Report {
	c := r.GetOrCreate(agentID, nil)
	valid, errs := c.Verify(history)
	if errs == nil {
		errs = []VerifyError{}
	}
	return Report{
		ReportID:   ulid.Make().String(),
		AgentID:    agentID,
		Valid:      valid,
		Errors:     errs,
		Metadata:   c.Metadata(history),
		VerifiedAt: time.Now().UTC(),
	}
}

// deriveSalt produces a fresh 16-character hex salt for a new chain by
// expanding the agent ID with a creation-time nonce through HKDF.
func deriveSalt(agentID string) string {
	nonce := uuid.NewString()
	kdf := hkdf.New(sha256.New, []byte(agentID), []byte(nonce), []byte(saltInfo))
	buf := make([]byte, 8)
	if _, err := io.ReadFull(kdf, buf); err != nil {
		// HKDF over SHA-256 cannot fail for these input sizes.
		panic(fmt.Sprintf("integrity: salt derivation: %v", err))
	}
	return hex.EncodeToString(buf)
}
