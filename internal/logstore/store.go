// Package logstore persists per-agent conversation logs: the ordered
// block history plus the chain metadata (salt, genesis hash) needed to
// reconstruct the agent's Chain identically after a restart.
//
// Three implementations are provided:
//   - FileStore: one JSON document per agent, the format the desktop
//     tooling reads and writes.
//   - SQLiteStore: single-file local database for CLI use.
//   - PostgresStore: durable shared storage for the server.
package logstore

import (
	"context"
	"errors"

	"github.com/convochain/convochain/internal/integrity"
)

// ErrNotFound is returned when no log exists for the requested agent.
var ErrNotFound = errors.New("agent log not found")

// AgentLog is one agent's persisted conversation: the block history in
// index order and the chain metadata required to rebuild the Chain.
type AgentLog struct {
	AgentID  string              `json:"agent"`
	History  []integrity.Block   `json:"history"`
	Metadata *integrity.Metadata `json:"blockchain_metadata,omitempty"`
}

// Store reads and writes agent logs. Save replaces the stored log
// wholesale; the history it receives is always the full, authoritative
// sequence (rebuild and migration rewrite suffixes, so partial appends
// would leave stale tails behind).
type Store interface {
	Load(ctx context.Context, agentID string) (*AgentLog, error)
	Save(ctx context.Context, log *AgentLog) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
