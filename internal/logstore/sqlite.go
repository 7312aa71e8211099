package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/convochain/convochain/internal/integrity"
)

// SQLiteStore persists agent logs to a single-file SQLite database.
// It is the CLI's local backend; the schema mirrors the Postgres one.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agent_chains (
		agent_id     TEXT PRIMARY KEY,
		salt         TEXT NOT NULL,
		genesis_hash TEXT NOT NULL,
		total_blocks INTEGER NOT NULL DEFAULT 0,
		last_hash    TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS conversation_blocks (
		agent_id      TEXT NOT NULL REFERENCES agent_chains(agent_id) ON DELETE CASCADE,
		block_index   INTEGER NOT NULL,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		ts            TEXT NOT NULL,
		content_hash  TEXT NOT NULL,
		chain_hash    TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		PRIMARY KEY (agent_id, block_index)
	);`
	_, err := s.db.Exec(schema)
	return err
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, agentID string) (*AgentLog, error) {
	md := &integrity.Metadata{AgentID: agentID}
	err := s.db.QueryRowContext(ctx,
		`SELECT salt, genesis_hash, total_blocks, last_hash FROM agent_chains WHERE agent_id = ?`,
		agentID,
	).Scan(&md.Salt, &md.GenesisHash, &md.TotalBlocks, &md.LastHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load chain metadata for %s: %w", agentID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT block_index, role, content, ts, content_hash, chain_hash, previous_hash
		 FROM conversation_blocks WHERE agent_id = ? ORDER BY block_index ASC`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("load blocks for %s: %w", agentID, err)
	}
	defer rows.Close()

	log := &AgentLog{AgentID: agentID, Metadata: md}
	for rows.Next() {
		var (
			b    integrity.Block
			meta integrity.ChainMeta
			role string
		)
		if err := rows.Scan(
			&meta.BlockIndex, &role, &b.Content, &b.Timestamp,
			&b.ContentHash, &meta.CurrentHash, &meta.PreviousHash,
		); err != nil {
			return nil, fmt.Errorf("scan block for %s: %w", agentID, err)
		}
		b.Role = integrity.Role(role)
		b.Chain = &meta
		log.History = append(log.History, b)
	}
	return log, rows.Err()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, log *AgentLog) error {
	if log.Metadata == nil {
		return fmt.Errorf("save log for %s: missing chain metadata", log.AgentID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_chains (agent_id, salt, genesis_hash, total_blocks, last_hash)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   salt = excluded.salt,
		   genesis_hash = excluded.genesis_hash,
		   total_blocks = excluded.total_blocks,
		   last_hash = excluded.last_hash`,
		log.AgentID, log.Metadata.Salt, log.Metadata.GenesisHash,
		len(log.History), log.Metadata.LastHash,
	); err != nil {
		return fmt.Errorf("upsert chain metadata for %s: %w", log.AgentID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_blocks WHERE agent_id = ?`, log.AgentID,
	); err != nil {
		return fmt.Errorf("clear blocks for %s: %w", log.AgentID, err)
	}

	for _, b := range log.History {
		if b.Chain == nil {
			return fmt.Errorf("save log for %s: block without chain metadata", log.AgentID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_blocks
			   (agent_id, block_index, role, content, ts, content_hash, chain_hash, previous_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			log.AgentID, b.Chain.BlockIndex, string(b.Role), b.Content, b.Timestamp,
			b.ContentHash, b.Chain.CurrentHash, b.Chain.PreviousHash,
		); err != nil {
			return fmt.Errorf("insert block %d for %s: %w", b.Chain.BlockIndex, log.AgentID, err)
		}
	}

	return tx.Commit()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_chains ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
