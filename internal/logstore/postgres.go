package logstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/convochain/convochain/internal/integrity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists agent logs to PostgreSQL. It implements Store.
//
// Save rewrites the agent's block rows inside a single transaction;
// rebuilds and migrations replace chain suffixes, so a full rewrite is
// the only way to keep the stored history and its hashes consistent.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, agentID string) (*AgentLog, error) {
	md := &integrity.Metadata{AgentID: agentID}
	err := s.pool.QueryRow(ctx,
		`SELECT salt, genesis_hash, total_blocks, last_hash
		 FROM agent_chains WHERE agent_id = $1`, agentID,
	).Scan(&md.Salt, &md.GenesisHash, &md.TotalBlocks, &md.LastHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load chain metadata for %s: %w", agentID, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT block_index, role, content, ts, content_hash, chain_hash, previous_hash
		 FROM conversation_blocks WHERE agent_id = $1 ORDER BY block_index ASC`, agentID,
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
func (s *PostgresStore) Save(ctx context.Context, log *AgentLog) error {
	if log.Metadata == nil {
		return fmt.Errorf("save log for %s: missing chain metadata", log.AgentID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_chains (agent_id, salt, genesis_hash, total_blocks, last_hash, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (agent_id) DO UPDATE SET
		   salt = EXCLUDED.salt,
		   genesis_hash = EXCLUDED.genesis_hash,
		   total_blocks = EXCLUDED.total_blocks,
		   last_hash = EXCLUDED.last_hash,
		   updated_at = now()`,
		log.AgentID, log.Metadata.Salt, log.Metadata.GenesisHash,
		len(log.History), log.Metadata.LastHash,
	); err != nil {
		return fmt.Errorf("upsert chain metadata for %s: %w", log.AgentID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM conversation_blocks WHERE agent_id = $1`, log.AgentID,
	); err != nil {
		return fmt.Errorf("clear blocks for %s: %w", log.AgentID, err)
	}

	for _, b := range log.History {
		if b.Chain == nil {
			return fmt.Errorf("save log for %s: block without chain metadata", log.AgentID)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_blocks
			   (agent_id, block_index, role, content, ts, content_hash, chain_hash, previous_hash)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			log.AgentID, b.Chain.BlockIndex, string(b.Role), b.Content, b.Timestamp,
			b.ContentHash, b.Chain.CurrentHash, b.Chain.PreviousHash,
		); err != nil {
			return fmt.Errorf("insert block %d for %s: %w", b.Chain.BlockIndex, log.AgentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit log for %s: %w", log.AgentID, err)
	}

	s.logger.Debug("agent log saved",
		zap.String("agent", log.AgentID),
		zap.Int("blocks", len(log.History)),
	)
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM agent_chains ORDER BY agent_id`)
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

// Close implements Store. The pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }
