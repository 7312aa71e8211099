package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/convochain/convochain/internal/integrity"
	"go.uber.org/zap"
)

// FileStore keeps one JSON document per agent under a directory. Writes
// go through a temp file and rename so a crash mid-save never leaves a
// truncated log behind.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the directory if needed and returns a FileStore.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// fileLog mirrors AgentLog but defers history decoding so malformed
// records can be quarantined individually instead of failing the load.
type fileLog struct {
	AgentID  string              `json:"agent"`
	History  []json.RawMessage   `json:"history"`
	Metadata *integrity.Metadata `json:"blockchain_metadata,omitempty"`
}

// Load implements Store. Records missing mandatory fields (role or
// content) are dropped and logged rather than surfaced as blocks; a
// record with role/content but no chain metadata is kept as a legacy
// block for migration to repair.
func (s *FileStore) Load(_ context.Context, agentID string) (*AgentLog, error) {
	path, err := s.path(agentID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read log for %s: %w", agentID, err)
	}

	var raw fileLog
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse log for %s: %w", agentID, err)
	}

	out := &AgentLog{AgentID: agentID, Metadata: raw.Metadata}
	for i, rec := range raw.History {
		var b integrity.Block
		if err := json.Unmarshal(rec, &b); err != nil || !b.Role.Valid() || b.Content == "" && b.ContentHash == "" {
			s.logger.Warn("quarantined malformed log record",
				zap.String("agent", agentID),
				zap.Int("record", i),
				zap.Error(err),
			)
			continue
		}
		out.History = append(out.History, b)
	}
	return out, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, log *AgentLog) error {
	path, err := s.path(log.AgentID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal log for %s: %w", log.AgentID, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write log for %s: %w", log.AgentID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit log for %s: %w", log.AgentID, err)
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list log dir: %w", err)
	}

	var agents []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		agents = append(agents, strings.TrimSuffix(name, ".json"))
	}
	return agents, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.Contains(agentID, "..") {
		return "", fmt.Errorf("invalid agent id %q", agentID)
	}
	return filepath.Join(s.dir, agentID+".json"), nil
}
