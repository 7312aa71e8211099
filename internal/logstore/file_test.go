package logstore_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/convochain/convochain/internal/integrity"
	"github.com/convochain/convochain/internal/logstore"
	"go.uber.org/zap"
)

var ctx = context.Background()

func sampleLog(t *testing.T, agentID string) (*logstore.AgentLog, *integrity.Chain) {
	t.Helper()
	c := integrity.NewChain(agentID, "abc123", "")
	var history []integrity.Block
	history = append(history, c.Append(integrity.RoleOperator, "Hello", "T0", history))
	history = append(history, c.Append(integrity.RoleAgent, "Hi there", "T1", history))
	md := c.Metadata(history)
	return &logstore.AgentLog{AgentID: agentID, History: history, Metadata: &md}, c
}

func TestFileStore_roundTrip(t *testing.T) {
	fs, err := logstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	log, chain := sampleLog(t, "Ada")
	if err := fs.Save(ctx, log); err != nil {
		t.Fatal(err)
	}

	loaded, err := fs.Load(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.History) != 2 {
		t.Fatalf("loaded %d blocks, want 2", len(loaded.History))
	}
	if loaded.Metadata == nil || loaded.Metadata.Salt != "abc123" {
		t.Fatalf("metadata not preserved: %+v", loaded.Metadata)
	}
	if valid, errs := chain.Verify(loaded.History); !valid {
		t.Fatalf("loaded history fails Verify: %v", errs)
	}
}

// The on-disk format is the wire format consumed by the rest of the
// tooling: content hash under "hash" and the chain fields nested under
// "blockchain" as current_hash / previous_hash / block_index.
func TestFileStore_wireFormat(t *testing.T) {
	dir := t.TempDir()
	fs, err := logstore.NewFileStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	log, _ := sampleLog(t, "Ada")
	if err := fs.Save(ctx, log); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Ada.json"))
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		History []map[string]json.RawMessage `json:"history"`
		Meta    map[string]json.RawMessage   `json:"blockchain_metadata"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	rec := doc.History[0]
	for _, key := range []string{"role", "content", "timestamp", "hash", "blockchain"} {
		if _, ok := rec[key]; !ok {
			t.Errorf("record missing %q", key)
		}
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(rec["blockchain"], &nested); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"current_hash", "previous_hash", "block_index"} {
		if _, ok := nested[key]; !ok {
			t.Errorf("blockchain object missing %q", key)
		}
	}
	for _, key := range []string{"salt", "genesis_hash"} {
		if _, ok := doc.Meta[key]; !ok {
			t.Errorf("blockchain_metadata missing %q", key)
		}
	}
}

func TestFileStore_quarantinesMalformedRecords(t *testing.T) {
	dir := t.TempDir()
	fs, err := logstore.NewFileStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	// One good legacy record, one with no recognisable role.
	raw := `{
	  "agent": "Ada",
	  "history": [
	    {"role": "operator", "content": "Hello", "timestamp": "T0"},
	    {"note": "not a message at all"}
	  ]
	}`
	if err := os.WriteFile(filepath.Join(dir, "Ada.json"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := fs.Load(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.History) != 1 {
		t.Fatalf("loaded %d records, want 1 (malformed one quarantined)", len(loaded.History))
	}
	if loaded.History[0].Chain != nil {
		t.Error("legacy record should have no chain metadata")
	}
}

func TestFileStore_notFound(t *testing.T) {
	fs, err := logstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Load(ctx, "nobody"); err != logstore.ErrNotFound {
		t.Fatalf("Load(missing) = %v, want ErrNotFound", err)
	}
}

func TestFileStore_rejectsPathTraversal(t *testing.T) {
	fs, err := logstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "../escape", `a\b`, "x/y"} {
		if _, err := fs.Load(ctx, id); err == nil || err == logstore.ErrNotFound {
			t.Errorf("Load(%q) accepted an unsafe agent id", id)
		}
	}
}

func TestFileStore_list(t *testing.T) {
	fs, err := logstore.NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"Ada", "Bab"} {
		log, _ := sampleLog(t, id)
		if err := fs.Save(ctx, log); err != nil {
			t.Fatal(err)
		}
	}
	agents, err := fs.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("List() = %v, want 2 agents", agents)
	}
}
