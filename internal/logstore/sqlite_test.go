package logstore_test

import (
	"path/filepath"
	"testing"

	"github.com/convochain/convochain/internal/logstore"
)

func newSQLite(t *testing.T) *logstore.SQLiteStore {
	t.Helper()
	s, err := logstore.NewSQLiteStore(filepath.Join(t.TempDir(), "convo.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_roundTrip(t *testing.T) {
	s := newSQLite(t)

	log, chain := sampleLog(t, "Ada")
	if err := s.Save(ctx, log); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.History) != 2 {
		t.Fatalf("loaded %d blocks, want 2", len(loaded.History))
	}
	if loaded.Metadata.GenesisHash != chain.GenesisHash() {
		t.Errorf("genesis not preserved: %q", loaded.Metadata.GenesisHash)
	}
	if valid, errs := chain.Verify(loaded.History); !valid {
		t.Fatalf("loaded history fails Verify: %v", errs)
	}
}

func TestSQLiteStore_notFound(t *testing.T) {
	s := newSQLite(t)
	if _, err := s.Load(ctx, "nobody"); err != logstore.ErrNotFound {
		t.Fatalf("Load(missing) = %v, want ErrNotFound", err)
	}
}

// A rebuild shortens nothing but rewrites suffix hashes; Save must
// replace the stored rows rather than append to them.
func TestSQLiteStore_saveReplacesHistory(t *testing.T) {
	s := newSQLite(t)

	log, chain := sampleLog(t, "Ada")
	if err := s.Save(ctx, log); err != nil {
		t.Fatal(err)
	}

	log.History[0].Content = "Hello, revised"
	rebuilt, err := chain.RebuildFrom(log.History, 0)
	if err != nil {
		t.Fatal(err)
	}
	md := chain.Metadata(rebuilt)
	if err := s.Save(ctx, &logstore.AgentLog{AgentID: "Ada", History: rebuilt, Metadata: &md}); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.History) != 2 {
		t.Fatalf("loaded %d blocks after rebuild, want 2", len(loaded.History))
	}
	if loaded.History[0].Content != "Hello, revised" {
		t.Errorf("content = %q, rebuild not persisted", loaded.History[0].Content)
	}
	if valid, errs := chain.Verify(loaded.History); !valid {
		t.Fatalf("reloaded rebuilt history fails Verify: %v", errs)
	}
}

func TestSQLiteStore_list(t *testing.T) {
	s := newSQLite(t)
	for _, id := range []string{"Ada", "Bab"} {
		log, _ := sampleLog(t, id)
		if err := s.Save(ctx, log); err != nil {
			t.Fatal(err)
		}
	}
	agents, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 || agents[0] != "Ada" || agents[1] != "Bab" {
		t.Fatalf("List() = %v", agents)
	}
}
