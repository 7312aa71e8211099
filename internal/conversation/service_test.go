package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/convochain/convochain/internal/conversation"
	"github.com/convochain/convochain/internal/integrity"
	"github.com/convochain/convochain/internal/logstore"
	"go.uber.org/zap"
)

var ctx = context.Background()

func newService(t *testing.T) (*conversation.Service, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := logstore.NewFileStore(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	svc := conversation.New(store, integrity.NewRegistry(""), zap.NewNop())
	return svc, dir
}

func TestAppendMessage_createsAndPersists(t *testing.T) {
	svc, dir := newService(t)

	b1, err := svc.AppendMessage(ctx, "Ada", integrity.RoleOperator, "Hello", "T0")
	if err != nil {
		t.Fatal(err)
	}
	b2, err := svc.AppendMessage(ctx, "Ada", integrity.RoleAgent, "Hi there", "T1")
	if err != nil {
		t.Fatal(err)
	}

	if b2.Chain.PreviousHash != b1.Chain.CurrentHash {
		t.Error("second block does not chain to the first")
	}

	valid, verrs, err := svc.VerifyAgent(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("VerifyAgent = (false, %v)", verrs)
	}

	if _, err := os.Stat(filepath.Join(dir, "Ada.json")); err != nil {
		t.Errorf("log not persisted: %v", err)
	}
}

func TestAppendMessage_rejectsUnknownRole(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.AppendMessage(ctx, "Ada", "narrator", "Hello", ""); err == nil {
		t.Error("append accepted an unknown role")
	}
}

func TestAppendMessage_stampsEmptyTimestamp(t *testing.T) {
	svc, _ := newService(t)
	b, err := svc.AppendMessage(ctx, "Ada", integrity.RoleOperator, "Hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Timestamp == "" {
		t.Error("empty timestamp not stamped")
	}
}

func TestAppendExchange_twoChainedBlocks(t *testing.T) {
	svc, _ := newService(t)

	op, reply, err := svc.AppendExchange(ctx, "Ada", "What is 2+2?", "4.")
	if err != nil {
		t.Fatal(err)
	}
	if op.Role != integrity.RoleOperator || reply.Role != integrity.RoleAgent {
		t.Error("exchange roles wrong")
	}
	if reply.Chain.PreviousHash != op.Chain.CurrentHash {
		t.Error("reply does not chain to the operator message")
	}

	history, err := svc.History(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestVerifyAgent_unknownAgent(t *testing.T) {
	svc, _ := newService(t)
	if _, _, err := svc.VerifyAgent(ctx, "nobody"); !errors.Is(err, conversation.ErrAgentNotFound) {
		t.Fatalf("err = %v, want ErrAgentNotFound", err)
	}
}

// A pre-existing log without chain metadata is migrated transparently
// on first load and the repaired log is written back.
func TestLoad_migratesLegacyLog(t *testing.T) {
	svc, dir := newService(t)

	legacy := `{
	  "agent": "Legacy",
	  "history": [
	    {"role": "operator", "content": "old question", "timestamp": "T0"},
	    {"role": "agent", "content": "old answer", "timestamp": "T1"}
	  ]
	}`
	if err := os.WriteFile(filepath.Join(dir, "Legacy.json"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	valid, verrs, err := svc.VerifyAgent(ctx, "Legacy")
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("migrated log fails verify: %v", verrs)
	}

	// The persisted file now carries chain metadata on every record.
	data, err := os.ReadFile(filepath.Join(dir, "Legacy.json"))
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
	for i, rec := range doc.History {
		if _, ok := rec["blockchain"]; !ok {
			t.Errorf("record %d still lacks chain metadata after migration", i)
		}
	}
	if _, ok := doc.Meta["salt"]; !ok {
		t.Error("blockchain_metadata not written back")
	}
}

func TestMigrateAgent_countsAndIdempotence(t *testing.T) {
	svc, dir := newService(t)

	legacy := `{"agent":"Legacy","history":[{"role":"operator","content":"q","timestamp":"T0"}]}`
	if err := os.WriteFile(filepath.Join(dir, "Legacy.json"), []byte(legacy), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := svc.MigrateAgent(ctx, "Legacy")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("migrated %d records, want 1", n)
	}

	n, err = svc.MigrateAgent(ctx, "Legacy")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second migrate touched %d records, want 0", n)
	}
}

func TestRebuildAgent_repairsEditedHistory(t *testing.T) {
	svc, dir := newService(t)

	for i, msg := range []string{"one", "two", "three"} {
		role := integrity.RoleOperator
		if i%2 == 1 {
			role = integrity.RoleAgent
		}
		if _, err := svc.AppendMessage(ctx, "Ada", role, msg, ""); err != nil {
			t.Fatal(err)
		}
	}

	// Edit the stored file directly, as an operator with file access
	// would, leaving the recorded hashes stale.
	path := filepath.Join(dir, "Ada.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var log logstore.AgentLog
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatal(err)
	}
	log.History[1].Content = "two, edited"
	edited, err := json.Marshal(log)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatal(err)
	}

	valid, _, err := svc.VerifyAgent(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Fatal("edit not detected")
	}

	rebuilt, err := svc.RebuildAgent(ctx, "Ada", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rebuilt) != 3 {
		t.Fatalf("rebuilt length = %d, want 3", len(rebuilt))
	}

	valid, verrs, err := svc.VerifyAgent(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Fatalf("rebuilt history fails verify: %v", verrs)
	}
}

func TestVerifyAll_sweep(t *testing.T) {
	svc, _ := newService(t)
	for _, id := range []string{"Ada", "Bab"} {
		if _, err := svc.AppendMessage(ctx, id, integrity.RoleOperator, "Hello", ""); err != nil {
			t.Fatal(err)
		}
	}

	results, err := svc.VerifyAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("VerifyAll returned %d results, want 2", len(results))
	}
	for _, r := range results {
		if !r.Valid {
			t.Errorf("%s: unexpected verify failure: %v", r.AgentID, r.Errors)
		}
	}
}

func TestReport_surfacesTampering(t *testing.T) {
	svc, dir := newService(t)
	if _, err := svc.AppendMessage(ctx, "Ada", integrity.RoleOperator, "Hello", "T0"); err != nil {
		t.Fatal(err)
	}

	rep, err := svc.Report(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Valid || rep.Metadata.TotalBlocks != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	// Tamper on disk, then re-report.
	path := filepath.Join(dir, "Ada.json")
	data, _ := os.ReadFile(path)
	var log logstore.AgentLog
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatal(err)
	}
	log.History[0].Content = "Hello!!"
	edited, _ := json.Marshal(log)
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatal(err)
	}

	rep, err = svc.Report(ctx, "Ada")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Valid || len(rep.Errors) == 0 {
		t.Error("report did not surface the on-disk edit")
	}
}
