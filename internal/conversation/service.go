// Package conversation composes the integrity core with a log store:
// it loads per-agent histories, serialises mutating calls per agent,
// persists after every append, and repairs legacy logs on first load.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/convochain/convochain/internal/integrity"
	"github.com/convochain/convochain/internal/logstore"
	"go.uber.org/zap"
)

// ErrAgentNotFound is returned for read operations against an agent
// with no stored log.
var ErrAgentNotFound = errors.New("agent not found")

// Service is the orchestrator-facing surface over one Registry and one
// Store. Mutating calls for the same agent are serialised internally;
// distinct agents proceed in parallel.
type Service struct {
	store  logstore.Store
	reg    *integrity.Registry
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Service.
func New(store logstore.Store, reg *integrity.Registry, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		reg:    reg,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockAgent serialises operations for one agent. Two concurrent appends
// for the same agent would otherwise race on the chain tail and
// silently diverge the previous-hash pointer.
func (s *Service) lockAgent(agentID string) func() {
	s.mu.Lock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// load fetches the agent's log, registers its chain from the persisted
// metadata, and migrates legacy entries in place. A missing log comes
// back empty rather than as an error so first appends need no special
// casing; set mustExist for read paths that should 404 instead.
func (s *Service) load(ctx context.Context, agentID string, mustExist bool) (*logstore.AgentLog, error) {
	log, err := s.store.Load(ctx, agentID)
	if errors.Is(err, logstore.ErrNotFound) {
		if mustExist {
			return nil, ErrAgentNotFound
		}
		return &logstore.AgentLog{AgentID: agentID}, nil
	}
	if err != nil {
		return nil, err
	}

	s.reg.GetOrCreate(agentID, log.Metadata)

	if legacyCount(log.History) > 0 {
		s.logger.Info("migrating legacy log to chained format",
			zap.String("agent", agentID),
			zap.Int("blocks", len(log.History)),
		)
		log.History = s.reg.MigrateExisting(agentID, log.History)
		if err := s.persist(ctx, log); err != nil {
			return nil, fmt.Errorf("persist migrated log: %w", err)
		}
	}
	return log, nil
}

// persist refreshes the stored chain metadata and saves the log.
func (s *Service) persist(ctx context.Context, log *logstore.AgentLog) error {
	md := s.reg.GetOrCreate(log.AgentID, log.Metadata).Metadata(log.History)
	log.Metadata = &md
	return s.store.Save(ctx, log)
}

func legacyCount(history []integrity.Block) int {
	n := 0
	for _, b := range history {
		if b.Chain == nil {
			n++
		}
	}
	return n
}

// AppendMessage appends one message to the agent's chain and persists
// the updated log. An empty timestamp is stamped with the current UTC
// time; timestamps are otherwise opaque, caller-owned tokens.
func (s *Service) AppendMessage(ctx context.Context, agentID string, role integrity.Role, content, timestamp string) (integrity.Block, error) {
	if !role.Valid() {
		return integrity.Block{}, fmt.Errorf("invalid role %q", role)
	}
	defer s.lockAgent(agentID)()

	log, err := s.load(ctx, agentID, false)
	if err != nil {
		return integrity.Block{}, err
	}

	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	block := s.reg.Append(agentID, role, content, timestamp, log.History)
	log.History = append(log.History, block)

	if err := s.persist(ctx, log); err != nil {
		return integrity.Block{}, err
	}

	s.logger.Debug("message appended",
		zap.String("agent", agentID),
		zap.String("role", string(role)),
		zap.Int("block_index", block.Chain.BlockIndex),
	)
	return block, nil
}

// AppendExchange records one operator message and the agent's reply as
// two consecutive chained blocks.
func (s *Service) AppendExchange(ctx context.Context, agentID, operatorMsg, agentReply string) (op, reply integrity.Block, err error) {
	defer s.lockAgent(agentID)()

	log, err := s.load(ctx, agentID, false)
	if err != nil {
		return integrity.Block{}, integrity.Block{}, err
	}

	now := time.Now().UTC()
	op = s.reg.Append(agentID, integrity.RoleOperator, operatorMsg, now.Format(time.RFC3339Nano), log.History)
	log.History = append(log.History, op)
	reply = s.reg.Append(agentID, integrity.RoleAgent, agentReply, now.Add(time.Nanosecond).Format(time.RFC3339Nano), log.History)
	log.History = append(log.History, reply)

	if err := s.persist(ctx, log); err != nil {
		return integrity.Block{}, integrity.Block{}, err
	}
	return op, reply, nil
}

// VerifyAgent verifies the agent's stored history.
func (s *Service) VerifyAgent(ctx context.Context, agentID string) (bool, []integrity.VerifyError, error) {
	defer s.lockAgent(agentID)()

	log, err := s.load(ctx, agentID, true)
	if err != nil {
		return false, nil, err
	}
	valid, errs := s.reg.Verify(agentID, log.History)
	return valid, errs, nil
}

// AgentResult is one agent's outcome in a VerifyAll sweep.
type AgentResult struct {
	AgentID string                  `json:"agent"`
	Valid   bool                    `json:"valid"`
	Errors  []integrity.VerifyError `json:"errors,omitempty"`
}

// VerifyAll verifies every stored agent log and logs each outcome. It
// is run at server startup, matching the load-time sweep the desktop
// tooling performs.
func (s *Service) VerifyAll(ctx context.Context) ([]AgentResult, error) {
	agents, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]AgentResult, 0, len(agents))
	for _, id := range agents {
		valid, verrs, err := s.VerifyAgent(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", id, err)
		}
		if valid {
			s.logger.Info("conversation integrity verified", zap.String("agent", id))
		} else {
			s.logger.Warn("conversation integrity check FAILED",
				zap.String("agent", id),
				zap.Int("errors", len(verrs)),
			)
		}
		results = append(results, AgentResult{AgentID: id, Valid: valid, Errors: verrs})
	}
	return results, nil
}

// RebuildAgent regenerates the chain suffix from index onward and
// persists the result. It is an explicit remediation for legitimately
// edited history, never an automatic response to a failed verify.
func (s *Service) RebuildAgent(ctx context.Context, agentID string, index int) ([]integrity.Block, error) {
	defer s.lockAgent(agentID)()

	log, err := s.load(ctx, agentID, true)
	if err != nil {
		return nil, err
	}

	rebuilt, err := s.reg.Rebuild(agentID, log.History, index)
	if err != nil {
		return nil, err
	}
	log.History = rebuilt

	if err := s.persist(ctx, log); err != nil {
		return nil, err
	}

	s.logger.Info("chain rebuilt",
		zap.String("agent", agentID),
		zap.Int("from_index", index),
		zap.Int("blocks", len(rebuilt)),
	)
	return rebuilt, nil
}

// MigrateAgent retroactively chains a legacy log and persists it,
// returning how many records gained chain metadata. Already-migrated
// logs pass through untouched.
func (s *Service) MigrateAgent(ctx context.Context, agentID string) (int, error) {
	defer s.lockAgent(agentID)()

	// load migrates legacy entries as a side effect; count them first.
	log, err := s.store.Load(ctx, agentID)
	if errors.Is(err, logstore.ErrNotFound) {
		return 0, ErrAgentNotFound
	}
	if err != nil {
		return 0, err
	}
	n := legacyCount(log.History)
	if n == 0 {
		return 0, nil
	}

	s.reg.GetOrCreate(agentID, log.Metadata)
	log.History = s.reg.MigrateExisting(agentID, log.History)
	if err := s.persist(ctx, log); err != nil {
		return 0, err
	}
	return n, nil
}

// Report returns the full integrity report for an agent.
func (s *Service) Report(ctx context.Context, agentID string) (integrity.Report, error) {
	defer s.lockAgent(agentID)()

	log, err := s.load(ctx, agentID, true)
	if err != nil {
		return integrity.Report{}, err
	}
	return s.reg.Report(agentID, log.History), nil
}

// History returns the agent's stored block history.
func (s *Service) History(ctx context.Context, agentID string) ([]integrity.Block, error) {
	defer s.lockAgent(agentID)()

	log, err := s.load(ctx, agentID, true)
	if err != nil {
		return nil, err
	}
	return log.History, nil
}

// ListAgents returns every agent with a stored log.
func (s *Service) ListAgents(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}
