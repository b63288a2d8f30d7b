// Package memory implements the append-only session memory log (separate
// from the tamper-evident ledger) and the trajectory_bias lookup that
// lets history nudge rollout ranking without overriding live signals.
package memory

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/latentfields/openclaw/pkg/rterr"
)

// Event is the closed set of session memory event kinds.
type Event string

const (
	EventSessionStarted  Event = "session_started"
	EventStepRecorded    Event = "step_recorded"
	EventSessionFinished Event = "session_finished"
)

// Record is one JSON-lines entry in the session memory log.
type Record struct {
	Event         Event     `json:"event"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`

	// session_started fields.
	GoalText       string                 `json:"goal_text,omitempty"`
	PolicySnapshot map[string]interface{} `json:"policy_snapshot,omitempty"`

	// step_recorded fields.
	StepIndex         int     `json:"step_index,omitempty"`
	TrajectoryRef     string  `json:"trajectory_ref,omitempty"`
	RankingScore      float64 `json:"ranking_score,omitempty"`
	MemoryBiasApplied float64 `json:"memory_bias_applied,omitempty"`
	ActionClass       string  `json:"action_class,omitempty"`
	Scope             string  `json:"scope,omitempty"`
	EffectClass       string  `json:"effect_class,omitempty"`
	Allowed           *bool   `json:"allowed,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	RCState           string  `json:"rc_state,omitempty"`
	RCConflictScore   float64 `json:"rc_conflict_score,omitempty"`
	CommitID          string  `json:"commit_id,omitempty"`

	// session_finished fields.
	StopReason    string `json:"stop_reason,omitempty"`
	StepsExecuted int    `json:"steps_executed,omitempty"`
}

// StepRecord carries the full detail of one executed step, mirroring
// the cycle outcome and the ranking context that selected it.
type StepRecord struct {
	StepIndex         int
	TrajectoryRef     string
	RankingScore      float64
	MemoryBiasApplied float64
	ActionClass       string
	Scope             string
	EffectClass       string
	Allowed           bool
	Reason            string
	RCState           string
	RCConflictScore   float64
	CommitID          string
}

// Summary aggregates the memory file's sessions, step records, and
// per-trajectory bias, for reporting.
type Summary struct {
	TotalSessions    int                `json:"total_sessions"`
	TotalStepRecords int                `json:"total_step_records"`
	TrajectoryBias   map[string]float64 `json:"trajectory_bias"`
}

// tally is the cached per-trajectory allow/reject counts.
type tally struct {
	allowed  int
	rejected int
}

// Store is the file-backed session memory log.
type Store struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time

	redisClient *redis.Client
	redisTTL    time.Duration

	db *sql.DB
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClock overrides the store's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithRedisCache caches per-trajectory tallies in Redis so long-running
// sessions avoid rescanning the whole JSONL file on every bias lookup.
// On any Redis error the cache is bypassed and the file is rescanned:
// fail-open on the cache, fail-closed on the source of truth.
func WithRedisCache(client *redis.Client, ttl time.Duration) Option {
	return func(s *Store) {
		s.redisClient = client
		s.redisTTL = ttl
	}
}

// WithPostgresMirror additionally writes every record to a Postgres
// table for operator dashboards, alongside the required JSONL file.
func WithPostgresMirror(db *sql.DB) Option {
	return func(s *Store) { s.db = db }
}

// Open creates the memory file (and parent directories) if needed and
// returns a Store bound to it.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to create session memory directory", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to create session memory file", err)
	}
	_ = f.Close()

	s := &Store{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.db != nil {
		if err := s.migrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.ExecContext(context.Background(), `CREATE TABLE IF NOT EXISTS session_memory_records (
		id SERIAL PRIMARY KEY,
		event TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL,
		trajectory_ref TEXT,
		allowed BOOLEAN,
		stop_reason TEXT,
		steps_executed INTEGER
	)`)
	if err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to migrate session memory mirror table", err)
	}
	return nil
}

func (s *Store) append(record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record.Timestamp = s.clock().UTC()

	encoded, err := json.Marshal(record)
	if err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to marshal session memory record", err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to open session memory file for append", err)
	}
	defer f.Close()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to append session memory record", err)
	}

	if s.db != nil {
		s.mirrorToPostgres(record)
	}
	if record.Event == EventStepRecorded && s.redisClient != nil {
		s.invalidateCache(record.TrajectoryRef)
	}

	return nil
}

func (s *Store) mirrorToPostgres(record Record) {
	ctx := context.Background()
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO session_memory_records (event, timestamp, session_id, trajectory_ref, allowed, stop_reason, steps_executed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.Event, record.Timestamp, record.SessionID, record.TrajectoryRef, record.Allowed, record.StopReason, record.StepsExecuted,
	)
}

// RecordSessionStarted appends a session_started event.
func (s *Store) RecordSessionStarted(sessionID, goalText string, policySnapshot map[string]interface{}) error {
	return s.append(Record{Event: EventSessionStarted, SessionID: sessionID, GoalText: goalText, PolicySnapshot: policySnapshot})
}

// RecordStep appends a step_recorded event carrying the full detail of
// one executed step.
func (s *Store) RecordStep(sessionID string, r StepRecord) error {
	allowed := r.Allowed
	return s.append(Record{
		Event:             EventStepRecorded,
		SessionID:         sessionID,
		StepIndex:         r.StepIndex,
		TrajectoryRef:     r.TrajectoryRef,
		RankingScore:      r.RankingScore,
		MemoryBiasApplied: r.MemoryBiasApplied,
		ActionClass:       r.ActionClass,
		Scope:             r.Scope,
		EffectClass:       r.EffectClass,
		Allowed:           &allowed,
		Reason:            r.Reason,
		RCState:           r.RCState,
		RCConflictScore:   r.RCConflictScore,
		CommitID:          r.CommitID,
	})
}

// RecordSessionFinished appends a session_finished event.
func (s *Store) RecordSessionFinished(sessionID, stopReason string, stepsExecuted int) error {
	return s.append(Record{Event: EventSessionFinished, SessionID: sessionID, StopReason: stopReason, StepsExecuted: stepsExecuted})
}

// TrajectoryBias returns a real in [-0.05, 0.05]. Among step_recorded
// entries for trajectoryRef, let s = count allowed, f = count rejected;
// if total = 0 return 0, else clamp((s-f)/total * 0.05, -0.05, 0.05).
func (s *Store) TrajectoryBias(trajectoryRef string) (float64, error) {
	if s.redisClient != nil {
		if bias, ok := s.biasFromCache(trajectoryRef); ok {
			return bias, nil
		}
	}

	t, err := s.scanTally(trajectoryRef)
	if err != nil {
		return 0, err
	}

	if s.redisClient != nil {
		s.storeCache(trajectoryRef, t)
	}

	return biasFromTally(t), nil
}

func biasFromTally(t tally) float64 {
	total := t.allowed + t.rejected
	if total == 0 {
		return 0
	}
	bias := float64(t.allowed-t.rejected) / float64(total) * 0.05
	if bias < -0.05 {
		bias = -0.05
	}
	if bias > 0.05 {
		bias = 0.05
	}
	return bias
}

func (s *Store) scanTally(trajectoryRef string) (tally, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return tally{}, nil
		}
		return tally{}, rterr.Wrap(rterr.CodeInvalidArgument, "failed to open session memory file", err)
	}
	defer f.Close()

	var t tally
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return tally{}, rterr.Wrap(rterr.CodeInvalidArgument, "failed to decode session memory record", err)
		}
		if record.Event != EventStepRecorded || record.TrajectoryRef != trajectoryRef || record.Allowed == nil {
			continue
		}
		if *record.Allowed {
			t.allowed++
		} else {
			t.rejected++
		}
	}
	if err := scanner.Err(); err != nil {
		return tally{}, rterr.Wrap(rterr.CodeInvalidArgument, "failed to scan session memory file", err)
	}
	return t, nil
}

// ReadAll returns every record in the session memory file, in order.
func (s *Store) ReadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to open session memory file", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to decode session memory record", err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to scan session memory file", err)
	}
	return records, nil
}

// Summarize aggregates the memory file into session/step counts and the
// per-trajectory bias map.
func (s *Store) Summarize() (Summary, error) {
	records, err := s.ReadAll()
	if err != nil {
		return Summary{}, err
	}

	sessions := map[string]bool{}
	trajectories := map[string]bool{}
	stepRecords := 0
	for _, r := range records {
		if (r.Event == EventSessionStarted || r.Event == EventSessionFinished) && r.SessionID != "" {
			sessions[r.SessionID] = true
		}
		if r.Event == EventStepRecorded {
			stepRecords++
			if r.TrajectoryRef != "" {
				trajectories[r.TrajectoryRef] = true
			}
		}
	}

	bias := make(map[string]float64, len(trajectories))
	for traj := range trajectories {
		b, err := s.TrajectoryBias(traj)
		if err != nil {
			return Summary{}, err
		}
		bias[traj] = b
	}

	return Summary{
		TotalSessions:    len(sessions),
		TotalStepRecords: stepRecords,
		TrajectoryBias:   bias,
	}, nil
}

func cacheKey(trajectoryRef string) string {
	return "openclaw:trajectory_tally:" + trajectoryRef
}

func (s *Store) biasFromCache(trajectoryRef string) (float64, bool) {
	ctx := context.Background()
	vals, err := s.redisClient.HMGet(ctx, cacheKey(trajectoryRef), "allowed", "rejected").Result()
	if err != nil {
		return 0, false // fail-open: bypass cache, caller rescans the file
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return 0, false
	}

	var t tally
	if _, err := fmt.Sscanf(fmt.Sprint(vals[0]), "%d", &t.allowed); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(fmt.Sprint(vals[1]), "%d", &t.rejected); err != nil {
		return 0, false
	}
	return biasFromTally(t), true
}

func (s *Store) storeCache(trajectoryRef string, t tally) {
	ctx := context.Background()
	key := cacheKey(trajectoryRef)
	_ = s.redisClient.HSet(ctx, key, "allowed", t.allowed, "rejected", t.rejected).Err()
	if s.redisTTL > 0 {
		_ = s.redisClient.Expire(ctx, key, s.redisTTL).Err()
	}
}

func (s *Store) invalidateCache(trajectoryRef string) {
	ctx := context.Background()
	_ = s.redisClient.Del(ctx, cacheKey(trajectoryRef)).Err()
}
