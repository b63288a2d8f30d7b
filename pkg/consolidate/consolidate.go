// Package consolidate implements the offline consolidator: a
// trigger-gated batch job that reads the full ledger and produces a
// per-action-class reliability summary, never invoked inline with a
// live execution cycle.
package consolidate

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/latentfields/openclaw/pkg/ledger"
	"github.com/latentfields/openclaw/pkg/rterr"
)

// allowedTriggers is the closed set of callers permitted to run
// consolidation.
var allowedTriggers = map[string]bool{
	"scheduler":    true,
	"operator_cli": true,
}

const unknownActionClass = "UNKNOWN_ACTION"

// ActionReliability is one action class's event/commit/success tally.
type ActionReliability struct {
	TotalEvents   int     `json:"total_events"`
	CommitEvents  int     `json:"commit_events"`
	SuccessEvents int     `json:"success_events"`
	SuccessRate   float64 `json:"success_rate"`
}

// Report is the full artifact written by Consolidate.
type Report struct {
	GeneratedAt       time.Time                    `json:"generated_at"`
	TriggerSource     string                        `json:"trigger_source"`
	ProcessedEntries  int                           `json:"processed_entries"`
	ActionReliability map[string]ActionReliability `json:"action_reliability"`
}

// Consolidator reads a ledger and writes a skill_reliability.json
// artifact, optionally mirroring the result into Postgres.
type Consolidator struct {
	ledger     *ledger.Ledger
	outputPath string
	clock      func() time.Time
	db         *sql.DB
}

// Option configures a Consolidator at construction.
type Option func(*Consolidator)

// WithClock overrides the consolidator's clock, for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(c *Consolidator) { c.clock = clock }
}

// WithPostgresSink additionally upserts each action class's reliability
// row into a Postgres table, building out the durable mirror alongside
// the required local artifact.
func WithPostgresSink(db *sql.DB) Option {
	return func(c *Consolidator) { c.db = db }
}

// New constructs a Consolidator that reads from l and writes its report
// to outputPath.
func New(l *ledger.Ledger, outputPath string, opts ...Option) *Consolidator {
	c := &Consolidator{ledger: l, outputPath: outputPath, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run rejects any trigger source outside {"scheduler", "operator_cli"},
// then reads the full ledger, buckets every entry by payload.action_class
// (defaulting to UNKNOWN_ACTION when absent), counts commit_executed
// entries as commits and those with returncode 0 as successes, and
// atomically writes the resulting report.
func (c *Consolidator) Run(triggerSource string) (Report, error) {
	if !allowedTriggers[triggerSource] {
		return Report{}, rterr.New(rterr.CodeOfflineTrigger, "consolidation may only be triggered by scheduler or operator_cli, got "+triggerSource)
	}

	entries, err := c.ledger.ReadAll()
	if err != nil {
		return Report{}, err
	}

	tallies := make(map[string]*ActionReliability)
	for _, entry := range entries {
		actionClass := unknownActionClass
		if ac, ok := entry.Payload["action_class"].(string); ok && ac != "" {
			actionClass = ac
		}

		t, ok := tallies[actionClass]
		if !ok {
			t = &ActionReliability{}
			tallies[actionClass] = t
		}
		t.TotalEvents++

		if eventName(entry.Payload) != "commit_executed" {
			continue
		}
		t.CommitEvents++
		if returnCodeIsZero(entry.Payload) {
			t.SuccessEvents++
		}
	}

	reliability := make(map[string]ActionReliability, len(tallies))
	for actionClass, t := range tallies {
		rate := 0.0
		if t.CommitEvents > 0 {
			rate = roundTo4(float64(t.SuccessEvents) / float64(t.CommitEvents))
		}
		reliability[actionClass] = ActionReliability{
			TotalEvents:   t.TotalEvents,
			CommitEvents:  t.CommitEvents,
			SuccessEvents: t.SuccessEvents,
			SuccessRate:   rate,
		}
	}

	report := Report{
		GeneratedAt:       c.clock().UTC(),
		TriggerSource:     triggerSource,
		ProcessedEntries:  len(entries),
		ActionReliability: reliability,
	}

	if err := c.writeAtomic(report); err != nil {
		return Report{}, err
	}

	if c.db != nil {
		if err := c.upsertPostgres(report); err != nil {
			return report, err
		}
	}

	return report, nil
}

func eventName(payload map[string]interface{}) string {
	event, _ := payload["event"].(string)
	return event
}

func returnCodeIsZero(payload map[string]interface{}) bool {
	execution, ok := payload["execution"].(map[string]interface{})
	if !ok {
		return false
	}
	switch rc := execution["returncode"].(type) {
	case float64:
		return rc == 0
	case int:
		return rc == 0
	default:
		return false
	}
}

func roundTo4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func (c *Consolidator) writeAtomic(report Report) error {
	if err := os.MkdirAll(filepath.Dir(c.outputPath), 0o755); err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to create consolidation output directory", err)
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to marshal consolidation report", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.outputPath), ".skill_reliability-*.tmp")
	if err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to create temporary consolidation file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to write temporary consolidation file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to close temporary consolidation file", err)
	}

	if err := os.Rename(tmpPath, c.outputPath); err != nil {
		os.Remove(tmpPath)
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to replace consolidation output atomically", err)
	}

	return nil
}

func (c *Consolidator) upsertPostgres(report Report) error {
	ctx := context.Background()
	if _, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS skill_reliability (
		action_class TEXT PRIMARY KEY,
		total_events INTEGER NOT NULL,
		commit_events INTEGER NOT NULL,
		success_events INTEGER NOT NULL,
		success_rate DOUBLE PRECISION NOT NULL,
		generated_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		return rterr.Wrap(rterr.CodeInvalidArgument, "failed to migrate skill_reliability table", err)
	}

	for actionClass, t := range report.ActionReliability {
		_, err := c.db.ExecContext(ctx,
			`INSERT INTO skill_reliability (action_class, total_events, commit_events, success_events, success_rate, generated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (action_class) DO UPDATE SET
				total_events = excluded.total_events,
				commit_events = excluded.commit_events,
				success_events = excluded.success_events,
				success_rate = excluded.success_rate,
				generated_at = excluded.generated_at`,
			actionClass, t.TotalEvents, t.CommitEvents, t.SuccessEvents, t.SuccessRate, report.GeneratedAt,
		)
		if err != nil {
			return rterr.Wrap(rterr.CodeInvalidArgument, "failed to upsert skill reliability row", err)
		}
	}
	return nil
}
