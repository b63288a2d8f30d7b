package consolidate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latentfields/openclaw/pkg/ledger"
)

func newLedgerWithEntries(t *testing.T, payloads ...map[string]interface{}) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(path)
	require.NoError(t, err)
	for _, p := range payloads {
		_, err := l.Append(p)
		require.NoError(t, err)
	}
	return l
}

func commitEvent(actionClass string, returncode int) map[string]interface{} {
	return map[string]interface{}{
		"event":        "commit_executed",
		"action_class": actionClass,
		"execution":    map[string]interface{}{"returncode": returncode},
	}
}

func TestRunRejectsUnknownTrigger(t *testing.T) {
	l := newLedgerWithEntries(t)
	c := New(l, filepath.Join(t.TempDir(), "out.json"))

	_, err := c.Run("untrusted_caller")
	require.Error(t, err)
}

func TestRunAcceptsSchedulerAndOperatorCLI(t *testing.T) {
	l := newLedgerWithEntries(t)
	outPath := filepath.Join(t.TempDir(), "out.json")
	c := New(l, outPath)

	_, err := c.Run("scheduler")
	require.NoError(t, err)
	_, err = c.Run("operator_cli")
	require.NoError(t, err)
}

func TestRunComputesSuccessRatePerActionClass(t *testing.T) {
	l := newLedgerWithEntries(t,
		commitEvent("WRITE_FILE", 0),
		commitEvent("WRITE_FILE", 0),
		commitEvent("WRITE_FILE", 1),
		commitEvent("DELETE_FILE", 1),
		map[string]interface{}{"event": "other"},
	)
	c := New(l, filepath.Join(t.TempDir(), "out.json"))

	report, err := c.Run("scheduler")
	require.NoError(t, err)

	assert.Equal(t, 5, report.ProcessedEntries)
	assert.Equal(t, 3, report.ActionReliability["WRITE_FILE"].TotalEvents)
	assert.Equal(t, 3, report.ActionReliability["WRITE_FILE"].CommitEvents)
	assert.Equal(t, 2, report.ActionReliability["WRITE_FILE"].SuccessEvents)
	assert.InDelta(t, 0.6667, report.ActionReliability["WRITE_FILE"].SuccessRate, 1e-9)
	assert.Equal(t, 1, report.ActionReliability["DELETE_FILE"].CommitEvents)
	assert.Equal(t, 0.0, report.ActionReliability["DELETE_FILE"].SuccessRate)
}

func TestRunDefaultsMissingActionClass(t *testing.T) {
	l := newLedgerWithEntries(t, map[string]interface{}{
		"event":     "commit_executed",
		"execution": map[string]interface{}{"returncode": 0},
	})
	c := New(l, filepath.Join(t.TempDir(), "out.json"))

	report, err := c.Run("scheduler")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ActionReliability[unknownActionClass].CommitEvents)
}

func TestRunWithNoCommitsYieldsZeroSuccessRate(t *testing.T) {
	l := newLedgerWithEntries(t, map[string]interface{}{"event": "something_else"})
	c := New(l, filepath.Join(t.TempDir(), "out.json"))

	report, err := c.Run("scheduler")
	require.NoError(t, err)
	assert.Equal(t, 0, report.ActionReliability[unknownActionClass].CommitEvents)
	assert.Equal(t, 0.0, report.ActionReliability[unknownActionClass].SuccessRate)
}

func TestRunWritesAtomicArtifact(t *testing.T) {
	l := newLedgerWithEntries(t, commitEvent("A", 0))
	outDir := t.TempDir()
	outPath := filepath.Join(outDir, "skill_reliability.json")
	c := New(l, outPath)

	_, err := c.Run("scheduler")
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "scheduler", decoded.TriggerSource)

	matches, err := filepath.Glob(filepath.Join(outDir, ".skill_reliability-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary file must not remain after atomic rename")
}

func TestPostgresSinkMigratesAndUpsertsReliabilityRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := newLedgerWithEntries(t, commitEvent("WRITE_FILE", 0), commitEvent("WRITE_FILE", 1))
	outPath := filepath.Join(t.TempDir(), "out.json")
	fixedTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(l, outPath, WithClock(func() time.Time { return fixedTime }), WithPostgresSink(db))

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS skill_reliability`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO skill_reliability`)).
		WithArgs("WRITE_FILE", 2, 2, 1, 0.5, fixedTime).
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = c.Run("scheduler")
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunIsIdempotentModuloGeneratedAt(t *testing.T) {
	l := newLedgerWithEntries(t, commitEvent("A", 0), commitEvent("A", 1))
	outPath := filepath.Join(t.TempDir(), "out.json")

	fixedTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(l, outPath, WithClock(func() time.Time { return fixedTime }))

	first, err := c.Run("scheduler")
	require.NoError(t, err)
	second, err := c.Run("operator_cli")
	require.NoError(t, err)

	assert.Equal(t, first.ActionReliability, second.ActionReliability)
	assert.Equal(t, first.ProcessedEntries, second.ProcessedEntries)
}
