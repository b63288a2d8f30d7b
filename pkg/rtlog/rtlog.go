// Package rtlog provides the runtime's structured logging and metrics
// instrumentation: a slog.Logger per component, and a small set of
// OpenTelemetry counters/histograms observed by the RC scorer, verifier,
// sandbox, and ledger. No exporter is bound by default; callers running
// under an observability stack wire their own MeterProvider via
// otel.SetMeterProvider before constructing a Metrics value.
package rtlog

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/latentfields/openclaw/pkg/rterr"
)

// New returns a slog.Logger that tags every record with the owning
// component name.
func New(component string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", component)
}

// Metrics bundles the runtime's OpenTelemetry instruments. All
// instruments are created against the globally configured
// MeterProvider; with no exporter bound this is otel's no-op provider,
// so instrumentation calls are safe even when nothing is observing
// them.
type Metrics struct {
	RCScoreObserved       metric.Float64Histogram
	VerifierDecisions     metric.Int64Counter
	SandboxExecDuration   metric.Float64Histogram
	LedgerAppendDuration  metric.Float64Histogram
}

// NewMetrics constructs a Metrics bundle using the meter named
// "openclaw".
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("openclaw")

	rcScore, err := meter.Float64Histogram("openclaw.rc.conflict_score",
		metric.WithDescription("Observed RC conflict-risk scores"))
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to create rc score histogram", err)
	}

	decisions, err := meter.Int64Counter("openclaw.verifier.decisions",
		metric.WithDescription("Verifier decisions, labeled by reason"))
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to create verifier decision counter", err)
	}

	sandboxDuration, err := meter.Float64Histogram("openclaw.sandbox.exec_duration_seconds",
		metric.WithDescription("Sandbox subprocess execution duration"))
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to create sandbox duration histogram", err)
	}

	ledgerDuration, err := meter.Float64Histogram("openclaw.ledger.append_duration_seconds",
		metric.WithDescription("Ledger append latency"))
	if err != nil {
		return nil, rterr.Wrap(rterr.CodeInvalidArgument, "failed to create ledger append histogram", err)
	}

	return &Metrics{
		RCScoreObserved:      rcScore,
		VerifierDecisions:    decisions,
		SandboxExecDuration:  sandboxDuration,
		LedgerAppendDuration: ledgerDuration,
	}, nil
}

// ObserveRCScore records one RC conflict-score observation.
func (m *Metrics) ObserveRCScore(ctx context.Context, score float64) {
	if m == nil {
		return
	}
	m.RCScoreObserved.Record(ctx, score)
}

// CountVerifierDecision increments the decision counter for the given
// reason.
func (m *Metrics) CountVerifierDecision(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.VerifierDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveSandboxDuration records one subprocess execution's wall-clock
// duration in seconds.
func (m *Metrics) ObserveSandboxDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.SandboxExecDuration.Record(ctx, seconds)
}

// ObserveLedgerAppendDuration records one ledger append's latency in
// seconds.
func (m *Metrics) ObserveLedgerAppendDuration(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.LedgerAppendDuration.Record(ctx, seconds)
}
