package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/latentfields/openclaw/pkg/boundary"
	"github.com/latentfields/openclaw/pkg/capabilities"
	"github.com/latentfields/openclaw/pkg/config"
	"github.com/latentfields/openclaw/pkg/consolidate"
	"github.com/latentfields/openclaw/pkg/ledger"
	"github.com/latentfields/openclaw/pkg/memory"
	"github.com/latentfields/openclaw/pkg/rc"
	"github.com/latentfields/openclaw/pkg/rollout"
	"github.com/latentfields/openclaw/pkg/rtlog"
	"github.com/latentfields/openclaw/pkg/runtime"
	"github.com/latentfields/openclaw/pkg/sandbox"
	"github.com/latentfields/openclaw/pkg/session"
	"github.com/latentfields/openclaw/pkg/types"
	"github.com/latentfields/openclaw/pkg/verifier"
)

// Dispatcher.
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run-cycle":
		return runCycleCmd(args[2:], stdout, stderr, true)
	case "run-demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "plan-demo":
		return runCycleCmd(args[2:], stdout, stderr, false)
	case "offline-consolidate":
		return runConsolidateCmd(args[2:], stdout, stderr)
	case "run-session":
		return runSessionCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "openclaw — guarded execution runtime for untrusted proposal sources")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  openclaw <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run-cycle           Run one full commit cycle (--action, --scope, --effect, --rc-score; command as trailing args)")
	fmt.Fprintln(w, "  plan-demo           Like run-cycle but without a default command; execution and the ledger append are not skipped")
	fmt.Fprintln(w, "  run-demo            Run a canned happy-path cycle end to end")
	fmt.Fprintln(w, "  offline-consolidate Aggregate the ledger into a skill-reliability summary (--trigger)")
	fmt.Fprintln(w, "  run-session         Run a policy-bounded multi-step session (--requests file)")
	fmt.Fprintln(w, "  help                Show this help")
}

// buildLedger opens the tamper-evident ledger, mirroring every appended
// entry to S3 when an archive bucket is configured.
func buildLedger(cfg config.Config) (*ledger.Ledger, error) {
	opts := []ledger.Option{}
	if cfg.ArchiveS3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, err
		}
		sink := ledger.NewS3ArchiveSink(context.Background(), s3.NewFromConfig(awsCfg), cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		opts = append(opts, ledger.WithArchiveSink(sink))
	}
	return ledger.Open(cfg.LedgerPath, opts...)
}

func buildRuntime(cfg config.Config) (*runtime.Cycle, error) {
	manifestBytes, err := os.ReadFile(cfg.CapabilityManifest)
	if err != nil {
		return nil, err
	}
	manifest, err := capabilities.Load(manifestBytes)
	if err != nil {
		return nil, err
	}

	h, err := rc.NewHysteresis(rc.Thresholds{
		Low:  cfg.RCThresholdLow,
		High: cfg.RCThresholdHigh,
		Lock: cfg.RCThresholdLock,
	})
	if err != nil {
		return nil, err
	}

	metrics, err := rtlog.NewMetrics()
	if err != nil {
		return nil, err
	}

	auditFile, err := os.OpenFile(cfg.AuditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	v := verifier.New(manifest,
		verifier.WithRCHighThreshold(cfg.RCHighStrictThreshold),
		verifier.WithAuditSink(auditFile),
		verifier.WithLogger(rtlog.New("verifier")),
		verifier.WithMetrics(metrics),
	)

	sb, err := sandbox.New(cfg.SandboxRoot, sandbox.Policy{
		AllowedCommands: map[string]bool{"echo": true, "true": true, "false": true},
		Timeout:         time.Duration(cfg.SandboxTimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		return nil, err
	}

	l, err := buildLedger(cfg)
	if err != nil {
		return nil, err
	}

	cycleOpts := []runtime.Option{
		runtime.WithLogger(rtlog.New("runtime")),
		runtime.WithMetrics(metrics),
	}
	if cfg.CommitTokenSecret != "" {
		cycleOpts = append(cycleOpts, runtime.WithCommitTokenSecret(
			[]byte(cfg.CommitTokenSecret),
			time.Duration(cfg.CommitTokenTTLSeconds*float64(time.Second)),
		))
	}

	return runtime.New(h, v, sb, l, cycleOpts...), nil
}

// buildMemoryStore opens the session memory log, wiring in the Redis
// bias cache and Postgres mirror whenever the environment configures
// them.
func buildMemoryStore(cfg config.Config) (*memory.Store, error) {
	opts := []memory.Option{}
	if client := cfg.OpenRedis(); client != nil {
		opts = append(opts, memory.WithRedisCache(client, time.Duration(cfg.RedisCacheTTLSeconds*float64(time.Second))))
	}
	db, err := cfg.OpenPostgres()
	if err != nil {
		return nil, err
	}
	if db != nil {
		opts = append(opts, memory.WithPostgresMirror(db))
	}
	return memory.Open(cfg.SessionMemoryPath, opts...)
}

func runCycleCmd(args []string, stdout, stderr io.Writer, execute bool) int {
	fs := flag.NewFlagSet("run-cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actionClass := fs.String("action", "", "action class")
	scope := fs.String("scope", "", "scope")
	effect := fs.String("effect", "none", "effect class: none|reversible|privileged|destructive")
	rcScore := fs.Float64("rc-score", 0.0, "RC conflict score [0,1]")
	sourceID := fs.String("source-id", "cli", "provenance source id")
	inputProv := fs.String("input-provenance", "cli-invocation", "input provenance label")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	command := fs.Args()
	if execute && len(command) == 0 {
		command = []string{"echo", "openclaw_cycle_ok"}
	}

	cfg := config.Load()
	cycle, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	input := runtime.CycleInput{
		ActionClass: *actionClass,
		Scope:       *scope,
		EffectClass: types.EffectClass(*effect),
		Command:     command,
		RCSignals: types.RCConflictSignals{
			ProvenanceMismatch:      *rcScore,
			IdentityInconsistency:   *rcScore,
			TemporalDiscontinuity:   *rcScore,
			ToolOutputInconsistency: *rcScore,
		},
		Provenance: types.Provenance{
			SourceClass:     types.SourceUser,
			SourceID:        *sourceID,
			InputProvenance: []string{*inputProv},
		},
	}

	result, err := cycle.Run(context.Background(), input)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	printJSON(stdout, result)
	if !result.Allowed {
		return 2
	}
	return 0
}

func runDemoCmd(args []string, stdout, stderr io.Writer) int {
	return runCycleCmd([]string{
		"-action", "WRITE_FILE",
		"-scope", "workspace:project",
		"-effect", "reversible",
		"-rc-score", "0.2",
		"echo", "openclaw_demo_ok",
	}, stdout, stderr, true)
}

func runConsolidateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("offline-consolidate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	trigger := fs.String("trigger", "operator_cli", "trigger source: scheduler|operator_cli")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	l, err := buildLedger(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	opts := []consolidate.Option{}
	if db, err := cfg.OpenPostgres(); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	} else if db != nil {
		opts = append(opts, consolidate.WithPostgresSink(db))
	}

	c := consolidate.New(l, cfg.ConsolidationPath, opts...)
	report, err := c.Run(*trigger)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	printJSON(stdout, report)
	return 0
}

// sessionStepRequest is the on-disk shape of one step in a run-session
// request file.
type sessionStepRequest struct {
	Proposals         []rollout.Proposal          `json:"proposals"`
	SignalOverrides   map[string]types.RolloutSignals `json:"signal_overrides"`
	RCSignals         types.RCConflictSignals     `json:"rc_signals"`
	ConsentToken      *types.ConsentToken         `json:"consent_token"`
	Provenance        types.Provenance            `json:"provenance"`
	ProvidedVerifiers map[string]bool             `json:"provided_verifiers"`
	ProposalType      string                       `json:"proposal_type"`
}

// sessionRequest is the on-disk shape of a full run-session request
// file: a goal, a policy, and the ordered steps to attempt under it.
type sessionRequest struct {
	SessionID string               `json:"session_id"`
	GoalText  string               `json:"goal_text"`
	Policy    session.Policy       `json:"policy"`
	Steps     []sessionStepRequest `json:"steps"`
}

func runSessionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run-session", flag.ContinueOnError)
	fs.SetOutput(stderr)
	requestsPath := fs.String("requests", "", "path to a JSON run-session request file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *requestsPath == "" {
		fmt.Fprintln(stderr, "run-session requires --requests")
		return 2
	}

	raw, err := os.ReadFile(*requestsPath)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	var req sessionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	cfg := config.Load()
	cycle, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	mem, err := buildMemoryStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	router := boundary.NewRouter()
	runner := session.New(cycle, router, mem)

	steps := make([]session.StepSpec, len(req.Steps))
	for i, s := range req.Steps {
		steps[i] = session.StepSpec{
			Proposals:         s.Proposals,
			SignalOverrides:   s.SignalOverrides,
			RCSignals:         s.RCSignals,
			ConsentToken:      s.ConsentToken,
			Provenance:        s.Provenance,
			ProvidedVerifiers: s.ProvidedVerifiers,
			ProposalType:      s.ProposalType,
		}
	}

	result, err := runner.Run(context.Background(), req.SessionID, req.GoalText, steps, req.Policy)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 2
	}

	printJSON(stdout, result)
	if result.StopReason == session.ReasonRejectedStep {
		return 2
	}
	return 0
}

func printJSON(w io.Writer, v interface{}) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(w, "{}")
		return
	}
	fmt.Fprintln(w, string(encoded))
}
