// Package rollout implements pre-commit candidate construction and
// ranking, without execution or ledger writes.
package rollout

import (
	"sort"

	"github.com/latentfields/openclaw/pkg/boundary"
	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// DefaultWeights is the default (viability, valence) weighting, 0.6/0.4.
var DefaultWeights = struct{ Viability, Valence float64 }{Viability: 0.6, Valence: 0.4}

// Proposal is the caller-supplied shape for one candidate before it is
// routed through the boundary.
type Proposal struct {
	Content         string
	ModelCallID     string
	PromptHash      string
	InputProvenance []string
	ActionClass     string
	Scope           string
	EffectClass     types.EffectClass
	Command         []string
	TrajectoryRef   string
}

// BuildCandidates routes each proposal as a "rollout" role (payload type
// becomes TRAJ) and pairs the resulting envelope with its action,
// scope, effect, command, and trajectory reference.
func BuildCandidates(router *boundary.Router, proposals []Proposal) ([]types.RolloutCandidate, error) {
	candidates := make([]types.RolloutCandidate, 0, len(proposals))
	for _, p := range proposals {
		env, err := router.RouteLLMOutput(p.Content, "rollout", p.ModelCallID, p.PromptHash, p.InputProvenance, p.EffectClass)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, types.RolloutCandidate{
			Envelope:      env,
			ActionClass:   p.ActionClass,
			Scope:         p.Scope,
			EffectClass:   p.EffectClass,
			Command:       p.Command,
			TrajectoryRef: p.TrajectoryRef,
		})
	}
	return candidates, nil
}

// RankCandidates looks up RolloutSignals per candidate (via
// signalOverrides, keyed by trajectory reference, defaulting to 0.5/0.5),
// computes a weighted ranking score, and sorts descending. The sort is
// stable with respect to input order on ties.
func RankCandidates(candidates []types.RolloutCandidate, signalOverrides map[string]types.RolloutSignals, weightViability, weightValence float64) ([]types.RankedCandidate, error) {
	if weightViability < 0 || weightValence < 0 || weightViability+weightValence <= 0 {
		return nil, rterr.New(rterr.CodeInvalidArgument, "rollout ranking weights must be non-negative and sum to more than zero")
	}

	ranked := make([]types.RankedCandidate, len(candidates))
	for i, c := range candidates {
		signals := types.DefaultRolloutSignals()
		if override, ok := signalOverrides[c.TrajectoryRef]; ok {
			signals = override
		}
		score := (signals.Viability*weightViability + signals.Valence*weightValence) / (weightViability + weightValence)
		ranked[i] = types.RankedCandidate{Candidate: c, RankingScore: score}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RankingScore > ranked[j].RankingScore
	})

	return ranked, nil
}
