// Package commit mints the opaque commit token that authorizes exactly
// one sandbox execution + ledger append per allowed cycle, and serializes
// it to a bearer string for handoff across the sandbox/audit boundary.
package commit

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/latentfields/openclaw/pkg/rterr"
	"github.com/latentfields/openclaw/pkg/types"
)

// Mint is a pure factory: it constructs an immutable CommitToken with a
// fresh unique id and UTC issued-at. It holds no state and is never
// reused — a fresh token is minted per allowed cycle.
func Mint(actionClass, trajectoryRef string, verifierState string, rcState types.RCState, rcScore float64, now time.Time) types.CommitToken {
	return types.CommitToken{
		ID:            uuid.NewString(),
		ActionClass:   actionClass,
		TrajectoryRef: trajectoryRef,
		VerifierState: verifierState,
		RCStateAtMint: rcState,
		RCScoreAtMint: rcScore,
		IssuedAt:      now.UTC(),
	}
}

// claims is the JWT payload shape for a serialized commit token. The
// token is explicitly opaque to callers: it authorizes a handoff, it
// does not carry a cryptographic integrity guarantee about the ledger
// (the ledger's own hash chain is the sole tamper-evidence mechanism).
type claims struct {
	jwt.RegisteredClaims
	ActionClass   string  `json:"action_class"`
	TrajectoryRef string  `json:"trajectory_ref"`
	VerifierState string  `json:"verifier_state"`
	RCStateAtMint string  `json:"rc_state_at_mint"`
	RCScoreAtMint float64 `json:"rc_score_at_mint"`
}

// Serialize encodes a CommitToken as a short-lived, single-use HS256
// bearer string.
func Serialize(token types.CommitToken, secret []byte, ttl time.Duration) (string, error) {
	now := token.IssuedAt
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        token.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActionClass:   token.ActionClass,
		TrajectoryRef: token.TrajectoryRef,
		VerifierState: token.VerifierState,
		RCStateAtMint: string(token.RCStateAtMint),
		RCScoreAtMint: token.RCScoreAtMint,
	}

	jwtToken := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := jwtToken.SignedString(secret)
	if err != nil {
		return "", rterr.Wrap(rterr.CodeInvalidArgument, "commit token serialization failed", err)
	}
	return signed, nil
}

// Deserialize decodes and validates a previously serialized commit
// token bearer string.
func Deserialize(bearer string, secret []byte) (types.CommitToken, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(bearer, &c, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil || !parsed.Valid {
		return types.CommitToken{}, rterr.Wrap(rterr.CodeInvalidArgument, "invalid commit token", err)
	}

	issuedAt := time.Time{}
	if c.IssuedAt != nil {
		issuedAt = c.IssuedAt.Time
	}

	return types.CommitToken{
		ID:            c.ID,
		ActionClass:   c.ActionClass,
		TrajectoryRef: c.TrajectoryRef,
		VerifierState: c.VerifierState,
		RCStateAtMint: types.RCState(c.RCStateAtMint),
		RCScoreAtMint: c.RCScoreAtMint,
		IssuedAt:      issuedAt,
	}, nil
}
