// Package safety implements the two-step confirmation gate that stands
// between an operator and a destructive sync operation.
package safety

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basehaven/dbsync/internal/config"
	"github.com/basehaven/dbsync/internal/gateway"
	"github.com/basehaven/dbsync/internal/preflight"
)

// TokenTTL bounds how long a confirmation challenge stays valid. A stale
// challenge may describe a database that has since changed, so expired
// tokens always require starting over.
const TokenTTL = 10 * time.Minute

// Sentinel errors surfaced to the API layer
var (
	// ErrTokenNotFound is returned for unknown or dismissed tokens
	ErrTokenNotFound = errors.New("confirmation token not found")

	// ErrTokenExpired is returned when the challenge outlived TokenTTL
	ErrTokenExpired = errors.New("confirmation token expired; request a new confirmation")

	// ErrNotAcknowledged is returned when Confirm arrives before Acknowledge
	ErrNotAcknowledged = errors.New("challenge must be acknowledged before confirming")

	// ErrPhraseMismatch is returned when the typed phrase does not match
	// exactly; matching is case sensitive
	ErrPhraseMismatch = errors.New("confirmation phrase does not match")

	// ErrPreflightFailed is returned when a failed preflight blocks the gate
	ErrPreflightFailed = errors.New("preflight checks failed; sync cannot be confirmed")
)

// Challenge is one pending confirmation. It spells out exactly what the
// operator is about to authorize.
type Challenge struct {
	Token       string            `json:"token"`
	Direction   gateway.Direction `json:"direction"`
	Warning     string            `json:"warning"`
	Phrase      string            `json:"phrase"`
	Preflight   *preflight.Result `json:"preflight"`
	RequestedBy string            `json:"requested_by"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`

	acknowledged bool
}

// Acknowledged reports whether the first confirmation step happened
func (c *Challenge) Acknowledged() bool {
	return c.acknowledged
}

// Gate holds pending challenges and enforces the two-step protocol:
// acknowledge the warning, then type the confirmation phrase verbatim.
type Gate struct {
	checker *preflight.Checker
	cfg     *config.Config
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*Challenge
	now     func() time.Time
}

// NewGate creates the safety gate
func NewGate(checker *preflight.Checker, cfg *config.Config, log *zap.Logger) *Gate {
	return &Gate{
		checker: checker,
		cfg:     cfg,
		logger:  log.Named("safety"),
		pending: make(map[string]*Challenge),
		now:     time.Now,
	}
}

// BeginConfirmation runs preflight and, when it passes, issues a
// challenge describing the destructive consequences. A failed preflight
// returns ErrPreflightFailed together with the result so the caller can
// show what blocked.
func (g *Gate) BeginConfirmation(ctx context.Context, direction gateway.Direction, requestedBy string) (*Challenge, error) {
	result, err := g.checker.Run(ctx, direction)
	if err != nil {
		return nil, err
	}
	if !result.Passed() {
		g.logger.Warn("Preflight blocked confirmation",
			zap.String("direction", string(direction)),
			zap.Int("failures", len(result.Failures())))
		return &Challenge{Direction: direction, Preflight: result}, ErrPreflightFailed
	}

	now := g.now().UTC()
	challenge := &Challenge{
		Token:     uuid.NewString(),
		Direction: direction,
		Warning: fmt.Sprintf(
			"This will REPLACE all %s rows on the %s instance with %s rows from the %s instance. "+
				"The current %s data will be archived to a snapshot first.",
			humanize.Comma(result.TargetRows), direction.TargetLabel(),
			humanize.Comma(result.SourceRows), direction.SourceLabel(),
			direction.TargetLabel()),
		Phrase:      g.cfg.Sync.ConfirmationPhrase,
		Preflight:   result,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(TokenTTL),
	}

	g.mu.Lock()
	g.pruneLocked()
	g.pending[challenge.Token] = challenge
	g.mu.Unlock()

	g.logger.Info("Confirmation challenge issued",
		zap.String("token", challenge.Token),
		zap.String("direction", string(direction)),
		zap.String("requested_by", requestedBy))
	return challenge, nil
}

// Acknowledge records the first confirmation step
func (g *Gate) Acknowledge(token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	challenge, err := g.lookupLocked(token)
	if err != nil {
		return err
	}
	challenge.acknowledged = true
	return nil
}

// Confirm validates the second step. The typed phrase must match the
// configured phrase exactly, including case. On success the challenge is
// consumed and returned so the caller can launch the operation.
func (g *Gate) Confirm(token, phrase string) (*Challenge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	challenge, err := g.lookupLocked(token)
	if err != nil {
		return nil, err
	}
	if !challenge.acknowledged {
		return nil, ErrNotAcknowledged
	}
	if phrase != challenge.Phrase {
		g.logger.Warn("Confirmation phrase rejected",
			zap.String("token", token))
		return nil, ErrPhraseMismatch
	}

	delete(g.pending, token)
	g.logger.Info("Confirmation accepted",
		zap.String("token", token),
		zap.String("direction", string(challenge.Direction)))
	return challenge, nil
}

// Dismiss invalidates a pending challenge
func (g *Gate) Dismiss(token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.pending[token]; !ok {
		return ErrTokenNotFound
	}
	delete(g.pending, token)
	g.logger.Info("Confirmation dismissed", zap.String("token", token))
	return nil
}

func (g *Gate) lookupLocked(token string) (*Challenge, error) {
	challenge, ok := g.pending[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if g.now().After(challenge.ExpiresAt) {
		delete(g.pending, token)
		return nil, ErrTokenExpired
	}
	return challenge, nil
}

func (g *Gate) pruneLocked() {
	now := g.now()
	for token, challenge := range g.pending {
		if now.After(challenge.ExpiresAt) {
			delete(g.pending, token)
		}
	}
}
