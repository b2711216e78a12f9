// Package quote fetches execution routes and decides whether their execution
// target may be trusted. Routing responses are attacker-influenceable: their
// calldata must never reach the submitter unless the target is allow-listed.
package quote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rescuekeeper/services/keeper/tokens"
)

// ErrQuoterNotConfigured is logged when no RouteQuoter is wired.
var ErrQuoterNotConfigured = errors.New("quote: route quoter not configured")

// Params describes the route requested for a rescue.
type Params struct {
	ChainID   int64
	Token     tokens.Stablecoin
	Amount    *uint256.Int
	User      common.Address
	Recipient common.Address
}

// Quote is an unverified routing response.
type Quote struct {
	Target          common.Address
	CallData        []byte
	Value           *uint256.Int
	EstimatedOutput string
	Tool            string
}

// TrustedQuote is a Quote whose target passed the allow-list for its chain.
// It can only be produced by Validator.Verify.
type TrustedQuote struct {
	quote   Quote
	chainID int64
}

// Target returns the verified execution target.
func (q TrustedQuote) Target() common.Address { return q.quote.Target }

// CallData returns a copy of the calldata for the verified target.
func (q TrustedQuote) CallData() []byte { return append([]byte(nil), q.quote.CallData...) }

// Value returns the native value to forward, never nil.
func (q TrustedQuote) Value() *uint256.Int {
	if q.quote.Value == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(q.quote.Value)
}

// EstimatedOutput returns the router's output estimate in base units.
func (q TrustedQuote) EstimatedOutput() string { return q.quote.EstimatedOutput }

// ChainID returns the chain the target was verified for.
func (q TrustedQuote) ChainID() int64 { return q.chainID }

// Verified reports whether q was produced by Verify.
func (q TrustedQuote) Verified() bool { return q.chainID > 0 }

// RouteQuoter requests an execution route from a routing service.
type RouteQuoter interface {
	Quote(ctx context.Context, params Params) (Quote, error)
}

// Validator wraps a RouteQuoter with a timeout and the target allow-list.
type Validator struct {
	quoter  RouteQuoter
	targets TrustedTargets
	timeout time.Duration
	logger  *slog.Logger
}

// NewValidator constructs a Validator. A non-positive timeout disables the
// per-call deadline.
func NewValidator(quoter RouteQuoter, targets TrustedTargets, timeout time.Duration, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{quoter: quoter, targets: targets, timeout: timeout, logger: logger}
}

// GetExecutionQuote fetches a route. ok is false when no usable quote could
// be obtained.
func (v *Validator) GetExecutionQuote(ctx context.Context, params Params) (q Quote, ok bool) {
	if v == nil || v.quoter == nil {
		slog.Default().Warn("quote unavailable", slog.String("error", ErrQuoterNotConfigured.Error()))
		return Quote{}, false
	}
	if !params.Token.Valid() || params.Amount == nil || params.Amount.IsZero() {
		v.logger.Warn("quote unavailable", slog.String("user", params.User.Hex()), slog.String("error", "invalid quote parameters"))
		return Quote{}, false
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	q, err := v.quoter.Quote(ctx, params)
	if err != nil {
		v.logger.Warn("quote unavailable",
			slog.String("user", params.User.Hex()),
			slog.String("token", params.Token.String()),
			slog.String("error", err.Error()),
		)
		return Quote{}, false
	}
	if len(q.CallData) == 0 {
		v.logger.Warn("quote unavailable", slog.String("user", params.User.Hex()), slog.String("error", "empty calldata"))
		return Quote{}, false
	}
	return q, true
}

// IsTrustedTarget reports whether target is allow-listed for chainID.
func (v *Validator) IsTrustedTarget(chainID int64, target common.Address) bool {
	if v == nil {
		return false
	}
	return v.targets.IsTrusted(chainID, target.Hex())
}

// Verify promotes q to a TrustedQuote when its target is allow-listed.
func (v *Validator) Verify(chainID int64, q Quote) (TrustedQuote, bool) {
	if !v.IsTrustedTarget(chainID, q.Target) {
		if v != nil {
			v.logger.Error("quote target not trusted",
				slog.Int64("chain_id", chainID),
				slog.String("target", q.Target.Hex()),
				slog.String("tool", q.Tool),
			)
		}
		return TrustedQuote{}, false
	}
	return TrustedQuote{quote: q, chainID: chainID}, true
}
