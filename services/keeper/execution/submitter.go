// Package execution defines the boundary between rescue decisions and the
// on-chain executor. Submitters report outcomes as values and never panic.
package execution

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rescuekeeper/services/keeper/quote"
	"rescuekeeper/services/keeper/tokens"
)

// Request carries everything required to submit one rescue. The quote is a
// TrustedQuote, so its target has already passed the allow-list.
type Request struct {
	User      common.Address
	Token     tokens.Stablecoin
	Amount    *uint256.Int
	AmountUSD float64
	Quote     quote.TrustedQuote
}

// Validate rejects requests that must never reach the chain.
func (r Request) Validate() error {
	switch {
	case r.User == (common.Address{}):
		return fmt.Errorf("%w: empty user", ErrInvalidRequest)
	case !r.Token.Valid():
		return fmt.Errorf("%w: unverified token", ErrInvalidRequest)
	case r.Amount == nil || r.Amount.IsZero():
		return fmt.Errorf("%w: zero amount", ErrInvalidRequest)
	case !r.Quote.Verified():
		return fmt.Errorf("%w: unverified quote", ErrInvalidRequest)
	case r.Quote.ChainID() != r.Token.ChainID():
		return fmt.Errorf("%w: quote chain %d does not match token chain %d", ErrInvalidRequest, r.Quote.ChainID(), r.Token.ChainID())
	}
	return nil
}

// Result is the structured outcome of a submission.
type Result struct {
	Success bool
	TxID    string
	Error   string
}

// Failure classifies an unsuccessful result.
func (r Result) Failure() FailureKind {
	if r.Success {
		return FailureNone
	}
	return Classify(r.Error)
}

// Failed builds an unsuccessful Result from err.
func Failed(txID string, err error) Result {
	if err == nil {
		return Result{Success: false, TxID: txID, Error: "unknown failure"}
	}
	return Result{Success: false, TxID: txID, Error: err.Error()}
}

// Submitter executes a rescue on chain.
type Submitter interface {
	Submit(ctx context.Context, req Request) Result
}

// FuncSubmitter adapts a callback to the Submitter interface.
type FuncSubmitter func(ctx context.Context, req Request) Result

// Submit delegates to the callback, converting a nil callback or a panic into
// a failed Result.
func (f FuncSubmitter) Submit(ctx context.Context, req Request) (res Result) {
	if f == nil {
		return Failed("", ErrSubmitterNotConfigured)
	}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Success: false, Error: fmt.Sprintf("submitter panic: %v", r)}
		}
	}()
	return f(ctx, req)
}
