package keeper

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rescuekeeper/services/keeper/execution"
)

// Outcome is the result of evaluating one user. Exactly one of Skipped and
// Attempted is true.
type Outcome struct {
	User    common.Address `json:"user"`
	Name    string         `json:"name,omitempty"`
	Stage   Stage          `json:"stage,omitempty"`
	Skipped bool           `json:"skipped"`
	Reason  SkipReason     `json:"reason,omitempty"`
	Detail  string         `json:"detail,omitempty"`

	Attempted bool                  `json:"attempted"`
	Success   bool                  `json:"success"`
	Token     string                `json:"token,omitempty"`
	AmountUSD float64               `json:"amount_usd,omitempty"`
	TxID      string                `json:"tx_id,omitempty"`
	Error     string                `json:"error,omitempty"`
	Failure   execution.FailureKind `json:"failure,omitempty"`

	HealthFactor         float64 `json:"-"`
	ExpectedHealthFactor float64 `json:"-"`
}

// CycleResult aggregates one tick. Each user contributes exactly one Outcome.
type CycleResult struct {
	Processed    int                `json:"processed"`
	Skipped      int                `json:"skipped"`
	Attempted    int                `json:"attempted"`
	Succeeded    int                `json:"succeeded"`
	SkipReasons  map[SkipReason]int `json:"skip_reasons"`
	ErrorsByUser map[string]string  `json:"errors_by_user"`
	Outcomes     []Outcome          `json:"outcomes"`
	StartedAt    time.Time          `json:"started_at"`
	Duration     time.Duration      `json:"duration_ns"`
}

func newCycleResult(start time.Time) CycleResult {
	return CycleResult{
		SkipReasons:  make(map[SkipReason]int),
		ErrorsByUser: make(map[string]string),
		StartedAt:    start,
	}
}

// Failed counts attempts that did not succeed.
func (r CycleResult) Failed() int {
	return r.Attempted - r.Succeeded
}

func (r *CycleResult) add(out Outcome) {
	r.Processed++
	r.Outcomes = append(r.Outcomes, out)
	key := out.User.Hex()
	switch {
	case out.Skipped:
		r.Skipped++
		r.SkipReasons[out.Reason]++
		switch out.Reason {
		case SkipPolicyUnavailable, SkipPositionUnavailable, SkipQuoteUnavailable, SkipQuoteTargetInvalid, SkipInternalError:
			msg := out.Reason.String()
			if out.Detail != "" {
				msg += ": " + out.Detail
			}
			r.ErrorsByUser[key] = msg
		}
	case out.Attempted:
		r.Attempted++
		if out.Success {
			r.Succeeded++
		} else {
			r.ErrorsByUser[key] = out.Error
		}
	}
}

func (r CycleResult) clone() CycleResult {
	out := r
	out.SkipReasons = make(map[SkipReason]int, len(r.SkipReasons))
	for k, v := range r.SkipReasons {
		out.SkipReasons[k] = v
	}
	out.ErrorsByUser = make(map[string]string, len(r.ErrorsByUser))
	for k, v := range r.ErrorsByUser {
		out.ErrorsByUser[k] = v
	}
	out.Outcomes = append([]Outcome(nil), r.Outcomes...)
	return out
}
