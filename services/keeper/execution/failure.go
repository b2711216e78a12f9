package execution

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidRequest marks a request rejected before submission.
	ErrInvalidRequest = errors.New("execution: invalid request")
	// ErrSubmitterNotConfigured is reported when no submitter is wired.
	ErrSubmitterNotConfigured = errors.New("execution: submitter not configured")
)

// FailureKind is the closed set of submission failure classes.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureApprovalMissing
	FailureCooldownActive
	FailureTargetInvalid
	FailureUnauthorizedSigner
	FailureInsufficientFunds
	FailureReverted
	FailureTimeout
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureApprovalMissing:
		return "approval_missing"
	case FailureCooldownActive:
		return "cooldown_active"
	case FailureTargetInvalid:
		return "target_invalid"
	case FailureUnauthorizedSigner:
		return "unauthorized_signer"
	case FailureInsufficientFunds:
		return "insufficient_funds"
	case FailureReverted:
		return "reverted"
	case FailureTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// FailureKinds lists every kind, for metric label pre-registration.
func FailureKinds() []FailureKind {
	return []FailureKind{
		FailureNone, FailureApprovalMissing, FailureCooldownActive, FailureTargetInvalid,
		FailureUnauthorizedSigner, FailureInsufficientFunds, FailureReverted, FailureTimeout, FailureUnknown,
	}
}

// Ordered most specific first: revert strings usually also contain "revert".
var failurePatterns = []struct {
	kind     FailureKind
	patterns []string
}{
	{FailureApprovalMissing, []string{"insufficient allowance", "allowance", "not approved", "approve"}},
	{FailureCooldownActive, []string{"cooldown"}},
	{FailureTargetInvalid, []string{"invalid target", "target not allowed", "untrusted target", "invalidtarget", "execution: invalid request"}},
	{FailureUnauthorizedSigner, []string{"unauthorized", "not keeper", "notkeeper", "only keeper", "caller is not", "onlyowner"}},
	{FailureInsufficientFunds, []string{"insufficient funds", "exceeds balance", "insufficient balance"}},
	{FailureTimeout, []string{"context deadline exceeded", "timeout", "timed out"}},
	{FailureReverted, []string{"revert", "execution reverted", "status 0"}},
}

// Classify maps free-form submitter error text to a FailureKind. Empty text
// classifies as FailureNone.
func Classify(errText string) FailureKind {
	text := strings.ToLower(strings.TrimSpace(errText))
	if text == "" {
		return FailureNone
	}
	for _, entry := range failurePatterns {
		for _, p := range entry.patterns {
			if strings.Contains(text, p) {
				return entry.kind
			}
		}
	}
	return FailureUnknown
}
