package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rescuekeeper/services/keeper/quote"
	"rescuekeeper/services/keeper/tokens"
)

func trustedRequest(t *testing.T) Request {
	t.Helper()
	usdc, err := tokens.Lookup("USDC", 8453)
	require.NoError(t, err)
	v := quote.NewValidator(nil, quote.DefaultTrustedTargets(), 0, nil)
	tq, ok := v.Verify(8453, quote.Quote{
		Target:   common.HexToAddress("0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"),
		CallData: []byte{0x01},
	})
	require.True(t, ok)
	return Request{
		User:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Token:     usdc,
		Amount:    uint256.NewInt(376_470_588),
		AmountUSD: 376.470588,
		Quote:     tq,
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]FailureKind{
		"":                                                  FailureNone,
		"execution reverted: ERC20: insufficient allowance": FailureApprovalMissing,
		"ERC20: transfer amount exceeds allowance":          FailureApprovalMissing,
		"execution reverted: CooldownActive()":              FailureCooldownActive,
		"execution reverted: InvalidTarget()":               FailureTargetInvalid,
		"execution reverted: Unauthorized()":                FailureUnauthorizedSigner,
		"insufficient funds for gas * price + value":        FailureInsufficientFunds,
		"ERC20: transfer amount exceeds balance":            FailureInsufficientFunds,
		"context deadline exceeded":                         FailureTimeout,
		"execution reverted":                                FailureReverted,
		"connection refused":                                FailureUnknown,
	}
	for text, want := range cases {
		require.Equal(t, want, Classify(text), text)
	}
}

func TestFailureKindStrings(t *testing.T) {
	seen := map[string]bool{}
	for _, kind := range FailureKinds() {
		name := kind.String()
		require.False(t, seen[name], name)
		seen[name] = true
	}
	require.Len(t, seen, 9)
	require.Equal(t, "unknown", FailureKind(99).String())
}

func TestRequestValidate(t *testing.T) {
	req := trustedRequest(t)
	require.NoError(t, req.Validate())

	unverified := req
	unverified.Quote = quote.TrustedQuote{}
	require.ErrorIs(t, unverified.Validate(), ErrInvalidRequest)

	zero := req
	zero.Amount = uint256.NewInt(0)
	require.ErrorIs(t, zero.Validate(), ErrInvalidRequest)

	mismatched := req
	dai, err := tokens.Lookup("DAI", 1)
	require.NoError(t, err)
	mismatched.Token = dai
	require.ErrorIs(t, mismatched.Validate(), ErrInvalidRequest)
}

func TestFuncSubmitter(t *testing.T) {
	req := trustedRequest(t)

	var nilSubmitter FuncSubmitter
	res := nilSubmitter.Submit(context.Background(), req)
	require.False(t, res.Success)
	require.Equal(t, FailureUnknown, res.Failure())

	ok := FuncSubmitter(func(ctx context.Context, r Request) Result {
		return Result{Success: true, TxID: "0xabc"}
	})
	res = ok.Submit(context.Background(), req)
	require.True(t, res.Success)
	require.Equal(t, FailureNone, res.Failure())

	panicking := FuncSubmitter(func(ctx context.Context, r Request) Result {
		panic("boom")
	})
	res = panicking.Submit(context.Background(), req)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "boom")

	failed := Failed("0xdef", errors.New("execution reverted: CooldownActive()"))
	require.Equal(t, "0xdef", failed.TxID)
	require.Equal(t, FailureCooldownActive, failed.Failure())
}
