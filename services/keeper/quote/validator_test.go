package quote

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rescuekeeper/services/keeper/tokens"
)

type stubQuoter struct {
	quote Quote
	err   error
	block bool
	calls int
	last  Params
}

func (s *stubQuoter) Quote(ctx context.Context, params Params) (Quote, error) {
	s.calls++
	s.last = params
	if s.block {
		<-ctx.Done()
		return Quote{}, ctx.Err()
	}
	return s.quote, s.err
}

func testParams(t *testing.T) Params {
	t.Helper()
	usdc, err := tokens.Lookup("USDC", 8453)
	require.NoError(t, err)
	return Params{
		ChainID:   8453,
		Token:     usdc,
		Amount:    uint256.NewInt(376_470_588),
		User:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	}
}

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestDefaultTargetsTrustDiamondOnSupportedChains(t *testing.T) {
	targets := DefaultTrustedTargets()
	for _, chainID := range []int64{1, 10, 137, 8453, 42161} {
		require.True(t, targets.IsTrusted(chainID, lifiDiamond), "chain %d", chainID)
		require.Equal(t, 1, targets.Count(chainID))
	}
	require.False(t, targets.IsTrusted(56, lifiDiamond))
}

func TestTrustedTargetsCaseInsensitive(t *testing.T) {
	targets := DefaultTrustedTargets()
	require.True(t, targets.IsTrusted(1, "0x1231deb6f5749ef6ce6943a275a1d3e7486f4eae"))
	require.True(t, targets.IsTrusted(1, "0X1231DEB6F5749EF6CE6943A275A1D3E7486F4EAE"))
	require.True(t, targets.IsTrusted(1, " 1231deb6f5749ef6ce6943a275a1d3e7486f4eae "))
}

func TestTrustedTargetsRejectMalformed(t *testing.T) {
	targets := DefaultTrustedTargets()
	require.False(t, targets.IsTrusted(1, ""))
	require.False(t, targets.IsTrusted(1, "0x1234"))
	require.False(t, targets.IsTrusted(1, "0x0000000000000000000000000000000000000000"))

	same := targets.With(1, "not-an-address").With(0, lifiDiamond)
	require.Equal(t, targets.Count(1), same.Count(1))
	require.Zero(t, same.Count(0))
}

func TestTrustIsChainScoped(t *testing.T) {
	custom := "0x00000000000000000000000000000000000000cc"
	base := DefaultTrustedTargets()
	targets := base.With(10, custom)
	require.True(t, targets.IsTrusted(10, custom))
	require.False(t, targets.IsTrusted(8453, custom))
	require.False(t, base.IsTrusted(10, custom), "With must not mutate the receiver")

	v := NewValidator(nil, targets, 0, quietLogger(&bytes.Buffer{}))
	_, ok := v.Verify(8453, Quote{Target: common.HexToAddress(custom), CallData: []byte{1}})
	require.False(t, ok)
	tq, ok := v.Verify(10, Quote{Target: common.HexToAddress(custom), CallData: []byte{1}})
	require.True(t, ok)
	require.True(t, tq.Verified())
	require.Equal(t, int64(10), tq.ChainID())
}

func TestVerifyRejectsUntrustedTarget(t *testing.T) {
	var buf bytes.Buffer
	v := NewValidator(nil, DefaultTrustedTargets(), 0, quietLogger(&buf))
	evil := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tq, ok := v.Verify(8453, Quote{Target: evil, CallData: []byte{0xde, 0xad}})
	require.False(t, ok)
	require.False(t, tq.Verified())
	require.Contains(t, buf.String(), "quote target not trusted")
}

func TestTrustedQuoteCopiesPayload(t *testing.T) {
	v := NewValidator(nil, DefaultTrustedTargets(), 0, quietLogger(&bytes.Buffer{}))
	data := []byte{0x01, 0x02}
	tq, ok := v.Verify(1, Quote{Target: common.HexToAddress(lifiDiamond), CallData: data, EstimatedOutput: "376000000"})
	require.True(t, ok)
	got := tq.CallData()
	got[0] = 0xff
	require.Equal(t, []byte{0x01, 0x02}, tq.CallData())
	require.True(t, tq.Value().IsZero())
	require.Equal(t, "376000000", tq.EstimatedOutput())
}

func TestGetExecutionQuote(t *testing.T) {
	params := testParams(t)
	quoter := &stubQuoter{quote: Quote{Target: common.HexToAddress(lifiDiamond), CallData: []byte{1, 2, 3}}}
	v := NewValidator(quoter, DefaultTrustedTargets(), time.Second, quietLogger(&bytes.Buffer{}))

	q, ok := v.GetExecutionQuote(context.Background(), params)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, q.CallData)
	require.Equal(t, params.Recipient, quoter.last.Recipient)
}

func TestGetExecutionQuoteUnavailable(t *testing.T) {
	params := testParams(t)

	var buf bytes.Buffer
	failing := NewValidator(&stubQuoter{err: errors.New("502 bad gateway")}, DefaultTrustedTargets(), time.Second, quietLogger(&buf))
	_, ok := failing.GetExecutionQuote(context.Background(), params)
	require.False(t, ok)
	require.Contains(t, buf.String(), "502 bad gateway")

	empty := NewValidator(&stubQuoter{quote: Quote{Target: common.HexToAddress(lifiDiamond)}}, DefaultTrustedTargets(), time.Second, quietLogger(&bytes.Buffer{}))
	_, ok = empty.GetExecutionQuote(context.Background(), params)
	require.False(t, ok)

	slow := &stubQuoter{block: true}
	timed := NewValidator(slow, DefaultTrustedTargets(), 10*time.Millisecond, quietLogger(&bytes.Buffer{}))
	_, ok = timed.GetExecutionQuote(context.Background(), params)
	require.False(t, ok)
	require.Equal(t, 1, slow.calls)

	var nilValidator *Validator
	_, ok = nilValidator.GetExecutionQuote(context.Background(), params)
	require.False(t, ok)
}

func TestGetExecutionQuoteRejectsInvalidParams(t *testing.T) {
	quoter := &stubQuoter{quote: Quote{Target: common.HexToAddress(lifiDiamond), CallData: []byte{1}}}
	v := NewValidator(quoter, DefaultTrustedTargets(), time.Second, quietLogger(&bytes.Buffer{}))

	params := testParams(t)
	params.Amount = uint256.NewInt(0)
	_, ok := v.GetExecutionQuote(context.Background(), params)
	require.False(t, ok)

	params = testParams(t)
	params.Token = tokens.Stablecoin{}
	_, ok = v.GetExecutionQuote(context.Background(), params)
	require.False(t, ok)
	require.Zero(t, quoter.calls)
}
