package lifi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rescuekeeper/services/keeper/quote"
	"rescuekeeper/services/keeper/tokens"
)

const diamond = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"

func testParams(t *testing.T) quote.Params {
	t.Helper()
	usdc, err := tokens.Lookup("USDC", 8453)
	require.NoError(t, err)
	return quote.Params{
		ChainID:   8453,
		Token:     usdc,
		Amount:    uint256.NewInt(376_470_588),
		User:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Recipient: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
}

func TestQuoteBuildsRequestAndDecodes(t *testing.T) {
	executor := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"tool": "uniswap",
			"transactionRequest": {"to": "` + diamond + `", "data": "0xdeadbeef", "value": "0x00"},
			"estimate": {"toAmount": "376470588", "toAmountMin": "374588235"}
		}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", FromAddress: executor, Timeout: time.Second})
	q, err := client.Quote(context.Background(), testParams(t))
	require.NoError(t, err)

	require.Equal(t, "/v1/quote/toAmount", got.URL.Path)
	query := got.URL.Query()
	require.Equal(t, "8453", query.Get("fromChain"))
	require.Equal(t, "8453", query.Get("toChain"))
	require.Equal(t, NativeToken, query.Get("fromToken"))
	require.Equal(t, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", query.Get("toToken"))
	require.Equal(t, "376470588", query.Get("toAmount"))
	require.Equal(t, executor.Hex(), query.Get("fromAddress"))
	require.Equal(t, testParams(t).Recipient.Hex(), query.Get("toAddress"))
	require.Equal(t, "secret", got.Header.Get("x-lifi-api-key"))

	require.Equal(t, common.HexToAddress(diamond), q.Target)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, q.CallData)
	require.True(t, q.Value.IsZero())
	require.Equal(t, "376470588", q.EstimatedOutput)
	require.Equal(t, "uniswap", q.Tool)
}

func TestQuoteOmitsAPIKeyWhenUnset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("x-lifi-api-key"))
		_, _ = w.Write([]byte(`{"transactionRequest": {"to": "` + diamond + `", "data": "0x01", "value": "0x2386f26fc10000"}}`))
	}))
	defer srv.Close()

	q, err := NewClient(Config{BaseURL: srv.URL}).Quote(context.Background(), testParams(t))
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(10_000_000_000_000_000), q.Value)
}

func TestQuoteErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, "rate limited"},
		{"api error", http.StatusNotFound, `{"message": "No available quotes for the requested transfer", "code": 1002}`, "No available quotes"},
		{"bad target", http.StatusOK, `{"transactionRequest": {"to": "nope", "data": "0x01"}}`, "invalid target"},
		{"bad calldata", http.StatusOK, `{"transactionRequest": {"to": "` + diamond + `", "data": "zz"}}`, "invalid calldata"},
		{"bad json", http.StatusOK, `{`, "decode quote"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			_, err := NewClient(Config{BaseURL: srv.URL}).Quote(context.Background(), testParams(t))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestQuoteRespectsContextWhileRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactionRequest": {"to": "` + diamond + `", "data": "0x01"}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, RequestsPerMinute: 1, Burst: 1})
	_, err := client.Quote(context.Background(), testParams(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Quote(ctx, testParams(t))
	require.ErrorContains(t, err, "rate limiter")
}

func TestQuoteRejectsInvalidParams(t *testing.T) {
	params := testParams(t)
	params.Amount = nil
	_, err := NewClient(Config{}).Quote(context.Background(), params)
	require.Error(t, err)
}
