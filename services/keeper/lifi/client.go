// Package lifi requests execution routes from the LI.FI API.
package lifi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"rescuekeeper/services/keeper/quote"
)

// DefaultBaseURL is the public LI.FI API.
const DefaultBaseURL = "https://li.quest"

// NativeToken is LI.FI's placeholder for a chain's gas token.
const NativeToken = "0x0000000000000000000000000000000000000000"

// ErrRateLimited is returned when the API answers 429.
var ErrRateLimited = errors.New("lifi: rate limited")

// Config represents the client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	// Integrator identifies this keeper to LI.FI.
	Integrator string
	// FromAddress is the account that funds the route, normally the rescue executor.
	FromAddress common.Address
	// FromToken is the asset the route spends. Empty selects NativeToken.
	FromToken string
	// Slippage as a fraction, e.g. 0.005.
	Slippage          float64
	Timeout           time.Duration
	RequestsPerMinute float64
	Burst             int
	Transport         http.RoundTripper
}

// Client implements quote.RouteQuoter against GET /v1/quote/toAmount.
type Client struct {
	baseURL     string
	apiKey      string
	integrator  string
	fromAddress common.Address
	fromToken   string
	slippage    float64
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// NewClient constructs a client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	fromToken := strings.TrimSpace(cfg.FromToken)
	if fromToken == "" {
		fromToken = NativeToken
	}
	slippage := cfg.Slippage
	if slippage <= 0 || slippage >= 1 {
		slippage = 0.005
	}
	integrator := strings.TrimSpace(cfg.Integrator)
	if integrator == "" {
		integrator = "rescuekeeper"
	}
	return &Client{
		baseURL:     base,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		integrator:  integrator,
		fromAddress: cfg.FromAddress,
		fromToken:   fromToken,
		slippage:    slippage,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Fields read from the quote payload. The rest of the response (steps,
// gas costs, included tools) is ignored.
const (
	pathTool       = "tool"
	pathTarget     = "transactionRequest.to"
	pathCallData   = "transactionRequest.data"
	pathValue      = "transactionRequest.value"
	pathToAmount   = "estimate.toAmount"
	pathErrMessage = "message"
)

// Quote requests a route delivering params.Amount of params.Token to
// params.Recipient on params.ChainID.
func (c *Client) Quote(ctx context.Context, params quote.Params) (quote.Quote, error) {
	if c == nil {
		return quote.Quote{}, fmt.Errorf("lifi: client not configured")
	}
	if !params.Token.Valid() || params.Amount == nil || params.Amount.IsZero() {
		return quote.Quote{}, fmt.Errorf("lifi: token and amount required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return quote.Quote{}, fmt.Errorf("lifi: rate limiter: %w", err)
	}

	from := c.fromAddress
	if (from == common.Address{}) {
		from = params.User
	}
	chain := strconv.FormatInt(params.ChainID, 10)
	query := url.Values{}
	query.Set("fromChain", chain)
	query.Set("toChain", chain)
	query.Set("fromToken", c.fromToken)
	query.Set("toToken", params.Token.Address().Hex())
	query.Set("toAmount", params.Amount.Dec())
	query.Set("fromAddress", from.Hex())
	query.Set("toAddress", params.Recipient.Hex())
	query.Set("slippage", strconv.FormatFloat(c.slippage, 'f', -1, 64))
	query.Set("integrator", c.integrator)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/quote/toAmount?"+query.Encode(), nil)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("lifi: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-lifi-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return quote.Quote{}, fmt.Errorf("lifi: request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return quote.Quote{}, fmt.Errorf("lifi: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return quote.Quote{}, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		if msg := gjson.GetBytes(body, pathErrMessage).String(); gjson.ValidBytes(body) && msg != "" {
			return quote.Quote{}, fmt.Errorf("lifi: status %d: %s", resp.StatusCode, msg)
		}
		return quote.Quote{}, fmt.Errorf("lifi: status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return quote.Quote{}, fmt.Errorf("lifi: decode quote: invalid json")
	}
	return decodeQuote(gjson.ParseBytes(body))
}

func decodeQuote(payload gjson.Result) (quote.Quote, error) {
	target := strings.TrimSpace(payload.Get(pathTarget).String())
	if !common.IsHexAddress(target) {
		return quote.Quote{}, fmt.Errorf("lifi: invalid target %q", target)
	}
	data, err := hexutil.Decode(strings.TrimSpace(payload.Get(pathCallData).String()))
	if err != nil {
		return quote.Quote{}, fmt.Errorf("lifi: invalid calldata: %w", err)
	}
	value := uint256.NewInt(0)
	if raw := strings.TrimSpace(payload.Get(pathValue).String()); raw != "" && raw != "0x" && raw != "0" {
		n, ok := parseQuantity(raw)
		if !ok {
			return quote.Quote{}, fmt.Errorf("lifi: invalid value %q", raw)
		}
		var overflow bool
		value, overflow = uint256.FromBig(n)
		if overflow {
			return quote.Quote{}, fmt.Errorf("lifi: value overflows uint256")
		}
	}
	return quote.Quote{
		Target:          common.HexToAddress(target),
		CallData:        data,
		Value:           value,
		EstimatedOutput: strings.TrimSpace(payload.Get(pathToAmount).String()),
		Tool:            strings.TrimSpace(payload.Get(pathTool).String()),
	}, nil
}

// parseQuantity accepts 0x-prefixed hex (leading zeros allowed) or decimal.
func parseQuantity(raw string) (*big.Int, bool) {
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	n, ok := new(big.Int).SetString(raw, base)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}
