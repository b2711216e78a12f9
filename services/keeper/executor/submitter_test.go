package executor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rescuekeeper/services/keeper/execution"
	"rescuekeeper/services/keeper/quote"
	"rescuekeeper/services/keeper/tokens"
)

const gwei = 1_000_000_000

var (
	executorAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	diamond      = common.HexToAddress("0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE")
)

type fakeBackend struct {
	mu          sync.Mutex
	nonce       uint64
	estimate    uint64
	estimateErr error
	sendErr     error
	status      uint64
	pending     int
	neverMine   bool
	head        int64
	sent        []*gethtypes.Transaction
	lastCall    ethereum.CallMsg
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1 * gwei), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gethtypes.Header{Number: big.NewInt(f.head), BaseFee: big.NewInt(10 * gwei)}, nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = call
	return f.estimate, f.estimateErr
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverMine || f.pending > 0 {
		f.pending--
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{Status: f.status, BlockNumber: big.NewInt(100)}, nil
}

func newBackend() *fakeBackend {
	return &fakeBackend{nonce: 7, estimate: 100_000, status: gethtypes.ReceiptStatusSuccessful, pending: 1, head: 100}
}

func newSubmitter(t *testing.T, backend Backend) *Submitter {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSubmitter(backend, Config{
		ChainID:      8453,
		Executor:     executorAddr,
		Key:          key,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func rescueRequest(t *testing.T) execution.Request {
	t.Helper()
	usdc, err := tokens.Lookup("USDC", 8453)
	require.NoError(t, err)
	tq, ok := quote.NewValidator(nil, quote.DefaultTrustedTargets(), 0, nil).Verify(8453, quote.Quote{
		Target:   diamond,
		CallData: []byte{0xca, 0xfe},
		Value:    uint256.NewInt(5),
	})
	require.True(t, ok)
	return execution.Request{
		User:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Token:     usdc,
		Amount:    uint256.NewInt(376_470_588),
		AmountUSD: 376.470588,
		Quote:     tq,
	}
}

func TestSubmitBuildsSignedRescue(t *testing.T) {
	backend := newBackend()
	s := newSubmitter(t, backend)
	req := rescueRequest(t)

	res := s.Submit(context.Background(), req)
	require.True(t, res.Success, res.Error)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, res.TxID, tx.Hash().Hex())
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(120_000), tx.Gas())
	require.Equal(t, big.NewInt(1*gwei), tx.GasTipCap())
	require.Equal(t, big.NewInt(21*gwei), tx.GasFeeCap())
	require.Equal(t, big.NewInt(5), tx.Value())
	require.Equal(t, big.NewInt(8453), tx.ChainId())
	require.Equal(t, executorAddr, *tx.To())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(8453)), tx)
	require.NoError(t, err)
	require.Equal(t, s.From(), sender)
	require.Equal(t, s.From(), backend.lastCall.From)

	method := parsedExecutorABI.Methods[methodExecuteRescue]
	require.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 5)
	require.Equal(t, req.User, args[0].(common.Address))
	require.Equal(t, req.Token.Address(), args[1].(common.Address))
	require.Equal(t, big.NewInt(376_470_588), args[2].(*big.Int))
	require.Equal(t, diamond, args[3].(common.Address))
	require.Equal(t, []byte{0xca, 0xfe}, args[4].([]byte))
}

func TestSubmitAssignsSequentialNonces(t *testing.T) {
	backend := newBackend()
	backend.pending = 0
	s := newSubmitter(t, backend)

	req := rescueRequest(t)
	results := make(chan execution.Result, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Submit(context.Background(), req)
		}()
	}
	wg.Wait()
	close(results)
	for res := range results {
		require.True(t, res.Success, res.Error)
	}

	seen := map[uint64]bool{}
	for _, tx := range backend.sent {
		seen[tx.Nonce()] = true
	}
	require.Equal(t, map[uint64]bool{7: true, 8: true, 9: true}, seen)
}

func TestSubmitFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*fakeBackend)
		kind   execution.FailureKind
		txID   bool
	}{
		{"estimate reverts with cooldown", func(b *fakeBackend) { b.estimateErr = errors.New("execution reverted: CooldownActive()") }, execution.FailureCooldownActive, false},
		{"broadcast without funds", func(b *fakeBackend) { b.sendErr = errors.New("insufficient funds for gas * price + value") }, execution.FailureInsufficientFunds, false},
		{"mined with failed status", func(b *fakeBackend) { b.status = gethtypes.ReceiptStatusFailed }, execution.FailureReverted, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newBackend()
			tc.mutate(backend)
			res := newSubmitter(t, backend).Submit(context.Background(), rescueRequest(t))
			require.False(t, res.Success)
			require.Equal(t, tc.kind, res.Failure(), res.Error)
			require.Equal(t, tc.txID, res.TxID != "")
		})
	}
}

func TestSubmitTimesOutWaitingForReceipt(t *testing.T) {
	backend := newBackend()
	backend.neverMine = true
	s := newSubmitter(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := s.Submit(ctx, rescueRequest(t))
	require.False(t, res.Success)
	require.NotEmpty(t, res.TxID)
	require.Equal(t, execution.FailureTimeout, res.Failure())
}

func TestSubmitWaitsForConfirmations(t *testing.T) {
	backend := newBackend()
	backend.pending = 0
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSubmitter(backend, Config{ChainID: 8453, Executor: executorAddr, Key: key, Confirmations: 3, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		backend.mu.Lock()
		backend.head = 102
		backend.mu.Unlock()
	}()
	start := time.Now()
	res := s.Submit(context.Background(), rescueRequest(t))
	require.True(t, res.Success, res.Error)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	backend := newBackend()
	req := rescueRequest(t)
	req.Quote = quote.TrustedQuote{}
	res := newSubmitter(t, backend).Submit(context.Background(), req)
	require.False(t, res.Success)
	require.Equal(t, execution.FailureTargetInvalid, res.Failure())
	require.Empty(t, backend.sent)
}

func TestNewSubmitterValidation(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewSubmitter(nil, Config{ChainID: 1, Executor: executorAddr, Key: key})
	require.Error(t, err)
	_, err = NewSubmitter(newBackend(), Config{Executor: executorAddr, Key: key})
	require.Error(t, err)
	_, err = NewSubmitter(newBackend(), Config{ChainID: 1, Key: key})
	require.Error(t, err)
	_, err = NewSubmitter(newBackend(), Config{ChainID: 1, Executor: executorAddr})
	require.ErrorIs(t, err, errNoKey)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", gethcrypto.PubkeyToAddress(key.PublicKey).Hex())

	_, err = ParseKey("")
	require.ErrorIs(t, err, errNoKey)
	_, err = ParseKey("zz")
	require.Error(t, err)
}
