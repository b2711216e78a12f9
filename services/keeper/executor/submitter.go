// Package executor submits rescues through the on-chain rescue executor
// contract. The contract enforces consent, cooldown and target checks; this
// package only builds, signs and tracks the transaction.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"rescuekeeper/services/keeper/execution"
)

const executorABI = `[{"inputs":[{"name":"user","type":"address"},{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"target","type":"address"},{"name":"callData","type":"bytes"}],"name":"executeRescue","outputs":[],"stateMutability":"payable","type":"function"}]`

const methodExecuteRescue = "executeRescue"

var parsedExecutorABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		panic(fmt.Sprintf("executor: parse abi: %v", err))
	}
	return parsed
}()

var (
	// ErrReverted is reported for mined transactions with a failed status.
	ErrReverted = errors.New("execution reverted (receipt status 0)")
	errNoKey    = errors.New("executor: signer key required")
)

// Backend defines the subset of the Ethereum RPC used by the submitter.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an Ethereum RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ParseKey decodes a hex-encoded secp256k1 private key.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errNoKey
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("executor: parse signer key: %w", err)
	}
	return key, nil
}

// Config represents the submitter configuration.
type Config struct {
	ChainID  int64
	Executor common.Address
	Key      *ecdsa.PrivateKey
	// Confirmations required after inclusion. Zero waits for inclusion only.
	Confirmations uint64
	PollInterval  time.Duration
	// GasBufferPercent is added on top of the node's gas estimate.
	GasBufferPercent uint64
}

// Submitter implements execution.Submitter.
type Submitter struct {
	backend       Backend
	chainID       *big.Int
	executor      common.Address
	key           *ecdsa.PrivateKey
	from          common.Address
	signer        gethtypes.Signer
	confirmations uint64
	pollInterval  time.Duration
	gasBuffer     uint64

	// mu serialises nonce assignment through broadcast.
	mu sync.Mutex
}

// NewSubmitter validates cfg and constructs a Submitter.
func NewSubmitter(backend Backend, cfg Config) (*Submitter, error) {
	if backend == nil {
		return nil, fmt.Errorf("executor: backend required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("executor: chain id required")
	}
	if (cfg.Executor == common.Address{}) {
		return nil, fmt.Errorf("executor: contract address required")
	}
	if cfg.Key == nil {
		return nil, errNoKey
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	buffer := cfg.GasBufferPercent
	if buffer == 0 {
		buffer = 20
	}
	chainID := big.NewInt(cfg.ChainID)
	return &Submitter{
		backend:       backend,
		chainID:       chainID,
		executor:      cfg.Executor,
		key:           cfg.Key,
		from:          gethcrypto.PubkeyToAddress(cfg.Key.PublicKey),
		signer:        gethtypes.LatestSignerForChainID(chainID),
		confirmations: cfg.Confirmations,
		pollInterval:  interval,
		gasBuffer:     buffer,
	}, nil
}

// From returns the keeper signer address.
func (s *Submitter) From() common.Address { return s.from }

// Submit builds, signs and broadcasts executeRescue, then waits for the
// receipt. Failures are reported in the Result.
func (s *Submitter) Submit(ctx context.Context, req execution.Request) (res execution.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = execution.Result{Success: false, TxID: res.TxID, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	if err := req.Validate(); err != nil {
		return execution.Failed("", err)
	}
	tx, err := s.send(ctx, req)
	if err != nil {
		return execution.Failed("", err)
	}
	txID := tx.Hash().Hex()
	if err := s.waitMined(ctx, tx.Hash()); err != nil {
		return execution.Failed(txID, err)
	}
	return execution.Result{Success: true, TxID: txID}
}

func (s *Submitter) send(ctx context.Context, req execution.Request) (*gethtypes.Transaction, error) {
	data, err := parsedExecutorABI.Pack(methodExecuteRescue,
		req.User,
		req.Token.Address(),
		req.Amount.ToBig(),
		req.Quote.Target(),
		req.Quote.CallData(),
	)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", methodExecuteRescue, err)
	}
	value := req.Quote.Value().ToBig()

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	baseFee := big.NewInt(0)
	if head != nil && head.BaseFee != nil {
		baseFee = head.BaseFee
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.from,
		To:    &s.executor,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * s.gasBuffer / 100

	tx, err := gethtypes.SignTx(gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.executor,
		Value:     value,
		Data:      data,
	}), s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	return tx, nil
}

func (s *Submitter) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return ErrReverted
			}
			if s.confirmed(ctx, receipt) {
				return nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Submitter) confirmed(ctx context.Context, receipt *gethtypes.Receipt) bool {
	if s.confirmations <= 1 || receipt.BlockNumber == nil {
		return true
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil || head == nil || head.Number == nil || head.Number.Cmp(receipt.BlockNumber) < 0 {
		return false
	}
	depth := new(big.Int).Sub(head.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(s.confirmations)) >= 0
}
