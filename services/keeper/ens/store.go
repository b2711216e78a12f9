// Package ens reads rescue policies from ENS text records.
package ens

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"

	"rescuekeeper/services/keeper/policy"
)

// RegistryAddress is the ENS registry, identical on mainnet and testnets.
var RegistryAddress = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

const ensABI = `[
{"inputs":[{"name":"node","type":"bytes32"}],"name":"resolver","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"name":"text","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"node","type":"bytes32"}],"name":"name","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var parsedENSABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(ensABI))
	if err != nil {
		panic(fmt.Sprintf("ens: parse abi: %v", err))
	}
	return parsed
}()

// ContractCaller is the subset of the Ethereum RPC used by the store.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Store implements the keeper's PolicyStore over ENS text records.
type Store struct {
	caller   ContractCaller
	registry common.Address
	keys     []string
}

// NewStore constructs a Store. A zero registry selects RegistryAddress.
func NewStore(caller ContractCaller, registry common.Address) *Store {
	if (registry == common.Address{}) {
		registry = RegistryAddress
	}
	return &Store{caller: caller, registry: registry, keys: policy.Keys()}
}

// ReadRaw returns the policy text records published under name. A name may
// also be a hex address, in which case its reverse record is resolved first.
// Names without a resolver or without any policy record yield nil.
func (s *Store) ReadRaw(ctx context.Context, name string) (map[string]string, error) {
	if s == nil || s.caller == nil {
		return nil, fmt.Errorf("ens store not initialised")
	}
	name = strings.TrimSpace(name)
	if common.IsHexAddress(name) {
		primary, err := s.ReverseName(ctx, common.HexToAddress(name))
		if err != nil {
			return nil, err
		}
		if primary == "" {
			return nil, nil
		}
		name = primary
	}
	node := Namehash(name)
	resolver, err := s.resolver(ctx, node)
	if err != nil {
		return nil, err
	}
	if (resolver == common.Address{}) {
		return nil, nil
	}
	out := make(map[string]string, len(s.keys))
	for _, key := range s.keys {
		value, err := s.text(ctx, resolver, node, key)
		if err != nil {
			return nil, fmt.Errorf("ens text %s for %s: %w", key, name, err)
		}
		if value = strings.TrimSpace(value); value != "" {
			out[key] = value
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ReverseName returns the primary name claimed by addr, or "" when none is set.
func (s *Store) ReverseName(ctx context.Context, addr common.Address) (string, error) {
	node := Namehash(strings.ToLower(strings.TrimPrefix(addr.Hex(), "0x")) + ".addr.reverse")
	resolver, err := s.resolver(ctx, node)
	if err != nil {
		return "", err
	}
	if (resolver == common.Address{}) {
		return "", nil
	}
	var name string
	if err := s.call(ctx, resolver, "name", &name, [32]byte(node)); err != nil {
		return "", fmt.Errorf("ens reverse name for %s: %w", addr.Hex(), err)
	}
	return strings.TrimSpace(name), nil
}

func (s *Store) resolver(ctx context.Context, node common.Hash) (common.Address, error) {
	var resolver common.Address
	if err := s.call(ctx, s.registry, "resolver", &resolver, [32]byte(node)); err != nil {
		return common.Address{}, fmt.Errorf("ens resolver: %w", err)
	}
	return resolver, nil
}

func (s *Store) text(ctx context.Context, resolver common.Address, node common.Hash, key string) (string, error) {
	var value string
	if err := s.call(ctx, resolver, "text", &value, [32]byte(node), key); err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) call(ctx context.Context, to common.Address, method string, out interface{}, args ...interface{}) error {
	data, err := parsedENSABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("%s: empty response from %s", method, to.Hex())
	}
	return parsedENSABI.UnpackIntoInterface(out, method, raw)
}

// Namehash computes the ENS node for name after lower-casing and NFC
// normalisation.
func Namehash(name string) common.Hash {
	var node common.Hash
	name = norm.NFC.String(strings.ToLower(strings.TrimSpace(name)))
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), label.Bytes())
	}
	return node
}
