package quote

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// lifiDiamond is the LI.FI execution contract, deployed at the same address on
// every supported chain.
const lifiDiamond = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"

var defaultTrustedTargets = map[int64][]string{
	1:     {lifiDiamond},
	10:    {lifiDiamond},
	137:   {lifiDiamond},
	8453:  {lifiDiamond},
	42161: {lifiDiamond},
}

// TrustedTargets is a chain-scoped allow-list of execution contracts. Entries
// are compared as lower-cased hex strings. The zero value trusts nothing.
type TrustedTargets struct {
	byChain map[int64]map[string]struct{}
}

// DefaultTrustedTargets returns the built-in allow-list.
func DefaultTrustedTargets() TrustedTargets {
	t := TrustedTargets{}
	for chainID, addrs := range defaultTrustedTargets {
		for _, addr := range addrs {
			t = t.With(chainID, addr)
		}
	}
	return t
}

// With returns a copy of t that also trusts addr on chainID. Malformed
// addresses are ignored.
func (t TrustedTargets) With(chainID int64, addr string) TrustedTargets {
	key := normalise(addr)
	if key == "" || chainID <= 0 {
		return t
	}
	next := TrustedTargets{byChain: make(map[int64]map[string]struct{}, len(t.byChain)+1)}
	for id, set := range t.byChain {
		copied := make(map[string]struct{}, len(set))
		for k := range set {
			copied[k] = struct{}{}
		}
		next.byChain[id] = copied
	}
	if next.byChain[chainID] == nil {
		next.byChain[chainID] = make(map[string]struct{})
	}
	next.byChain[chainID][key] = struct{}{}
	return next
}

// IsTrusted reports whether addr is on the allow-list for chainID. Trust on
// one chain never implies trust on another.
func (t TrustedTargets) IsTrusted(chainID int64, addr string) bool {
	key := normalise(addr)
	if key == "" {
		return false
	}
	set, ok := t.byChain[chainID]
	if !ok {
		return false
	}
	_, ok = set[key]
	return ok
}

// Count returns the number of trusted entries for chainID.
func (t TrustedTargets) Count(chainID int64) int {
	return len(t.byChain[chainID])
}

func normalise(addr string) string {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return ""
	}
	addr = strings.ToLower(addr)
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	if addr == "0x0000000000000000000000000000000000000000" {
		return ""
	}
	return addr
}
