package fetcher

import (
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// knownChains lists the chain ids Dexscreener serves.
var knownChains = mapset.NewThreadUnsafeSet(
	"ethereum", "bsc", "polygon", "avalanche", "fantom", "cronos", "arbitrum", "optimism",
	"solana", "base", "linea", "scroll", "blast", "manta", "mantle", "mode", "sei",
	"pulsechain", "metis", "moonbeam", "moonriver", "celo", "fuse", "harmony", "kava",
	"evmos", "milkomeda", "aurora", "near", "telos", "wax", "eos", "tron", "aptos", "sui",
	"starknet", "zksync", "polygonzkevm", "immutablex", "loopring", "dydx", "osmosis",
	"cosmos", "terra", "thorchain", "bitcoin", "litecoin", "dogecoin", "cardano",
	"polkadot", "kusama", "algorand", "tezos", "flow", "hedera", "icp", "waves", "stellar",
	"xrp", "chia", "elrond", "zilliqa", "vechain", "nuls", "nem", "symbol", "iotex",
	"ontology", "qtum", "conflux", "nervos", "syscoin", "digibyte", "ravencoin", "zcash",
	"dash", "monero", "decred", "horizen", "beam", "grin", "ton", "hyperliquid", "abstract",
	"sonic", "berachain", "unichain",
)

var evmChains = mapset.NewThreadUnsafeSet(
	"ethereum", "bsc", "polygon", "arbitrum", "optimism", "avalanche", "fantom", "base",
)

var (
	solanaAddress  = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	genericAddress = regexp.MustCompile(`^[a-zA-Z0-9_:-]{20,66}$`)
)

// NormalizeChain lowercases and trims a chain id and checks it against the
// known chain list.
func NormalizeChain(chainID string) (string, error) {
	chain := strings.ToLower(strings.TrimSpace(chainID))
	if chain == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChain)
	}
	if !knownChains.Contains(chain) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChain, chainID)
	}
	return chain, nil
}

// ValidateAddress rejects addresses that would corrupt the request path. In
// strict mode the address must also match the chain's address format.
func ValidateAddress(chainID, address string, strict bool) error {
	if address == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.ContainsAny(address, "/,?#& \t\r\n") {
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidAddress, address)
	}
	if !strict {
		return nil
	}

	switch {
	case evmChains.Contains(chainID):
		if !common.IsHexAddress(address) || !strings.HasPrefix(strings.ToLower(address), "0x") {
			return fmt.Errorf("%w: %q is not a hex address for %s", ErrInvalidAddress, address, chainID)
		}
	case chainID == "solana":
		if !solanaAddress.MatchString(address) {
			return fmt.Errorf("%w: %q is not a base58 address", ErrInvalidAddress, address)
		}
	default:
		if !genericAddress.MatchString(address) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
	}
	return nil
}

// SameAddress compares addresses the way the upstream API does: hex addresses
// are case-insensitive, everything else (base58 and friends) is exact.
func SameAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	if has0xPrefix(a) || has0xPrefix(b) {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// CanonicalAddress returns the form used to key an address: lowercase on EVM
// chains, unchanged elsewhere.
func CanonicalAddress(chainID, address string) string {
	address = strings.TrimSpace(address)
	if evmChains.Contains(chainID) || strings.HasPrefix(address, "0x") {
		return strings.ToLower(address)
	}
	return address
}

func validateBatch(chainID string, addresses []string) (string, error) {
	chain, err := NormalizeChain(chainID)
	if err != nil {
		return "", err
	}
	if len(addresses) == 0 {
		return "", ErrEmptyAddresses
	}
	if len(addresses) > MaxAddressesPerRequest {
		return "", fmt.Errorf("%w: maximum %d, got %d", ErrTooManyAddresses, MaxAddressesPerRequest, len(addresses))
	}
	for _, addr := range addresses {
		if err := ValidateAddress(chain, addr, false); err != nil {
			return "", err
		}
	}
	return chain, nil
}
