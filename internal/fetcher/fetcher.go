package fetcher

import (
	"context"
)

// MaxAddressesPerRequest is the upstream ceiling on comma-joined addresses.
const MaxAddressesPerRequest = 30

// PairFetcher retrieves current snapshots for known pair addresses.
type PairFetcher interface {
	FetchPairs(ctx context.Context, chainID string, pairAddresses []string) ([]Pair, error)
}

// TokenFetcher retrieves every pair the provider lists for the given tokens.
type TokenFetcher interface {
	FetchTokenPairs(ctx context.Context, chainID string, tokenAddresses []string) ([]Pair, error)
}

// SnapshotFetcher is what the polling engine consumes.
type SnapshotFetcher interface {
	PairFetcher
	TokenFetcher
}
