package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// GetPairsByPairAddresses returns the pairs for up to MaxAddressesPerRequest
// pair addresses on one chain.
func (c *Client) GetPairsByPairAddresses(ctx context.Context, chainID string, pairAddresses []string) ([]Pair, error) {
	chain, err := validateBatch(chainID, pairAddresses)
	if err != nil {
		return nil, err
	}

	started := c.clock.Now()
	var resp pairsResponse
	path := fmt.Sprintf("latest/dex/pairs/%s/%s", chain, strings.Join(pairAddresses, ","))
	if err := c.get(ctx, c.pairs, path, &resp); err != nil {
		return nil, fmt.Errorf("get pairs %s: %w", chain, err)
	}
	c.stamp(resp.Pairs, started)

	c.logger.Debug().Str("chain", chain).
		Int("requested", len(pairAddresses)).
		Int("returned", len(resp.Pairs)).
		Msg("pairs fetched")
	return resp.Pairs, nil
}

// FetchPairs implements PairFetcher.
func (c *Client) FetchPairs(ctx context.Context, chainID string, pairAddresses []string) ([]Pair, error) {
	return c.GetPairsByPairAddresses(ctx, chainID, pairAddresses)
}

// GetPairByPairAddress returns a single pair, or nil when the provider does not know it.
func (c *Client) GetPairByPairAddress(ctx context.Context, chainID, pairAddress string) (*Pair, error) {
	pairs, err := c.GetPairsByPairAddresses(ctx, chainID, []string{pairAddress})
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	return &pairs[0], nil
}

// SearchPairs runs a free-text search over pairs.
func (c *Client) SearchPairs(ctx context.Context, query string) ([]Pair, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("search query must not be empty")
	}

	started := c.clock.Now()
	var resp pairsResponse
	if err := c.get(ctx, c.pairs, "latest/dex/search?q="+url.QueryEscape(query), &resp); err != nil {
		return nil, fmt.Errorf("search pairs: %w", err)
	}
	c.stamp(resp.Pairs, started)
	return resp.Pairs, nil
}

// GetPair finds a pair by address alone through the search endpoint. It
// prefers an exact address match and falls back to the first result.
func (c *Client) GetPair(ctx context.Context, pairAddress string) (*Pair, error) {
	if err := ValidateAddress("", pairAddress, false); err != nil {
		return nil, err
	}
	pairs, err := c.SearchPairs(ctx, pairAddress)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	for i := range pairs {
		if SameAddress(pairs[i].PairAddress, pairAddress) {
			return &pairs[i], nil
		}
	}
	return &pairs[0], nil
}

// GetPairsByTokenAddress returns every pair listed for one token.
func (c *Client) GetPairsByTokenAddress(ctx context.Context, chainID, tokenAddress string) ([]Pair, error) {
	chain, err := validateBatch(chainID, []string{tokenAddress})
	if err != nil {
		return nil, err
	}
	return c.tokenPairs(ctx, chain, "tokens/v1/%s/%s", tokenAddress)
}

// GetPairsByTokenAddresses returns the pairs of up to MaxAddressesPerRequest
// tokens, deduplicated by pair address.
func (c *Client) GetPairsByTokenAddresses(ctx context.Context, chainID string, tokenAddresses []string) ([]Pair, error) {
	chain, err := validateBatch(chainID, tokenAddresses)
	if err != nil {
		return nil, err
	}

	pairs, err := c.tokenPairs(ctx, chain, "tokens/v1/%s/%s", strings.Join(tokenAddresses, ","))
	if err != nil {
		return nil, err
	}
	if len(tokenAddresses) == 1 {
		return pairs, nil
	}

	seen := make(map[string]struct{}, len(pairs))
	unique := pairs[:0]
	for _, p := range pairs {
		key := p.ChainID + ":" + strings.ToLower(p.PairAddress)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, p)
	}
	return unique, nil
}

// FetchTokenPairs implements TokenFetcher.
func (c *Client) FetchTokenPairs(ctx context.Context, chainID string, tokenAddresses []string) ([]Pair, error) {
	return c.GetPairsByTokenAddresses(ctx, chainID, tokenAddresses)
}

// GetPoolsByTokenAddress uses the token-pairs endpoint, which lists pools
// including those without USD pricing.
func (c *Client) GetPoolsByTokenAddress(ctx context.Context, chainID, tokenAddress string) ([]Pair, error) {
	chain, err := validateBatch(chainID, []string{tokenAddress})
	if err != nil {
		return nil, err
	}
	return c.tokenPairs(ctx, chain, "token-pairs/v1/%s/%s", tokenAddress)
}

func (c *Client) tokenPairs(ctx context.Context, chain, format, addresses string) ([]Pair, error) {
	started := c.clock.Now()
	var pairs []Pair
	if err := c.get(ctx, c.pairs, fmt.Sprintf(format, chain, addresses), &pairs); err != nil {
		return nil, fmt.Errorf("get token pairs %s: %w", chain, err)
	}
	c.stamp(pairs, started)
	return pairs, nil
}

// GetLatestTokenProfiles lists the newest token profiles.
func (c *Client) GetLatestTokenProfiles(ctx context.Context) ([]TokenInfo, error) {
	return c.tokenInfos(ctx, "token-profiles/latest/v1")
}

// GetLatestBoostedTokens lists the newest boosted tokens.
func (c *Client) GetLatestBoostedTokens(ctx context.Context) ([]TokenInfo, error) {
	return c.tokenInfos(ctx, "token-boosts/latest/v1")
}

// GetTokensMostActive lists tokens with the most active boosts.
func (c *Client) GetTokensMostActive(ctx context.Context) ([]TokenInfo, error) {
	return c.tokenInfos(ctx, "token-boosts/top/v1")
}

func (c *Client) tokenInfos(ctx context.Context, path string) ([]TokenInfo, error) {
	var infos []TokenInfo
	if err := c.get(ctx, c.profiles, path, &infos); err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return infos, nil
}

// GetOrdersPaidOfToken lists paid orders for a token.
func (c *Client) GetOrdersPaidOfToken(ctx context.Context, chainID, tokenAddress string) ([]OrderInfo, error) {
	chain, err := validateBatch(chainID, []string{tokenAddress})
	if err != nil {
		return nil, err
	}
	var orders []OrderInfo
	if err := c.get(ctx, c.profiles, fmt.Sprintf("orders/v1/%s/%s", chain, tokenAddress), &orders); err != nil {
		return nil, fmt.Errorf("get orders %s: %w", chain, err)
	}
	return orders, nil
}
