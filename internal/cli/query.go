package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"dexwatch/internal/app"
)

var (
	queryChain       string
	queryConcurrency int
	profilesListing  string
)

var pairsCmd = &cobra.Command{
	Use:   "pairs <pair-address>...",
	Short: "Show current snapshots of pairs on one chain",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pairs(cmd.Context(), app.QueryOptions{Chain: queryChain, Addresses: args})
	},
}

var tokensCmd = &cobra.Command{
	Use:   "tokens <token-address>...",
	Short: "Show every pair listed for the given tokens",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Tokens(cmd.Context(), app.QueryOptions{Chain: queryChain, Addresses: args, Concurrency: queryConcurrency})
	},
}

var poolsCmd = &cobra.Command{
	Use:   "pools <token-address>...",
	Short: "Show the pools of each token, including unpriced ones",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pools(cmd.Context(), app.QueryOptions{Chain: queryChain, Addresses: args, Concurrency: queryConcurrency})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search pairs by symbol, name or address",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Search(cmd.Context(), app.QueryOptions{Query: strings.Join(args, " ")})
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List latest token profiles or boosts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Profiles(cmd.Context(), profilesListing)
	},
}

var ordersCmd = &cobra.Command{
	Use:   "orders <token-address>",
	Short: "List paid orders of a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Orders(cmd.Context(), app.QueryOptions{Chain: queryChain, Addresses: args})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{pairsCmd, tokensCmd, poolsCmd, ordersCmd} {
		cmd.Flags().StringVar(&queryChain, "chain", "ethereum", "Chain id")
	}
	for _, cmd := range []*cobra.Command{tokensCmd, poolsCmd} {
		cmd.Flags().IntVar(&queryConcurrency, "concurrency", 4, "Parallel requests")
	}
	profilesCmd.Flags().StringVar(&profilesListing, "listing", "latest", "Listing: latest, boosted, top")
}
