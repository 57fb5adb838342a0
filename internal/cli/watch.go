package cli

import (
	"time"

	"github.com/spf13/cobra"

	"dexwatch/internal/app"
)

var (
	watchChain    string
	watchPairs    []string
	watchTokens   []string
	watchPreset   string
	watchInterval time.Duration
	watchRecord   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll configured pairs and tokens and handle changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.WatchOptions{
			Chain:    watchChain,
			Pairs:    watchPairs,
			Tokens:   watchTokens,
			Preset:   watchPreset,
			Interval: watchInterval,
			Record:   watchRecord,
		}
		return getApp().Watch(cmd.Context(), opts)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchChain, "chain", "", "Chain id for --pair and --token")
	watchCmd.Flags().StringSliceVar(&watchPairs, "pair", nil, "Pair address to watch (repeatable or comma separated)")
	watchCmd.Flags().StringSliceVar(&watchTokens, "token", nil, "Token address to watch (repeatable or comma separated)")
	watchCmd.Flags().StringVar(&watchPreset, "preset", "changes", "Filter preset: none, changes, price, significant, rate-limited, ui, monitoring")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Poll interval for flagged targets (defaults to stream.default_interval)")
	watchCmd.Flags().BoolVar(&watchRecord, "record", false, "Record emitted updates to the database")
}
