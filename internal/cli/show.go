package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"dexwatch/internal/app"
)

var (
	showLimit int
	showChain string
	showPair  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recently recorded updates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Chain:       showChain,
			PairAddress: showPair,
			Limit:       showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of updates to display")
	showCmd.Flags().StringVar(&showChain, "chain", "", "Only updates on this chain")
	showCmd.Flags().StringVar(&showPair, "pair", "", "Only updates of this pair address")
}
