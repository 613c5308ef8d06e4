package cli

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	vegamarket "github.com/kaifufi/vega-market-go"
)

const defaultRelayURL = "http://localhost:8080"

// QueryOptions holds flags shared by commands that read from a relay.
type QueryOptions struct {
	*RootOptions
	Relay string
}

// NewNonceCommand creates the nonce command.
func NewNonceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "nonce <account>",
		Short: "Show the meta-transaction nonce of an account",
		Example: `  vegamarket nonce 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266
  vegamarket nonce 0xf39F...2266 --relay http://relay:8080`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid account %q", args[0]))
			}
			account := common.HexToAddress(args[0])

			nonce, err := vegamarket.NewAPIClient(opts.Relay).GetNonce(account)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to query relay", err)
			}

			info := vegamarket.NonceInfo{Account: account, Nonce: nonce}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(info, fmt.Sprintf("%d", nonce))
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", defaultRelayURL, "relay base URL")
	return cmd
}

// NewListingsCommand creates the listings command.
func NewListingsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "listings",
		Short:         "Show active listings with their current settlement price",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api := vegamarket.NewAPIClient(opts.Relay)

			listings, err := api.GetListings()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to query relay", err)
			}

			prices := make([]*vegamarket.SettlementPrice, 0, len(listings))
			var text strings.Builder
			fmt.Fprintf(&text, "%-8s %-42s %-14s %s", "ASSET", "SELLER", "PRICE", "SETTLEMENT")
			for _, l := range listings {
				quote, err := api.GetSettlementPrice(l.AssetID)
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("failed to price asset %s", l.AssetID), err)
				}
				prices = append(prices, quote)
				fmt.Fprintf(&text, "\n%-8s %-42s %-14s %s",
					l.AssetID, l.Seller.Hex(),
					vegamarket.FormatAmount(l.Price, vegamarket.MaxDecimals),
					vegamarket.FormatAmount(quote.Amount, vegamarket.MaxDecimals))
			}

			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(prices, text.String())
		},
	}

	cmd.Flags().StringVar(&opts.Relay, "relay", defaultRelayURL, "relay base URL")
	return cmd
}
