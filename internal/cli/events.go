package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/store"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Database string
	From     int64
	Limit    int
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Replay the committed event log",
		Long: `Print committed market events in commit order straight from the store.

Examples:
  vegamarket events --db ./vegamarket.db
  vegamarket events --db ./vegamarket.db --from 120 --limit 20 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "first sequence number")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum events (0 for all)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	records, err := st.Events(ctx, opts.From, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	entries := make([]vegamarket.EventEntry, 0, len(records))
	var text strings.Builder
	for i, rec := range records {
		ev, err := vegamarket.DecodeEvent(rec)
		if err != nil {
			return WrapExitError(ExitCommandError, "corrupt event log", err)
		}
		entries = append(entries, vegamarket.EventEntry{
			Seq:       rec.Seq,
			ID:        rec.ID,
			Kind:      ev.Kind(),
			Timestamp: rec.Timestamp,
			Data:      rec.Payload,
		})
		if i > 0 {
			text.WriteByte('\n')
		}
		fmt.Fprintf(&text, "%6d %s %-16s %s", rec.Seq, time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339), ev.Kind(), describeEvent(ev))
	}

	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(entries, text.String())
}

func describeEvent(ev vegamarket.Event) string {
	switch e := ev.(type) {
	case *vegamarket.ListingChanged:
		if e.NewPrice.Sign() == 0 {
			return fmt.Sprintf("asset %s delisted by %s", e.AssetID, e.Actor.Hex())
		}
		return fmt.Sprintf("asset %s listed at %s by %s", e.AssetID, vegamarket.FormatAmount(e.NewPrice, vegamarket.MaxDecimals), e.Actor.Hex())
	case *vegamarket.Purchase:
		return fmt.Sprintf("asset %s bought by %s", e.AssetID, e.Buyer.Hex())
	case *vegamarket.MetaTransactionExecuted:
		return fmt.Sprintf("signer %s relayed by %s", e.Signer.Hex(), e.Relayer.Hex())
	}
	return ""
}
