package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/chain"
	"github.com/kaifufi/vega-market-go/internal/sandbox"
	"github.com/kaifufi/vega-market-go/relay"
	"github.com/kaifufi/vega-market-go/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
	Rate   string
	Mint   map[string]string
	Fund   map[string]string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay over a sandbox market",
		Long: `Run the relay HTTP API over a market backed by in-memory asset and payment ledgers.

Listings, nonces and events persist in the configured SQLite store. The price feed is
read from chain when feed.rpc_url and feed.address are configured, otherwise --rate is used.

Examples:
  vegamarket serve --mint 0xf39F...2266=3 --fund 0x7099...79C8=10000
  vegamarket serve -c vegamarket.yaml --listen :9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides relay.listen)")
	cmd.Flags().StringVar(&opts.Rate, "rate", "2000", "settlement tokens per reference unit for the sandbox feed")
	cmd.Flags().StringToStringVar(&opts.Mint, "mint", nil, "mint assets to owners (address=count)")
	cmd.Flags().StringToStringVar(&opts.Fund, "fund", nil, "fund accounts with settlement tokens (address=amount)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log := opts.newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	sbOpts := sandbox.Options{
		ChainID:     big.NewInt(int64(cfg.ChainID)),
		MaxPriceAge: cfg.Market.MaxPriceAge,
		Store:       st,
		Logger:      log,
	}
	if cfg.Market.Address != "" {
		sbOpts.Address = common.HexToAddress(cfg.Market.Address)
	}

	if cfg.Feed.RPCURL != "" && cfg.Feed.Address != "" {
		caller, err := chain.NewContractCaller(cfg.Feed.RPCURL, cfg.Feed.Address, cfg.Feed.TokenAddress)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect price feed", err)
		}
		defer caller.Close()
		sbOpts.Feed = caller
	} else {
		rate, err := vegamarket.ParseAmount(opts.Rate, sandbox.DefaultRateDecimals)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --rate", err)
		}
		sbOpts.Rate = rate
		sbOpts.RateDecimals = sandbox.DefaultRateDecimals
	}

	hub := relay.NewHub(log)
	sbOpts.Sink = hub

	sb, err := sandbox.New(ctx, sbOpts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create market", err)
	}
	if err := seedSandbox(ctx, sb, opts, log); err != nil {
		return WrapExitError(ExitCommandError, "failed to seed sandbox", err)
	}

	relayer := common.Address{}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(cfg.PrivateKey)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid relayer key", err)
		}
		relayer = crypto.PubkeyToAddress(key.PublicKey)
	} else {
		log.Warnf("%s not set, relayed calls are recorded with a zero relayer", vegamarket.EnvPrivateKey)
	}

	server := relay.NewServer(sb.Market, hub, relay.Config{
		Relayer:       relayer,
		RateLimit:     cfg.Relay.RateLimit,
		Burst:         cfg.Relay.Burst,
		PeerRateLimit: cfg.Relay.PeerRateLimit,
		PeerBurst:     cfg.Relay.PeerBurst,
		Events:        st,
		Logger:        log,
	})

	listen := cfg.Relay.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	httpServer := &http.Server{
		Addr:              listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"listen":  listen,
			"market":  sb.Market.Address().Hex(),
			"relayer": relayer.Hex(),
		}).Info("Relay listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "relay stopped", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitCommandError, "failed to shut down relay", err)
		}
	}
	return nil
}

func seedSandbox(ctx context.Context, sb *sandbox.Sandbox, opts *ServeOptions, log *logrus.Logger) error {
	// Ids are handed out in address order so restarts with the same flags mint the same assets.
	owners, err := sortedAddresses(opts.Mint, "--mint")
	if err != nil {
		return err
	}
	for _, owner := range owners {
		raw := opts.Mint[owner.raw]
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid --mint count %q", raw)
		}
		ids := sb.MintAssets(owner.addr, n)
		log.WithFields(logrus.Fields{"owner": owner.addr.Hex(), "first": ids[0].String(), "last": ids[len(ids)-1].String()}).Info("Minted sandbox assets")
	}
	checkRestoredListings(ctx, sb, log)

	accounts, err := sortedAddresses(opts.Fund, "--fund")
	if err != nil {
		return err
	}
	for _, account := range accounts {
		raw := opts.Fund[account.raw]
		amount, err := vegamarket.ParseAmount(raw, vegamarket.MaxDecimals)
		if err != nil {
			return err
		}
		sb.Fund(account.addr, amount)
		log.WithFields(logrus.Fields{"account": account.addr.Hex(), "amount": raw}).Info("Funded sandbox account")
	}
	return nil
}

type flagAddress struct {
	raw  string
	addr common.Address
}

func sortedAddresses(values map[string]string, flag string) ([]flagAddress, error) {
	out := make([]flagAddress, 0, len(values))
	for raw := range values {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid %s address %q", flag, raw)
		}
		out = append(out, flagAddress{raw: raw, addr: common.HexToAddress(raw)})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].addr.Bytes(), out[j].addr.Bytes()) < 0
	})
	return out, nil
}

// checkRestoredListings warns about persisted listings the freshly minted ledger no longer backs
func checkRestoredListings(ctx context.Context, sb *sandbox.Sandbox, log *logrus.Logger) {
	count, err := sb.Assets.TokenCount(ctx)
	if err != nil {
		return
	}
	for _, l := range sb.Market.Listings(ctx) {
		entry := log.WithFields(logrus.Fields{
			"asset":  l.AssetID.String(),
			"seller": l.Seller.Hex(),
		})
		if l.AssetID.Cmp(count) > 0 {
			entry.WithField("issued", count.String()).Warn("Restored listing points past the minted assets")
			continue
		}
		if owner, err := sb.Assets.OwnerOf(ctx, l.AssetID); err == nil && owner != l.Seller {
			entry.WithField("owner", owner.Hex()).Warn("Restored listing seller no longer owns the asset")
		}
	}
}
