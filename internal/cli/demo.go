package cli

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/chain"
	"github.com/kaifufi/vega-market-go/internal/sandbox"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Price string
	Rate  string
}

// DemoResult summarises a demo run.
type DemoResult struct {
	Seller         common.Address `json:"seller"`
	Buyer          common.Address `json:"buyer"`
	Relayer        common.Address `json:"relayer"`
	AssetID        *big.Int       `json:"assetId"`
	Paid           *big.Int       `json:"paid"`
	Owner          common.Address `json:"owner"`
	SellerBalance  *big.Int       `json:"sellerBalance"`
	BuyerBalance   *big.Int       `json:"buyerBalance"`
	SellerNonce    uint64         `json:"sellerNonce"`
	BuyerNonce     uint64         `json:"buyerNonce"`
	ReplayRejected bool           `json:"replayRejected"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a relayed list and purchase against a sandbox market",
		Long: `Run a full relayed round trip in memory: a seller lists an asset by meta-transaction,
a buyer purchases it by meta-transaction and a replay of the purchase is rejected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Price, "price", "2.0", "listing price in reference units")
	cmd.Flags().StringVar(&opts.Rate, "rate", "2000", "settlement tokens per reference unit")

	return cmd
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	log := opts.newLogger(cmd, nil)

	price, err := vegamarket.ParseAmount(opts.Price, vegamarket.MaxDecimals)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --price", err)
	}
	rate, err := vegamarket.ParseAmount(opts.Rate, sandbox.DefaultRateDecimals)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --rate", err)
	}

	sb, err := sandbox.New(ctx, sandbox.Options{
		Rate:         rate,
		RateDecimals: sandbox.DefaultRateDecimals,
		Logger:       log,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create market", err)
	}

	sellerKey, sellerAddr, err := newDemoKey()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to generate key", err)
	}
	buyerKey, buyerAddr, err := newDemoKey()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to generate key", err)
	}
	_, relayer, err := newDemoKey()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to generate key", err)
	}

	assetID := sb.MintAssets(sellerAddr, 1)[0]

	quote, err := sb.Feed.LatestRoundData(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read feed", err)
	}
	// Fund the buyer with exactly twice the settlement amount.
	cost := new(big.Int).Div(new(big.Int).Mul(price, quote.Answer), new(big.Int).Exp(big.NewInt(10), big.NewInt(sandbox.DefaultRateDecimals), nil))
	sb.Fund(buyerAddr, new(big.Int).Mul(cost, big.NewInt(2)))

	listCall, err := chain.EncodeList(assetID, price)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode list", err)
	}
	if err := relayDemoCall(ctx, sb, log, relayer, sellerKey, listCall); err != nil {
		return WrapExitError(ExitFailure, "relayed list failed", err)
	}

	paid, err := sb.Market.GetSettlementPrice(ctx, assetID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to price asset", err)
	}

	buyCall, err := chain.EncodePurchase(assetID, common.Address{}, paid)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to encode purchase", err)
	}
	buyNonce := sb.Market.GetNonce(ctx, buyerAddr)
	buySig, err := chain.SignMetaTransaction(buyerKey, sb.Market.Domain(), new(big.Int).SetUint64(buyNonce), buyCall)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign purchase", err)
	}
	if _, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, buyerAddr, buyCall, buySig); err != nil {
		return WrapExitError(ExitFailure, "relayed purchase failed", err)
	}

	_, replayErr := sb.Market.ExecuteMetaTransaction(ctx, relayer, buyerAddr, buyCall, buySig)
	log.WithField("error", fmt.Sprint(replayErr)).Debug("Replay attempt")

	owner, err := sb.Assets.OwnerOf(ctx, assetID)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read owner", err)
	}

	result := DemoResult{
		Seller:         sellerAddr,
		Buyer:          buyerAddr,
		Relayer:        relayer,
		AssetID:        assetID,
		Paid:           paid,
		Owner:          owner,
		SellerBalance:  sb.Payments.BalanceOf(sellerAddr),
		BuyerBalance:   sb.Payments.BalanceOf(buyerAddr),
		SellerNonce:    sb.Market.GetNonce(ctx, sellerAddr),
		BuyerNonce:     sb.Market.GetNonce(ctx, buyerAddr),
		ReplayRejected: replayErr != nil,
	}

	var text strings.Builder
	fmt.Fprintf(&text, "asset %s listed at %s by %s\n", assetID, opts.Price, sellerAddr.Hex())
	fmt.Fprintf(&text, "bought by %s for %s tokens via relayer %s\n", buyerAddr.Hex(), vegamarket.FormatAmount(paid, vegamarket.MaxDecimals), relayer.Hex())
	fmt.Fprintf(&text, "owner:          %s\n", owner.Hex())
	fmt.Fprintf(&text, "seller balance: %s (nonce %d)\n", vegamarket.FormatAmount(result.SellerBalance, vegamarket.MaxDecimals), result.SellerNonce)
	fmt.Fprintf(&text, "buyer balance:  %s (nonce %d)\n", vegamarket.FormatAmount(result.BuyerBalance, vegamarket.MaxDecimals), result.BuyerNonce)
	fmt.Fprintf(&text, "replay rejected: %t", result.ReplayRejected)

	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(result, text.String())
}

func relayDemoCall(ctx context.Context, sb *sandbox.Sandbox, log *logrus.Logger, relayer common.Address, key *ecdsa.PrivateKey, call []byte) error {
	signer := crypto.PubkeyToAddress(key.PublicKey)
	nonce := sb.Market.GetNonce(ctx, signer)
	sig, err := chain.SignMetaTransaction(key, sb.Market.Domain(), new(big.Int).SetUint64(nonce), call)
	if err != nil {
		return err
	}
	res, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, signer, call, sig)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"signer": signer.Hex(), "method": res.Method, "nonce": res.Nonce}).Debug("Relayed")
	return nil
}

func newDemoKey() (*ecdsa.PrivateKey, common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, err
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}
