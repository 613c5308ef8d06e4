package cli

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/chain"
	"github.com/kaifufi/vega-market-go/internal/sandbox"
)

// actionFlags describes the market call a meta-transaction forwards.
type actionFlags struct {
	Action string
	Asset  string
	Price  string
	Buyer  string
	MaxPay string
}

func (a *actionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.Action, "action", "", "forwarded call: list|delist|purchase (required)")
	cmd.Flags().StringVar(&a.Asset, "asset", "", "asset id (required)")
	cmd.Flags().StringVar(&a.Price, "price", "", "listing price in reference units, e.g. 2.0 (list)")
	cmd.Flags().StringVar(&a.Buyer, "buyer", "", "buyer address, defaults to the signer (purchase)")
	cmd.Flags().StringVar(&a.MaxPay, "max-pay", "", "maximum settlement tokens to pay, e.g. 4000 (purchase)")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("asset")
}

func (a *actionFlags) encode() ([]byte, error) {
	assetID, ok := new(big.Int).SetString(a.Asset, 10)
	if !ok || assetID.Sign() < 0 {
		return nil, fmt.Errorf("invalid --asset %q", a.Asset)
	}

	switch strings.ToLower(a.Action) {
	case "list":
		price, err := vegamarket.ParseAmount(a.Price, vegamarket.MaxDecimals)
		if err != nil {
			return nil, fmt.Errorf("invalid --price: %w", err)
		}
		return chain.EncodeList(assetID, price)
	case "delist":
		return chain.EncodeDelist(assetID)
	case "purchase":
		var buyer common.Address
		if a.Buyer != "" {
			if !common.IsHexAddress(a.Buyer) {
				return nil, fmt.Errorf("invalid --buyer %q", a.Buyer)
			}
			buyer = common.HexToAddress(a.Buyer)
		}
		var maxPay *big.Int
		if a.MaxPay != "" {
			v, err := vegamarket.ParseAmount(a.MaxPay, vegamarket.MaxDecimals)
			if err != nil {
				return nil, fmt.Errorf("invalid --max-pay: %w", err)
			}
			maxPay = v
		}
		return chain.EncodePurchase(assetID, buyer, maxPay)
	default:
		return nil, fmt.Errorf("unknown --action %q", a.Action)
	}
}

// domainFlags selects the EIP-712 domain and nonce to sign against.
type domainFlags struct {
	ChainID int64
	Market  string
	Nonce   uint64
}

func (d *domainFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&d.ChainID, "chain-id", int64(vegamarket.ChainIDHardhat), "chain id of the domain")
	cmd.Flags().StringVar(&d.Market, "market", sandbox.DefaultMarketAddress.Hex(), "market (verifying contract) address")
	cmd.Flags().Uint64Var(&d.Nonce, "nonce", 0, "signer nonce")
}

func (d *domainFlags) domain() (*chain.EIP712Domain, error) {
	if !common.IsHexAddress(d.Market) {
		return nil, fmt.Errorf("invalid --market %q", d.Market)
	}
	if d.ChainID <= 0 {
		return nil, fmt.Errorf("invalid --chain-id %d", d.ChainID)
	}
	return chain.NewEIP712Domain(big.NewInt(d.ChainID), common.HexToAddress(d.Market)), nil
}

// SignOptions holds flags for the sign command.
type SignOptions struct {
	*RootOptions
	actionFlags
	domainFlags
	Key string
}

// SignResult is the output of the sign command.
type SignResult struct {
	Request *vegamarket.MetaTransactionRequest `json:"request"`
	Hash    common.Hash                        `json:"hash"`
	Nonce   uint64                             `json:"nonce"`
}

// NewSignCommand creates the sign command.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SignOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a meta-transaction offline",
		Long: `Sign a market call as an EIP-712 meta-transaction and print the relay request body.

The key is read from --key or the VEGA_PRIVATE_KEY environment variable.

Examples:
  vegamarket sign --action list --asset 1 --price 2.0 --nonce 0
  vegamarket sign --action purchase --asset 1 --max-pay 4000 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(opts, cmd)
		},
	}

	opts.actionFlags.register(cmd)
	opts.domainFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Key, "key", "", "hex private key of the signer")

	return cmd
}

func runSign(opts *SignOptions, cmd *cobra.Command) error {
	rawKey := opts.Key
	if rawKey == "" {
		rawKey = os.Getenv(vegamarket.EnvPrivateKey)
	}
	if rawKey == "" {
		return NewExitError(ExitCommandError, "a signing key is required (--key or "+vegamarket.EnvPrivateKey+")")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid signing key", err)
	}

	data, err := opts.actionFlags.encode()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	domain, err := opts.domainFlags.domain()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid domain", err)
	}

	nonce := new(big.Int).SetUint64(opts.Nonce)
	sig, err := chain.SignMetaTransaction(key, domain, nonce, data)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to sign", err)
	}

	signer := crypto.PubkeyToAddress(key.PublicKey)
	result := SignResult{
		Request: &vegamarket.MetaTransactionRequest{
			Signer:            signer,
			FunctionSignature: data,
			Signature:         sig,
		},
		Hash: chain.MetaTransactionSignHash(domain, &chain.MetaTransaction{
			Nonce:             nonce,
			From:              signer,
			FunctionSignature: data,
		}),
		Nonce: opts.Nonce,
	}

	text := fmt.Sprintf("signer:    %s\nnonce:     %d\nhash:      %s\ncalldata:  %s\nsignature: %s",
		signer.Hex(), opts.Nonce, result.Hash.Hex(), hexutil.Encode(data), sig.Hex())
	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(result, text)
}

// HashOptions holds flags for the hash command.
type HashOptions struct {
	*RootOptions
	actionFlags
	domainFlags
	Signer string
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HashOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the EIP-712 digest a signer must sign",
		Long: `Print the typed-data digest of a meta-transaction without signing it.

Examples:
  vegamarket hash --signer 0xf39F...2266 --action delist --asset 1 --nonce 3`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(opts, cmd)
		},
	}

	opts.actionFlags.register(cmd)
	opts.domainFlags.register(cmd)
	cmd.Flags().StringVar(&opts.Signer, "signer", "", "signer address (required)")
	_ = cmd.MarkFlagRequired("signer")

	return cmd
}

func runHash(opts *HashOptions, cmd *cobra.Command) error {
	if !common.IsHexAddress(opts.Signer) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --signer %q", opts.Signer))
	}
	data, err := opts.actionFlags.encode()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid action", err)
	}
	domain, err := opts.domainFlags.domain()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid domain", err)
	}

	hash := chain.MetaTransactionSignHash(domain, &chain.MetaTransaction{
		Nonce:             new(big.Int).SetUint64(opts.Nonce),
		From:              common.HexToAddress(opts.Signer),
		FunctionSignature: data,
	})

	out := map[string]string{
		"hash":              hash.Hex(),
		"domainSeparator":   domain.Hash().Hex(),
		"functionSignature": hexutil.Encode(data),
	}
	return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Success(out, hash.Hex())
}
