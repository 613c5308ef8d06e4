package vegamarket

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kaifufi/vega-market-go/chain"
)

// Client signs market actions with one key and submits them through a relay
type Client struct {
	apiClient      *APIClient
	contractCaller *chain.ContractCaller
	key            *ecdsa.PrivateKey
	address        common.Address

	domain   *chain.EIP712Domain
	domainMu sync.Mutex
}

// ClientConfig holds configuration for creating a Client
type ClientConfig struct {
	Host       string
	PrivateKey string
	// Optional: when set, settlement token allowances are checked on chain before purchasing.
	RPCURL    string
	FeedAddr  string
	TokenAddr string
}

// NewClient creates a new relay client
func NewClient(config ClientConfig) (*Client, error) {
	if config.Host == "" {
		return nil, &InvalidParamError{Message: "host is required"}
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(config.PrivateKey, "0x"))
	if err != nil {
		return nil, &InvalidParamError{Message: fmt.Sprintf("invalid private key: %v", err)}
	}

	c := &Client{
		apiClient: NewAPIClient(config.Host),
		key:       key,
		address:   crypto.PubkeyToAddress(key.PublicKey),
	}

	if config.RPCURL != "" {
		if !common.IsHexAddress(config.TokenAddr) {
			return nil, &InvalidParamError{Message: "token address is required with an RPC URL"}
		}
		contractCaller, err := chain.NewContractCaller(config.RPCURL, config.FeedAddr, config.TokenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to create contract caller: %w", err)
		}
		c.contractCaller = contractCaller
	}

	return c, nil
}

// Close closes the client and cleans up resources
func (c *Client) Close() {
	if c.contractCaller != nil {
		c.contractCaller.Close()
	}
}

// Address returns the signer identity of the client key
func (c *Client) Address() common.Address {
	return c.address
}

// Domain returns the relay's EIP-712 domain, fetched once and cached
func (c *Client) Domain() (*chain.EIP712Domain, error) {
	c.domainMu.Lock()
	defer c.domainMu.Unlock()

	if c.domain != nil {
		return c.domain, nil
	}

	info, err := c.apiClient.GetDomain()
	if err != nil {
		return nil, err
	}
	if info.Name != DefaultDomainName || info.Version != DefaultDomainVersion {
		return nil, fmt.Errorf("unexpected EIP-712 domain %s/%s", info.Name, info.Version)
	}

	c.domain = chain.NewEIP712Domain(info.ChainID, info.VerifyingContract)
	return c.domain, nil
}

// List lists assetID at price (reference currency base units)
func (c *Client) List(assetID, price *big.Int) (*MetaTransactionResult, error) {
	data, err := chain.EncodeList(assetID, price)
	if err != nil {
		return nil, err
	}
	return c.Execute(data)
}

// Delist removes the listing of assetID
func (c *Client) Delist(assetID *big.Int) (*MetaTransactionResult, error) {
	data, err := chain.EncodeDelist(assetID)
	if err != nil {
		return nil, err
	}
	return c.Execute(data)
}

// Purchase buys assetID for buyer (the client address when zero) paying at most maxPay.
// With checkApproval the buyer's on-chain allowance for the market is checked first.
func (c *Client) Purchase(ctx context.Context, assetID *big.Int, buyer common.Address, maxPay *big.Int, checkApproval bool) (*MetaTransactionResult, error) {
	if buyer == (common.Address{}) {
		buyer = c.address
	}

	if checkApproval {
		if err := c.checkAllowance(ctx, assetID, buyer); err != nil {
			return nil, err
		}
	}

	data, err := chain.EncodePurchase(assetID, buyer, maxPay)
	if err != nil {
		return nil, err
	}
	return c.Execute(data)
}

func (c *Client) checkAllowance(ctx context.Context, assetID *big.Int, buyer common.Address) error {
	if c.contractCaller == nil {
		return &InvalidParamError{Message: "approval check requires an RPC URL"}
	}

	domain, err := c.Domain()
	if err != nil {
		return err
	}
	quote, err := c.apiClient.GetSettlementPrice(assetID)
	if err != nil {
		return err
	}

	allowance, err := c.contractCaller.Allowance(ctx, buyer, domain.VerifyingContract)
	if err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(quote.Amount) >= 0 {
		return nil
	}

	decimals, err := c.contractCaller.TokenDecimals(ctx)
	if err != nil {
		return fmt.Errorf("failed to read token decimals: %w", err)
	}
	approve, err := chain.EncodeApprove(domain.VerifyingContract, quote.Amount)
	if err != nil {
		return err
	}
	return &AllowanceError{
		Allowance:   allowance,
		Required:    quote.Amount,
		Decimals:    decimals,
		ApproveCall: approve,
	}
}

// Execute signs functionSignature at the current nonce and submits it
func (c *Client) Execute(functionSignature []byte) (*MetaTransactionResult, error) {
	req, err := c.Sign(functionSignature)
	if err != nil {
		return nil, err
	}
	return c.apiClient.ExecuteMetaTransaction(req)
}

// Sign builds a meta-transaction request for functionSignature at the current nonce
func (c *Client) Sign(functionSignature []byte) (*MetaTransactionRequest, error) {
	domain, err := c.Domain()
	if err != nil {
		return nil, err
	}
	nonce, err := c.apiClient.GetNonce(c.address)
	if err != nil {
		return nil, err
	}

	sig, err := chain.SignMetaTransaction(c.key, domain, new(big.Int).SetUint64(nonce), functionSignature)
	if err != nil {
		return nil, err
	}

	return &MetaTransactionRequest{
		Signer:            c.address,
		FunctionSignature: functionSignature,
		Signature:         sig,
	}, nil
}

// GetListing fetches the listing of assetID
func (c *Client) GetListing(assetID *big.Int) (*ListingInfo, error) {
	return c.apiClient.GetListing(assetID)
}

// GetListings fetches every active listing
func (c *Client) GetListings() ([]ListingInfo, error) {
	return c.apiClient.GetListings()
}

// GetSettlementPrice fetches the current settlement amount for assetID
func (c *Client) GetSettlementPrice(assetID *big.Int) (*SettlementPrice, error) {
	return c.apiClient.GetSettlementPrice(assetID)
}

// GetNonce fetches the client's current nonce
func (c *Client) GetNonce() (uint64, error) {
	return c.apiClient.GetNonce(c.address)
}

// GetEvents fetches committed events starting at from
func (c *Client) GetEvents(from int64, limit int) ([]EventEntry, error) {
	return c.apiClient.GetEvents(from, limit)
}
