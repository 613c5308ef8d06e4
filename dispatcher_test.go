package vegamarket_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vegamarket "github.com/kaifufi/vega-market-go"
	"github.com/kaifufi/vega-market-go/chain"
	"github.com/kaifufi/vega-market-go/internal/sandbox"
)

var relayer = common.HexToAddress("0x9965507D1a55bcc2695C58ba16FB37d819B0A4dc")

type signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newSigner(t *testing.T) signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s signer) sign(t *testing.T, m *vegamarket.Market, nonce uint64, call []byte) chain.Signature {
	t.Helper()
	sig, err := chain.SignMetaTransaction(s.key, m.Domain(), new(big.Int).SetUint64(nonce), call)
	require.NoError(t, err)
	return sig
}

func encodeList(t *testing.T, id, price *big.Int) []byte {
	t.Helper()
	data, err := chain.EncodeList(id, price)
	require.NoError(t, err)
	return data
}

func encodeDelist(t *testing.T, id *big.Int) []byte {
	t.Helper()
	data, err := chain.EncodeDelist(id)
	require.NoError(t, err)
	return data
}

func encodePurchase(t *testing.T, id *big.Int, buyer common.Address, maxPay *big.Int) []byte {
	t.Helper()
	data, err := chain.EncodePurchase(id, buyer, maxPay)
	require.NoError(t, err)
	return data
}

func TestExecuteMetaTransaction_List(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb := newSandbox(t, sandbox.Options{Sink: sink})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]

	call := encodeList(t, id, ether(2))
	res, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, alice.sign(t, sb.Market, 0, call))
	require.NoError(t, err)

	assert.Equal(t, alice.addr, res.Signer)
	assert.Equal(t, relayer, res.Relayer)
	assert.Equal(t, uint64(0), res.Nonce)
	assert.Equal(t, chain.MethodList, res.Method)
	assert.Equal(t, id, res.AssetID)

	l, ok := sb.Market.Listing(ctx, id)
	require.True(t, ok)
	assert.Equal(t, alice.addr, l.Seller, "the signer is the effective caller")
	assert.Equal(t, uint64(1), sb.Market.GetNonce(ctx, alice.addr))
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, relayer))

	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, vegamarket.EventKindListingChanged, events[0].Kind())
	exec, ok := events[1].(*vegamarket.MetaTransactionExecuted)
	require.True(t, ok)
	assert.Equal(t, alice.addr, exec.Signer)
	assert.Equal(t, relayer, exec.Relayer)
	assert.Equal(t, call, []byte(exec.FunctionSignature))
}

func TestExecuteMetaTransaction_Purchase(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})
	bob := newSigner(t)
	sb.Fund(bob.addr, ether(5000))

	call := encodePurchase(t, id, common.Address{}, ether(4000))
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, bob.addr, call, bob.sign(t, sb.Market, 0, call))
	require.NoError(t, err)

	owner, _ := sb.Assets.OwnerOf(ctx, id)
	assert.Equal(t, bob.addr, owner)
	assert.Equal(t, ether(1000), sb.Payments.BalanceOf(bob.addr))
	assert.Equal(t, ether(4000), sb.Payments.BalanceOf(seller))
	assert.Equal(t, 0, sb.Payments.BalanceOf(relayer).Sign(), "the relayer never pays")
}

func TestExecuteMetaTransaction_Delist(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]
	require.NoError(t, sb.Market.List(ctx, alice.addr, id, ether(1)))

	call := encodeDelist(t, id)
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, alice.sign(t, sb.Market, 0, call))
	require.NoError(t, err)
	assert.Equal(t, 0, sb.Market.GetListedPrice(ctx, id).Sign())
}

func TestExecuteMetaTransaction_Replay(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]

	call := encodeList(t, id, ether(2))
	sig := alice.sign(t, sb.Market, 0, call)
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	require.NoError(t, err)

	delist := encodeDelist(t, id)
	delistSig := alice.sign(t, sb.Market, 1, delist)
	_, err = sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, delist, delistSig)
	require.NoError(t, err)

	// The list call would succeed again, but its nonce is spent.
	_, err = sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	assert.ErrorIs(t, err, vegamarket.ErrUnauthorized)
	assert.ErrorIs(t, err, vegamarket.ErrInvalidSignature)
	assert.Equal(t, uint64(2), sb.Market.GetNonce(ctx, alice.addr))
	assert.Equal(t, 0, sb.Market.GetListedPrice(ctx, id).Sign())
}

func TestExecuteMetaTransaction_WrongSigner(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	mallory := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]

	call := encodeList(t, id, ether(2))
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, mallory.sign(t, sb.Market, 0, call))

	var authErr *vegamarket.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, alice.addr, authErr.Signer)
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, alice.addr))
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, mallory.addr))
	assert.Empty(t, sb.Market.Listings(ctx))
}

func TestExecuteMetaTransaction_SignatureBoundToCall(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]

	signed := encodeList(t, id, ether(2))
	tampered := encodeList(t, id, ether(1))
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, tampered, alice.sign(t, sb.Market, 0, signed))
	assert.ErrorIs(t, err, vegamarket.ErrUnauthorized)
}

func TestExecuteMetaTransaction_OtherDomain(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]
	call := encodeList(t, id, ether(2))

	domains := map[string]*chain.EIP712Domain{
		"chain id": chain.NewEIP712Domain(big.NewInt(1), sb.Market.Address()),
		"contract": chain.NewEIP712Domain(big.NewInt(31337), relayer),
	}
	for name, d := range domains {
		t.Run(name, func(t *testing.T) {
			sig, err := chain.SignMetaTransaction(alice.key, d, big.NewInt(0), call)
			require.NoError(t, err)
			_, err = sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
			assert.ErrorIs(t, err, vegamarket.ErrUnauthorized)
		})
	}
}

func TestExecuteMetaTransaction_BadV(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]
	call := encodeList(t, id, ether(2))

	sig := alice.sign(t, sb.Market, 0, call)
	sig.V = 30
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	assert.ErrorIs(t, err, vegamarket.ErrUnauthorized)
	assert.ErrorIs(t, err, vegamarket.ErrInvalidSignatureFormat)
}

func TestExecuteMetaTransaction_RawRecoveryID(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]
	call := encodeList(t, id, ether(2))

	sig := alice.sign(t, sb.Market, 0, call)
	sig.V -= 27
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	assert.NoError(t, err)
}

func TestExecuteMetaTransaction_ForwardedFailureKeepsNonce(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	sb := newSandbox(t, sandbox.Options{Sink: sink})
	alice := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]

	call := encodeDelist(t, id)
	sig := alice.sign(t, sb.Market, 0, call)
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	assert.ErrorIs(t, err, vegamarket.ErrNotListed)
	assert.NotErrorIs(t, err, vegamarket.ErrUnauthorized)
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, alice.addr))
	assert.Empty(t, sink.Events())

	// Nonce 0 is still unspent, so the same signature goes through once the call can succeed.
	require.NoError(t, sb.Market.List(ctx, alice.addr, id, ether(1)))
	_, err = sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sb.Market.GetNonce(ctx, alice.addr))
}

func TestExecuteMetaTransaction_ForwardedLedgerFailure(t *testing.T) {
	ctx := context.Background()
	sb, id := listedSandbox(t, sandbox.Options{})
	broke := newSigner(t)
	sb.Fund(broke.addr, ether(1))

	call := encodePurchase(t, id, common.Address{}, nil)
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, broke.addr, call, broke.sign(t, sb.Market, 0, call))
	require.Error(t, err)
	assert.NotErrorIs(t, err, vegamarket.ErrUnauthorized)
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, broke.addr))
	assert.Equal(t, ether(2), sb.Market.GetListedPrice(ctx, id))
}

func TestExecuteMetaTransaction_UnknownAction(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)

	call := []byte{0xde, 0xad, 0xbe, 0xef}
	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, alice.sign(t, sb.Market, 0, call))
	assert.ErrorIs(t, err, vegamarket.ErrUnknownAction)
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, alice.addr))
}

func TestMetaTransactionHash(t *testing.T) {
	sb := newSandbox(t, sandbox.Options{})
	call := encodeDelist(t, big.NewInt(1))

	want := chain.MetaTransactionSignHash(sb.Market.Domain(), &chain.MetaTransaction{
		Nonce:             big.NewInt(5),
		From:              seller,
		FunctionSignature: call,
	})
	assert.Equal(t, want, sb.Market.MetaTransactionHash(seller, 5, call))
}

func TestVerifyMetaTransaction(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t, sandbox.Options{})
	alice := newSigner(t)
	bob := newSigner(t)
	id := sb.MintAssets(alice.addr, 1)[0]

	call := encodeList(t, id, ether(2))
	sig := alice.sign(t, sb.Market, 0, call)

	require.NoError(t, sb.Market.VerifyMetaTransaction(ctx, alice.addr, call, sig))
	assert.Equal(t, uint64(0), sb.Market.GetNonce(ctx, alice.addr), "verifying does not consume the nonce")

	assert.ErrorIs(t, sb.Market.VerifyMetaTransaction(ctx, bob.addr, call, sig), vegamarket.ErrUnauthorized)
	assert.ErrorIs(t, sb.Market.VerifyMetaTransaction(ctx, alice.addr, call, chain.Signature{}), vegamarket.ErrUnauthorized)

	_, err := sb.Market.ExecuteMetaTransaction(ctx, relayer, alice.addr, call, sig)
	require.NoError(t, err)
	assert.ErrorIs(t, sb.Market.VerifyMetaTransaction(ctx, alice.addr, call, sig), vegamarket.ErrUnauthorized, "stale nonce")
}
