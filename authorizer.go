package vegamarket

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/vega-market-go/chain"
)

// MetaTransactionHash returns the EIP-712 digest signer must sign to authorise
// functionSignature at the given nonce on this market
func (m *Market) MetaTransactionHash(signer common.Address, nonce uint64, functionSignature []byte) common.Hash {
	return chain.MetaTransactionSignHash(m.domain, &chain.MetaTransaction{
		Nonce:             new(big.Int).SetUint64(nonce),
		From:              signer,
		FunctionSignature: functionSignature,
	})
}

// authorize checks sig against signer's current nonce and consumes the nonce.
// Must run inside an atomic frame so the increment is undone if the forwarded call fails.
func (m *Market) authorize(signer common.Address, functionSignature []byte, sig chain.Signature) (uint64, error) {
	nonce := m.state.Nonce(signer)
	hash := m.MetaTransactionHash(signer, nonce, functionSignature)

	if err := chain.VerifySigner(hash, sig, signer); err != nil {
		return 0, &AuthorizationError{Signer: signer, Err: err}
	}

	m.state.IncrementNonce(signer)
	return nonce, nil
}

// VerifyMetaTransaction checks sig against signer's current nonce without consuming it.
// The nonce may still move before the call is executed, so execution re-checks.
func (m *Market) VerifyMetaTransaction(ctx context.Context, signer common.Address, functionSignature []byte, sig chain.Signature) error {
	hash := m.MetaTransactionHash(signer, m.GetNonce(ctx, signer), functionSignature)
	if err := chain.VerifySigner(hash, sig, signer); err != nil {
		return &AuthorizationError{Signer: signer, Err: err}
	}
	return nil
}
