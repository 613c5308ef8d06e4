package vegamarket

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/kaifufi/vega-market-go/chain"
)

// ExecuteMetaTransaction runs functionSignature as if signer had called the market directly.
// relayer submits the call and is never treated as the caller. Authorisation failures
// match ErrUnauthorized; failures of the forwarded call are returned as they are.
// Either way the signer's nonce is left untouched on failure.
func (m *Market) ExecuteMetaTransaction(ctx context.Context, relayer, signer common.Address, functionSignature []byte, sig chain.Signature) (*MetaTransactionResult, error) {
	var (
		result *MetaTransactionResult
		method string
	)

	err := m.atomic(ctx, opExecute, func(ctx context.Context, f *frame) error {
		nonce, err := m.authorize(signer, functionSignature, sig)
		if err != nil {
			return err
		}

		action, err := chain.DecodeAction(functionSignature)
		if err != nil {
			return err
		}
		method = action.Method

		if err := m.dispatch(ctx, f, signer, action); err != nil {
			return err
		}

		f.emit(&MetaTransactionExecuted{
			Signer:            signer,
			Relayer:           relayer,
			FunctionSignature: hexutil.Bytes(append([]byte(nil), functionSignature...)),
			Timestamp:         m.now(),
		})
		result = &MetaTransactionResult{
			Signer:  signer,
			Relayer: relayer,
			Nonce:   nonce,
			Method:  action.Method,
			AssetID: action.TokenID,
		}
		return nil
	})
	recordMetaTransaction(method, err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// dispatch forwards a decoded action with caller as the effective caller
func (m *Market) dispatch(ctx context.Context, f *frame, caller common.Address, action *chain.Action) error {
	switch action.Method {
	case chain.MethodList:
		return m.list(ctx, f, caller, action.TokenID, action.Price)
	case chain.MethodDelist:
		return m.delist(ctx, f, caller, action.TokenID)
	case chain.MethodPurchase:
		return m.purchase(ctx, f, caller, action.TokenID, action.Buyer, action.MaxPay)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, action.Method)
	}
}
