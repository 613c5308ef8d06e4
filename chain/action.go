package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrUnknownAction is returned when call data does not select a relayable entry point
var ErrUnknownAction = errors.New("unknown action")

// Action is a decoded marketplace call
type Action struct {
	Method  string
	TokenID *big.Int
	Price   *big.Int       // addToMarketplace only
	Buyer   common.Address // purchase only
	MaxPay  *big.Int       // purchase only
}

// EncodeList builds addToMarketplace(tokenId, price) call data
func EncodeList(tokenID, price *big.Int) ([]byte, error) {
	data, err := marketplaceABI.Pack(MethodList, tokenID, price)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", MethodList, err)
	}
	return data, nil
}

// EncodeDelist builds removeFromMarketplace(tokenId) call data
func EncodeDelist(tokenID *big.Int) ([]byte, error) {
	data, err := marketplaceABI.Pack(MethodDelist, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", MethodDelist, err)
	}
	return data, nil
}

// EncodePurchase builds purchase(tokenId, buyer, maxPay) call data
func EncodePurchase(tokenID *big.Int, buyer common.Address, maxPay *big.Int) ([]byte, error) {
	if maxPay == nil {
		maxPay = new(big.Int)
	}
	data, err := marketplaceABI.Pack(MethodPurchase, tokenID, buyer, maxPay)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", MethodPurchase, err)
	}
	return data, nil
}

// EncodeApprove builds ERC-20 approve(spender, amount) call data for the settlement token
func EncodeApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return data, nil
}

// DecodeAction parses call data produced by one of the Encode functions
func DecodeAction(data []byte) (*Action, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: call data too short", ErrUnknownAction)
	}

	method, err := marketplaceABI.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: selector %x", ErrUnknownAction, data[:4])
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}

	action := &Action{Method: method.Name}
	switch method.Name {
	case MethodList:
		action.TokenID = args[0].(*big.Int)
		action.Price = args[1].(*big.Int)
	case MethodDelist:
		action.TokenID = args[0].(*big.Int)
	case MethodPurchase:
		action.TokenID = args[0].(*big.Int)
		action.Buyer = args[1].(common.Address)
		action.MaxPay = args[2].(*big.Int)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, method.Name)
	}

	return action, nil
}
