package chain

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature errors
var (
	ErrInvalidSignature       = errors.New("invalid signature")
	ErrInvalidSignatureFormat = errors.New("invalid signature format")
	ErrInvalidSignatureLength = errors.New("signature must be 65 bytes")
)

// Signature is an (r, s, v) secp256k1 signature with v in its Ethereum form
type Signature struct {
	R [32]byte
	S [32]byte
	V uint8
}

type signatureJSON struct {
	R hexutil.Bytes `json:"r"`
	S hexutil.Bytes `json:"s"`
	V uint8         `json:"v"`
}

// MarshalJSON encodes r and s as 0x-prefixed hex
func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureJSON{R: s.R[:], S: s.S[:], V: s.V})
}

// UnmarshalJSON decodes {"r":"0x..","s":"0x..","v":27}
func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw signatureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw.R) != 32 || len(raw.S) != 32 {
		return fmt.Errorf("%w: r and s must be 32 bytes", ErrInvalidSignatureFormat)
	}
	copy(s.R[:], raw.R)
	copy(s.S[:], raw.S)
	s.V = raw.V
	return nil
}

// SignatureFromBytes splits a 65-byte r||s||v signature
func SignatureFromBytes(data []byte) (Signature, error) {
	var sig Signature
	if len(data) != 65 {
		return sig, ErrInvalidSignatureLength
	}
	copy(sig.R[:], data[0:32])
	copy(sig.S[:], data[32:64])
	sig.V = data[64]
	return sig, nil
}

// Bytes returns r||s||v
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	copy(out[0:32], s.R[:])
	copy(out[32:64], s.S[:])
	out[64] = s.V
	return out
}

// Hex returns the 0x-prefixed r||s||v encoding
func (s Signature) Hex() string {
	return hexutil.Encode(s.Bytes())
}

// NormalizeV maps v onto its canonical values 27 and 28.
// 0 and 1 are accepted as raw recovery ids; anything else is rejected.
func NormalizeV(v uint8) (uint8, error) {
	switch v {
	case 0, 1:
		return v + 27, nil
	case 27, 28:
		return v, nil
	default:
		return 0, fmt.Errorf("%w: v=%d", ErrInvalidSignatureFormat, v)
	}
}

// RecoverSigner recovers the address that produced sig over hash.
// High-s signatures are rejected so a signature has exactly one accepted encoding.
func RecoverSigner(hash common.Hash, sig Signature) (common.Address, error) {
	v, err := NormalizeV(sig.V)
	if err != nil {
		return common.Address{}, err
	}

	r := new(big.Int).SetBytes(sig.R[:])
	s := new(big.Int).SetBytes(sig.S[:])
	if !crypto.ValidateSignatureValues(v-27, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: r or s out of range", ErrInvalidSignatureFormat)
	}

	raw := make([]byte, 65)
	copy(raw[0:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = v - 27

	pub, err := crypto.SigToPub(hash.Bytes(), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that sig over hash was produced by signer
func VerifySigner(hash common.Hash, sig Signature, signer common.Address) error {
	recovered, err := RecoverSigner(hash, sig)
	if err != nil {
		return err
	}
	if signer == (common.Address{}) || recovered != signer {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, recovered.Hex(), signer.Hex())
	}
	return nil
}

// SignHash signs a digest and returns the signature with v in {27, 28}
func SignHash(hash common.Hash, key *ecdsa.PrivateKey) (Signature, error) {
	raw, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return Signature{}, fmt.Errorf("failed to sign hash: %w", err)
	}

	// Add recovery ID
	raw[64] += 27

	return SignatureFromBytes(raw)
}

// SignMetaTransaction signs a meta-transaction for the key's address under domain
func SignMetaTransaction(key *ecdsa.PrivateKey, domain *EIP712Domain, nonce *big.Int, functionSignature []byte) (Signature, error) {
	tx := &MetaTransaction{
		Nonce:             nonce,
		From:              crypto.PubkeyToAddress(key.PublicKey),
		FunctionSignature: functionSignature,
	}
	return SignHash(MetaTransactionSignHash(domain, tx), key)
}
