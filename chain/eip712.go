package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP712 Domain constants matching the deployed marketplace
const (
	EIP712DomainName    = "vega.protocol"
	EIP712DomainVersion = "1"
)

// Pre-computed type hashes using keccak256
var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))

	// MetaTransaction(uint256 nonce,address from,bytes functionSignature)
	MetaTransactionTypeHash = crypto.Keccak256Hash([]byte(
		"MetaTransaction(uint256 nonce,address from,bytes functionSignature)",
	))
)

var (
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
)

// EIP712Domain represents the EIP712 domain separator data
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewEIP712Domain creates a new EIP712Domain with the standard values
func NewEIP712Domain(chainID *big.Int, verifyingContract common.Address) *EIP712Domain {
	return &EIP712Domain{
		Name:              EIP712DomainName,
		Version:           EIP712DomainVersion,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: verifyingContract,
	}
}

// Hash computes the EIP712 domain separator hash
func (d *EIP712Domain) Hash() common.Hash {
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	versionHash := crypto.Keccak256Hash([]byte(d.Version))

	arguments := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: bytes32Type}, // nameHash
		{Type: bytes32Type}, // versionHash
		{Type: uint256Type}, // chainId
		{Type: addressType}, // verifyingContract
	}

	encoded, err := arguments.Pack(
		EIP712DomainTypeHash,
		nameHash,
		versionHash,
		d.ChainID,
		d.VerifyingContract,
	)
	if err != nil {
		panic("failed to encode domain separator: " + err.Error())
	}

	return crypto.Keccak256Hash(encoded)
}

// MetaTransaction is the typed message a signer authorises for relaying
type MetaTransaction struct {
	Nonce             *big.Int
	From              common.Address
	FunctionSignature []byte
}

// Hash computes the struct hash for the meta-transaction.
// Dynamic bytes are encoded as keccak256(functionSignature).
func (m *MetaTransaction) Hash() common.Hash {
	arguments := abi.Arguments{
		{Type: bytes32Type}, // typeHash
		{Type: uint256Type}, // nonce
		{Type: addressType}, // from
		{Type: bytes32Type}, // keccak256(functionSignature)
	}

	nonce := m.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}

	encoded, err := arguments.Pack(
		MetaTransactionTypeHash,
		nonce,
		m.From,
		crypto.Keccak256Hash(m.FunctionSignature),
	)
	if err != nil {
		panic("failed to encode meta-transaction struct: " + err.Error())
	}

	return crypto.Keccak256Hash(encoded)
}

// TypedDataHash creates the final EIP712 hash to be signed:
// keccak256("\x19\x01" ++ domainSeparator ++ structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	data := make([]byte, 0, 2+32+32)
	data = append(data, 0x19, 0x01)
	data = append(data, domainSeparator.Bytes()...)
	data = append(data, structHash.Bytes()...)

	return crypto.Keccak256Hash(data)
}

// MetaTransactionSignHash binds a meta-transaction to the domain and returns the digest
func MetaTransactionSignHash(domain *EIP712Domain, tx *MetaTransaction) common.Hash {
	return TypedDataHash(domain.Hash(), tx.Hash())
}
