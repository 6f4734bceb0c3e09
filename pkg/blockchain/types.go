package blockchain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrInvalidHash is returned for identifiers that are not 32-byte hex hashes
	ErrInvalidHash = errors.New("invalid transaction hash")
	// ErrPending is returned when the transaction has not been mined yet
	ErrPending = errors.New("transaction is pending")
)

// Reader is the subset of the node API used by the pipeline.
// *ethclient.Client satisfies it.
type Reader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// TxDetails holds the fields needed to re-simulate a mined transaction
type TxDetails struct {
	Hash             string `json:"hash"`
	BlockNumber      uint64 `json:"block_number"`
	TransactionIndex uint   `json:"transaction_index"`
	From             string `json:"from"`
	To               string `json:"to,omitempty"` // empty for contract creation
	Gas              uint64 `json:"gas"`
	Value            string `json:"value"` // wei, base 10
	Input            string `json:"input"`
	Type             uint8  `json:"type"`
	ContractCreation bool   `json:"contract_creation"`
}

// IsBlob reports whether the transaction carries EIP-4844 blobs
func (d *TxDetails) IsBlob() bool {
	return d.Type == types.BlobTxType
}

// TypeName returns a readable transaction envelope name
func (d *TxDetails) TypeName() string {
	switch d.Type {
	case types.LegacyTxType:
		return "legacy"
	case types.AccessListTxType:
		return "access_list"
	case types.DynamicFeeTxType:
		return "dynamic_fee"
	case types.BlobTxType:
		return "blob"
	case types.SetCodeTxType:
		return "set_code"
	default:
		return "unknown"
	}
}
