package blockchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ParseHash validates a 0x-prefixed 32-byte transaction hash
func ParseHash(hash string) (common.Hash, error) {
	if !strings.HasPrefix(hash, "0x") && !strings.HasPrefix(hash, "0X") {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	b, err := hexutil.Decode(strings.ToLower(hash[:2]) + hash[2:])
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return common.BytesToHash(b), nil
}

// Details loads a mined transaction and its receipt and flattens them into
// the fields a simulator needs.
func Details(ctx context.Context, r Reader, hash string) (*TxDetails, error) {
	h, err := ParseHash(hash)
	if err != nil {
		return nil, err
	}

	tx, pending, err := r.TransactionByHash(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", hash, err)
	}
	if pending {
		return nil, fmt.Errorf("%s: %w", hash, ErrPending)
	}

	receipt, err := r.TransactionReceipt(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", hash, err)
	}
	if receipt.BlockNumber == nil {
		return nil, fmt.Errorf("receipt %s has no block number", hash)
	}

	from, err := sender(tx)
	if err != nil {
		return nil, err
	}

	d := &TxDetails{
		Hash:             tx.Hash().Hex(),
		BlockNumber:      receipt.BlockNumber.Uint64(),
		TransactionIndex: receipt.TransactionIndex,
		From:             from.Hex(),
		Gas:              tx.Gas(),
		Value:            tx.Value().String(),
		Input:            hexutil.Encode(tx.Data()),
		Type:             tx.Type(),
	}
	if to := tx.To(); to != nil {
		d.To = to.Hex()
	} else {
		d.ContractCreation = true
	}
	return d, nil
}

func sender(tx *types.Transaction) (common.Address, error) {
	signer := types.LatestSignerForChainID(tx.ChainId())
	from, err := types.Sender(signer, tx)
	if err != nil && tx.ChainId() == nil {
		from, err = types.Sender(types.HomesteadSigner{}, tx)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to derive sender for transaction %s: %w", tx.Hash().Hex(), err)
	}
	return from, nil
}
