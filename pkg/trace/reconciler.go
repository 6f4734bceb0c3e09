package trace

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/decoder"
	"go.uber.org/zap"
)

// ReceiptFetcher loads a mined transaction's receipt
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// MetadataResolver resolves token metadata by contract address
type MetadataResolver interface {
	Metadata(ctx context.Context, token string) (blockchain.TokenMetadata, error)
}

// Reconciler fills unknown asset-change amounts from on-chain Transfer logs.
type Reconciler struct {
	receipts ReceiptFetcher
	tokens   MetadataResolver
	logger   *zap.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(receipts ReceiptFetcher, tokens MetadataResolver, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{receipts: receipts, tokens: tokens, logger: logger}
}

type scaledTransfer struct {
	decoder.Transfer
	amount string
	used   bool
}

// Reconcile returns a copy of changes where every entry with a nil amount
// that matches a Transfer log on (from, to, token) carries the exact
// decimal amount. The first unused transfer wins. Failures are logged and
// the input is returned as-is.
func (r *Reconciler) Reconcile(ctx context.Context, changes []AssetChange, txHash string) []AssetChange {
	if !needsReconcile(changes) {
		return changes
	}
	logger := r.logger.With(zap.String("tx_hash", txHash))

	h, err := blockchain.ParseHash(txHash)
	if err != nil {
		logger.Error("cannot reconcile asset changes", zap.Error(err))
		return changes
	}
	receipt, err := r.receipts.TransactionReceipt(ctx, h)
	if err != nil {
		logger.Error("failed to fetch receipt for reconciliation", zap.Error(err))
		return changes
	}
	if receipt == nil {
		logger.Error("no receipt for reconciliation")
		return changes
	}

	transfers := r.scale(ctx, decoder.DecodeTransfers(receipt.Logs), logger)
	if len(transfers) == 0 {
		return changes
	}

	out := make([]AssetChange, len(changes))
	copy(out, changes)
	for i := range out {
		if out[i].Amount != nil {
			continue
		}
		from := strings.ToLower(out[i].From)
		to := strings.ToLower(out[i].To)
		token := strings.ToLower(out[i].TokenInfo.ContractAddress)
		for j := range transfers {
			t := &transfers[j]
			if t.used || t.From != from || t.To != to || t.Token != token {
				continue
			}
			amount := t.amount
			out[i].Amount = &amount
			t.used = true
			break
		}
	}
	return out
}

// scale converts raw transfer amounts to token units. Transfers whose token
// metadata cannot be read are dropped rather than guessed.
func (r *Reconciler) scale(ctx context.Context, raw []decoder.Transfer, logger *zap.Logger) []scaledTransfer {
	meta := make(map[string]*blockchain.TokenMetadata)
	out := make([]scaledTransfer, 0, len(raw))
	for _, t := range raw {
		md, seen := meta[t.Token]
		if !seen {
			resolved, err := r.tokens.Metadata(ctx, t.Token)
			if err != nil {
				logger.Warn("token metadata unavailable", zap.String("token", t.Token), zap.Error(err))
			} else {
				md = &resolved
			}
			meta[t.Token] = md
		}
		if md == nil {
			continue
		}
		out = append(out, scaledTransfer{
			Transfer: t,
			amount:   decimal.NewFromBigInt(t.Amount, -int32(md.Decimals)).String(),
		})
	}
	return out
}

func needsReconcile(changes []AssetChange) bool {
	for _, c := range changes {
		if c.Amount == nil {
			return true
		}
	}
	return false
}
