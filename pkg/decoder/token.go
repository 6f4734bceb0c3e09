package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"go.uber.org/zap"
)

// TokenTTL is how long resolved token metadata stays cached
const TokenTTL = 24 * time.Hour

// MetadataReader reads token metadata from the chain
type MetadataReader interface {
	Metadata(ctx context.Context, token string) (blockchain.TokenMetadata, error)
}

// TokenResolver serves token metadata from the cache, falling back to
// on-chain reads and caching the result.
type TokenResolver struct {
	network string
	reader  MetadataReader
	cache   Cache
	logger  *zap.Logger
}

// NewTokenResolver creates a resolver for one network
func NewTokenResolver(network string, reader MetadataReader, cache Cache, logger *zap.Logger) *TokenResolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenResolver{network: network, reader: reader, cache: cache, logger: logger}
}

// Metadata returns the token's metadata
func (r *TokenResolver) Metadata(ctx context.Context, token string) (blockchain.TokenMetadata, error) {
	key := getRedisKey("tok", r.network, strings.ToLower(token))

	raw, err := r.cache.GetString(ctx, key)
	switch {
	case err == nil:
		var md blockchain.TokenMetadata
		if err := json.Unmarshal([]byte(raw), &md); err == nil {
			return md, nil
		}
		r.logger.Warn("discarding corrupt token cache entry", zap.String("key", key))
	case !errors.Is(err, ErrCacheMiss):
		r.logger.Warn("token cache read failed", zap.String("key", key), zap.Error(err))
	}

	if r.reader == nil {
		return blockchain.TokenMetadata{}, fmt.Errorf("no chain reader for network %s", r.network)
	}
	md, err := r.reader.Metadata(ctx, token)
	if err != nil {
		return blockchain.TokenMetadata{}, err
	}

	b, err := json.Marshal(md)
	if err != nil {
		return md, nil
	}
	if err := r.cache.SetString(ctx, key, string(b), TokenTTL); err != nil {
		r.logger.Warn("token cache write failed", zap.String("key", key), zap.Error(err))
	}
	return md, nil
}

// Decimals returns the token's decimal count
func (r *TokenResolver) Decimals(ctx context.Context, token string) (uint8, error) {
	md, err := r.Metadata(ctx, token)
	if err != nil {
		return 0, err
	}
	return md.Decimals, nil
}
