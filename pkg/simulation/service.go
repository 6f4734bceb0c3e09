package simulation

import (
	"context"
	"fmt"

	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/trace"
)

// ReaderSource hands out the node client for a network
type ReaderSource interface {
	Get(ctx context.Context, network string) (blockchain.Reader, error)
}

// Service replays mined transactions through the simulator
type Service struct {
	client   *Client
	readers  ReaderSource
	chainIDs map[string]uint64
}

// NewService creates a replay service. chainIDs maps network name to EVM
// chain id.
func NewService(client *Client, readers ReaderSource, chainIDs map[string]uint64) *Service {
	return &Service{client: client, readers: readers, chainIDs: chainIDs}
}

// Simulate loads txHash from the network's node and simulates it
func (s *Service) Simulate(ctx context.Context, network, txHash string) (*trace.Simulation, error) {
	chainID, ok := s.chainIDs[network]
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	reader, err := s.readers.Get(ctx, network)
	if err != nil {
		return nil, err
	}
	details, err := blockchain.Details(ctx, reader, txHash)
	if err != nil {
		return nil, err
	}
	return s.client.Simulate(ctx, txHash, RequestFromDetails(chainID, details))
}
