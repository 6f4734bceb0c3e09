package blockchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Dial connects to an EVM JSON-RPC endpoint
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM node at %s: %w", url, err)
	}
	return client, nil
}

// Clients holds one lazily dialed node client per network
type Clients struct {
	mu        sync.Mutex
	endpoints map[string]string
	clients   map[string]*ethclient.Client
}

// NewClients creates a registry over network -> RPC URL
func NewClients(endpoints map[string]string) *Clients {
	return &Clients{
		endpoints: endpoints,
		clients:   make(map[string]*ethclient.Client),
	}
}

// Get returns the client for a network, dialing it on first use
func (c *Clients) Get(ctx context.Context, network string) (Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[network]; ok {
		return client, nil
	}
	url, ok := c.endpoints[network]
	if !ok || url == "" {
		return nil, fmt.Errorf("no RPC endpoint configured for network %q", network)
	}
	client, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c.clients[network] = client
	return client, nil
}

// Close closes every dialed client
func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for network, client := range c.clients {
		client.Close()
		delete(c.clients, network)
	}
}
