package infra

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ChainConn bundles the raw RPC client used for eth_sendTransaction and the
// typed client used for calls and receipts.
type ChainConn struct {
	RPC *rpc.Client
	Eth *ethclient.Client
}

// NewChainConn dials a JSON-RPC node and verifies it answers.
func NewChainConn(ctx context.Context, url string) (*ChainConn, error) {
	if url == "" {
		return nil, fmt.Errorf("chain rpc url is required")
	}

	raw, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	client := ethclient.NewClient(raw)

	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}

	return &ChainConn{RPC: raw, Eth: client}, nil
}

// Ping checks the node is still reachable.
func (c *ChainConn) Ping(ctx context.Context) error {
	_, err := c.Eth.BlockNumber(ctx)
	return err
}

// Close releases the connection.
func (c *ChainConn) Close() {
	c.Eth.Close()
}
