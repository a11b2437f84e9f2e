package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const defaultPollInterval = 2 * time.Second

// Token is an ERC-20 contract the service accepts for settlement.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Backend is the read side of a JSON-RPC node. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TransactionArgs is the eth_sendTransaction payload. The node or wallet
// provider holding the user's key signs it.
type TransactionArgs struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Sender submits unsigned transactions for node-side signing.
type Sender interface {
	SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error)
}

// RPCSender sends transactions through eth_sendTransaction.
type RPCSender struct {
	client *rpc.Client
}

// NewRPCSender wraps a raw RPC client.
func NewRPCSender(client *rpc.Client) *RPCSender {
	return &RPCSender{client: client}
}

// SendTransaction implements Sender.
func (s *RPCSender) SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error) {
	var hash common.Hash
	if err := s.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// EthereumConfig configures the EVM settlement client.
type EthereumConfig struct {
	SettlementWallet common.Address
	Tokens           []Token
	PollInterval     time.Duration
}

// EthereumClient implements Client against any EVM chain (Celo in production).
type EthereumClient struct {
	backend      Backend
	sender       Sender
	erc20        abi.ABI
	tokens       map[string]Token
	wallet       common.Address
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewEthereumClient validates the configuration and parses the token ABI.
func NewEthereumClient(cfg EthereumConfig, backend Backend, sender Sender, logger *slog.Logger) (*EthereumClient, error) {
	if backend == nil || sender == nil {
		return nil, fmt.Errorf("chain backend and sender are required")
	}
	if cfg.SettlementWallet == (common.Address{}) {
		return nil, fmt.Errorf("settlement wallet address is required")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	tokens := make(map[string]Token, len(cfg.Tokens))
	for _, tok := range cfg.Tokens {
		tokens[strings.ToUpper(tok.Symbol)] = tok
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &EthereumClient{
		backend:      backend,
		sender:       sender,
		erc20:        parsed,
		tokens:       tokens,
		wallet:       cfg.SettlementWallet,
		pollInterval: poll,
		logger:       logger,
	}, nil
}

// SubmitDebit checks the ERC-20 balance against total and submits the transfer.
func (c *EthereumClient) SubmitDebit(ctx context.Context, userAddress, token string, total decimal.Decimal) (string, error) {
	tok, ok := c.tokens[strings.ToUpper(token)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
	}
	if !common.IsHexAddress(userAddress) {
		return "", fmt.Errorf("%w: malformed address", ErrWalletUnavailable)
	}
	from := common.HexToAddress(userAddress)

	amount, err := toMinorUnits(total, tok.Decimals)
	if err != nil {
		return "", err
	}

	balance, err := c.balanceOf(ctx, tok, from)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWalletUnavailable, err)
	}
	if balance.Cmp(amount) < 0 {
		return "", ErrInsufficientBalance
	}

	data, err := c.erc20.Pack("transfer", c.wallet, amount)
	if err != nil {
		return "", fmt.Errorf("%w: pack transfer: %v", ErrSubmission, err)
	}
	hash, err := c.sender.SendTransaction(ctx, TransactionArgs{From: from, To: tok.Address, Data: data})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	c.logger.Info("debit submitted",
		slog.String("tx_hash", hash.Hex()),
		slog.String("token", tok.Symbol),
		slog.String("amount", total.String()))
	return hash.Hex(), nil
}

// AwaitFinality polls for a receipt until one arrives or timeout elapses.
// Receipt lookups that fail are retried; only the deadline ends the wait.
func (c *EthereumClient) AwaitFinality(ctx context.Context, txHash string, timeout time.Duration) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Receipt(ctx, txHash)
		if err == nil && status != StatusPending {
			return status, nil
		}
		if err != nil {
			c.logger.Debug("receipt lookup failed", slog.String("tx_hash", txHash), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return StatusPending, ErrFinalityTimeout
		case <-ticker.C:
		}
	}
}

// Receipt performs a single receipt lookup. Unmined transactions are PENDING.
func (c *EthereumClient) Receipt(ctx context.Context, txHash string) (Status, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusPending, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return StatusConfirmed, nil
	}
	return StatusFailed, nil
}

func (c *EthereumClient) balanceOf(ctx context.Context, tok Token, owner common.Address) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	contract := tok.Address
	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	if len(result) == 0 {
		return big.NewInt(0), nil
	}
	var balance *big.Int
	if err := c.erc20.UnpackIntoInterface(&balance, "balanceOf", result); err != nil {
		return nil, fmt.Errorf("unpack balance: %w", err)
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	return balance, nil
}

func toMinorUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	minor := amount.Shift(decimals)
	if !minor.Equal(minor.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount exceeds %d token decimals", ErrInvalidAmount, decimals)
	}
	return minor.BigInt(), nil
}
