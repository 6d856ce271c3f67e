// Package chain handles the blockchain side of escrow custody: ERC20 token
// transfers and the escrow contract, plus an in-memory simulator of that
// contract for development.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction failed")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrNoSigner          = errors.New("chain: no signer for user")
	ErrUnknownEscrow     = errors.New("chain: unknown contract escrow")
	ErrNotPermitted      = errors.New("chain: caller not permitted")
)

// TxError wraps transaction failures with the step and hash.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const (
	// DefaultGasLimit is used when estimation fails
	DefaultGasLimit = uint64(250000)

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second
)

// Client signs and submits contract calls for any Signer.
type Client struct {
	eth          EthClient
	chainID      *big.Int
	pollInterval time.Duration
}

// NewClient wraps an existing EthClient.
func NewClient(eth EthClient, chainID int64) *Client {
	return &Client{eth: eth, chainID: big.NewInt(chainID), pollInterval: ReceiptPollInterval}
}

// Dial connects to an RPC endpoint.
func Dial(rpcURL string, chainID int64) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return NewClient(eth, chainID), nil
}

// Close closes the client connection
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// send builds, signs and submits a call to contract. It does not wait for mining.
func (c *Client) send(ctx context.Context, op string, signer *Signer, contract common.Address, data []byte) (common.Hash, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, signer.Address())
	if err != nil {
		return common.Hash{}, &TxError{Op: op + ":nonce", Err: err}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + ":gas_price", Err: err}
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  signer.Address(),
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), signer.key)
	if err != nil {
		return common.Hash{}, &TxError{Op: op + ":sign", Err: err}
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &TxError{Op: op + ":send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash(), nil
}

// transact sends a call and waits for a successful receipt.
func (c *Client) transact(ctx context.Context, op string, signer *Signer, contract common.Address, data []byte) (*types.Receipt, error) {
	hash, err := c.send(ctx, op, signer, contract, data)
	if err != nil {
		return nil, err
	}
	receipt, err := c.WaitForReceipt(ctx, hash)
	if err != nil {
		return nil, &TxError{Op: op, TxHash: hash.Hex(), Err: err}
	}
	return receipt, nil
}

// call runs a read-only contract call.
func (c *Client) call(ctx context.Context, contract common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
}

// WaitForReceipt polls until the transaction is mined or ctx ends. A reverted
// transaction returns ErrTransactionFailed.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, ErrTransactionFailed
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
