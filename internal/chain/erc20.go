package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/money"
)

// ERC20 minimal ABI for transfer, approve and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// ERC20 talks to one token contract. Amounts cross this boundary as decimals
// and are converted to base units with the token's decimals.
type ERC20 struct {
	client   *Client
	contract common.Address
	decimals int32
	abi      abi.ABI
}

// NewERC20 binds a token contract.
func NewERC20(client *Client, contract common.Address, decimals int32) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &ERC20{client: client, contract: contract, decimals: decimals, abi: parsed}, nil
}

// Address returns the token contract address.
func (t *ERC20) Address() common.Address { return t.contract }

// Transfer sends amount from signer to `to` and waits for the receipt.
func (t *ERC20) Transfer(ctx context.Context, signer *Signer, to common.Address, amount decimal.Decimal) (string, error) {
	data, err := t.abi.Pack("transfer", to, money.ToBaseUnits(amount, t.decimals))
	if err != nil {
		return "", &TxError{Op: "transfer:pack", Err: err}
	}
	receipt, err := t.client.transact(ctx, "transfer", signer, t.contract, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// Approve lets spender pull up to amount from signer.
func (t *ERC20) Approve(ctx context.Context, signer *Signer, spender common.Address, amount decimal.Decimal) (string, error) {
	data, err := t.abi.Pack("approve", spender, money.ToBaseUnits(amount, t.decimals))
	if err != nil {
		return "", &TxError{Op: "approve:pack", Err: err}
	}
	receipt, err := t.client.transact(ctx, "approve", signer, t.contract, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// BalanceOf returns the token balance of addr.
func (t *ERC20) BalanceOf(ctx context.Context, addr common.Address) (decimal.Decimal, error) {
	data, err := t.abi.Pack("balanceOf", addr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}
	out, err := t.client.call(ctx, t.contract, data)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return money.FromBaseUnits(new(big.Int).SetBytes(out), t.decimals), nil
}
