package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/money"
)

// ContractStatus mirrors the escrow contract's status enum.
type ContractStatus uint8

const (
	ContractStatusNone ContractStatus = iota
	ContractStatusActive
	ContractStatusReleased
	ContractStatusRefunded
)

func (s ContractStatus) String() string {
	switch s {
	case ContractStatusActive:
		return "active"
	case ContractStatusReleased:
		return "released"
	case ContractStatusRefunded:
		return "refunded"
	default:
		return "none"
	}
}

// CreateResult identifies a newly created contract escrow.
type CreateResult struct {
	ContractEscrowID string
	TxHash           string
}

// EscrowBackend is the escrow contract as seen by the escrow manager.
// Contract escrow ids are decimal strings of the on-chain uint256.
type EscrowBackend interface {
	Create(ctx context.Context, locker *Signer, counterparty common.Address, amount decimal.Decimal, minutes int64) (*CreateResult, error)
	Release(ctx context.Context, contractEscrowID string, signer *Signer) (string, error)
	Refund(ctx context.Context, contractEscrowID string, signer *Signer) (string, error)
	CanRefund(ctx context.Context, contractEscrowID string) (bool, ContractStatus, error)
	ResolveDispute(ctx context.Context, contractEscrowID string, favorCounterparty bool, arbitrator *Signer) (string, error)
	MinLockMinutes(ctx context.Context) (int64, error)
}

const escrowABI = `[
	{"inputs":[{"name":"token","type":"address"},{"name":"counterparty","type":"address"},{"name":"amount","type":"uint256"},{"name":"durationMinutes","type":"uint256"}],"name":"createEscrow","outputs":[{"name":"escrowId","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"release","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"canRefund","outputs":[{"name":"","type":"bool"},{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"},{"name":"favorCounterparty","type":"bool"}],"name":"resolveDispute","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[],"name":"minLockDuration","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"locker","type":"address"},{"indexed":true,"name":"counterparty","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"EscrowCreated","type":"event"}
]`

// EscrowContract is the go-ethereum binding of the escrow contract.
type EscrowContract struct {
	client   *Client
	contract common.Address
	token    *ERC20
	abi      abi.ABI
}

var _ EscrowBackend = (*EscrowContract)(nil)

// NewEscrowContract binds the escrow contract that custodies token.
func NewEscrowContract(client *Client, contract common.Address, token *ERC20) (*EscrowContract, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	return &EscrowContract{client: client, contract: contract, token: token, abi: parsed}, nil
}

// Address returns the escrow contract address.
func (e *EscrowContract) Address() common.Address { return e.contract }

// Create approves the contract for amount and opens an escrow. The contract
// escrow id is read from the EscrowCreated event.
func (e *EscrowContract) Create(ctx context.Context, locker *Signer, counterparty common.Address, amount decimal.Decimal, minutes int64) (*CreateResult, error) {
	if _, err := e.token.Approve(ctx, locker, e.contract, amount); err != nil {
		return nil, err
	}

	data, err := e.abi.Pack("createEscrow", e.token.Address(), counterparty,
		money.ToBaseUnits(amount, e.token.decimals), big.NewInt(minutes))
	if err != nil {
		return nil, &TxError{Op: "create:pack", Err: err}
	}
	receipt, err := e.client.transact(ctx, "create", locker, e.contract, data)
	if err != nil {
		return nil, err
	}

	id, ok := e.createdID(receipt)
	if !ok {
		return nil, &TxError{Op: "create", TxHash: receipt.TxHash.Hex(), Err: fmt.Errorf("no EscrowCreated event in receipt")}
	}
	return &CreateResult{ContractEscrowID: id.String(), TxHash: receipt.TxHash.Hex()}, nil
}

func (e *EscrowContract) createdID(receipt *types.Receipt) (*big.Int, bool) {
	topic := e.abi.Events["EscrowCreated"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != e.contract || len(lg.Topics) < 2 || lg.Topics[0] != topic {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()), true
	}
	return nil, false
}

func (e *EscrowContract) Release(ctx context.Context, contractEscrowID string, signer *Signer) (string, error) {
	return e.invoke(ctx, "release", signer, contractEscrowID)
}

func (e *EscrowContract) Refund(ctx context.Context, contractEscrowID string, signer *Signer) (string, error) {
	return e.invoke(ctx, "refund", signer, contractEscrowID)
}

func (e *EscrowContract) ResolveDispute(ctx context.Context, contractEscrowID string, favorCounterparty bool, arbitrator *Signer) (string, error) {
	return e.invoke(ctx, "resolveDispute", arbitrator, contractEscrowID, favorCounterparty)
}

func (e *EscrowContract) CanRefund(ctx context.Context, contractEscrowID string) (bool, ContractStatus, error) {
	id, err := parseContractID(contractEscrowID)
	if err != nil {
		return false, ContractStatusNone, err
	}
	data, err := e.abi.Pack("canRefund", id)
	if err != nil {
		return false, ContractStatusNone, err
	}
	out, err := e.client.call(ctx, e.contract, data)
	if err != nil {
		return false, ContractStatusNone, fmt.Errorf("failed to call canRefund: %w", err)
	}
	vals, err := e.abi.Unpack("canRefund", out)
	if err != nil || len(vals) != 2 {
		return false, ContractStatusNone, fmt.Errorf("failed to decode canRefund: %v", err)
	}
	ok, _ := vals[0].(bool)
	status, _ := vals[1].(uint8)
	return ok, ContractStatus(status), nil
}

func (e *EscrowContract) MinLockMinutes(ctx context.Context) (int64, error) {
	data, err := e.abi.Pack("minLockDuration")
	if err != nil {
		return 0, err
	}
	out, err := e.client.call(ctx, e.contract, data)
	if err != nil {
		return 0, fmt.Errorf("failed to call minLockDuration: %w", err)
	}
	vals, err := e.abi.Unpack("minLockDuration", out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("failed to decode minLockDuration: %v", err)
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected minLockDuration type %T", vals[0])
	}
	return v.Int64(), nil
}

func (e *EscrowContract) invoke(ctx context.Context, method string, signer *Signer, contractEscrowID string, extra ...any) (string, error) {
	id, err := parseContractID(contractEscrowID)
	if err != nil {
		return "", err
	}
	data, err := e.abi.Pack(method, append([]any{id}, extra...)...)
	if err != nil {
		return "", &TxError{Op: method + ":pack", Err: err}
	}
	receipt, err := e.client.transact(ctx, method, signer, e.contract, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func parseContractID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEscrow, s)
	}
	return id, nil
}
