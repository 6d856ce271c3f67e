package chain

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/p2pdesk/settlement/internal/idgen"
)

type simEscrow struct {
	locker       common.Address
	counterparty common.Address
	amount       decimal.Decimal
	unlockAt     time.Time
	status       ContractStatus
}

// SimulatedEscrow is an in-memory escrow contract with the same permission
// rules as the deployed one:
//   - release: locker only
//   - refund: locker after unlock time, or an operator at any time
//   - resolveDispute: operator only
type SimulatedEscrow struct {
	mu         sync.Mutex
	escrows    map[string]*simEscrow
	nextID     int64
	minMinutes int64
	operators  map[common.Address]bool
	failures   map[common.Address]error
	now        func() time.Time
}

var _ EscrowBackend = (*SimulatedEscrow)(nil)

// NewSimulatedEscrow creates a simulator. operators may refund and arbitrate.
func NewSimulatedEscrow(minMinutes int64, operators ...common.Address) *SimulatedEscrow {
	s := &SimulatedEscrow{
		escrows:    make(map[string]*simEscrow),
		minMinutes: minMinutes,
		operators:  make(map[common.Address]bool),
		failures:   make(map[common.Address]error),
		now:        time.Now,
	}
	for _, op := range operators {
		s.operators[op] = true
	}
	return s
}

// FailFor makes every transaction signed by addr fail with err. A nil err clears it.
func (s *SimulatedEscrow) FailFor(addr common.Address, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, addr)
		return
	}
	s.failures[addr] = err
}

// SetClock replaces the time source (tests).
func (s *SimulatedEscrow) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Status reports the simulated status of an escrow.
func (s *SimulatedEscrow) Status(contractEscrowID string) ContractStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.escrows[contractEscrowID]; ok {
		return e.status
	}
	return ContractStatusNone
}

func (s *SimulatedEscrow) Create(ctx context.Context, locker *Signer, counterparty common.Address, amount decimal.Decimal, minutes int64) (*CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[locker.Address()]; err != nil {
		return nil, &TxError{Op: "create", Err: err}
	}
	if minutes < s.minMinutes {
		return nil, &TxError{Op: "create", Err: fmt.Errorf("%w: duration below minimum", ErrTransactionFailed)}
	}
	s.nextID++
	id := strconv.FormatInt(s.nextID, 10)
	s.escrows[id] = &simEscrow{
		locker:       locker.Address(),
		counterparty: counterparty,
		amount:       amount,
		unlockAt:     s.now().Add(time.Duration(minutes) * time.Minute),
		status:       ContractStatusActive,
	}
	return &CreateResult{ContractEscrowID: id, TxHash: simTxHash()}, nil
}

func (s *SimulatedEscrow) Release(ctx context.Context, contractEscrowID string, signer *Signer) (string, error) {
	return s.settle(ctx, "release", contractEscrowID, signer, func(e *simEscrow, from common.Address) error {
		if from != e.locker {
			return ErrNotPermitted
		}
		e.status = ContractStatusReleased
		return nil
	})
}

func (s *SimulatedEscrow) Refund(ctx context.Context, contractEscrowID string, signer *Signer) (string, error) {
	return s.settle(ctx, "refund", contractEscrowID, signer, func(e *simEscrow, from common.Address) error {
		lockerAfterUnlock := from == e.locker && !s.now().Before(e.unlockAt)
		if !lockerAfterUnlock && !s.operators[from] {
			return ErrNotPermitted
		}
		e.status = ContractStatusRefunded
		return nil
	})
}

func (s *SimulatedEscrow) ResolveDispute(ctx context.Context, contractEscrowID string, favorCounterparty bool, arbitrator *Signer) (string, error) {
	return s.settle(ctx, "resolveDispute", contractEscrowID, arbitrator, func(e *simEscrow, from common.Address) error {
		if !s.operators[from] {
			return ErrNotPermitted
		}
		if favorCounterparty {
			e.status = ContractStatusReleased
		} else {
			e.status = ContractStatusRefunded
		}
		return nil
	})
}

func (s *SimulatedEscrow) CanRefund(ctx context.Context, contractEscrowID string) (bool, ContractStatus, error) {
	if err := ctx.Err(); err != nil {
		return false, ContractStatusNone, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[contractEscrowID]
	if !ok {
		return false, ContractStatusNone, nil
	}
	return e.status == ContractStatusActive, e.status, nil
}

func (s *SimulatedEscrow) MinLockMinutes(ctx context.Context) (int64, error) {
	return s.minMinutes, ctx.Err()
}

func (s *SimulatedEscrow) settle(ctx context.Context, op, id string, signer *Signer, apply func(*simEscrow, common.Address) error) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from := signer.Address()
	if err := s.failures[from]; err != nil {
		return "", &TxError{Op: op, Err: err}
	}
	e, ok := s.escrows[id]
	if !ok {
		return "", &TxError{Op: op, Err: fmt.Errorf("%w: %s", ErrUnknownEscrow, id)}
	}
	if e.status != ContractStatusActive {
		return "", &TxError{Op: op, Err: fmt.Errorf("%w: escrow is %s", ErrTransactionFailed, e.status)}
	}
	if err := apply(e, from); err != nil {
		return "", &TxError{Op: op, Err: err}
	}
	return simTxHash(), nil
}

func simTxHash() string { return "0x" + idgen.Hex(32) }
