// Package ledger implements the economic ledger: checked
// account arithmetic, escrow with one-shot release, authorized minting,
// and slashing. It shares pkg/finance's checked-arithmetic style (minor-
// unit integer arithmetic) and pkg/store/leasestore's hash-chained,
// mutex-serialized storage idiom.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrOverflow            = errors.New("ledger: arithmetic overflow")
	ErrUnauthorizedMint    = errors.New("ledger: unauthorized mint")
	ErrUnknownAccount      = errors.New("ledger: unknown account")
	ErrEscrowNotFound      = errors.New("ledger: escrow not found")
	ErrEscrowAlreadyLocked = errors.New("ledger: escrow already exists for task")
	ErrEscrowNotLocked     = errors.New("ledger: escrow is not in locked state")
)

// Account is {pubkey -> balance, stake, reputation}.
type Account struct {
	PubKey     string
	Balance    uint64
	Stake      uint64
	Reputation float32
}

// EscrowState is the one-shot CAS flag on an escrow row: only a
// state=locked row may transition to released, and only once: a
// double release is precluded by a one-shot state flag.
type EscrowState string

const (
	EscrowLocked   EscrowState = "locked"
	EscrowReleased EscrowState = "released"
)

// Escrow is a dedicated sub-account created atomically with a balance
// debit at COMMIT publication.
type Escrow struct {
	TaskID string
	From   string
	Amount uint64
	State  EscrowState
}

// Ledger holds the account table and escrow table, serializing every
// mutation within a single logical transaction boundary via
// one coarse mutex, the same single-writer-lock discipline
// pkg/store/leasestore uses for its hash chain.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*Account
	escrows  map[string]*Escrow
	minters  map[string]bool
}

// New returns an empty Ledger authorizing authorizedMinters to Mint.
func New(authorizedMinters ...string) *Ledger {
	minters := make(map[string]bool, len(authorizedMinters))
	for _, m := range authorizedMinters {
		minters[m] = true
	}
	return &Ledger{
		accounts: make(map[string]*Account),
		escrows:  make(map[string]*Escrow),
		minters:  minters,
	}
}

func (l *Ledger) account(pubkey string) *Account {
	a, ok := l.accounts[pubkey]
	if !ok {
		a = &Account{PubKey: pubkey}
		l.accounts[pubkey] = a
	}
	return a
}

// Account returns a copy of the account state for pubkey.
func (l *Ledger) Account(pubkey string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[pubkey]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return *a, nil
}

// Mint credits amount to toPubkey's balance. Requires minterPubkey to name
// an authorized minter; there is no implicit mint-on-create.
func (l *Ledger) Mint(minterPubkey, toPubkey string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.minters[minterPubkey] {
		return ErrUnauthorizedMint
	}
	to := l.account(toPubkey)
	sum, err := checkedAddU64(to.Balance, amount)
	if err != nil {
		return err
	}
	to.Balance = sum
	return nil
}

// Transfer debits from and credits to, checked for underflow/overflow.
// Fails closed: on any error neither account is mutated.
func (l *Ledger) Transfer(from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fromAcct, ok := l.accounts[from]
	if !ok || fromAcct.Balance < amount {
		return ErrInsufficientBalance
	}
	toAcct := l.account(to)
	sum, err := checkedAddU64(toAcct.Balance, amount)
	if err != nil {
		return err
	}
	fromAcct.Balance -= amount
	toAcct.Balance = sum
	return nil
}

// OpenEscrow debits from's balance and creates a locked escrow row for
// taskID, atomically.
func (l *Ledger) OpenEscrow(taskID, from string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.escrows[taskID]; exists {
		return ErrEscrowAlreadyLocked
	}
	fromAcct, ok := l.accounts[from]
	if !ok || fromAcct.Balance < amount {
		return ErrInsufficientBalance
	}
	fromAcct.Balance -= amount
	l.escrows[taskID] = &Escrow{TaskID: taskID, From: from, Amount: amount, State: EscrowLocked}
	return nil
}

// ReleaseEscrow transitions taskID's escrow to released and credits
// toPubkey, a CAS-style update requiring State == locked so a double
// release is impossible.
func (l *Ledger) ReleaseEscrow(taskID, toPubkey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	esc, ok := l.escrows[taskID]
	if !ok {
		return ErrEscrowNotFound
	}
	if esc.State != EscrowLocked {
		return ErrEscrowNotLocked
	}
	to := l.account(toPubkey)
	sum, err := checkedAddU64(to.Balance, esc.Amount)
	if err != nil {
		return err
	}
	to.Balance = sum
	esc.State = EscrowReleased
	return nil
}

// ReleaseEscrowSplit releases an escrow across multiple recipients in one
// CAS transition (used by pkg/quorum's upheld-challenge reallocation:
// challenger share, honest-verifier share, burn share). The three
// amounts must sum to exactly esc.Amount.
func (l *Ledger) ReleaseEscrowSplit(taskID string, shares map[string]uint64, burn uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	esc, ok := l.escrows[taskID]
	if !ok {
		return ErrEscrowNotFound
	}
	if esc.State != EscrowLocked {
		return ErrEscrowNotLocked
	}

	var total uint64
	for _, amt := range shares {
		sum, err := checkedAddU64(total, amt)
		if err != nil {
			return err
		}
		total = sum
	}
	total, err := checkedAddU64(total, burn)
	if err != nil {
		return err
	}
	if total != esc.Amount {
		return fmt.Errorf("ledger: split shares+burn %d != escrow amount %d", total, esc.Amount)
	}

	for pubkey, amt := range shares {
		to := l.account(pubkey)
		sum, err := checkedAddU64(to.Balance, amt)
		if err != nil {
			return err
		}
		to.Balance = sum
	}
	// burn share is simply not credited to any account.
	esc.State = EscrowReleased
	return nil
}

// Slash debits stake from pubkey proportional to weight (0..1), returning
// the amount burned or reallocated by the caller per policy.
func (l *Ledger) Slash(pubkey string, weight float32) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.accounts[pubkey]
	if !ok {
		return 0, ErrUnknownAccount
	}
	amount := uint64(float64(a.Stake) * float64(weight))
	if amount > a.Stake {
		amount = a.Stake
	}
	a.Stake -= amount
	return amount, nil
}

func checkedAddU64(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}
