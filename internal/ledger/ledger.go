// Package ledger is an in-memory token custody layer: balances per (token,
// account) with transfers that can be rolled back to a checkpoint.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceOverflow     = errors.New("balance overflow")
	ErrBadCheckpoint       = errors.New("unknown checkpoint")
)

type balanceKey struct {
	token   common.Address
	account common.Address
}

type change struct {
	key  balanceKey
	prev *uint256.Int
}

// Ledger tracks balances. Every mutation is journaled so callers can revert
// to an earlier checkpoint.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]*uint256.Int
	journal  []change
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{balances: make(map[balanceKey]*uint256.Int)}
}

// BalanceOf returns a copy of the account's balance of token.
func (l *Ledger) BalanceOf(token, account common.Address) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(balanceKey{token, account})
}

// Mint credits amount of token to account out of thin air.
func (l *Ledger) Mint(token, account common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := balanceKey{token, account}
	next, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(key), amount)
	if overflow {
		return fmt.Errorf("mint %s to %s: %w", token.Hex(), account.Hex(), ErrBalanceOverflow)
	}
	l.setLocked(key, next)
	return nil
}

// Transfer moves amount of token from one account to another.
func (l *Ledger) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() || from == to {
		if l.balanceLocked(balanceKey{token, from}).Lt(amount) {
			return fmt.Errorf("transfer %s from %s: %w", token.Hex(), from.Hex(), ErrInsufficientBalance)
		}
		return nil
	}

	fromKey := balanceKey{token, from}
	toKey := balanceKey{token, to}

	fromBal := l.balanceLocked(fromKey)
	if fromBal.Lt(amount) {
		return fmt.Errorf("transfer %s from %s: have %s want %s: %w",
			token.Hex(), from.Hex(), fromBal.ToBig(), amount.ToBig(), ErrInsufficientBalance)
	}
	toBal, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(toKey), amount)
	if overflow {
		return fmt.Errorf("transfer %s to %s: %w", token.Hex(), to.Hex(), ErrBalanceOverflow)
	}

	l.setLocked(fromKey, new(uint256.Int).Sub(fromBal, amount))
	l.setLocked(toKey, toBal)
	return nil
}

// Checkpoint returns an identifier for the current state.
func (l *Ledger) Checkpoint() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.journal)
}

// RevertTo undoes every mutation made after the checkpoint id.
func (l *Ledger) RevertTo(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 0 || id > len(l.journal) {
		return fmt.Errorf("revert to %d: %w", id, ErrBadCheckpoint)
	}
	for i := len(l.journal) - 1; i >= id; i-- {
		c := l.journal[i]
		if c.prev == nil {
			delete(l.balances, c.key)
		} else {
			l.balances[c.key] = c.prev
		}
	}
	l.journal = l.journal[:id]
	return nil
}

// Commit drops the journal, making every mutation so far permanent.
func (l *Ledger) Commit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal = l.journal[:0]
}

func (l *Ledger) balanceLocked(key balanceKey) *uint256.Int {
	if b, ok := l.balances[key]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (l *Ledger) setLocked(key balanceKey, v *uint256.Int) {
	var prev *uint256.Int
	if b, ok := l.balances[key]; ok {
		prev = b
	}
	l.journal = append(l.journal, change{key: key, prev: prev})
	l.balances[key] = v
}
