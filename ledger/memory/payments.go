package memory

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/vega-market-go/state"
)

var (
	ErrInsufficientAllowance = errors.New("ERC20: insufficient allowance")
	ErrInsufficientBalance   = errors.New("ERC20: transfer amount exceeds balance")
	ErrInvalidReceiver       = errors.New("ERC20: transfer to the zero address")
)

// PaymentLedger is an ERC-20 style balance and allowance ledger
type PaymentLedger struct {
	mu         sync.Mutex
	window     window
	journal    *state.Journal
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	hook       TransferHook
}

// NewPaymentLedger creates an empty ledger
func NewPaymentLedger() *PaymentLedger {
	return &PaymentLedger{
		journal:    state.NewJournal(),
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// SetTransferHook installs a hook run before every TransferFrom
func (l *PaymentLedger) SetTransferHook(hook TransferHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// Mint credits amount to account. It waits for any open operation to finish,
// so it must not be called from a transfer hook.
func (l *PaymentLedger) Mint(account common.Address, amount *big.Int) {
	defer l.window.outside()()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = new(big.Int).Add(l.balanceOf(account), amount)
}

// Approve sets the amount spender may move out of owner's balance
func (l *PaymentLedger) Approve(owner, spender common.Address, amount *big.Int) {
	defer l.window.outside()()
	l.mu.Lock()
	defer l.mu.Unlock()

	spenders, ok := l.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		l.allowances[owner] = spenders
	}
	spenders[spender] = new(big.Int).Set(amount)
}

// BalanceOf returns the balance of account
func (l *PaymentLedger) BalanceOf(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceOf(account))
}

// Allowance returns what spender may still move out of owner's balance
func (l *PaymentLedger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.allowance(owner, spender))
}

// TransferFrom moves amount from -> to, spending spender's allowance
func (l *PaymentLedger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, from, to, amount); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if to == (common.Address{}) {
		return ErrInvalidReceiver
	}
	allowance := l.allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	balance := l.balanceOf(from)
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	l.setAllowance(from, spender, new(big.Int).Sub(allowance, amount))
	l.setBalance(from, new(big.Int).Sub(balance, amount))
	l.setBalance(to, new(big.Int).Add(l.balanceOf(to), amount))
	return nil
}

func (l *PaymentLedger) Snapshot() int {
	l.window.begin()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.journal.Snapshot()
}

func (l *PaymentLedger) RevertToSnapshot(revid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.journal.RevertToSnapshot(revid)
}

func (l *PaymentLedger) Finalise() {
	l.mu.Lock()
	l.journal.Reset()
	l.mu.Unlock()
	l.window.end()
}

func (l *PaymentLedger) balanceOf(account common.Address) *big.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return new(big.Int)
}

func (l *PaymentLedger) allowance(owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[owner][spender]; ok {
		return a
	}
	return new(big.Int)
}

func (l *PaymentLedger) setBalance(account common.Address, value *big.Int) {
	prev, existed := l.balances[account]
	l.balances[account] = value
	l.journal.Append(func() {
		if existed {
			l.balances[account] = prev
		} else {
			delete(l.balances, account)
		}
	})
}

func (l *PaymentLedger) setAllowance(owner, spender common.Address, value *big.Int) {
	spenders, ok := l.allowances[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		l.allowances[owner] = spenders
	}
	prev, existed := spenders[spender]
	spenders[spender] = value
	l.journal.Append(func() {
		if existed {
			spenders[spender] = prev
		} else {
			delete(spenders, spender)
		}
	})
}
