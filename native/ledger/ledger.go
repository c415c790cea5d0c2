package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"reliefchain/core/events"
	"reliefchain/core/types"
	"reliefchain/native/common"
	"reliefchain/state"
)

var (
	// ErrInvalidAmount rejects nil, zero, or negative amounts before any state
	// is touched.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInsufficientBalance rejects debits exceeding the account balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrZeroAddress rejects credits or debits against the zero address.
	ErrZeroAddress = errors.New("ledger: zero address")
	// ErrSelfTransfer rejects transfers where sender and recipient match.
	ErrSelfTransfer = errors.New("ledger: self transfer")
	// ErrRequestIDRequired rejects submissions without an idempotency key.
	ErrRequestIDRequired = errors.New("ledger: request id required")

	errStateNotConfigured = errors.New("ledger: state not configured")
)

// ledgerState is the narrow persistence surface the ledger depends on.
type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVBatch(apply func(w state.KVWriter) error) error
}

const (
	accountPrefix = "ledger/account/"
	txPrefix      = "ledger/tx/"
	receiptPrefix = "ledger/receipt/"
	supplyKey     = "ledger/supply"
)

func accountKey(addr string) []byte { return []byte(accountPrefix + addr) }
func txKey(id string) []byte        { return []byte(txPrefix + id) }
func receiptKey(rid string) []byte  { return []byte(receiptPrefix + rid) }

// TxIntent carries the caller-supplied context for a ledger mutation. The
// request id doubles as the idempotency key: replaying a request id returns
// the original receipt without re-applying effects.
type TxIntent struct {
	RequestID string
	Kind      types.TransactionKind
	ProgramID string
	Category  types.MerchantCategory
	Memo      string
}

// Receipt reports the outcome of a ledger submission. Replayed marks results
// served from the idempotency record rather than a fresh application.
type Receipt struct {
	TxID     string `json:"txId"`
	Replayed bool   `json:"-"`

	Tx *types.Transaction `json:"-"`
}

type storedReceipt struct {
	TxID string `json:"txId"`
}

// Ledger owns token balances and the immutable transaction log. Every
// mutation is atomic: balances, supply, the transaction record, and the
// idempotency receipt land together or not at all, serialised per account via
// the lock table.
type Ledger struct {
	state   ledgerState
	locks   *common.LockTable
	emitter events.Emitter
	nowFn   func() time.Time
	idFn    func() string
}

// NewLedger constructs a ledger with default no-op dependencies.
func NewLedger() *Ledger {
	return &Ledger{
		locks:   common.NewLockTable(0),
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
		idFn:    uuid.NewString,
	}
}

// SetState wires the ledger to the persistence backend.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the timestamp source. Nil restores the UTC clock.
func (l *Ledger) SetNowFunc(now func() time.Time) {
	if now == nil {
		l.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	l.nowFn = now
}

// SetLockTable shares an externally owned lock table so wrapping policies and
// the ledger serialise against the same entity boundaries.
func (l *Ledger) SetLockTable(locks *common.LockTable) {
	if locks == nil {
		return
	}
	l.locks = locks
}

func (l *Ledger) now() time.Time {
	if l == nil || l.nowFn == nil {
		return time.Now().UTC()
	}
	return l.nowFn()
}

func (l *Ledger) emit(evt events.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}

// zeroAddress reports whether the opaque address denotes the burn/zero sink.
func zeroAddress(addr string) bool {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return true
	}
	hex := strings.TrimPrefix(strings.ToLower(trimmed), "0x")
	return hex != "" && strings.Trim(hex, "0") == ""
}

func validAmount(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// Mint credits freshly issued tokens to the recipient and grows total supply.
func (l *Ledger) Mint(to string, amount *big.Int, intent TxIntent) (*Receipt, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(intent.RequestID) == "" {
		return nil, ErrRequestIDRequired
	}
	if zeroAddress(to) {
		return nil, ErrZeroAddress
	}
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	kind := intent.Kind
	if kind == "" {
		kind = types.TxKindMint
	}

	release, err := l.locks.Acquire("account/"+to, "request/"+intent.RequestID)
	if err != nil {
		return nil, err
	}
	defer release()

	if receipt, ok, err := l.replay(intent.RequestID); err != nil || ok {
		return receipt, err
	}

	account, err := l.loadAccount(to)
	if err != nil {
		return nil, err
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	supply, err := l.nextSupply(amount)
	if err != nil {
		return nil, err
	}
	tx := l.buildTx(intent, "", to, amount, kind, types.TxStatusConfirmed)
	if err := l.state.KVBatch(func(w state.KVWriter) error {
		if err := w.KVPut(accountKey(to), account); err != nil {
			return err
		}
		if err := w.KVPut([]byte(supplyKey), supply.String()); err != nil {
			return err
		}
		if err := w.KVPut(txKey(tx.ID), tx); err != nil {
			return err
		}
		return w.KVPut(receiptKey(intent.RequestID), storedReceipt{TxID: tx.ID})
	}); err != nil {
		return nil, err
	}
	l.emit(events.TokenMinted{To: to, Amount: amount, Kind: kind, Memo: intent.Memo, TxID: tx.ID})
	return &Receipt{TxID: tx.ID, Tx: tx}, nil
}

// Burn debits tokens from the holder and shrinks total supply.
func (l *Ledger) Burn(from string, amount *big.Int, intent TxIntent) (*Receipt, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(intent.RequestID) == "" {
		return nil, ErrRequestIDRequired
	}
	if zeroAddress(from) {
		return nil, ErrZeroAddress
	}
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	kind := intent.Kind
	if kind == "" {
		kind = types.TxKindBurn
	}

	release, err := l.locks.Acquire("account/"+from, "request/"+intent.RequestID)
	if err != nil {
		return nil, err
	}
	defer release()

	if receipt, ok, err := l.replay(intent.RequestID); err != nil || ok {
		return receipt, err
	}

	account, err := l.loadAccount(from)
	if err != nil {
		return nil, err
	}
	if account.Balance.Cmp(amount) < 0 {
		if _, err := l.record(intent, from, "", amount, kind, types.TxStatusFailed); err != nil {
			return nil, err
		}
		return nil, ErrInsufficientBalance
	}
	account.Balance = new(big.Int).Sub(account.Balance, amount)
	supply, err := l.nextSupply(new(big.Int).Neg(amount))
	if err != nil {
		return nil, err
	}
	tx := l.buildTx(intent, from, "", amount, kind, types.TxStatusConfirmed)
	if err := l.state.KVBatch(func(w state.KVWriter) error {
		if err := w.KVPut(accountKey(from), account); err != nil {
			return err
		}
		if err := w.KVPut([]byte(supplyKey), supply.String()); err != nil {
			return err
		}
		if err := w.KVPut(txKey(tx.ID), tx); err != nil {
			return err
		}
		return w.KVPut(receiptKey(intent.RequestID), storedReceipt{TxID: tx.ID})
	}); err != nil {
		return nil, err
	}
	l.emit(events.TokenBurned{From: from, Amount: amount, Kind: kind, Memo: intent.Memo, TxID: tx.ID})
	return &Receipt{TxID: tx.ID, Tx: tx}, nil
}

// Transfer moves tokens between two accounts as an atomic debit-then-credit.
// Total supply is untouched.
func (l *Ledger) Transfer(from, to string, amount *big.Int, intent TxIntent) (*Receipt, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(intent.RequestID) == "" {
		return nil, ErrRequestIDRequired
	}
	if zeroAddress(from) || zeroAddress(to) {
		return nil, ErrZeroAddress
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	kind := intent.Kind
	if kind == "" {
		kind = types.TxKindTransfer
	}

	release, err := l.locks.Acquire("account/"+from, "account/"+to, "request/"+intent.RequestID)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.transferLocked(from, to, amount, kind, intent)
}

// TransferLocked applies a transfer for callers that already hold the account
// locks through the shared table, e.g. the spending policy which must keep the
// cap check and the debit inside one critical section.
func (l *Ledger) TransferLocked(from, to string, amount *big.Int, intent TxIntent) (*Receipt, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	if zeroAddress(from) || zeroAddress(to) {
		return nil, ErrZeroAddress
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	if !validAmount(amount) {
		return nil, ErrInvalidAmount
	}
	kind := intent.Kind
	if kind == "" {
		kind = types.TxKindTransfer
	}
	return l.transferLocked(from, to, amount, kind, intent)
}

func (l *Ledger) transferLocked(from, to string, amount *big.Int, kind types.TransactionKind, intent TxIntent) (*Receipt, error) {
	if receipt, ok, err := l.replay(intent.RequestID); err != nil || ok {
		return receipt, err
	}

	sender, err := l.loadAccount(from)
	if err != nil {
		return nil, err
	}
	if sender.Balance.Cmp(amount) < 0 {
		if _, err := l.record(intent, from, to, amount, kind, types.TxStatusFailed); err != nil {
			return nil, err
		}
		return nil, ErrInsufficientBalance
	}
	recipient, err := l.loadAccount(to)
	if err != nil {
		return nil, err
	}
	sender.Balance = new(big.Int).Sub(sender.Balance, amount)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	tx := l.buildTx(intent, from, to, amount, kind, types.TxStatusConfirmed)
	if err := l.state.KVBatch(func(w state.KVWriter) error {
		if err := w.KVPut(accountKey(from), sender); err != nil {
			return err
		}
		if err := w.KVPut(accountKey(to), recipient); err != nil {
			return err
		}
		if err := w.KVPut(txKey(tx.ID), tx); err != nil {
			return err
		}
		return w.KVPut(receiptKey(intent.RequestID), storedReceipt{TxID: tx.ID})
	}); err != nil {
		return nil, err
	}
	l.emit(events.TokenTransferred{From: from, To: to, Amount: amount, Kind: kind, TxID: tx.ID})
	return &Receipt{TxID: tx.ID, Tx: tx}, nil
}

// BalanceOf returns the current balance for the address, zero for accounts
// that were never credited.
func (l *Ledger) BalanceOf(addr string) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	account, err := l.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return account.Balance, nil
}

// TotalSupply returns the outstanding token supply.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errStateNotConfigured
	}
	var encoded string
	ok, err := l.state.KVGet([]byte(supplyKey), &encoded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	supply, valid := new(big.Int).SetString(encoded, 10)
	if !valid {
		return nil, fmt.Errorf("ledger: supply record corrupt")
	}
	return supply, nil
}

// GetTransaction loads the immutable record for the given transaction id.
func (l *Ledger) GetTransaction(id string) (*types.Transaction, bool, error) {
	if l == nil || l.state == nil {
		return nil, false, errStateNotConfigured
	}
	var tx types.Transaction
	ok, err := l.state.KVGet(txKey(id), &tx)
	if err != nil || !ok {
		return nil, false, err
	}
	return &tx, true, nil
}

// Replayed looks up the receipt recorded for a request id by any prior ledger
// mutation. Callers consult it before re-evaluating eligibility or cap gates
// so that retrying a settled request always returns the original outcome.
func (l *Ledger) Replayed(requestID string) (*Receipt, bool, error) {
	if l == nil || l.state == nil {
		return nil, false, errStateNotConfigured
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, false, nil
	}
	return l.replay(requestID)
}

func (l *Ledger) replay(requestID string) (*Receipt, bool, error) {
	var stored storedReceipt
	ok, err := l.state.KVGet(receiptKey(requestID), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	tx, _, err := l.GetTransaction(stored.TxID)
	if err != nil {
		return nil, false, err
	}
	return &Receipt{TxID: stored.TxID, Replayed: true, Tx: tx}, true, nil
}

func (l *Ledger) loadAccount(addr string) (*types.Account, error) {
	var account types.Account
	ok, err := l.state.KVGet(accountKey(addr), &account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.NewAccount(addr), nil
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	return &account, nil
}

func (l *Ledger) nextSupply(delta *big.Int) (*big.Int, error) {
	supply, err := l.TotalSupply()
	if err != nil {
		return nil, err
	}
	next := new(big.Int).Add(supply, delta)
	if next.Sign() < 0 {
		return nil, fmt.Errorf("ledger: supply underflow")
	}
	return next, nil
}

// record persists a standalone transaction row, used for failed submissions
// that carry no balance effect.
func (l *Ledger) record(intent TxIntent, from, to string, amount *big.Int, kind types.TransactionKind, status types.TransactionStatus) (*types.Transaction, error) {
	tx := l.buildTx(intent, from, to, amount, kind, status)
	if err := l.state.KVPut(txKey(tx.ID), tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (l *Ledger) buildTx(intent TxIntent, from, to string, amount *big.Int, kind types.TransactionKind, status types.TransactionStatus) *types.Transaction {
	return &types.Transaction{
		ID:        l.idFn(),
		ProgramID: intent.ProgramID,
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Kind:      kind,
		Category:  intent.Category,
		Memo:      intent.Memo,
		RequestID: intent.RequestID,
		Timestamp: l.now(),
		Status:    status,
	}
}
