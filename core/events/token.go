package events

import (
	"math/big"
	"strconv"
	"time"

	"reliefchain/core/types"
)

const (
	// TypeTokenMinted is emitted whenever supply is created.
	TypeTokenMinted = "token.minted"
	// TypeTokenBurned is emitted whenever supply is destroyed.
	TypeTokenBurned = "token.burned"
	// TypeTokenTransferred is emitted for balance movements between accounts.
	TypeTokenTransferred = "token.transferred"
)

// TokenMinted captures a supply increase credited to a single account.
type TokenMinted struct {
	To     string
	Amount *big.Int
	Kind   types.TransactionKind
	Memo   string
	TxID   string
}

func (TokenMinted) EventType() string { return TypeTokenMinted }

// Event renders the structured payload for downstream consumers.
func (e TokenMinted) Event() *types.Event {
	attrs := map[string]string{
		"to":     e.To,
		"amount": formatAmount(e.Amount),
		"kind":   string(e.Kind),
		"txId":   e.TxID,
	}
	if e.Memo != "" {
		attrs["memo"] = e.Memo
	}
	return &types.Event{Type: TypeTokenMinted, Attributes: attrs}
}

// TokenBurned captures a supply reduction debited from a single account.
type TokenBurned struct {
	From   string
	Amount *big.Int
	Kind   types.TransactionKind
	Memo   string
	TxID   string
}

func (TokenBurned) EventType() string { return TypeTokenBurned }

// Event renders the structured payload for downstream consumers.
func (e TokenBurned) Event() *types.Event {
	attrs := map[string]string{
		"from":   e.From,
		"amount": formatAmount(e.Amount),
		"kind":   string(e.Kind),
		"txId":   e.TxID,
	}
	if e.Memo != "" {
		attrs["memo"] = e.Memo
	}
	return &types.Event{Type: TypeTokenBurned, Attributes: attrs}
}

// TokenTransferred captures a supply-conserving movement between accounts.
type TokenTransferred struct {
	From   string
	To     string
	Amount *big.Int
	Kind   types.TransactionKind
	TxID   string
}

func (TokenTransferred) EventType() string { return TypeTokenTransferred }

// Event renders the structured payload for downstream consumers.
func (e TokenTransferred) Event() *types.Event {
	return &types.Event{Type: TypeTokenTransferred, Attributes: map[string]string{
		"from":   e.From,
		"to":     e.To,
		"amount": formatAmount(e.Amount),
		"kind":   string(e.Kind),
		"txId":   e.TxID,
	}}
}

func formatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return strconv.FormatInt(ts.Unix(), 10)
}
