package types

import (
	"math/big"
	"time"
)

// TransactionKind distinguishes the intent behind a ledger mutation.
type TransactionKind string

const (
	// TxKindAirdrop is a mint of relief tokens directly to a beneficiary.
	TxKindAirdrop TransactionKind = "airdrop"
	// TxKindPayment is a beneficiary-to-merchant spend.
	TxKindPayment TransactionKind = "payment"
	// TxKindCashout burns merchant tokens on conversion to off-ledger currency.
	TxKindCashout TransactionKind = "cashout"
	// TxKindClawback is an administrative reversal of previously credited tokens.
	TxKindClawback TransactionKind = "clawback"
	// TxKindDonation is a donor contribution minted into a program treasury.
	TxKindDonation TransactionKind = "donation"
	// TxKindTransfer is a plain treasury or administrative transfer.
	TxKindTransfer TransactionKind = "transfer"
	// TxKindMint covers direct treasury issuance outside the airdrop path.
	TxKindMint TransactionKind = "mint"
	// TxKindBurn covers direct supply reductions outside the cashout path.
	TxKindBurn TransactionKind = "burn"
)

// Valid reports whether the kind is one of the supported variants.
func (k TransactionKind) Valid() bool {
	switch k {
	case TxKindAirdrop, TxKindPayment, TxKindCashout, TxKindClawback,
		TxKindDonation, TxKindTransfer, TxKindMint, TxKindBurn:
		return true
	default:
		return false
	}
}

// TransactionStatus tracks settlement of a transaction record. Records move
// Pending -> Confirmed or Pending -> Failed exactly once and are then terminal.
type TransactionStatus string

const (
	TxStatusPending   TransactionStatus = "pending"
	TxStatusConfirmed TransactionStatus = "confirmed"
	TxStatusFailed    TransactionStatus = "failed"
)

// Transaction is the immutable record produced for every ledger mutation.
// Within the core model settlement is synchronous: the record resolves to
// Confirmed or Failed before the originating call returns.
type Transaction struct {
	ID        string            `json:"id"`
	ProgramID string            `json:"programId,omitempty"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Amount    *big.Int          `json:"amount"`
	Kind      TransactionKind   `json:"kind"`
	Category  MerchantCategory  `json:"category,omitempty"`
	Memo      string            `json:"memo,omitempty"`
	RequestID string            `json:"requestId"`
	Timestamp time.Time         `json:"timestamp"`
	Status    TransactionStatus `json:"status"`
}

// Clone returns a deep copy of the record.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Amount != nil {
		clone.Amount = new(big.Int).Set(t.Amount)
	}
	return &clone
}
