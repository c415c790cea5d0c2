package events

import (
	"math/big"
	"strconv"
	"time"

	"reliefchain/core/types"
)

const (
	// TypePaymentSettled is emitted after a beneficiary payment clears every
	// policy gate and the ledger transfer confirms.
	TypePaymentSettled = "relief.payment"
	// TypeRiskFlagged is emitted when a merchant's risk level crosses into
	// High or Critical. The transition is edge-triggered: staying at a level
	// does not re-emit.
	TypeRiskFlagged = "risk.flagged"
	// TypeProgramUpdated is emitted when a program field or status changes.
	TypeProgramUpdated = "program.updated"
)

// PaymentSettled describes a confirmed beneficiary-to-merchant spend.
type PaymentSettled struct {
	ProgramID     string
	BeneficiaryID string
	MerchantID    string
	Amount        *big.Int
	Category      types.MerchantCategory
	TxID          string
	Timestamp     time.Time
}

func (PaymentSettled) EventType() string { return TypePaymentSettled }

// Event renders the structured payload for downstream consumers.
func (e PaymentSettled) Event() *types.Event {
	attrs := map[string]string{
		"program":     e.ProgramID,
		"beneficiary": e.BeneficiaryID,
		"merchant":    e.MerchantID,
		"amount":      formatAmount(e.Amount),
		"txId":        e.TxID,
	}
	if e.Category.Valid() {
		attrs["category"] = string(e.Category)
	}
	if ts := formatTime(e.Timestamp); ts != "" {
		attrs["timestamp"] = ts
	}
	return &types.Event{Type: TypePaymentSettled, Attributes: attrs}
}

// RiskFlagged describes a merchant risk-level escalation.
type RiskFlagged struct {
	MerchantID string
	ProgramID  string
	Score      float64
	Level      types.RiskLevel
	Previous   types.RiskLevel
	Reason     string
}

func (RiskFlagged) EventType() string { return TypeRiskFlagged }

// Event renders the structured payload for downstream consumers.
func (e RiskFlagged) Event() *types.Event {
	attrs := map[string]string{
		"merchant": e.MerchantID,
		"score":    strconv.FormatFloat(e.Score, 'f', 2, 64),
		"level":    e.Level.String(),
		"previous": e.Previous.String(),
	}
	if e.ProgramID != "" {
		attrs["program"] = e.ProgramID
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeRiskFlagged, Attributes: attrs}
}

// ProgramUpdated describes a program field or status change, whether applied
// directly by an administrator or through an executed governance proposal.
type ProgramUpdated struct {
	ProgramID string
	Field     string
	OldValue  string
	NewValue  string
	Origin    string
}

func (ProgramUpdated) EventType() string { return TypeProgramUpdated }

// Event renders the structured payload for downstream consumers.
func (e ProgramUpdated) Event() *types.Event {
	attrs := map[string]string{
		"program": e.ProgramID,
		"field":   e.Field,
		"old":     e.OldValue,
		"new":     e.NewValue,
	}
	if e.Origin != "" {
		attrs["origin"] = e.Origin
	}
	return &types.Event{Type: TypeProgramUpdated, Attributes: attrs}
}
