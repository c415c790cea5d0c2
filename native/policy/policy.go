package policy

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"reliefchain/core/events"
	"reliefchain/core/types"
	"reliefchain/native/common"
	"reliefchain/native/ledger"
	"reliefchain/native/registry"
)

var (
	// ErrProgramNotActive rejects operations while the program is not Active
	// or the current time falls outside its window.
	ErrProgramNotActive = errors.New("policy: program not active")
	// ErrBeneficiaryNotEligible rejects spends from beneficiaries that are not
	// in Active status.
	ErrBeneficiaryNotEligible = errors.New("policy: beneficiary not eligible")
	// ErrMerchantNotEligible rejects payments to merchants outside Active or
	// Verified status, or enrolled in a different program.
	ErrMerchantNotEligible = errors.New("policy: merchant not eligible")
	// ErrDailyLimitExceeded rejects spends that would push the beneficiary
	// past the program's daily cap.
	ErrDailyLimitExceeded = errors.New("policy: daily limit exceeded")
	// ErrBudgetExhausted rejects airdrops that would push distributedAmount
	// past totalBudget.
	ErrBudgetExhausted = errors.New("policy: program budget exhausted")
	// ErrCashoutExceedsReceipts preserves totalCashedOut <= totalReceived.
	ErrCashoutExceedsReceipts = errors.New("policy: cashout exceeds receipts")

	errNotConfigured = errors.New("policy: engine not configured")
)

const dayFormat = "2006-01-02"

// RiskObserver consumes confirmed payments for streaming risk scoring. The
// engine treats it as advisory: observation never blocks or fails a payment.
type RiskObserver interface {
	ObservePayment(programID, merchantID, beneficiaryID string, amount *big.Int, ts time.Time)
}

// Auditor records every state-changing operation for replay detection and
// dispute resolution. Failures are logged by the caller, never rolled back.
type Auditor interface {
	Record(op string, tx *types.Transaction) error
}

type noopRisk struct{}

func (noopRisk) ObservePayment(string, string, string, *big.Int, time.Time) {}

type noopAuditor struct{}

func (noopAuditor) Record(string, *types.Transaction) error { return nil }

// Engine wraps ledger primitives with program policy: spending caps, window
// and eligibility gates, budget accounting, and donor voting-power credit.
// Every operation serialises on the entities it touches through the shared
// lock table so cap checks cannot be bypassed by a race.
type Engine struct {
	ledger   *ledger.Ledger
	registry *registry.Registry
	locks    *common.LockTable
	risk     RiskObserver
	auditor  Auditor
	emitter  events.Emitter
	nowFn    func() time.Time
}

// NewEngine constructs a policy engine bound to the ledger and registry. The
// supplied lock table must be the same instance wired into the ledger.
func NewEngine(l *ledger.Ledger, r *registry.Registry, locks *common.LockTable) *Engine {
	if locks == nil {
		locks = common.NewLockTable(0)
	}
	return &Engine{
		ledger:   l,
		registry: r,
		locks:    locks,
		risk:     noopRisk{},
		auditor:  noopAuditor{},
		emitter:  events.NoopEmitter{},
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetRiskObserver wires the risk engine. Passing nil resets to a no-op.
func (e *Engine) SetRiskObserver(risk RiskObserver) {
	if risk == nil {
		e.risk = noopRisk{}
		return
	}
	e.risk = risk
}

// SetAuditor wires the audit log. Passing nil resets to a no-op.
func (e *Engine) SetAuditor(auditor Auditor) {
	if auditor == nil {
		e.auditor = noopAuditor{}
		return
	}
	e.auditor = auditor
}

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock. Nil restores the UTC default.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time {
	if e == nil || e.nowFn == nil {
		return time.Now().UTC()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) audit(op string, tx *types.Transaction) {
	// Best effort: the ledger mutation is already final when the audit record
	// is written, and the log is reconcilable from transaction records.
	_ = e.auditor.Record(op, tx)
}

func (e *Engine) ready() error {
	if e == nil || e.ledger == nil || e.registry == nil {
		return errNotConfigured
	}
	return nil
}

func (e *Engine) activeProgram(id string) (*registry.Program, error) {
	p, ok, err := e.registry.GetProgram(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrProgramNotFound
	}
	if p.Status != types.ProgramStatusActive || !p.WindowContains(e.now()) {
		return nil, ErrProgramNotActive
	}
	return p, nil
}

// Pay executes a beneficiary-to-merchant spend. The eligibility gates, the
// daily-cap check, and the ledger debit run as one atomic unit under the
// beneficiary's lock; concurrent calls for the same beneficiary serialise or
// surface common.ErrBusy.
func (e *Engine) Pay(beneficiaryID, merchantID string, amount *big.Int, category types.MerchantCategory, requestID string) (*ledger.Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, ledger.ErrRequestIDRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	release, err := e.locks.Acquire("beneficiary/"+beneficiaryID, "merchant/"+merchantID)
	if err != nil {
		return nil, err
	}
	defer release()

	// A settled request replays as-is even when today's counters or program
	// status would now reject it.
	if prior, ok, err := e.ledger.Replayed(requestID); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	b, ok, err := e.registry.GetBeneficiary(beneficiaryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrBeneficiaryNotFound
	}
	p, err := e.activeProgram(b.ProgramID)
	if err != nil {
		return nil, err
	}
	if b.Status != types.BeneficiaryActive {
		return nil, ErrBeneficiaryNotEligible
	}
	m, ok, err := e.registry.GetMerchant(merchantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrMerchantNotFound
	}
	if !m.Status.Eligible() || m.ProgramID != b.ProgramID {
		return nil, ErrMerchantNotEligible
	}
	if category == "" {
		category = m.Category
	}

	day := e.now().In(p.Location()).Format(dayFormat)
	dailySpent := b.DailySpent
	if b.LastSpendDay != day {
		dailySpent = big.NewInt(0)
	}
	projected := new(big.Int).Add(dailySpent, amount)
	if p.DailyLimit != nil && projected.Cmp(p.DailyLimit) > 0 {
		return nil, ErrDailyLimitExceeded
	}

	receipt, err := e.ledger.Transfer(b.Address, m.Address, amount, ledger.TxIntent{
		RequestID: requestID,
		Kind:      types.TxKindPayment,
		ProgramID: p.ID,
		Category:  category,
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return receipt, nil
	}

	b.TotalSpent = new(big.Int).Add(b.TotalSpent, amount)
	b.DailySpent = projected
	b.LastSpendDay = day
	m.TotalReceived = new(big.Int).Add(m.TotalReceived, amount)
	if err := e.registry.PutSettlement(b, m); err != nil {
		return nil, err
	}

	ts := e.now()
	e.risk.ObservePayment(p.ID, m.ID, b.ID, amount, ts)
	e.audit("pay", receipt.Tx)
	e.emit(events.PaymentSettled{
		ProgramID:     p.ID,
		BeneficiaryID: b.ID,
		MerchantID:    m.ID,
		Amount:        amount,
		Category:      category,
		TxID:          receipt.TxID,
		Timestamp:     ts,
	})
	return receipt, nil
}

// Airdrop mints the program allocation (or an explicit amount) to the
// beneficiary and consumes program budget. Budget is accounted at airdrop
// time, not at spend time.
func (e *Engine) Airdrop(beneficiaryID string, amount *big.Int, requestID string) (*ledger.Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, ledger.ErrRequestIDRequired
	}

	release, err := e.locks.Acquire("beneficiary/" + beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer release()

	if prior, ok, err := e.ledger.Replayed(requestID); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	b, ok, err := e.registry.GetBeneficiary(beneficiaryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrBeneficiaryNotFound
	}
	if b.Status != types.BeneficiaryActive && b.Status != types.BeneficiaryVerified {
		return nil, ErrBeneficiaryNotEligible
	}

	programRelease, err := e.locks.Acquire("program/" + b.ProgramID)
	if err != nil {
		return nil, err
	}
	defer programRelease()

	p, err := e.activeProgram(b.ProgramID)
	if err != nil {
		return nil, err
	}
	if amount == nil {
		amount = p.PerHouseholdAllocation
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}
	projected := new(big.Int).Add(p.DistributedAmount, amount)
	if projected.Cmp(p.TotalBudget) > 0 {
		return nil, ErrBudgetExhausted
	}

	receipt, err := e.ledger.Mint(b.Address, amount, ledger.TxIntent{
		RequestID: requestID,
		Kind:      types.TxKindAirdrop,
		ProgramID: p.ID,
		Memo:      "allocation airdrop",
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return receipt, nil
	}

	b.TotalReceived = new(big.Int).Add(b.TotalReceived, amount)
	p.DistributedAmount = projected
	if err := e.registry.PutAllocation(b, p); err != nil {
		return nil, err
	}
	e.audit("airdrop", receipt.Tx)
	return receipt, nil
}

// Donate mints the contribution into the program treasury and credits the
// donor's voting power at the configured ratio. Donations are accepted for any
// program that has not reached a terminal status.
func (e *Engine) Donate(donorAddress, programID string, amount *big.Int, requestID string) (*ledger.Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, ledger.ErrRequestIDRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	release, err := e.locks.Acquire("donor/"+donorAddress, "program/"+programID)
	if err != nil {
		return nil, err
	}
	defer release()

	if prior, ok, err := e.ledger.Replayed(requestID); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	p, ok, err := e.registry.GetProgram(programID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrProgramNotFound
	}
	if p.Status.Terminal() {
		return nil, ErrProgramNotActive
	}

	receipt, err := e.ledger.Mint(p.TreasuryAddress, amount, ledger.TxIntent{
		RequestID: requestID,
		Kind:      types.TxKindDonation,
		ProgramID: p.ID,
		Memo:      "donation from " + donorAddress,
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return receipt, nil
	}
	if _, err := e.registry.CreditDonor(donorAddress, amount); err != nil {
		return nil, err
	}
	e.audit("donate", receipt.Tx)
	return receipt, nil
}

// Cashout burns merchant tokens on conversion to off-ledger currency,
// preserving totalCashedOut <= totalReceived. Flagged merchants cannot cash
// out until an operator clears the flag.
func (e *Engine) Cashout(merchantID string, amount *big.Int, requestID string) (*ledger.Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, ledger.ErrRequestIDRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	release, err := e.locks.Acquire("merchant/" + merchantID)
	if err != nil {
		return nil, err
	}
	defer release()

	if prior, ok, err := e.ledger.Replayed(requestID); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	m, ok, err := e.registry.GetMerchant(merchantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrMerchantNotFound
	}
	if !m.Status.Eligible() {
		return nil, ErrMerchantNotEligible
	}
	projected := new(big.Int).Add(m.TotalCashedOut, amount)
	if projected.Cmp(m.TotalReceived) > 0 {
		return nil, ErrCashoutExceedsReceipts
	}

	receipt, err := e.ledger.Burn(m.Address, amount, ledger.TxIntent{
		RequestID: requestID,
		Kind:      types.TxKindCashout,
		ProgramID: m.ProgramID,
		Memo:      "merchant cashout",
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return receipt, nil
	}
	m.TotalCashedOut = projected
	if err := e.registry.PutMerchant(m); err != nil {
		return nil, err
	}
	e.audit("cashout", receipt.Tx)
	return receipt, nil
}

// Clawback burns previously airdropped tokens still held by the beneficiary
// and returns the amount to the program budget.
func (e *Engine) Clawback(beneficiaryID string, amount *big.Int, memo, requestID string) (*ledger.Receipt, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(requestID) == "" {
		return nil, ledger.ErrRequestIDRequired
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	release, err := e.locks.Acquire("beneficiary/" + beneficiaryID)
	if err != nil {
		return nil, err
	}
	defer release()

	if prior, ok, err := e.ledger.Replayed(requestID); err != nil {
		return nil, err
	} else if ok {
		return prior, nil
	}

	b, ok, err := e.registry.GetBeneficiary(beneficiaryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrBeneficiaryNotFound
	}

	programRelease, err := e.locks.Acquire("program/" + b.ProgramID)
	if err != nil {
		return nil, err
	}
	defer programRelease()

	if memo == "" {
		memo = "administrative clawback"
	}
	receipt, err := e.ledger.Burn(b.Address, amount, ledger.TxIntent{
		RequestID: requestID,
		Kind:      types.TxKindClawback,
		ProgramID: b.ProgramID,
		Memo:      memo,
	})
	if err != nil {
		return nil, err
	}
	if receipt.Replayed {
		return receipt, nil
	}

	b.TotalReceived = new(big.Int).Sub(b.TotalReceived, amount)
	if b.TotalReceived.Cmp(b.TotalSpent) < 0 {
		// The burn already bounded the amount by the unspent balance; this
		// only fires when counters drifted from the ledger.
		return nil, fmt.Errorf("policy: clawback would break totalSpent <= totalReceived for %s", beneficiaryID)
	}
	p, ok, err := e.registry.GetProgram(b.ProgramID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := e.registry.PutBeneficiary(b); err != nil {
			return nil, err
		}
	} else {
		p.DistributedAmount = new(big.Int).Sub(p.DistributedAmount, amount)
		if p.DistributedAmount.Sign() < 0 {
			p.DistributedAmount = big.NewInt(0)
		}
		if err := e.registry.PutAllocation(b, p); err != nil {
			return nil, err
		}
	}
	e.audit("clawback", receipt.Tx)
	return receipt, nil
}
