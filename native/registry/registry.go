package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"reliefchain/core/events"
	"reliefchain/core/types"
	"reliefchain/state"
)

var (
	// ErrProgramNotFound marks lookups for unknown program identifiers.
	ErrProgramNotFound = errors.New("registry: program not found")
	// ErrBeneficiaryNotFound marks lookups for unknown beneficiaries.
	ErrBeneficiaryNotFound = errors.New("registry: beneficiary not found")
	// ErrMerchantNotFound marks lookups for unknown merchants.
	ErrMerchantNotFound = errors.New("registry: merchant not found")
	// ErrInvalidTransition rejects status changes the program state machine
	// does not permit, including any change away from Completed or Closed.
	ErrInvalidTransition = errors.New("registry: invalid status transition")
	// ErrUnknownField rejects governance field changes outside the allow-list.
	ErrUnknownField = errors.New("registry: unknown program field")
	// ErrBudgetBelowDistributed rejects budget reductions beneath the amount
	// already consumed by airdrops.
	ErrBudgetBelowDistributed = errors.New("registry: budget below distributed amount")

	errStateNotConfigured = errors.New("registry: state not configured")
)

// Governable program fields accepted by ApplyFieldChange.
const (
	FieldDailyLimit             = "dailyLimit"
	FieldPerHouseholdAllocation = "perHouseholdAllocation"
	FieldTotalBudget            = "totalBudget"
)

const (
	programPrefix     = "registry/program/"
	beneficiaryPrefix = "registry/beneficiary/"
	merchantPrefix    = "registry/merchant/"
	donorPrefix       = "registry/donor/"
	totalPowerKey     = "registry/votingpower"
)

// registryState is the narrow persistence surface the registry depends on.
type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVBatch(apply func(w state.KVWriter) error) error
	KVIterate(prefix []byte, fn func(key, value []byte) error) error
}

// Registry owns program, beneficiary, merchant, and donor records. It is the
// single writer for program parameters: direct administrative edits and
// executed governance proposals both land through ApplyFieldChange.
type Registry struct {
	state      registryState
	emitter    events.Emitter
	nowFn      func() time.Time
	idFn       func() string
	powerRatio *big.Int
}

// NewRegistry constructs a registry with default no-op dependencies and the
// 1:1 donation-to-voting-power ratio.
func NewRegistry() *Registry {
	return &Registry{
		emitter:    events.NoopEmitter{},
		nowFn:      func() time.Time { return time.Now().UTC() },
		idFn:       uuid.NewString,
		powerRatio: big.NewInt(1),
	}
}

// SetState wires the registry to the persistence backend.
func (r *Registry) SetState(state registryState) { r.state = state }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the clock. Nil restores the UTC default.
func (r *Registry) SetNowFunc(now func() time.Time) {
	if now == nil {
		r.nowFn = func() time.Time { return time.Now().UTC() }
		return
	}
	r.nowFn = now
}

// SetPowerRatio configures voting-power units granted per donated token unit.
func (r *Registry) SetPowerRatio(ratio *big.Int) {
	if ratio == nil || ratio.Sign() <= 0 {
		r.powerRatio = big.NewInt(1)
		return
	}
	r.powerRatio = new(big.Int).Set(ratio)
}

func (r *Registry) now() time.Time {
	if r == nil || r.nowFn == nil {
		return time.Now().UTC()
	}
	return r.nowFn()
}

func (r *Registry) emit(evt events.Event) {
	if r == nil || r.emitter == nil || evt == nil {
		return
	}
	r.emitter.Emit(evt)
}

// --- Programs ---

// CreateProgram validates and persists a new program in Draft status unless
// the caller supplied an explicit valid status.
func (r *Registry) CreateProgram(p *Program) (*Program, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	if p == nil {
		return nil, fmt.Errorf("registry: program required")
	}
	stored := *p
	if strings.TrimSpace(stored.ID) == "" {
		stored.ID = r.idFn()
	}
	if strings.TrimSpace(stored.Name) == "" {
		return nil, fmt.Errorf("registry: program name required")
	}
	if !stored.DisasterType.Valid() {
		return nil, fmt.Errorf("registry: invalid disaster type %q", stored.DisasterType)
	}
	if stored.Status == "" {
		stored.Status = types.ProgramStatusDraft
	}
	if !stored.Status.Valid() {
		return nil, fmt.Errorf("registry: invalid program status %q", stored.Status)
	}
	stored.TotalBudget = ensureAmount(stored.TotalBudget)
	stored.DistributedAmount = ensureAmount(stored.DistributedAmount)
	stored.PerHouseholdAllocation = ensureAmount(stored.PerHouseholdAllocation)
	stored.DailyLimit = ensureAmount(stored.DailyLimit)
	if stored.TotalBudget.Sign() <= 0 {
		return nil, fmt.Errorf("registry: total budget must be positive")
	}
	if stored.DailyLimit.Sign() < 0 {
		return nil, fmt.Errorf("registry: daily limit must not be negative")
	}
	if !stored.EndTime.IsZero() && !stored.StartTime.IsZero() && stored.EndTime.Before(stored.StartTime) {
		return nil, fmt.Errorf("registry: program window ends before it starts")
	}
	if strings.TrimSpace(stored.TreasuryAddress) == "" {
		stored.TreasuryAddress = "treasury/" + stored.ID
	}
	now := r.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if err := r.state.KVPut([]byte(programPrefix+stored.ID), &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetProgram loads a program by id.
func (r *Registry) GetProgram(id string) (*Program, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errStateNotConfigured
	}
	var p Program
	ok, err := r.state.KVGet([]byte(programPrefix+id), &p)
	if err != nil || !ok {
		return nil, false, err
	}
	return &p, true, nil
}

// PutProgram persists the supplied program snapshot. Intended for the policy
// engine which mutates spend accounting under its own entity locks.
func (r *Registry) PutProgram(p *Program) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("registry: program id required")
	}
	p.UpdatedAt = r.now()
	return r.state.KVPut([]byte(programPrefix+p.ID), p)
}

// ListPrograms returns every stored program.
func (r *Registry) ListPrograms() ([]*Program, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	var out []*Program
	err := r.state.KVIterate([]byte(programPrefix), func(_, value []byte) error {
		var p Program
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("registry: decode program: %w", err)
		}
		out = append(out, &p)
		return nil
	})
	return out, err
}

// SetProgramStatus advances the program status machine. Completed and Closed
// are terminal; every other edge outside the machine is rejected.
func (r *Registry) SetProgramStatus(id string, next types.ProgramStatus) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	p, ok, err := r.GetProgram(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrProgramNotFound
	}
	if p.Status == next {
		return nil
	}
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	old := p.Status
	p.Status = next
	if err := r.PutProgram(p); err != nil {
		return err
	}
	r.emit(events.ProgramUpdated{ProgramID: id, Field: "status", OldValue: string(old), NewValue: string(next), Origin: "admin"})
	return nil
}

// ApplyFieldChange updates a governable numeric program parameter. It is
// invoked by the governance engine on proposal execution and by the
// administrative collaborator for direct edits; origin labels the source.
func (r *Registry) ApplyFieldChange(programID, field string, newValue *big.Int, origin string) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if newValue == nil {
		return fmt.Errorf("registry: new value required")
	}
	p, ok, err := r.GetProgram(programID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrProgramNotFound
	}
	var old *big.Int
	switch field {
	case FieldDailyLimit:
		if newValue.Sign() < 0 {
			return fmt.Errorf("registry: daily limit must not be negative")
		}
		old, p.DailyLimit = p.DailyLimit, new(big.Int).Set(newValue)
	case FieldPerHouseholdAllocation:
		if newValue.Sign() <= 0 {
			return fmt.Errorf("registry: allocation must be positive")
		}
		old, p.PerHouseholdAllocation = p.PerHouseholdAllocation, new(big.Int).Set(newValue)
	case FieldTotalBudget:
		if newValue.Cmp(ensureAmount(p.DistributedAmount)) < 0 {
			return ErrBudgetBelowDistributed
		}
		old, p.TotalBudget = p.TotalBudget, new(big.Int).Set(newValue)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if err := r.PutProgram(p); err != nil {
		return err
	}
	r.emit(events.ProgramUpdated{
		ProgramID: programID,
		Field:     field,
		OldValue:  ensureAmount(old).String(),
		NewValue:  newValue.String(),
		Origin:    origin,
	})
	return nil
}

// --- Beneficiaries ---

// EnrollBeneficiary validates and persists a new beneficiary in Pending
// status unless a valid status is supplied. Bulk CSV imports land here one
// record at a time.
func (r *Registry) EnrollBeneficiary(b *Beneficiary) (*Beneficiary, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	if b == nil {
		return nil, fmt.Errorf("registry: beneficiary required")
	}
	stored := *b
	if strings.TrimSpace(stored.ID) == "" {
		stored.ID = r.idFn()
	}
	if strings.TrimSpace(stored.Address) == "" {
		return nil, fmt.Errorf("registry: beneficiary address required")
	}
	if _, ok, err := r.GetProgram(stored.ProgramID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrProgramNotFound
	}
	if stored.Status == "" {
		stored.Status = types.BeneficiaryPending
	}
	if !stored.Status.Valid() {
		return nil, fmt.Errorf("registry: invalid beneficiary status %q", stored.Status)
	}
	stored.TotalReceived = ensureAmount(stored.TotalReceived)
	stored.TotalSpent = ensureAmount(stored.TotalSpent)
	stored.DailySpent = ensureAmount(stored.DailySpent)
	stored.EnrolledAt = r.now()
	if err := r.state.KVPut([]byte(beneficiaryPrefix+stored.ID), &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetBeneficiary loads a beneficiary by id.
func (r *Registry) GetBeneficiary(id string) (*Beneficiary, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errStateNotConfigured
	}
	var b Beneficiary
	ok, err := r.state.KVGet([]byte(beneficiaryPrefix+id), &b)
	if err != nil || !ok {
		return nil, false, err
	}
	return &b, true, nil
}

// PutBeneficiary persists the supplied beneficiary snapshot. The policy
// engine calls this under its entity locks after updating spend counters.
func (r *Registry) PutBeneficiary(b *Beneficiary) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("registry: beneficiary id required")
	}
	return r.state.KVPut([]byte(beneficiaryPrefix+b.ID), b)
}

// SetBeneficiaryStatus updates enrollment status.
func (r *Registry) SetBeneficiaryStatus(id string, status types.BeneficiaryStatus) error {
	if !status.Valid() {
		return fmt.Errorf("registry: invalid beneficiary status %q", status)
	}
	b, ok, err := r.GetBeneficiary(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBeneficiaryNotFound
	}
	b.Status = status
	return r.PutBeneficiary(b)
}

// --- Merchants ---

// RegisterMerchant validates and persists a new merchant in Pending status
// unless a valid status is supplied.
func (r *Registry) RegisterMerchant(m *Merchant) (*Merchant, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	if m == nil {
		return nil, fmt.Errorf("registry: merchant required")
	}
	stored := *m
	if strings.TrimSpace(stored.ID) == "" {
		stored.ID = r.idFn()
	}
	if strings.TrimSpace(stored.Address) == "" {
		return nil, fmt.Errorf("registry: merchant address required")
	}
	if _, ok, err := r.GetProgram(stored.ProgramID); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrProgramNotFound
	}
	if !stored.Category.Valid() {
		return nil, fmt.Errorf("registry: invalid merchant category %q", stored.Category)
	}
	if stored.Status == "" {
		stored.Status = types.MerchantPending
	}
	if !stored.Status.Valid() {
		return nil, fmt.Errorf("registry: invalid merchant status %q", stored.Status)
	}
	stored.TotalReceived = ensureAmount(stored.TotalReceived)
	stored.TotalCashedOut = ensureAmount(stored.TotalCashedOut)
	stored.RegisteredAt = r.now()
	if err := r.state.KVPut([]byte(merchantPrefix+stored.ID), &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetMerchant loads a merchant by id.
func (r *Registry) GetMerchant(id string) (*Merchant, bool, error) {
	if r == nil || r.state == nil {
		return nil, false, errStateNotConfigured
	}
	var m Merchant
	ok, err := r.state.KVGet([]byte(merchantPrefix+id), &m)
	if err != nil || !ok {
		return nil, false, err
	}
	return &m, true, nil
}

// PutMerchant persists the supplied merchant snapshot.
func (r *Registry) PutMerchant(m *Merchant) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("registry: merchant id required")
	}
	return r.state.KVPut([]byte(merchantPrefix+m.ID), m)
}

// PutSettlement persists the beneficiary and merchant counters from one
// settled payment as a single backend write. A crash between the two records
// can no longer leave the pair disagreeing about the spend.
func (r *Registry) PutSettlement(b *Beneficiary, m *Merchant) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("registry: beneficiary id required")
	}
	if m == nil || strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("registry: merchant id required")
	}
	return r.state.KVBatch(func(w state.KVWriter) error {
		if err := w.KVPut([]byte(beneficiaryPrefix+b.ID), b); err != nil {
			return err
		}
		return w.KVPut([]byte(merchantPrefix+m.ID), m)
	})
}

// PutAllocation persists the beneficiary and program counters from one
// airdrop or clawback as a single backend write.
func (r *Registry) PutAllocation(b *Beneficiary, p *Program) error {
	if r == nil || r.state == nil {
		return errStateNotConfigured
	}
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("registry: beneficiary id required")
	}
	if p == nil || strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("registry: program id required")
	}
	p.UpdatedAt = r.now()
	return r.state.KVBatch(func(w state.KVWriter) error {
		if err := w.KVPut([]byte(beneficiaryPrefix+b.ID), b); err != nil {
			return err
		}
		return w.KVPut([]byte(programPrefix+p.ID), p)
	})
}

// SetMerchantStatus updates registration status.
func (r *Registry) SetMerchantStatus(id string, status types.MerchantStatus) error {
	if !status.Valid() {
		return fmt.Errorf("registry: invalid merchant status %q", status)
	}
	m, ok, err := r.GetMerchant(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMerchantNotFound
	}
	m.Status = status
	return r.PutMerchant(m)
}

// UpdateMerchantRisk stores the risk engine's latest assessment and optionally
// freezes the merchant. Risk is advisory: failures to flag never propagate
// back into the payment path.
func (r *Registry) UpdateMerchantRisk(id string, score float64, level types.RiskLevel, reason string, flag bool) error {
	m, ok, err := r.GetMerchant(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMerchantNotFound
	}
	m.RiskScore = score
	m.RiskLevel = level
	m.RiskReason = reason
	if flag && m.Status != types.MerchantFlagged {
		m.Status = types.MerchantFlagged
	}
	return r.PutMerchant(m)
}

// --- Donors ---

// CreditDonor records a donation and grows the donor's voting power at the
// configured ratio. The outstanding-power aggregate used for quorum math is
// maintained alongside.
func (r *Registry) CreditDonor(address string, amount *big.Int) (*Donor, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("registry: donor address required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("registry: donation amount must be positive")
	}
	var donor Donor
	ok, err := r.state.KVGet([]byte(donorPrefix+address), &donor)
	if err != nil {
		return nil, err
	}
	if !ok {
		donor = Donor{Address: address, TotalDonated: big.NewInt(0), VotingPower: big.NewInt(0), FirstSeen: r.now()}
	}
	donor.TotalDonated = new(big.Int).Add(ensureAmount(donor.TotalDonated), amount)
	grant := new(big.Int).Mul(amount, r.powerRatio)
	donor.VotingPower = new(big.Int).Add(ensureAmount(donor.VotingPower), grant)
	if err := r.state.KVPut([]byte(donorPrefix+address), &donor); err != nil {
		return nil, err
	}
	total, err := r.TotalVotingPower()
	if err != nil {
		return nil, err
	}
	if err := r.state.KVPut([]byte(totalPowerKey), new(big.Int).Add(total, grant).String()); err != nil {
		return nil, err
	}
	return &donor, nil
}

// DonorPower returns the donor's current voting power, zero for strangers.
func (r *Registry) DonorPower(address string) (*big.Int, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	var donor Donor
	ok, err := r.state.KVGet([]byte(donorPrefix+address), &donor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return ensureAmount(donor.VotingPower), nil
}

// TotalVotingPower returns the outstanding voting power across all donors.
func (r *Registry) TotalVotingPower() (*big.Int, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	var encoded string
	ok, err := r.state.KVGet([]byte(totalPowerKey), &encoded)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	total, valid := new(big.Int).SetString(encoded, 10)
	if !valid {
		return nil, fmt.Errorf("registry: voting power aggregate corrupt")
	}
	return total, nil
}

// --- Analytics ---

// Analytics aggregates a read-only snapshot for one program by scanning its
// beneficiaries and merchants.
func (r *Registry) Analytics(programID string) (*ProgramAnalytics, error) {
	if r == nil || r.state == nil {
		return nil, errStateNotConfigured
	}
	p, ok, err := r.GetProgram(programID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrProgramNotFound
	}
	snapshot := &ProgramAnalytics{
		ProgramID:          programID,
		TotalBudget:        ensureAmount(p.TotalBudget),
		TotalDistributed:   ensureAmount(p.DistributedAmount),
		TotalSpent:         big.NewInt(0),
		SpendingByCategory: make(map[types.MerchantCategory]*big.Int),
	}
	snapshot.RemainingBudget = new(big.Int).Sub(snapshot.TotalBudget, snapshot.TotalDistributed)

	err = r.state.KVIterate([]byte(beneficiaryPrefix), func(_, value []byte) error {
		var b Beneficiary
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("registry: decode beneficiary: %w", err)
		}
		if b.ProgramID != programID {
			return nil
		}
		snapshot.BeneficiariesTotal++
		snapshot.TotalSpent = new(big.Int).Add(snapshot.TotalSpent, ensureAmount(b.TotalSpent))
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = r.state.KVIterate([]byte(merchantPrefix), func(_, value []byte) error {
		var m Merchant
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("registry: decode merchant: %w", err)
		}
		if m.ProgramID != programID {
			return nil
		}
		snapshot.MerchantsTotal++
		if m.Status == types.MerchantFlagged {
			snapshot.MerchantsFlagged++
		}
		bucket, ok := snapshot.SpendingByCategory[m.Category]
		if !ok {
			bucket = big.NewInt(0)
		}
		snapshot.SpendingByCategory[m.Category] = new(big.Int).Add(bucket, ensureAmount(m.TotalReceived))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}
