package registry

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"reliefchain/core/types"
	"reliefchain/state"
	"reliefchain/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.SetState(state.NewManager(storage.NewMemDB()))
	r.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0).UTC() })
	return r
}

func seedProgram(t *testing.T, r *Registry) *Program {
	t.Helper()
	p, err := r.CreateProgram(&Program{
		ID:                     "prog-1",
		Name:                   "Kerala Flood Relief",
		DisasterType:           types.DisasterFlood,
		State:                  "Kerala",
		District:               "Wayanad",
		TotalBudget:            big.NewInt(50_000_000),
		PerHouseholdAllocation: big.NewInt(25_000),
		DailyLimit:             big.NewInt(5_000),
		Status:                 types.ProgramStatusActive,
	})
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	return p
}

func TestCreateProgramDefaults(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.CreateProgram(&Program{
		Name:         "Odisha Cyclone Recovery",
		DisasterType: types.DisasterCyclone,
		TotalBudget:  big.NewInt(75_000_000),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.ID == "" {
		t.Fatal("program id not assigned")
	}
	if p.Status != types.ProgramStatusDraft {
		t.Fatalf("status = %s, want draft", p.Status)
	}
	if p.TreasuryAddress != "treasury/"+p.ID {
		t.Fatalf("treasury = %s", p.TreasuryAddress)
	}
}

func TestProgramStatusMachine(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.CreateProgram(&Program{Name: "p", DisasterType: types.DisasterFire, TotalBudget: big.NewInt(1000)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	steps := []struct {
		next    types.ProgramStatus
		wantErr bool
	}{
		{types.ProgramStatusPaused, true},  // draft cannot pause
		{types.ProgramStatusActive, false}, // draft -> active
		{types.ProgramStatusPaused, false}, // active -> paused
		{types.ProgramStatusActive, false}, // paused -> active
		{types.ProgramStatusCompleted, false},
		{types.ProgramStatusActive, true}, // completed is terminal
	}
	for i, step := range steps {
		err := r.SetProgramStatus(p.ID, step.next)
		if step.wantErr {
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("step %d: err = %v, want ErrInvalidTransition", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func TestApplyFieldChange(t *testing.T) {
	r := newTestRegistry(t)
	p := seedProgram(t, r)
	p.DistributedAmount = big.NewInt(10_000_000)
	if err := r.PutProgram(p); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := r.ApplyFieldChange(p.ID, FieldDailyLimit, big.NewInt(6_000), "governance"); err != nil {
		t.Fatalf("daily limit change: %v", err)
	}
	updated, _, err := r.GetProgram(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if updated.DailyLimit.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("daily limit = %s", updated.DailyLimit)
	}

	if err := r.ApplyFieldChange(p.ID, FieldTotalBudget, big.NewInt(9_000_000), "governance"); !errors.Is(err, ErrBudgetBelowDistributed) {
		t.Fatalf("budget cut err = %v", err)
	}
	if err := r.ApplyFieldChange(p.ID, FieldDailyLimit, big.NewInt(-1), "admin"); err == nil {
		t.Fatal("negative daily limit accepted")
	}
	if err := r.ApplyFieldChange(p.ID, "treasuryAddress", big.NewInt(1), "admin"); !errors.Is(err, ErrUnknownField) {
		t.Fatalf("unknown field err = %v", err)
	}
	if err := r.ApplyFieldChange("missing", FieldDailyLimit, big.NewInt(1), "admin"); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("missing program err = %v", err)
	}
}

func TestEnrollmentRequiresProgram(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.EnrollBeneficiary(&Beneficiary{ProgramID: "ghost", Address: "addr-b"}); !errors.Is(err, ErrProgramNotFound) {
		t.Fatalf("err = %v, want ErrProgramNotFound", err)
	}
	p := seedProgram(t, r)
	b, err := r.EnrollBeneficiary(&Beneficiary{ProgramID: p.ID, Address: "addr-b"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if b.Status != types.BeneficiaryPending {
		t.Fatalf("status = %s, want pending", b.Status)
	}
	if _, err := r.RegisterMerchant(&Merchant{ProgramID: p.ID, Address: "addr-m", Category: "electronics"}); err == nil {
		t.Fatal("invalid category accepted")
	}
	m, err := r.RegisterMerchant(&Merchant{ProgramID: p.ID, Address: "addr-m", Category: types.CategoryFood})
	if err != nil {
		t.Fatalf("register merchant: %v", err)
	}
	if m.Status != types.MerchantPending {
		t.Fatalf("merchant status = %s", m.Status)
	}
}

func TestDonorPowerAccrual(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreditDonor("donor-1", big.NewInt(5_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := r.CreditDonor("donor-1", big.NewInt(2_500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := r.CreditDonor("donor-2", big.NewInt(1_000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	power, err := r.DonorPower("donor-1")
	if err != nil {
		t.Fatalf("power: %v", err)
	}
	if power.Cmp(big.NewInt(7_500)) != 0 {
		t.Fatalf("donor-1 power = %s, want 7500", power)
	}
	total, err := r.TotalVotingPower()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total.Cmp(big.NewInt(8_500)) != 0 {
		t.Fatalf("total power = %s, want 8500", total)
	}
	stranger, _ := r.DonorPower("nobody")
	if stranger.Sign() != 0 {
		t.Fatalf("stranger power = %s", stranger)
	}
}

func TestAnalyticsSnapshot(t *testing.T) {
	r := newTestRegistry(t)
	p := seedProgram(t, r)
	p.DistributedAmount = big.NewInt(100_000)
	if err := r.PutProgram(p); err != nil {
		t.Fatalf("put: %v", err)
	}

	b1, _ := r.EnrollBeneficiary(&Beneficiary{ProgramID: p.ID, Address: "b1"})
	b1.TotalSpent = big.NewInt(3_000)
	if err := r.PutBeneficiary(b1); err != nil {
		t.Fatalf("put beneficiary: %v", err)
	}
	m1, _ := r.RegisterMerchant(&Merchant{ProgramID: p.ID, Address: "m1", Category: types.CategoryFood})
	m1.TotalReceived = big.NewInt(3_000)
	m1.Status = types.MerchantFlagged
	if err := r.PutMerchant(m1); err != nil {
		t.Fatalf("put merchant: %v", err)
	}

	snapshot, err := r.Analytics(p.ID)
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if snapshot.BeneficiariesTotal != 1 || snapshot.MerchantsTotal != 1 || snapshot.MerchantsFlagged != 1 {
		t.Fatalf("counts = %+v", snapshot)
	}
	if snapshot.TotalSpent.Cmp(big.NewInt(3_000)) != 0 {
		t.Fatalf("total spent = %s", snapshot.TotalSpent)
	}
	if snapshot.RemainingBudget.Cmp(big.NewInt(49_900_000)) != 0 {
		t.Fatalf("remaining = %s", snapshot.RemainingBudget)
	}
	if got := snapshot.SpendingByCategory[types.CategoryFood]; got == nil || got.Cmp(big.NewInt(3_000)) != 0 {
		t.Fatalf("food category = %v", got)
	}
}
