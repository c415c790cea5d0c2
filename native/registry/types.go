package registry

import (
	"math/big"
	"time"

	"reliefchain/core/types"
)

// Program captures a disaster-relief distribution campaign. Budget figures are
// tracked in the smallest token unit. DistributedAmount counts budget consumed
// at airdrop time and never exceeds TotalBudget.
type Program struct {
	ID                     string              `json:"id"`
	Name                   string              `json:"name"`
	Description            string              `json:"description,omitempty"`
	DisasterType           types.DisasterType  `json:"disasterType"`
	State                  string              `json:"state"`
	District               string              `json:"district"`
	StartTime              time.Time           `json:"startTime"`
	EndTime                time.Time           `json:"endTime"`
	Timezone               string              `json:"timezone,omitempty"`
	TotalBudget            *big.Int            `json:"totalBudget"`
	DistributedAmount      *big.Int            `json:"distributedAmount"`
	PerHouseholdAllocation *big.Int            `json:"perHouseholdAllocation"`
	DailyLimit             *big.Int            `json:"dailyLimit"`
	Status                 types.ProgramStatus `json:"status"`
	TreasuryAddress        string              `json:"treasuryAddress"`
	CreatedAt              time.Time           `json:"createdAt"`
	UpdatedAt              time.Time           `json:"updatedAt"`
}

// Location returns the program's day-boundary timezone, falling back to IST
// which matches the fielded deployments.
func (p *Program) Location() *time.Location {
	if p != nil && p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.UTC
	}
	return loc
}

// WindowContains reports whether the timestamp falls inside the program's
// validity window.
func (p *Program) WindowContains(ts time.Time) bool {
	if p == nil {
		return false
	}
	if !p.StartTime.IsZero() && ts.Before(p.StartTime) {
		return false
	}
	if !p.EndTime.IsZero() && ts.After(p.EndTime) {
		return false
	}
	return true
}

// Beneficiary is a verified relief recipient enrolled in one program. The
// spend counters enforce the invariant totalSpent <= totalReceived; dailySpent
// resets when lastSpendDay differs from the current day in the program clock.
type Beneficiary struct {
	ID            string                  `json:"id"`
	ProgramID     string                  `json:"programId"`
	Address       string                  `json:"address"`
	Name          string                  `json:"name,omitempty"`
	HouseholdSize int                     `json:"householdSize,omitempty"`
	Status        types.BeneficiaryStatus `json:"status"`
	TotalReceived *big.Int                `json:"totalReceived"`
	TotalSpent    *big.Int                `json:"totalSpent"`
	DailySpent    *big.Int                `json:"dailySpent"`
	LastSpendDay  string                  `json:"lastSpendDay,omitempty"`
	EnrolledAt    time.Time               `json:"enrolledAt"`
}

// Merchant is a vendor accepting relief-token payments within one program.
// Risk fields are advisory outputs of the risk engine; the invariant
// totalCashedOut <= totalReceived is enforced at cashout time.
type Merchant struct {
	ID             string                 `json:"id"`
	ProgramID      string                 `json:"programId"`
	Address        string                 `json:"address"`
	BusinessName   string                 `json:"businessName,omitempty"`
	Category       types.MerchantCategory `json:"category"`
	Status         types.MerchantStatus   `json:"status"`
	TotalReceived  *big.Int               `json:"totalReceived"`
	TotalCashedOut *big.Int               `json:"totalCashedOut"`
	RiskScore      float64                `json:"riskScore"`
	RiskLevel      types.RiskLevel        `json:"riskLevel"`
	RiskReason     string                 `json:"riskReason,omitempty"`
	RegisteredAt   time.Time              `json:"registeredAt"`
}

// Donor accumulates contributions and the voting power they confer. Power
// grows with each donation at the configured ratio (1:1 by default) and is
// read live by the governance engine at vote time.
type Donor struct {
	Address      string    `json:"address"`
	TotalDonated *big.Int  `json:"totalDonated"`
	VotingPower  *big.Int  `json:"votingPower"`
	FirstSeen    time.Time `json:"firstSeen"`
}

// ProgramAnalytics is the read-only snapshot served to dashboards.
type ProgramAnalytics struct {
	ProgramID          string                              `json:"programId"`
	TotalBudget        *big.Int                            `json:"totalBudget"`
	TotalDistributed   *big.Int                            `json:"totalDistributed"`
	TotalSpent         *big.Int                            `json:"totalSpent"`
	RemainingBudget    *big.Int                            `json:"remainingBudget"`
	BeneficiariesTotal int                                 `json:"beneficiariesTotal"`
	MerchantsTotal     int                                 `json:"merchantsTotal"`
	MerchantsFlagged   int                                 `json:"merchantsFlagged"`
	SpendingByCategory map[types.MerchantCategory]*big.Int `json:"spendingByCategory"`
}

func ensureAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
