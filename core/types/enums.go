package types

// ProgramStatus enumerates the lifecycle of a relief program. Legal
// transitions are Draft->Active, Active<->Paused, Active->Completed|Closed and
// Paused->Completed|Closed. Completed and Closed are terminal.
type ProgramStatus string

const (
	ProgramStatusDraft     ProgramStatus = "draft"
	ProgramStatusActive    ProgramStatus = "active"
	ProgramStatusPaused    ProgramStatus = "paused"
	ProgramStatusCompleted ProgramStatus = "completed"
	ProgramStatusClosed    ProgramStatus = "closed"
)

// Valid reports whether the status is a supported variant.
func (s ProgramStatus) Valid() bool {
	switch s {
	case ProgramStatusDraft, ProgramStatusActive, ProgramStatusPaused,
		ProgramStatusCompleted, ProgramStatusClosed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the program can no longer change status.
func (s ProgramStatus) Terminal() bool {
	return s == ProgramStatusCompleted || s == ProgramStatusClosed
}

// CanTransitionTo reports whether the status machine permits moving to next.
func (s ProgramStatus) CanTransitionTo(next ProgramStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	switch s {
	case ProgramStatusDraft:
		return next == ProgramStatusActive
	case ProgramStatusActive:
		return next == ProgramStatusPaused || next.Terminal()
	case ProgramStatusPaused:
		return next == ProgramStatusActive || next.Terminal()
	default:
		return false
	}
}

// DisasterType classifies the emergency a program responds to.
type DisasterType string

const (
	DisasterFlood      DisasterType = "flood"
	DisasterEarthquake DisasterType = "earthquake"
	DisasterCyclone    DisasterType = "cyclone"
	DisasterDrought    DisasterType = "drought"
	DisasterPandemic   DisasterType = "pandemic"
	DisasterFire       DisasterType = "fire"
	DisasterOther      DisasterType = "other"
)

// Valid reports whether the disaster type is a supported variant.
func (d DisasterType) Valid() bool {
	switch d {
	case DisasterFlood, DisasterEarthquake, DisasterCyclone, DisasterDrought,
		DisasterPandemic, DisasterFire, DisasterOther:
		return true
	default:
		return false
	}
}

// MerchantCategory classifies merchant spending for policy and analytics.
type MerchantCategory string

const (
	CategoryFood    MerchantCategory = "food"
	CategoryHealth  MerchantCategory = "health"
	CategoryShelter MerchantCategory = "shelter"
	CategoryFuel    MerchantCategory = "fuel"
	CategoryOther   MerchantCategory = "other"
)

// Valid reports whether the category is a supported variant.
func (c MerchantCategory) Valid() bool {
	switch c {
	case CategoryFood, CategoryHealth, CategoryShelter, CategoryFuel, CategoryOther:
		return true
	default:
		return false
	}
}

// BeneficiaryStatus enumerates beneficiary enrollment states. Only Active
// beneficiaries may spend.
type BeneficiaryStatus string

const (
	BeneficiaryPending   BeneficiaryStatus = "pending"
	BeneficiaryVerified  BeneficiaryStatus = "verified"
	BeneficiaryActive    BeneficiaryStatus = "active"
	BeneficiarySuspended BeneficiaryStatus = "suspended"
)

// Valid reports whether the status is a supported variant.
func (s BeneficiaryStatus) Valid() bool {
	switch s {
	case BeneficiaryPending, BeneficiaryVerified, BeneficiaryActive, BeneficiarySuspended:
		return true
	default:
		return false
	}
}

// MerchantStatus enumerates merchant registration states. Active and Verified
// merchants may receive payments; Flagged merchants are frozen pending review.
type MerchantStatus string

const (
	MerchantPending   MerchantStatus = "pending"
	MerchantVerified  MerchantStatus = "verified"
	MerchantActive    MerchantStatus = "active"
	MerchantSuspended MerchantStatus = "suspended"
	MerchantFlagged   MerchantStatus = "flagged"
)

// Valid reports whether the status is a supported variant.
func (s MerchantStatus) Valid() bool {
	switch s {
	case MerchantPending, MerchantVerified, MerchantActive, MerchantSuspended, MerchantFlagged:
		return true
	default:
		return false
	}
}

// Eligible reports whether a merchant in this status may accept payments.
func (s MerchantStatus) Eligible() bool {
	return s == MerchantActive || s == MerchantVerified
}

// RiskLevel buckets a merchant risk score into an actionable category.
type RiskLevel uint8

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// RiskLevelForScore maps a [0,100] score onto its level: [0,25) Low,
// [25,60) Medium, [60,85) High, [85,100] Critical.
func RiskLevelForScore(score float64) RiskLevel {
	switch {
	case score >= 85:
		return RiskCritical
	case score >= 60:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// String implements fmt.Stringer for logging and event emission.
func (l RiskLevel) String() string {
	switch l {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}
