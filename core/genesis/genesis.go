package genesis

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"reliefchain/core/types"
	"reliefchain/native/policy"
	"reliefchain/native/registry"
)

// ErrInvalidSeed wraps every validation failure in a seed document.
var ErrInvalidSeed = errors.New("genesis: invalid seed")

// Document is the YAML seed applied on first boot: programs, their enrolled
// participants, and the opening airdrops. Applying the same document twice is
// safe because airdrops carry request ids and entity creation skips records
// that already exist.
type Document struct {
	Network       string            `yaml:"network"`
	Programs      []ProgramSeed     `yaml:"programs"`
	Beneficiaries []BeneficiarySeed `yaml:"beneficiaries"`
	Merchants     []MerchantSeed    `yaml:"merchants"`
	Airdrops      []AirdropSeed     `yaml:"airdrops"`
}

// ProgramSeed mirrors the YAML representation of one relief program. Amounts
// are decimal strings in the smallest token unit.
type ProgramSeed struct {
	ID                     string    `yaml:"id"`
	Name                   string    `yaml:"name"`
	Disaster               string    `yaml:"disaster"`
	State                  string    `yaml:"state"`
	District               string    `yaml:"district"`
	Timezone               string    `yaml:"timezone"`
	Start                  time.Time `yaml:"start"`
	End                    time.Time `yaml:"end"`
	TotalBudget            string    `yaml:"total_budget"`
	PerHouseholdAllocation string    `yaml:"per_household_allocation"`
	DailyLimit             string    `yaml:"daily_limit"`
	Activate               bool      `yaml:"activate"`
}

// BeneficiarySeed mirrors one enrolled relief recipient.
type BeneficiarySeed struct {
	ID            string `yaml:"id"`
	Program       string `yaml:"program"`
	Address       string `yaml:"address"`
	Name          string `yaml:"name"`
	HouseholdSize int    `yaml:"household_size"`
}

// MerchantSeed mirrors one registered vendor.
type MerchantSeed struct {
	ID           string `yaml:"id"`
	Program      string `yaml:"program"`
	Address      string `yaml:"address"`
	BusinessName string `yaml:"business_name"`
	Category     string `yaml:"category"`
}

// AirdropSeed mirrors one opening allocation. Amount may be empty to use the
// program's per-household allocation.
type AirdropSeed struct {
	Beneficiary string `yaml:"beneficiary"`
	Amount      string `yaml:"amount"`
	RequestID   string `yaml:"request_id"`
}

// Load reads and validates a seed document from disk.
func Load(path string) (*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: open seed: %w", err)
	}
	defer file.Close()

	doc := &Document{}
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("genesis: decode seed: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks internal consistency before anything touches state.
func (d *Document) Validate() error {
	programs := make(map[string]struct{}, len(d.Programs))
	for i, p := range d.Programs {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("%w: program %d missing id", ErrInvalidSeed, i)
		}
		if _, dup := programs[id]; dup {
			return fmt.Errorf("%w: duplicate program %s", ErrInvalidSeed, id)
		}
		programs[id] = struct{}{}
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("%w: program %s missing name", ErrInvalidSeed, id)
		}
		if !types.DisasterType(strings.TrimSpace(p.Disaster)).Valid() {
			return fmt.Errorf("%w: program %s has unknown disaster type %q", ErrInvalidSeed, id, p.Disaster)
		}
		for _, field := range []string{p.TotalBudget, p.PerHouseholdAllocation, p.DailyLimit} {
			if _, err := parseAmount(field); err != nil {
				return fmt.Errorf("%w: program %s: %v", ErrInvalidSeed, id, err)
			}
		}
	}

	beneficiaries := make(map[string]struct{}, len(d.Beneficiaries))
	for i, b := range d.Beneficiaries {
		id := strings.TrimSpace(b.ID)
		if id == "" {
			return fmt.Errorf("%w: beneficiary %d missing id", ErrInvalidSeed, i)
		}
		if _, dup := beneficiaries[id]; dup {
			return fmt.Errorf("%w: duplicate beneficiary %s", ErrInvalidSeed, id)
		}
		beneficiaries[id] = struct{}{}
		if _, ok := programs[strings.TrimSpace(b.Program)]; !ok {
			return fmt.Errorf("%w: beneficiary %s references unknown program %q", ErrInvalidSeed, id, b.Program)
		}
		if strings.TrimSpace(b.Address) == "" {
			return fmt.Errorf("%w: beneficiary %s missing address", ErrInvalidSeed, id)
		}
	}

	for i, m := range d.Merchants {
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return fmt.Errorf("%w: merchant %d missing id", ErrInvalidSeed, i)
		}
		if _, ok := programs[strings.TrimSpace(m.Program)]; !ok {
			return fmt.Errorf("%w: merchant %s references unknown program %q", ErrInvalidSeed, id, m.Program)
		}
		if category := types.MerchantCategory(strings.TrimSpace(m.Category)); category != "" && !category.Valid() {
			return fmt.Errorf("%w: merchant %s has unknown category %q", ErrInvalidSeed, id, m.Category)
		}
	}

	for i, a := range d.Airdrops {
		if _, ok := beneficiaries[strings.TrimSpace(a.Beneficiary)]; !ok {
			return fmt.Errorf("%w: airdrop %d references unknown beneficiary %q", ErrInvalidSeed, i, a.Beneficiary)
		}
		if strings.TrimSpace(a.RequestID) == "" {
			return fmt.Errorf("%w: airdrop %d missing request_id", ErrInvalidSeed, i)
		}
		if strings.TrimSpace(a.Amount) != "" {
			if _, err := parseAmount(a.Amount); err != nil {
				return fmt.Errorf("%w: airdrop %d: %v", ErrInvalidSeed, i, err)
			}
		}
	}
	return nil
}

// Apply seeds the registry and runs the opening airdrops through the policy
// engine. Records that already exist are left untouched so a node can replay
// its seed file on every boot.
func (d *Document) Apply(reg *registry.Registry, engine *policy.Engine) error {
	for _, seed := range d.Programs {
		id := strings.TrimSpace(seed.ID)
		if _, ok, err := reg.GetProgram(id); err != nil {
			return err
		} else if ok {
			continue
		}
		budget, _ := parseAmount(seed.TotalBudget)
		perHousehold, _ := parseAmount(seed.PerHouseholdAllocation)
		dailyLimit, _ := parseAmount(seed.DailyLimit)
		program := &registry.Program{
			ID:                     id,
			Name:                   strings.TrimSpace(seed.Name),
			DisasterType:           types.DisasterType(strings.TrimSpace(seed.Disaster)),
			State:                  strings.TrimSpace(seed.State),
			District:               strings.TrimSpace(seed.District),
			Timezone:               strings.TrimSpace(seed.Timezone),
			StartTime:              seed.Start,
			EndTime:                seed.End,
			TotalBudget:            budget,
			PerHouseholdAllocation: perHousehold,
			DailyLimit:             dailyLimit,
		}
		if _, err := reg.CreateProgram(program); err != nil {
			return fmt.Errorf("genesis: program %s: %w", id, err)
		}
		if seed.Activate {
			if err := reg.SetProgramStatus(id, types.ProgramStatusActive); err != nil {
				return fmt.Errorf("genesis: activate %s: %w", id, err)
			}
		}
	}

	for _, seed := range d.Beneficiaries {
		id := strings.TrimSpace(seed.ID)
		if _, ok, err := reg.GetBeneficiary(id); err != nil {
			return err
		} else if ok {
			continue
		}
		// Seed files carry operator-vetted households, so they enroll Active.
		beneficiary := &registry.Beneficiary{
			ID:            id,
			ProgramID:     strings.TrimSpace(seed.Program),
			Address:       strings.TrimSpace(seed.Address),
			Name:          strings.TrimSpace(seed.Name),
			HouseholdSize: seed.HouseholdSize,
			Status:        types.BeneficiaryActive,
		}
		if _, err := reg.EnrollBeneficiary(beneficiary); err != nil {
			return fmt.Errorf("genesis: beneficiary %s: %w", id, err)
		}
	}

	for _, seed := range d.Merchants {
		id := strings.TrimSpace(seed.ID)
		if _, ok, err := reg.GetMerchant(id); err != nil {
			return err
		} else if ok {
			continue
		}
		merchant := &registry.Merchant{
			ID:           id,
			ProgramID:    strings.TrimSpace(seed.Program),
			Address:      strings.TrimSpace(seed.Address),
			BusinessName: strings.TrimSpace(seed.BusinessName),
			Category:     types.MerchantCategory(strings.TrimSpace(seed.Category)),
			Status:       types.MerchantActive,
		}
		if _, err := reg.RegisterMerchant(merchant); err != nil {
			return fmt.Errorf("genesis: merchant %s: %w", id, err)
		}
	}

	for _, seed := range d.Airdrops {
		var amount *big.Int
		if strings.TrimSpace(seed.Amount) != "" {
			amount, _ = parseAmount(seed.Amount)
		}
		// Request ids make replays of the seed file no-ops.
		if _, err := engine.Airdrop(strings.TrimSpace(seed.Beneficiary), amount, strings.TrimSpace(seed.RequestID)); err != nil {
			return fmt.Errorf("genesis: airdrop to %s: %w", seed.Beneficiary, err)
		}
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is not a non-negative integer", raw)
	}
	return value, nil
}
