package risk

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"reliefchain/core/events"
	"reliefchain/core/types"
)

type captureEmitter struct {
	flagged []events.RiskFlagged
}

func (c *captureEmitter) Emit(evt events.Event) {
	if flag, ok := evt.(events.RiskFlagged); ok {
		c.flagged = append(c.flagged, flag)
	}
}

type riskUpdate struct {
	score  float64
	level  types.RiskLevel
	reason string
	flag   bool
}

type captureDirectory struct {
	updates map[string][]riskUpdate
}

func newCaptureDirectory() *captureDirectory {
	return &captureDirectory{updates: make(map[string][]riskUpdate)}
}

func (c *captureDirectory) UpdateMerchantRisk(id string, score float64, level types.RiskLevel, reason string, flag bool) error {
	c.updates[id] = append(c.updates[id], riskUpdate{score: score, level: level, reason: reason, flag: flag})
	return nil
}

func rupees(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(100))
}

func TestBurstFromSingleBeneficiaryEscalates(t *testing.T) {
	engine := NewEngine(Config{})
	emitter := &captureEmitter{}
	directory := newCaptureDirectory()
	engine.SetEmitter(emitter)
	engine.SetDirectory(directory)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * 15 * time.Second)
		engine.ObservePayment("prog-1", "merch-1", "ben-1", rupees(50), ts)
	}

	assessment, ok := engine.Assess("merch-1")
	if !ok {
		t.Fatal("expected an assessment for merch-1")
	}
	if assessment.Level < types.RiskMedium {
		t.Fatalf("level = %s, want at least %s", assessment.Level, types.RiskMedium)
	}
	if assessment.Level != types.RiskCritical {
		t.Fatalf("level = %s, want %s after a sustained burst", assessment.Level, types.RiskCritical)
	}

	// One escalation event per upward crossing: High once, Critical once.
	var high, critical int
	for _, flag := range emitter.flagged {
		switch flag.Level {
		case types.RiskHigh:
			high++
		case types.RiskCritical:
			critical++
		}
		if flag.MerchantID != "merch-1" || flag.ProgramID != "prog-1" {
			t.Fatalf("unexpected flag attribution: %+v", flag)
		}
	}
	if high != 1 || critical != 1 {
		t.Fatalf("flag events high=%d critical=%d, want exactly one of each", high, critical)
	}

	// The freeze reaches the directory exactly once, at the Critical crossing.
	frozen := 0
	for _, update := range directory.updates["merch-1"] {
		if update.flag {
			frozen++
			if update.level != types.RiskCritical {
				t.Fatalf("froze at level %s, want %s", update.level, types.RiskCritical)
			}
		}
	}
	if frozen != 1 {
		t.Fatalf("freeze count = %d, want 1", frozen)
	}
}

func TestDiverseTrafficStaysLow(t *testing.T) {
	engine := NewEngine(Config{})
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		ts := base.Add(time.Duration(i) * 20 * time.Minute)
		payer := fmt.Sprintf("ben-%d", i%15)
		engine.ObservePayment("prog-1", "merch-2", payer, rupees(45+int64(i%10)), ts)
	}

	assessment, ok := engine.Assess("merch-2")
	if !ok {
		t.Fatal("expected an assessment for merch-2")
	}
	if assessment.Level > types.RiskMedium {
		t.Fatalf("level = %s for organic traffic, want Low or Medium", assessment.Level)
	}
	if len(emitter.flagged) != 0 {
		t.Fatalf("got %d flag events for organic traffic, want none", len(emitter.flagged))
	}
}

func TestDeEscalationEmitsNoEvent(t *testing.T) {
	engine := NewEngine(Config{})
	emitter := &captureEmitter{}
	engine.SetEmitter(emitter)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		engine.ObservePayment("prog-1", "merch-3", "ben-1", rupees(50), base.Add(time.Duration(i)*10*time.Second))
	}
	escalations := len(emitter.flagged)
	if escalations == 0 {
		t.Fatal("expected at least one escalation during the burst")
	}

	// Hours later the burst has aged out; organic traffic lowers the score
	// without emitting further events.
	later := base.Add(26 * time.Hour)
	for i := 0; i < 8; i++ {
		payer := fmt.Sprintf("ben-%d", i)
		engine.ObservePayment("prog-1", "merch-3", payer, rupees(50), later.Add(time.Duration(i)*time.Hour))
	}

	assessment, _ := engine.Assess("merch-3")
	if assessment.Level >= types.RiskHigh {
		t.Fatalf("level = %s after recovery, want below High", assessment.Level)
	}
	if len(emitter.flagged) != escalations {
		t.Fatalf("got %d events after recovery, want it unchanged at %d", len(emitter.flagged), escalations)
	}
}

func TestSweepEvictsIdleMerchants(t *testing.T) {
	engine := NewEngine(Config{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	engine.ObservePayment("prog-1", "merch-4", "ben-1", rupees(50), base)

	engine.SetNowFunc(func() time.Time { return base.Add(49 * time.Hour) })
	if err := engine.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, ok := engine.Assess("merch-4"); ok {
		t.Fatal("expected merch-4 to be evicted after the long window lapsed")
	}
}

func TestSweepHonoursCancellation(t *testing.T) {
	engine := NewEngine(Config{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		engine.ObservePayment("prog-1", fmt.Sprintf("merch-%d", i), "ben-1", rupees(50), base)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := engine.Sweep(ctx); err == nil {
		t.Fatal("expected a cancellation error")
	}
}
