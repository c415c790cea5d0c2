package risk

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"reliefchain/core/events"
	"reliefchain/core/types"
)

// Config tunes the streaming fraud heuristics. Zero values fall back to the
// defaults below, which were calibrated against field pilot data.
type Config struct {
	// ShortWindow scopes burst detection (default 10 minutes).
	ShortWindow time.Duration
	// LongWindow scopes concentration analysis (default 24 hours).
	LongWindow time.Duration
	// BurstThreshold is the same-beneficiary payment count inside the short
	// window that saturates the velocity signal (default 10).
	BurstThreshold int
	// MinSampleCount is the long-window payment count below which the
	// concentration signal stays silent, so a merchant's first customers do
	// not read as a monopoly (default 5).
	MinSampleCount int
	// MinHistoryCount is the lifetime payment count below which the
	// ticket-size deviation signal stays silent (default 10).
	MinHistoryCount int
	// DeviationTolerance is how many multiples of the average ticket amount
	// count as full deviation (default 3).
	DeviationTolerance float64
	// Signal weights; they should sum to 1.
	VelocityWeight      float64
	ConcentrationWeight float64
	DeviationWeight     float64
	// FlagHigh additionally freezes merchants on High (default: freeze on
	// Critical only, High stays advisory).
	FlagHigh bool
}

func (c Config) withDefaults() Config {
	if c.ShortWindow <= 0 {
		c.ShortWindow = 10 * time.Minute
	}
	if c.LongWindow <= 0 {
		c.LongWindow = 24 * time.Hour
	}
	if c.BurstThreshold <= 0 {
		c.BurstThreshold = 10
	}
	if c.MinSampleCount <= 0 {
		c.MinSampleCount = 5
	}
	if c.MinHistoryCount <= 0 {
		c.MinHistoryCount = 10
	}
	if c.DeviationTolerance <= 0 {
		c.DeviationTolerance = 3
	}
	if c.VelocityWeight <= 0 && c.ConcentrationWeight <= 0 && c.DeviationWeight <= 0 {
		c.VelocityWeight = 0.5
		c.ConcentrationWeight = 0.4
		c.DeviationWeight = 0.1
	}
	return c
}

// Assessment is the engine's current view of one merchant.
type Assessment struct {
	MerchantID string
	Score      float64
	Level      types.RiskLevel
	Reason     string
	UpdatedAt  time.Time
}

// merchantDirectory is the slice of registry behaviour the engine writes
// assessments through.
type merchantDirectory interface {
	UpdateMerchantRisk(id string, score float64, level types.RiskLevel, reason string, flag bool) error
}

// Engine maintains compact rolling aggregates per merchant and recomputes the
// risk score incrementally on every confirmed payment. It never replays
// transaction history: the short and long windows are time-bucketed maps that
// evict as they are touched, plus a periodic sweep for idle merchants.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	stats     map[string]*merchantStats
	levels    map[string]types.RiskLevel
	directory merchantDirectory
	emitter   events.Emitter
	nowFn     func() time.Time
}

// NewEngine constructs a risk engine with the supplied configuration.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		stats:   make(map[string]*merchantStats),
		levels:  make(map[string]types.RiskLevel),
		emitter: events.NoopEmitter{},
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

// SetDirectory wires the registry sink that persists assessments and applies
// merchant freezes.
func (e *Engine) SetDirectory(directory merchantDirectory) { e.directory = directory }

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

// ObservePayment folds one confirmed payment into the merchant's rolling
// aggregates and publishes the refreshed assessment. Level escalations into
// High or Critical emit a flag event exactly once per upward crossing.
func (e *Engine) ObservePayment(programID, merchantID, beneficiaryID string, amount *big.Int, ts time.Time) {
	if e == nil || merchantID == "" {
		return
	}
	value := amountToFloat(amount)
	if value <= 0 {
		return
	}
	if ts.IsZero() {
		ts = e.nowFn()
	}

	e.mu.Lock()
	stats, ok := e.stats[merchantID]
	if !ok {
		stats = newMerchantStats()
		e.stats[merchantID] = stats
	}
	stats.prune(ts, e.cfg)
	stats.add(beneficiaryID, value, ts, e.cfg)

	score, reason := e.score(stats, beneficiaryID, value)
	stats.recordHistory(value)
	stats.lastScore = score
	stats.lastReason = reason

	level := types.RiskLevelForScore(score)
	previous := e.levels[merchantID]
	e.levels[merchantID] = level
	escalated := level > previous && level >= types.RiskHigh
	e.mu.Unlock()

	freeze := escalated && (level == types.RiskCritical || (e.cfg.FlagHigh && level == types.RiskHigh))
	if e.directory != nil {
		// Risk is advisory: a failed write never propagates to the payment.
		_ = e.directory.UpdateMerchantRisk(merchantID, score, level, reason, freeze)
	}
	if escalated && e.emitter != nil {
		e.emitter.Emit(events.RiskFlagged{
			MerchantID: merchantID,
			ProgramID:  programID,
			Score:      score,
			Level:      level,
			Previous:   previous,
			Reason:     reason,
		})
	}
}

// score computes the weighted signal blend. Caller holds e.mu.
func (e *Engine) score(stats *merchantStats, payer string, amount float64) (float64, string) {
	cfg := e.cfg

	samePayer := stats.shortCountFor(payer)
	velocity := clamp(float64(samePayer) / float64(cfg.BurstThreshold))

	var concentration float64
	longCount, longTotal, topShare := stats.longProfile()
	if longCount >= cfg.MinSampleCount && longTotal > 0 {
		concentration = clamp(topShare)
	}

	var deviation float64
	if stats.lifetimeCount >= int64(cfg.MinHistoryCount) && stats.avgTicket > 0 {
		deviation = clamp(abs(amount-stats.avgTicket) / (cfg.DeviationTolerance * stats.avgTicket))
	}

	score := 100 * (cfg.VelocityWeight*velocity + cfg.ConcentrationWeight*concentration + cfg.DeviationWeight*deviation)
	if score > 100 {
		score = 100
	}

	reason := ""
	switch {
	case velocity >= concentration && velocity >= deviation && velocity > 0:
		reason = fmt.Sprintf("%d payments from the same beneficiary within %s", samePayer, cfg.ShortWindow)
	case concentration >= deviation && concentration > 0:
		reason = fmt.Sprintf("%.0f%% of %s volume from a single beneficiary", topShare*100, cfg.LongWindow)
	case deviation > 0:
		reason = fmt.Sprintf("ticket size deviates from the merchant average of %.0f", stats.avgTicket)
	}
	return score, reason
}

// Assess returns the engine's current view of the merchant, false when no
// payment has been observed yet.
func (e *Engine) Assess(merchantID string) (Assessment, bool) {
	if e == nil {
		return Assessment{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	stats, ok := e.stats[merchantID]
	if !ok {
		return Assessment{}, false
	}
	return Assessment{
		MerchantID: merchantID,
		Score:      stats.lastScore,
		Level:      e.levels[merchantID],
		Reason:     stats.lastReason,
		UpdatedAt:  stats.lastSeen,
	}, true
}

// Sweep evicts stale buckets for idle merchants and drops merchants with no
// activity inside the long window. Cancellation is honoured between
// merchants, never mid-update.
func (e *Engine) Sweep(ctx context.Context) error {
	if e == nil {
		return nil
	}
	now := e.nowFn()

	e.mu.Lock()
	ids := make([]string, 0, len(e.stats))
	for id := range e.stats {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.mu.Lock()
		if stats, ok := e.stats[id]; ok {
			stats.prune(now, e.cfg)
			if stats.idle() && now.Sub(stats.lastSeen) > e.cfg.LongWindow {
				delete(e.stats, id)
				delete(e.levels, id)
			}
		}
		e.mu.Unlock()
	}
	return nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func amountToFloat(amount *big.Int) float64 {
	if amount == nil {
		return 0
	}
	value, _ := new(big.Float).SetInt(amount).Float64()
	return value
}
