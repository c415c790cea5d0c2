package risk

import "time"

// ewmaAlpha weights the running average ticket toward recent payments.
const ewmaAlpha = 0.125

// bucket aggregates payments that landed inside one time slot.
type bucket struct {
	count    int
	total    float64
	byPayer  map[string]int
	payerAmt map[string]float64
}

func newBucket() *bucket {
	return &bucket{byPayer: make(map[string]int), payerAmt: make(map[string]float64)}
}

// merchantStats holds the rolling aggregates for one merchant. The short
// window is bucketed per minute, the long window per hour, so memory stays
// bounded regardless of payment volume.
type merchantStats struct {
	short map[int64]*bucket
	long  map[int64]*bucket

	lifetimeCount int64
	avgTicket     float64

	lastSeen   time.Time
	lastScore  float64
	lastReason string
}

func newMerchantStats() *merchantStats {
	return &merchantStats{
		short: make(map[int64]*bucket),
		long:  make(map[int64]*bucket),
	}
}

func (m *merchantStats) add(payer string, amount float64, ts time.Time, cfg Config) {
	sk := ts.Unix() / 60
	sb, ok := m.short[sk]
	if !ok {
		sb = newBucket()
		m.short[sk] = sb
	}
	sb.count++
	sb.total += amount
	sb.byPayer[payer]++
	sb.payerAmt[payer] += amount

	lk := ts.Unix() / 3600
	lb, ok := m.long[lk]
	if !ok {
		lb = newBucket()
		m.long[lk] = lb
	}
	lb.count++
	lb.total += amount
	lb.byPayer[payer]++
	lb.payerAmt[payer] += amount

	if ts.After(m.lastSeen) {
		m.lastSeen = ts
	}
}

// prune drops buckets that fell out of their window as of now.
func (m *merchantStats) prune(now time.Time, cfg Config) {
	shortFloor := now.Add(-cfg.ShortWindow).Unix() / 60
	for key := range m.short {
		if key < shortFloor {
			delete(m.short, key)
		}
	}
	longFloor := now.Add(-cfg.LongWindow).Unix() / 3600
	for key := range m.long {
		if key < longFloor {
			delete(m.long, key)
		}
	}
}

// shortCountFor counts payments from one payer across the live short window.
func (m *merchantStats) shortCountFor(payer string) int {
	total := 0
	for _, b := range m.short {
		total += b.byPayer[payer]
	}
	return total
}

// longProfile returns the long-window payment count, total volume, and the
// volume share of the single largest payer.
func (m *merchantStats) longProfile() (int, float64, float64) {
	count := 0
	total := 0.0
	byPayer := make(map[string]float64)
	for _, b := range m.long {
		count += b.count
		total += b.total
		for payer, amt := range b.payerAmt {
			byPayer[payer] += amt
		}
	}
	if total <= 0 {
		return count, total, 0
	}
	top := 0.0
	for _, amt := range byPayer {
		if amt > top {
			top = amt
		}
	}
	return count, total, top / total
}

// recordHistory folds the payment into the lifetime aggregates after scoring,
// so the deviation signal compares against history excluding the payment
// under inspection.
func (m *merchantStats) recordHistory(amount float64) {
	m.lifetimeCount++
	if m.avgTicket == 0 {
		m.avgTicket = amount
		return
	}
	m.avgTicket += ewmaAlpha * (amount - m.avgTicket)
}

func (m *merchantStats) idle() bool {
	return len(m.short) == 0 && len(m.long) == 0
}
