package metrics

import (
	"math/big"

	"reliefchain/core/events"
	"reliefchain/core/types"
	"reliefchain/native/governance"
)

// EventObserver folds engine events into the Prometheus registry. Wire it
// into a MultiEmitter alongside the notification channel so metrics never
// depend on a consumer draining events.
type EventObserver struct {
	metrics *ReliefMetrics
}

// NewEventObserver binds an observer to the shared registry.
func NewEventObserver() *EventObserver {
	return &EventObserver{metrics: Relief()}
}

// Emit implements events.Emitter.
func (o *EventObserver) Emit(evt events.Event) {
	if o == nil || o.metrics == nil || evt == nil {
		return
	}
	carrier, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	payload := carrier.Event()
	if payload == nil {
		return
	}
	switch payload.Type {
	case events.TypePaymentSettled:
		o.metrics.ObservePayment("confirmed")
		o.metrics.ObserveTokenVolume("payment", parseAmount(payload.Attributes["amount"]))
	case events.TypeTokenMinted:
		o.metrics.ObserveTokenVolume("mint", parseAmount(payload.Attributes["amount"]))
	case events.TypeTokenBurned:
		o.metrics.ObserveTokenVolume("burn", parseAmount(payload.Attributes["amount"]))
	case events.TypeRiskFlagged:
		o.metrics.ObserveRiskFlag(payload.Attributes["level"])
	case governance.EventTypeProposalFinalized:
		o.metrics.ObserveProposalFinalized(payload.Attributes["status"])
	}
}

func parseAmount(raw string) *big.Int {
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}
