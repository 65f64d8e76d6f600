package events

import "time"

// Event enumerates topics published by the trading core.
type Event string

const (
	EventPriceTick        Event = "price_tick"
	EventTradeOpened      Event = "trade.opened"
	EventTradeClosed      Event = "trade.closed"
	EventRecoveryQueued   Event = "recovery.queued"
	EventRecoveryResolved Event = "recovery.resolved"
	EventExitTriggered    Event = "exit.triggered"
	EventHaltChanged      Event = "halt.changed"
	EventReconcileReport  Event = "reconcile.report"
)

// Envelope is what subscribers receive: the topic, when it happened and the payload.
type Envelope struct {
	Event   Event     `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// PriceTick is the payload of EventPriceTick.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// AllTradeEvents lists the topics streamed to API clients.
var AllTradeEvents = []Event{
	EventTradeOpened,
	EventTradeClosed,
	EventRecoveryQueued,
	EventRecoveryResolved,
	EventExitTriggered,
	EventHaltChanged,
	EventReconcileReport,
}
