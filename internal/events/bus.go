// Package events provides the typed publish/subscribe bus connecting the
// admission controller, lifecycle tracker and the HTTP/websocket surface.
// Each event variant has its own payload struct and publish helper so emit
// and consume sites cannot drift apart silently.
package events

import (
	"sync"
	"time"
)

// Type enumerates the event variants on the bus.
type Type string

const (
	TypeCreated          Type = "created"
	TypeClosed           Type = "closed"
	TypeReduced          Type = "reduced"
	TypeGated            Type = "gated"
	TypePriceOverrideSet Type = "price_override_set"
	TypeConfigUpdated    Type = "config_updated"
	TypeTrackerStarted   Type = "tracker_started"
	TypeTrackerStopped   Type = "tracker_stopped"
)

// Event is a single published event. Exactly one payload pointer is set,
// matching Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Created          *CreatedPayload       `json:"created,omitempty"`
	Closed           *ClosedPayload        `json:"closed,omitempty"`
	Reduced          *ReducedPayload       `json:"reduced,omitempty"`
	Gated            *GatedPayload         `json:"gated,omitempty"`
	PriceOverrideSet *PriceOverridePayload `json:"price_override_set,omitempty"`
	ConfigUpdated    *ConfigUpdatedPayload `json:"config_updated,omitempty"`
	Tracker          *TrackerPayload       `json:"tracker,omitempty"`
}

// CreatedPayload announces an admitted recommendation.
type CreatedPayload struct {
	RecommendationID string  `json:"recommendation_id"`
	ChainID          string  `json:"chain_id"`
	Symbol           string  `json:"symbol"`
	Direction        string  `json:"direction"`
	EntryPrice       float64 `json:"entry_price"`
	PositionSize     float64 `json:"position_size"`
	Leverage         float64 `json:"leverage"`
	Source           string  `json:"source,omitempty"`
}

// ClosedPayload announces a terminal transition.
type ClosedPayload struct {
	RecommendationID string  `json:"recommendation_id"`
	Symbol           string  `json:"symbol"`
	Direction        string  `json:"direction"`
	ExitReason       string  `json:"exit_reason"`
	ExitPrice        float64 `json:"exit_price"`
	PnlPercent       float64 `json:"pnl_percent"`
	PnlAmount        float64 `json:"pnl_amount"`
}

// ReducedPayload announces a partial take-profit reduction.
type ReducedPayload struct {
	RecommendationID string  `json:"recommendation_id"`
	Symbol           string  `json:"symbol"`
	TPLevel          int     `json:"tp_level"`
	Price            float64 `json:"price"`
	ReductionCount   int     `json:"reduction_count"`
}

// GatedPayload announces a rejected admission attempt.
type GatedPayload struct {
	ChainID   string                 `json:"chain_id"`
	Symbol    string                 `json:"symbol"`
	Direction string                 `json:"direction"`
	Stage     string                 `json:"stage"`
	Code      string                 `json:"code"`
	Reason    string                 `json:"reason,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// PriceOverridePayload announces a test-time price override change.
type PriceOverridePayload struct {
	Symbol  string  `json:"symbol"`
	Price   float64 `json:"price,omitempty"`
	TTLMs   int64   `json:"ttl_ms,omitempty"`
	Cleared bool    `json:"cleared,omitempty"`
}

// ConfigUpdatedPayload announces an applied runtime config patch.
type ConfigUpdatedPayload struct {
	Changed  []string `json:"changed,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// TrackerPayload accompanies tracker start/stop events.
type TrackerPayload struct {
	IsRunning bool `json:"is_running"`
}

// Subscriber handles published events.
type Subscriber func(Event)

// Bus is the in-process event bus. Publish never blocks the caller;
// subscribers run on their own goroutines.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[Type][]Subscriber)}
}

// Subscribe registers a subscriber for one event type.
func (b *Bus) Subscribe(t Type, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[t] = append(b.subscribers[t], sub)
}

// SubscribeAll registers a subscriber for every event type.
func (b *Bus) SubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, sub)
}

// Publish delivers an event to its subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishCreated publishes a created event.
func (b *Bus) PublishCreated(p CreatedPayload) {
	b.Publish(Event{Type: TypeCreated, Created: &p})
}

// PublishClosed publishes a closed event.
func (b *Bus) PublishClosed(p ClosedPayload) {
	b.Publish(Event{Type: TypeClosed, Closed: &p})
}

// PublishReduced publishes a partial take-profit event.
func (b *Bus) PublishReduced(p ReducedPayload) {
	b.Publish(Event{Type: TypeReduced, Reduced: &p})
}

// PublishGated publishes a gated (rejected admission) event.
func (b *Bus) PublishGated(p GatedPayload) {
	b.Publish(Event{Type: TypeGated, Gated: &p})
}

// PublishPriceOverride publishes a price override change.
func (b *Bus) PublishPriceOverride(p PriceOverridePayload) {
	b.Publish(Event{Type: TypePriceOverrideSet, PriceOverrideSet: &p})
}

// PublishConfigUpdated publishes a runtime config change.
func (b *Bus) PublishConfigUpdated(p ConfigUpdatedPayload) {
	b.Publish(Event{Type: TypeConfigUpdated, ConfigUpdated: &p})
}

// PublishTracker publishes a tracker start/stop transition.
func (b *Bus) PublishTracker(running bool) {
	t := TypeTrackerStopped
	if running {
		t = TypeTrackerStarted
	}
	b.Publish(Event{Type: t, Tracker: &TrackerPayload{IsRunning: running}})
}
