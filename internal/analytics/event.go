// Package analytics holds the tracking event model, the dedup-and-persist
// event processor and the daily rollup engine.
package analytics

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// EntityType is the tracked entity family an event belongs to.
type EntityType string

const (
	EntityOutlet    EntityType = "outlet"
	EntityFoodItem  EntityType = "food_item"
	EntityPromotion EntityType = "promotion"
)

// EntityTypes lists every family in a fixed order.
var EntityTypes = []EntityType{EntityOutlet, EntityFoodItem, EntityPromotion}

// Valid reports whether t is a known family.
func (t EntityType) Valid() bool {
	_, ok := familyEventTypes[t]
	return ok
}

// EventTypes returns the event types accepted for the family, in summary order.
func (t EntityType) EventTypes() []string {
	return familyEventTypes[t]
}

// AcceptsEvent reports whether eventType is valid for the family.
func (t EntityType) AcceptsEvent(eventType string) bool {
	for _, et := range familyEventTypes[t] {
		if et == eventType {
			return true
		}
	}
	return false
}

// Event types. Impression and view are shared by several families.
const (
	EventImpression     = "impression"
	EventView           = "view"
	EventProfileView    = "profile_view"
	EventMenuView       = "menu_view"
	EventCallClick      = "call_click"
	EventDirectionClick = "direction_click"
	EventShare          = "share"
	EventAddToCart      = "add_to_cart"
	EventFavorite       = "favorite"
	EventClick          = "click"
	EventRedeem         = "redeem"
)

var familyEventTypes = map[EntityType][]string{
	EntityOutlet:    {EventImpression, EventProfileView, EventMenuView, EventCallClick, EventDirectionClick, EventShare},
	EntityFoodItem:  {EventImpression, EventView, EventAddToCart, EventFavorite},
	EntityPromotion: {EventImpression, EventView, EventClick, EventRedeem},
}

// Device types, in summary order.
const (
	DeviceMobile  = "mobile"
	DeviceDesktop = "desktop"
	DeviceTablet  = "tablet"
)

// DeviceTypes lists every device type in a fixed order.
var DeviceTypes = []string{DeviceMobile, DeviceDesktop, DeviceTablet}

// RawEvent is one client action. It is never mutated after ingestion builds it.
type RawEvent struct {
	EntityType EntityType     `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	EventType  string         `json:"event_type"`
	SessionID  string         `json:"session_id"`
	DeviceType string         `json:"device_type"`
	Source     string         `json:"source,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	EventHash  string         `json:"event_hash"`
}

// ComputeHash returns the event's identity fingerprint: BLAKE2b-256 over the
// length-prefixed identity fields, hex encoded. Context is not part of the
// identity, and the timestamp is normalized to UTC.
func (e *RawEvent) ComputeHash() string {
	h, _ := blake2b.New256(nil)
	var n [4]byte
	for _, f := range []string{
		string(e.EntityType),
		e.EntityID,
		e.EventType,
		e.SessionID,
		e.DeviceType,
		e.Source,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	} {
		binary.BigEndian.PutUint32(n[:], uint32(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WithHash returns a copy of e whose EventHash matches its identity fields.
// The second result is false when an existing hash had to be replaced.
func (e RawEvent) WithHash() (RawEvent, bool) {
	sum := e.ComputeHash()
	ok := e.EventHash == "" || e.EventHash == sum
	e.EventHash = sum
	return e, ok
}
