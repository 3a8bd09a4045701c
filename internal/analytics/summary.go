package analytics

import (
	"time"
)

// DateLayout is the format of DailySummary.Date.
const DateLayout = "2006-01-02"

// DailySummary is the rollup of one entity's raw events over one UTC day.
// There is at most one per (EntityType, EntityID, Date).
type DailySummary struct {
	EntityType      EntityType         `json:"entity_type"`
	EntityID        string             `json:"entity_id"`
	Date            string             `json:"date"`
	TotalEvents     int64              `json:"total_events"`
	UniqueSessions  int64              `json:"unique_sessions"`
	EventCounts     map[string]int64   `json:"event_counts"`
	DeviceBreakdown map[string]int64   `json:"device_breakdown"`
	HourlyBreakdown []HourSlot         `json:"hourly_breakdown"`
	Rates           map[string]float64 `json:"rates"`
}

// HourSlot holds per-event-type counts for one UTC hour.
type HourSlot struct {
	Hour   int              `json:"hour"`
	Total  int64            `json:"total"`
	Counts map[string]int64 `json:"counts"`
}

// rateDef is a named ratio of summed event counts.
type rateDef struct {
	name        string
	numerator   []string
	denominator []string
}

var familyRates = map[EntityType][]rateDef{
	EntityOutlet: {
		{"profile_view_rate", []string{EventProfileView}, []string{EventImpression}},
		{"menu_view_rate", []string{EventMenuView}, []string{EventProfileView}},
		{"engagement_rate", []string{EventCallClick, EventDirectionClick}, []string{EventProfileView}},
	},
	EntityFoodItem: {
		{"view_rate", []string{EventView}, []string{EventImpression}},
		{"view_to_cart_rate", []string{EventAddToCart}, []string{EventView}},
	},
	EntityPromotion: {
		{"click_through_rate", []string{EventClick}, []string{EventImpression}},
		{"redemption_rate", []string{EventRedeem}, []string{EventClick}},
	},
}

// DayBounds returns the UTC day containing t as [start, end).
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// BuildSummary folds grouped events into a summary. Every known event type,
// device type and hour is present with a zero count when absent, so the same
// groups always yield the same document.
func BuildSummary(family EntityType, entityID string, day time.Time, groups []EventGroup) DailySummary {
	start, _ := DayBounds(day)
	s := DailySummary{
		EntityType:      family,
		EntityID:        entityID,
		Date:            start.Format(DateLayout),
		EventCounts:     zeroCounts(family.EventTypes()),
		DeviceBreakdown: zeroCounts(DeviceTypes),
		HourlyBreakdown: make([]HourSlot, 24),
		Rates:           make(map[string]float64),
	}
	for h := range s.HourlyBreakdown {
		s.HourlyBreakdown[h] = HourSlot{Hour: h, Counts: zeroCounts(family.EventTypes())}
	}

	sessions := make(map[string]struct{})
	for _, g := range groups {
		s.TotalEvents += g.Count
		s.EventCounts[g.EventType] += g.Count
		for _, id := range g.SessionIDs {
			if id != "" {
				sessions[id] = struct{}{}
			}
		}
	}
	s.UniqueSessions = int64(len(sessions))

	for _, device := range deviceKeys(groups) {
		for _, g := range groups {
			if g.DeviceType == device {
				s.DeviceBreakdown[device] += g.Count
			}
		}
	}

	for h := range s.HourlyBreakdown {
		slot := &s.HourlyBreakdown[h]
		for _, g := range groups {
			if g.Hour == h {
				slot.Counts[g.EventType] += g.Count
				slot.Total += g.Count
			}
		}
	}

	for _, r := range familyRates[family] {
		s.Rates[r.name] = ratio(sumOf(s.EventCounts, r.numerator), sumOf(s.EventCounts, r.denominator))
	}
	return s
}

func zeroCounts(keys []string) map[string]int64 {
	m := make(map[string]int64, len(keys))
	for _, k := range keys {
		m[k] = 0
	}
	return m
}

// deviceKeys returns the known device types followed by any other device
// values seen in groups.
func deviceKeys(groups []EventGroup) []string {
	keys := append([]string(nil), DeviceTypes...)
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, g := range groups {
		if !seen[g.DeviceType] {
			seen[g.DeviceType] = true
			keys = append(keys, g.DeviceType)
		}
	}
	return keys
}

func sumOf(counts map[string]int64, keys []string) int64 {
	var n int64
	for _, k := range keys {
		n += counts[k]
	}
	return n
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
