package lattice

import (
	"sort"
	"time"
)

const dateKeyLayout = "2006-01-02"

// DateGroup is one calendar-day bucket of a timeline view.
type DateGroup struct {
	DateKey     string    `json:"dateKey"`
	Label       string    `json:"label"`
	IsToday     bool      `json:"isToday"`
	IsYesterday bool      `json:"isYesterday"`
	Messages    []Message `json:"messages"`
}

// GroupByDate derives the date-grouped presentation view of a timeline.
//
// The view is pure and re-derivable: buckets are keyed by calendar date in
// now's location, emitted ascending, labeled "Today"/"Yesterday"/a formatted
// date relative to now, with messages keeping their timeline order. The
// input is defensively re-sorted; the projector holds no state.
func GroupByDate(timeline []Message, now time.Time) []DateGroup {
	msgs := append([]Message(nil), timeline...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].SortKey.Before(msgs[j].SortKey)
	})

	loc := now.Location()
	var groups []DateGroup
	for _, m := range msgs {
		key := m.SortKey.In(loc).Format(dateKeyLayout)
		if n := len(groups); n > 0 && groups[n-1].DateKey == key {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DateGroup{DateKey: key, Messages: []Message{m}})
	}

	today := now.In(loc).Format(dateKeyLayout)
	yesterday := now.In(loc).AddDate(0, 0, -1).Format(dateKeyLayout)
	for i := range groups {
		g := &groups[i]
		switch g.DateKey {
		case today:
			g.Label = "Today"
			g.IsToday = true
		case yesterday:
			g.Label = "Yesterday"
			g.IsYesterday = true
		default:
			if day, err := time.ParseInLocation(dateKeyLayout, g.DateKey, loc); err == nil {
				g.Label = day.Format("January 2, 2006")
			} else {
				g.Label = g.DateKey
			}
		}
	}
	return groups
}
