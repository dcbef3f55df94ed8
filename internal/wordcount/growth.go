package wordcount

import (
	"context"
	"sort"
	"time"

	"ecfr-dashboard/internal/store"
)

const (
	DefaultGrowthDays = 365
	MaxGrowthDays     = 3650
	hotspotLimit      = 5
)

// GrowthHotspot captures a word-count increase over a window.
type GrowthHotspot struct {
	Agency   string `json:"agency"`
	Slug     string `json:"slug"`
	Delta    int    `json:"delta"`
	From     int    `json:"from"`
	To       int    `json:"to"`
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
	Window   int    `json:"window_days"`
}

// GrowthHotspots returns the agencies with the largest word-count increase
// between their oldest and newest totals dated within the last windowDays.
// Agencies with fewer than two totals in the window, or no increase, are
// left out.
func GrowthHotspots(ctx context.Context, st *store.Store, now time.Time, windowDays, limit int) ([]GrowthHotspot, error) {
	since := now.UTC().AddDate(0, 0, -windowDays).Format(time.DateOnly)
	rows, err := st.TotalsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	results := []GrowthHotspot{}
	// rows are ordered by agency then date
	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && rows[j].AgencySlug == rows[i].AgencySlug {
			j++
		}
		first, last := rows[i], rows[j-1]
		if j-i >= 2 && last.Words > first.Words {
			results = append(results, GrowthHotspot{
				Agency:   last.Name,
				Slug:     last.AgencySlug,
				Delta:    last.Words - first.Words,
				From:     first.Words,
				To:       last.Words,
				FromDate: first.Date,
				ToDate:   last.Date,
				Window:   windowDays,
			})
		}
		i = j
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Delta != results[j].Delta {
			return results[i].Delta > results[j].Delta
		}
		return results[i].Agency < results[j].Agency
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Hotspots is GrowthHotspots with the dashboard's limit of five.
func Hotspots(ctx context.Context, st *store.Store, now time.Time, windowDays int) ([]GrowthHotspot, error) {
	return GrowthHotspots(ctx, st, now, windowDays, hotspotLimit)
}
