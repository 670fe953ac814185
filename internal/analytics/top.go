// Package analytics reports playtime from recorded player sessions.
package analytics

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

// TopLimit is the number of players listed per range
const TopLimit = 20

// Range is a reporting window ending now
type Range struct {
	Label    string
	Duration time.Duration
}

// DefaultRanges are the windows shown by the top players report
var DefaultRanges = []Range{
	{Label: "Last 24 hours", Duration: 24 * time.Hour},
	{Label: "Last 7 days", Duration: 7 * 24 * time.Hour},
	{Label: "Last 30 days", Duration: 30 * 24 * time.Hour},
}

// PlayerTime is a player's total playtime inside a range
type PlayerTime struct {
	PlayerID int64
	Name     string
	Total    time.Duration
}

// RangeReport is the ranking for one range
type RangeReport struct {
	Label   string
	Players []PlayerTime
}

// TopPlayers ranks players on a server by playtime for each default range
func TopPlayers(ctx context.Context, repo *storage.Repository, serverID string, now time.Time) ([]RangeReport, error) {
	reports := make([]RangeReport, 0, len(DefaultRanges))
	for _, r := range DefaultRanges {
		from := now.Add(-r.Duration)
		spans, err := repo.ListSessionSpans(ctx, serverID, from, now)
		if err != nil {
			return nil, fmt.Errorf("list sessions for %s: %w", r.Label, err)
		}
		reports = append(reports, RangeReport{
			Label:   r.Label,
			Players: Aggregate(spans, from, now, TopLimit),
		})
	}
	return reports, nil
}

// Aggregate sums session time per player, clipping each session to
// [from, to], and returns the top limit players by total.
func Aggregate(spans []*storage.SessionSpan, from, to time.Time, limit int) []PlayerTime {
	byPlayer := make(map[int64]*PlayerTime)
	for _, s := range spans {
		start := s.StartTime
		if start.Before(from) {
			start = from
		}
		end := s.EndTime
		if end.After(to) {
			end = to
		}
		if !end.After(start) {
			continue
		}

		pt, ok := byPlayer[s.PlayerID]
		if !ok {
			pt = &PlayerTime{PlayerID: s.PlayerID, Name: s.PlayerName}
			byPlayer[s.PlayerID] = pt
		}
		pt.Total += end.Sub(start)
	}

	players := make([]PlayerTime, 0, len(byPlayer))
	for _, pt := range byPlayer {
		players = append(players, *pt)
	}
	slices.SortFunc(players, func(a, b PlayerTime) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	if limit > 0 && len(players) > limit {
		players = players[:limit]
	}
	return players
}

// FormatReport renders the top players message for a server
func FormatReport(address string, reports []RangeReport) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Top players for `%s`:\n\n", address))

	for _, r := range reports {
		sb.WriteString(r.Label + ":\n")
		if len(r.Players) == 0 {
			sb.WriteString("No activity\n\n")
			continue
		}
		for i, p := range r.Players {
			sb.WriteString(fmt.Sprintf("%d. %s ~ %s\n", i+1, p.Name, FormatPlaytime(p.Total)))
		}
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}

// FormatPlaytime formats a total as "2d 3h 5m", "3h 5m" or "5m"
func FormatPlaytime(d time.Duration) string {
	total := int(d.Round(time.Minute) / time.Minute)
	days := total / (24 * 60)
	hours := total % (24 * 60) / 60
	minutes := total % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	parts = append(parts, fmt.Sprintf("%dm", minutes))
	return strings.Join(parts, " ")
}
