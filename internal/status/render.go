package status

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// OnlinePlayer is a player in the current roster
type OnlinePlayer struct {
	Name         string
	SessionStart time.Time
}

// OfflinePlayer is a recently seen player who is not online now.
// A zero LastSeen means the time is unknown.
type OfflinePlayer struct {
	Name     string
	LastSeen time.Time
}

// Snapshot is everything the live message shows about one server
type Snapshot struct {
	Address        string
	Online         bool
	Capacity       int
	OnlineCount    int
	OnlinePlayers  []OnlinePlayer
	OfflinePlayers []OfflinePlayer
}

// Render builds the live message text. The output depends only on its
// arguments, so an unchanged server produces an unchanged message.
func Render(s Snapshot, now time.Time, loc *time.Location) string {
	blocks := []string{header(s)}

	var lines []string
	if s.Online {
		lines = append(lines, onlineLines(s.OnlinePlayers, now)...)
	}
	lines = append(lines, offlineLines(s.OfflinePlayers, now)...)
	if len(lines) > 0 {
		blocks = append(blocks, strings.Join(lines, "\n"))
	}

	blocks = append(blocks, footer(now, loc))
	return strings.Join(blocks, "\n\n")
}

func header(s Snapshot) string {
	if !s.Online {
		return fmt.Sprintf("%s Offline", s.Address)
	}
	count := max(s.OnlineCount, len(s.OnlinePlayers))
	return fmt.Sprintf("%s %d/%d", s.Address, count, s.Capacity)
}

func onlineLines(players []OnlinePlayer, now time.Time) []string {
	sorted := slices.Clone(players)
	slices.SortStableFunc(sorted, func(a, b OnlinePlayer) int {
		if c := b.SessionStart.Compare(a.SessionStart); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	lines := make([]string, 0, len(sorted))
	for _, p := range sorted {
		lines = append(lines, fmt.Sprintf("🟢 %s %s", p.Name, FormatSessionDuration(now.Sub(p.SessionStart))))
	}
	return lines
}

func offlineLines(players []OfflinePlayer, now time.Time) []string {
	sorted := slices.Clone(players)
	slices.SortStableFunc(sorted, func(a, b OfflinePlayer) int {
		switch {
		case a.LastSeen.IsZero() && !b.LastSeen.IsZero():
			return 1
		case !a.LastSeen.IsZero() && b.LastSeen.IsZero():
			return -1
		}
		if c := b.LastSeen.Compare(a.LastSeen); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	lines := make([]string, 0, len(sorted))
	for _, p := range sorted {
		if p.LastSeen.IsZero() {
			lines = append(lines, "⚪ "+p.Name)
			continue
		}
		lines = append(lines, fmt.Sprintf("⚪ %s ~ %s", p.Name, FormatTimeAgo(p.LastSeen, now)))
	}
	return lines
}

func footer(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return "Updated at " + now.In(loc).Format("15:04:05 MST")
}

// FormatSessionDuration formats time since joining: "just joined", "12m", "3h 5m"
func FormatSessionDuration(d time.Duration) string {
	if d < time.Minute {
		return "just joined"
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

var agoMagnitudes = []humanize.RelTimeMagnitude{
	{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
	{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
	{D: 2 * time.Hour, Format: "1 hour %s", DivBy: 1},
	{D: humanize.Day, Format: "%d hours %s", DivBy: time.Hour},
	{D: 2 * humanize.Day, Format: "1 day %s", DivBy: 1},
	{D: math.MaxInt64, Format: "%d days %s", DivBy: humanize.Day},
}

// FormatTimeAgo describes how long ago t was, at day/hour/minute granularity
func FormatTimeAgo(t, now time.Time) string {
	if now.Sub(t) < time.Minute {
		return "just now"
	}
	return humanize.CustomRelTime(t, now, "ago", "from now", agoMagnitudes)
}
