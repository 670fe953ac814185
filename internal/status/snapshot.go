package status

import (
	"time"

	"github.com/tsvetkovv/mc-status-bot/internal/minecraft"
	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

// DefaultRecentWindow is how far back offline players are listed
const DefaultRecentWindow = 7 * 24 * time.Hour

// BuildSnapshot combines a ping result with stored session state.
// Online players are the current roster, using the start of their live
// session; offline players are recently seen players not in the roster.
func BuildSnapshot(address string, result minecraft.Result, live []*storage.LivePlayer, recent []*storage.RecentPlayer, now time.Time) Snapshot {
	s := Snapshot{
		Address: address,
		Online:  result.Online,
	}

	onlineKeys := make(map[string]bool)
	if result.Online {
		s.Capacity = result.Capacity
		s.OnlineCount = result.OnlineCount

		starts := make(map[string]time.Time, len(live))
		for _, p := range live {
			starts[p.UUID] = p.SessionStart
		}

		for _, p := range result.Players {
			if onlineKeys[p.Key] {
				continue
			}
			onlineKeys[p.Key] = true
			start, ok := starts[p.Key]
			if !ok {
				// heartbeat was not stored this cycle
				start = now
			}
			s.OnlinePlayers = append(s.OnlinePlayers, OnlinePlayer{Name: p.Name, SessionStart: start})
		}
	}

	for _, p := range recent {
		if onlineKeys[p.UUID] {
			continue
		}
		s.OfflinePlayers = append(s.OfflinePlayers, OfflinePlayer{Name: p.Name, LastSeen: p.LastSeen})
	}

	return s
}
