package storage

import "time"

// Server is a monitored Minecraft server
type Server struct {
	ID             string
	Address        string
	PollingEnabled bool
	LastPingAt     time.Time // zero if never pinged successfully
	CreatedAt      time.Time
}

// Player is a player observed on any server, keyed by protocol UUID
type Player struct {
	ID        int64
	UUID      string
	Name      string
	UpdatedAt time.Time
}

// PlayerSession is one continuous visit of a player on a server.
// EndTime is the heartbeat, refreshed on every poll that observes the player.
type PlayerSession struct {
	ID        int64
	ServerID  string
	PlayerID  int64
	StartTime time.Time
	EndTime   time.Time
}

// ChatWatcher is a chat that receives live status messages
type ChatWatcher struct {
	ChatID    string
	IsGroup   bool
	CreatedAt time.Time
}

// LiveMessage links a posted status message to a chat and server.
// The newest row per (chat, server) is the editable one.
type LiveMessage struct {
	ID        int64
	ChatID    string
	ServerID  string
	MessageID string
	AddedBy   string // user ID that created the subscription
	CreatedAt time.Time
}

// LivePlayer is a player with a heartbeat-fresh session on a server
type LivePlayer struct {
	PlayerID     int64
	UUID         string
	Name         string
	SessionStart time.Time
	LastSeen     time.Time
}

// RecentPlayer is a player seen on a server within some window
type RecentPlayer struct {
	PlayerID int64
	UUID     string
	Name     string
	LastSeen time.Time
}

// ServerActivity pairs a server with its latest session heartbeat
type ServerActivity struct {
	Server     *Server
	LastActive time.Time // zero if no player was ever seen
}

// SessionSpan is a session joined with its player's name, for reporting
type SessionSpan struct {
	PlayerID   int64
	PlayerName string
	StartTime  time.Time
	EndTime    time.Time
}
