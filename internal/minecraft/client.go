package minecraft

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Tnze/go-mc/bot"
	"github.com/Tnze/go-mc/chat"
	"github.com/google/uuid"
)

// DefaultTimeout bounds a single server list ping
const DefaultTimeout = 3 * time.Second

// Player is one entry of the online roster
type Player struct {
	Key  string // protocol UUID, stable across renames
	Name string
}

// Result is the normalized outcome of a ping. Online is false for every
// kind of failure; Err carries the cause for logging only.
type Result struct {
	Online      bool
	Capacity    int
	OnlineCount int
	Players     []Player
	MOTD        string
	Version     string
	Protocol    int
	Latency     time.Duration
	Err         error
}

// Offline builds a failed result
func Offline(err error) Result {
	return Result{Err: err}
}

type pingFunc func(ctx context.Context, addr string) ([]byte, time.Duration, error)

// Client pings Minecraft servers using the server list ping protocol
type Client struct {
	timeout time.Duration
	ping    pingFunc
}

// NewClient creates a new ping client
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		timeout: timeout,
		ping:    bot.PingAndListContext,
	}
}

// Ping queries one server. It never returns an error: timeouts, refused
// connections and undecodable responses all come back as offline.
func (c *Client) Ping(ctx context.Context, address string) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Offline(fmt.Errorf("ping panicked: %v", r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, latency, err := c.ping(ctx, strings.TrimSpace(address))
	if err != nil {
		slog.Debug("Ping failed", "server", address, "error", err)
		return Offline(fmt.Errorf("ping %s: %w", address, err))
	}

	result, err = decodeStatus(raw)
	if err != nil {
		slog.Debug("Undecodable ping response", "server", address, "error", err)
		return Offline(fmt.Errorf("decode %s: %w", address, err))
	}
	result.Latency = latency
	return result
}

// statusResponse is the JSON body of a server list ping response
type statusResponse struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int `json:"max"`
		Online int `json:"online"`
		Sample []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"sample"`
	} `json:"players"`
	Description chat.Message `json:"description"`
}

func decodeStatus(raw []byte) (Result, error) {
	var resp statusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Result{}, err
	}

	result := Result{
		Online:      true,
		Capacity:    resp.Players.Max,
		OnlineCount: resp.Players.Online,
		MOTD:        resp.Description.ClearString(),
		Version:     resp.Version.Name,
		Protocol:    resp.Version.Protocol,
		Players:     make([]Player, 0, len(resp.Players.Sample)),
	}

	seen := make(map[string]bool, len(resp.Players.Sample))
	for _, sample := range resp.Players.Sample {
		id, err := uuid.Parse(sample.ID)
		// Servers that hide their roster report fake entries with the nil UUID
		if err != nil || id == uuid.Nil || sample.Name == "" {
			continue
		}
		key := id.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		result.Players = append(result.Players, Player{Key: key, Name: sample.Name})
	}

	return result, nil
}
