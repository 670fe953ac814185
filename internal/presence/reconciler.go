// Package presence turns point-in-time pings into player session history.
//
// A session's end time is a lease: every ping that sees the player renews
// it, and a player whose lease is older than the grace window has left.
// The protocol never reports departures, only absence.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tsvetkovv/mc-status-bot/internal/minecraft"
	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

const (
	// DefaultStaleAfter is how long a server may stay unreachable before polling is disabled
	DefaultStaleAfter = 7 * 24 * time.Hour
	// DefaultGraceFloor is the smallest grace window regardless of poll interval
	DefaultGraceFloor = 3 * time.Minute
)

// Config tunes the reconciler
type Config struct {
	PollInterval time.Duration
	GraceFloor   time.Duration
	StaleAfter   time.Duration
}

// Outcome summarizes what one reconciliation changed
type Outcome struct {
	Disabled bool // polling was turned off for a long-dead server
	Opened   int
	Extended int
	Failed   int
}

// Reconciler owns player and session writes
type Reconciler struct {
	repo       *storage.Repository
	grace      time.Duration
	staleAfter time.Duration
}

// NewReconciler creates a reconciler writing to repo
func NewReconciler(repo *storage.Repository, cfg Config) *Reconciler {
	if cfg.GraceFloor <= 0 {
		cfg.GraceFloor = DefaultGraceFloor
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		repo:       repo,
		grace:      GraceWindow(cfg.PollInterval, cfg.GraceFloor),
		staleAfter: cfg.StaleAfter,
	}
}

// GraceWindow is max(1.5 × interval, floor)
func GraceWindow(interval, floor time.Duration) time.Duration {
	grace := interval * 3 / 2
	if grace < floor {
		return floor
	}
	return grace
}

// Grace returns the window inside which a heartbeat counts as online
func (r *Reconciler) Grace() time.Duration {
	return r.grace
}

// Reconcile applies one ping result for a server
func (r *Reconciler) Reconcile(ctx context.Context, server *storage.Server, result minecraft.Result, now time.Time) (Outcome, error) {
	if !result.Online {
		return r.reconcileOffline(ctx, server, now)
	}

	var out Outcome
	since := now.Add(-r.grace)
	for _, p := range result.Players {
		opened, err := r.heartbeat(ctx, server.ID, p, now, since)
		if err != nil {
			out.Failed++
			slog.Error("Failed to record heartbeat", "server", server.Address, "player", p.Name, "error", err)
			continue
		}
		if opened {
			out.Opened++
		} else {
			out.Extended++
		}
	}

	if err := r.repo.RecordPing(ctx, server.ID, now); err != nil {
		return out, fmt.Errorf("record ping for %s: %w", server.Address, err)
	}
	server.LastPingAt = now

	if out.Opened > 0 || out.Failed > 0 {
		slog.Info("Reconciled sessions", "server", server.Address,
			"opened", out.Opened, "extended", out.Extended, "failed", out.Failed)
	}
	return out, nil
}

func (r *Reconciler) reconcileOffline(ctx context.Context, server *storage.Server, now time.Time) (Outcome, error) {
	reference := server.LastPingAt
	if reference.IsZero() {
		reference = server.CreatedAt
	}
	if now.Sub(reference) <= r.staleAfter {
		return Outcome{}, nil
	}

	if err := r.repo.SetPollingEnabled(ctx, server.ID, false); err != nil {
		return Outcome{}, fmt.Errorf("disable %s: %w", server.Address, err)
	}
	server.PollingEnabled = false

	slog.Warn("Disabled polling for unreachable server", "server", server.Address, "lastPing", reference)
	return Outcome{Disabled: true}, nil
}

// heartbeat renews the player's lease or opens a new session. It reports
// whether a session was opened.
func (r *Reconciler) heartbeat(ctx context.Context, serverID string, p minecraft.Player, now, since time.Time) (bool, error) {
	var opened bool
	err := r.repo.WithSessionTx(ctx, func(tx *storage.SessionTx) error {
		playerID, err := tx.UpsertPlayer(ctx, p.Key, p.Name, now)
		if err != nil {
			return err
		}

		session, err := tx.FreshSession(ctx, serverID, playerID, since)
		switch {
		case err == nil:
			return tx.ExtendSession(ctx, session.ID, now)
		case errors.Is(err, storage.ErrNotFound):
			opened = true
			_, err = tx.OpenSession(ctx, serverID, playerID, now)
			return err
		default:
			return err
		}
	})
	return opened, err
}
