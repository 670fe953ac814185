// Package fanout pushes a rendered server status to every chat subscribed
// to that server and repairs subscriptions whose message went missing.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

// DefaultCallTimeout bounds a single outbound messaging call
const DefaultCallTimeout = 10 * time.Second

// Messenger is the outbound chat API
type Messenger interface {
	EditMessage(ctx context.Context, chatID, messageID, text string) error
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	PinMessage(ctx context.Context, chatID, messageID string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
}

// Outcome is how delivery to one chat ended
type Outcome int

const (
	// Edited means the existing message was updated in place
	Edited Outcome = iota
	// Repaired means the old message was replaced by a newly sent one
	Repaired
	// Dropped means the chat was unreachable and its subscription removed
	Dropped
	// Failed means a storage error interrupted the ladder; the next pass retries
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Edited:
		return "edited"
	case Repaired:
		return "repaired"
	case Dropped:
		return "dropped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is the result for one chat
type Delivery struct {
	ChatID  string
	Outcome Outcome
	Err     error
}

// ErrUnreachable is returned by Subscribe when the status message cannot be posted
var ErrUnreachable = errors.New("chat unreachable")

// FanOut owns live message and chat watcher writes. Work on one chat is
// serialized, so a registration never interleaves with a repair.
type FanOut struct {
	repo        *storage.Repository
	messenger   Messenger
	callTimeout time.Duration
	now         func() time.Time

	mu    sync.Mutex
	chats map[string]*sync.Mutex
}

// New creates a fan-out over repo and messenger
func New(repo *storage.Repository, messenger Messenger, callTimeout time.Duration) *FanOut {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &FanOut{
		repo:        repo,
		messenger:   messenger,
		callTimeout: callTimeout,
		now:         time.Now,
		chats:       make(map[string]*sync.Mutex),
	}
}

// lockChat blocks until the caller owns the chat and returns the release func
func (f *FanOut) lockChat(chatID string) func() {
	f.mu.Lock()
	l, ok := f.chats[chatID]
	if !ok {
		l = &sync.Mutex{}
		f.chats[chatID] = l
	}
	f.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Deliver updates every chat subscribed to the server with text. Chats are
// handled one after another; a failure in one chat does not affect the rest.
func (f *FanOut) Deliver(ctx context.Context, serverID, text string) ([]Delivery, error) {
	targets, err := f.repo.ListEditableLiveMessages(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("list live messages for %s: %w", serverID, err)
	}

	deliveries := make([]Delivery, 0, len(targets))
	for _, target := range targets {
		outcome, skipped, err := f.deliverChat(ctx, target.ChatID, serverID, text)
		if skipped {
			continue
		}
		if err != nil {
			slog.Error("Live message delivery failed", "chat", target.ChatID, "server", serverID,
				"outcome", outcome, "error", err)
		} else {
			slog.Debug("Delivered live message", "chat", target.ChatID, "server", serverID, "outcome", outcome)
		}
		deliveries = append(deliveries, Delivery{ChatID: target.ChatID, Outcome: outcome, Err: err})
	}
	return deliveries, nil
}

// deliverChat runs the ladder for one chat while holding its lock, reading
// the editable row again under it. skipped reports that the chat no longer
// follows the server.
func (f *FanOut) deliverChat(ctx context.Context, chatID, serverID, text string) (outcome Outcome, skipped bool, err error) {
	unlock := f.lockChat(chatID)
	defer unlock()

	rows, err := f.repo.ListChatLiveMessages(ctx, chatID, serverID)
	if err != nil {
		return Failed, false, fmt.Errorf("reload live message for %s: %w", chatID, err)
	}
	if len(rows) == 0 {
		return 0, true, nil
	}

	outcome, err = f.deliver(ctx, rows[0], text)
	return outcome, false, err
}

// Subscribe posts text as a new live message in the chat, records the
// subscription and retires any earlier live messages the chat had for the
// server. Failing to post returns ErrUnreachable and records nothing.
func (f *FanOut) Subscribe(ctx context.Context, chatID string, isGroup bool, serverID, text, addedBy string) (*storage.LiveMessage, error) {
	unlock := f.lockChat(chatID)
	defer unlock()

	var messageID string
	if err := f.call(ctx, func(ctx context.Context) error {
		var err error
		messageID, err = f.messenger.SendMessage(ctx, chatID, text)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if err := f.call(ctx, func(ctx context.Context) error {
		return f.messenger.PinMessage(ctx, chatID, messageID)
	}); err != nil {
		slog.Info("Could not pin live message", "chat", chatID, "message", messageID, "error", err)
	}

	sub, err := f.repo.CreateSubscription(ctx, chatID, isGroup, serverID, messageID, addedBy, f.now())
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	older, err := f.repo.ListChatLiveMessages(ctx, chatID, serverID)
	if err != nil {
		return sub, fmt.Errorf("list earlier live messages in %s: %w", chatID, err)
	}
	for _, m := range older {
		if m.ID == sub.ID {
			continue
		}
		if err := f.call(ctx, func(ctx context.Context) error {
			return f.messenger.DeleteMessage(ctx, chatID, m.MessageID)
		}); err != nil {
			slog.Debug("Could not delete earlier live message", "chat", chatID, "message", m.MessageID, "error", err)
		}
	}
	return sub, f.prune(ctx, sub)
}

// deliver walks the repair ladder for one chat: edit in place, otherwise
// replace the message, otherwise drop the chat.
func (f *FanOut) deliver(ctx context.Context, target *storage.LiveMessage, text string) (Outcome, error) {
	editErr := f.call(ctx, func(ctx context.Context) error {
		return f.messenger.EditMessage(ctx, target.ChatID, target.MessageID, text)
	})
	if editErr == nil {
		if err := f.prune(ctx, target); err != nil {
			return Edited, err
		}
		return Edited, nil
	}
	slog.Info("Live message edit failed, resending", "chat", target.ChatID, "message", target.MessageID, "error", editErr)

	// The old message may still exist; remove it before sending a replacement
	if err := f.call(ctx, func(ctx context.Context) error {
		return f.messenger.DeleteMessage(ctx, target.ChatID, target.MessageID)
	}); err != nil {
		slog.Debug("Could not delete stale message", "chat", target.ChatID, "message", target.MessageID, "error", err)
	}

	if err := f.repo.DeleteLiveMessage(ctx, target.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Failed, fmt.Errorf("delete stale live message %d: %w", target.ID, err)
	}

	var messageID string
	sendErr := f.call(ctx, func(ctx context.Context) error {
		var err error
		messageID, err = f.messenger.SendMessage(ctx, target.ChatID, text)
		return err
	})
	if sendErr != nil {
		if err := f.repo.DeleteChatWatcher(ctx, target.ChatID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Failed, fmt.Errorf("drop chat %s after send failure (%v): %w", target.ChatID, sendErr, err)
		}
		slog.Warn("Chat unreachable, subscription removed", "chat", target.ChatID, "error", sendErr)
		return Dropped, nil
	}

	if err := f.call(ctx, func(ctx context.Context) error {
		return f.messenger.PinMessage(ctx, target.ChatID, messageID)
	}); err != nil {
		slog.Info("Could not pin live message", "chat", target.ChatID, "message", messageID, "error", err)
	}

	replacement := &storage.LiveMessage{
		ChatID:    target.ChatID,
		ServerID:  target.ServerID,
		MessageID: messageID,
		AddedBy:   target.AddedBy,
		CreatedAt: f.now(),
	}
	if err := f.repo.CreateLiveMessage(ctx, replacement); err != nil {
		return Failed, fmt.Errorf("record replacement message %s: %w", messageID, err)
	}
	if err := f.prune(ctx, replacement); err != nil {
		return Repaired, err
	}
	return Repaired, nil
}

// prune removes superseded rows for the kept message's (chat, server)
func (f *FanOut) prune(ctx context.Context, keep *storage.LiveMessage) error {
	n, err := f.repo.PruneLiveMessages(ctx, keep.ChatID, keep.ServerID, keep.ID)
	if err != nil {
		return fmt.Errorf("prune superseded live messages in %s: %w", keep.ChatID, err)
	}
	if n > 0 {
		slog.Debug("Pruned superseded live messages", "chat", keep.ChatID, "count", n)
	}
	return nil
}

// call runs one outbound request under its own timeout
func (f *FanOut) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()
	return fn(ctx)
}
