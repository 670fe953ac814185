package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// channelAPI is the subset of *discordgo.Session used for live messages
type channelAPI interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessagePin(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// DiscordMessenger sends and edits live messages in Discord channels.
// All calls share one limiter so a large fan-out cannot flood the API.
type DiscordMessenger struct {
	api     channelAPI
	limiter *rate.Limiter
}

// NewDiscordMessenger creates a messenger allowing perSecond calls with the given burst
func NewDiscordMessenger(api channelAPI, perSecond float64, burst int) *DiscordMessenger {
	if burst <= 0 {
		burst = 1
	}
	return &DiscordMessenger{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (m *DiscordMessenger) wait(ctx context.Context) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// EditMessage replaces the content of an existing message
func (m *DiscordMessenger) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if _, err := m.api.ChannelMessageEdit(chatID, messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit message %s in %s: %w", messageID, chatID, err)
	}
	return nil
}

// SendMessage posts a new message and returns its ID
func (m *DiscordMessenger) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	msg, err := m.api.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", chatID, err)
	}
	return msg.ID, nil
}

// PinMessage pins a message in its channel
func (m *DiscordMessenger) PinMessage(ctx context.Context, chatID, messageID string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.api.ChannelMessagePin(chatID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("pin message %s in %s: %w", messageID, chatID, err)
	}
	return nil
}

// DeleteMessage removes a message
func (m *DiscordMessenger) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	if err := m.api.ChannelMessageDelete(chatID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete message %s in %s: %w", messageID, chatID, err)
	}
	return nil
}
