package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/tsvetkovv/mc-status-bot/internal/analytics"
	"github.com/tsvetkovv/mc-status-bot/internal/fanout"
	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

const commandTimeout = 15 * time.Second

// adminCommands lists the commands restricted to configured admins
var adminCommands = map[string]bool{
	"servers":           true,
	"changeserver":      true,
	"removeserver":      true,
	"enableserver":      true,
	"disableserver":     true,
	"polling":           true,
	"livemessages":      true,
	"removelivemessage": true,
}

func serverIDOption(description string) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "id",
		Description: description,
		Required:    true,
	}
}

// Slash command definitions
func (b *Bot) getCommandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "addserver",
			Description: "Post a live status message for a Minecraft server in this channel",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "address",
					Description: "Server address (e.g., play.example.net or play.example.net:25565)",
					Required:    true,
				},
			},
		},
		{
			Name:        "topplayers",
			Description: "Show the players with the most playtime on this channel's server",
		},
		{
			Name:        "servers",
			Description: "List all tracked servers",
		},
		{
			Name:        "changeserver",
			Description: "Move a server to a new address, keeping its history and live messages",
			Options: []*discordgo.ApplicationCommandOption{
				serverIDOption("The server ID from /servers"),
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "address",
					Description: "The new server address",
					Required:    true,
				},
			},
		},
		{
			Name:        "removeserver",
			Description: "Remove a server with its sessions and live messages",
			Options:     []*discordgo.ApplicationCommandOption{serverIDOption("The server ID from /servers")},
		},
		{
			Name:        "enableserver",
			Description: "Resume polling a server",
			Options:     []*discordgo.ApplicationCommandOption{serverIDOption("The server ID from /servers")},
		},
		{
			Name:        "disableserver",
			Description: "Stop polling a server",
			Options:     []*discordgo.ApplicationCommandOption{serverIDOption("The server ID from /servers")},
		},
		{
			Name:        "polling",
			Description: "Control the status poller",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "action",
					Description: "What to do",
					Required:    true,
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "start", Value: "start"},
						{Name: "stop", Value: "stop"},
						{Name: "status", Value: "status"},
					},
				},
			},
		},
		{
			Name:        "livemessages",
			Description: "List all live status messages",
		},
		{
			Name:        "removelivemessage",
			Description: "Stop updating a live status message",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "id",
					Description: "The live message ID from /livemessages",
					Required:    true,
				},
			},
		},
	}
}

// registerCommands registers all slash commands with Discord
func (b *Bot) registerCommands() error {
	slog.Info("Registering slash commands")

	commandDefinitions := b.getCommandDefinitions()
	for _, cmd := range commandDefinitions {
		_, err := b.session.ApplicationCommandCreate(
			b.session.State.User.ID,
			"", // Empty string = global command
			cmd,
		)
		if err != nil {
			return fmt.Errorf("failed to register command %s: %w", cmd.Name, err)
		}
		slog.Debug("Registered command", "name", cmd.Name)
	}

	slog.Info("Slash commands registered", "count", len(commandDefinitions))
	return nil
}

// handleAddServer handles the /addserver command
func (b *Bot) handleAddServer(s *discordgo.Session, i *discordgo.InteractionCreate) {
	address := i.ApplicationCommandData().Options[0].StringValue()

	// Pinging can take a few seconds, respond immediately to avoid timeout
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, err := b.addServer(ctx, i.ChannelID, i.GuildID != "", interactionUserID(i), address)
	if err != nil {
		slog.Error("Failed to add server", "address", address, "channel", i.ChannelID, "error", err)
		reply = "Failed to add the server. Please try again."
	}
	b.editResponse(s, i, reply)
}

// addServer posts a live message for address into the chat and subscribes
// the chat to it. Unknown servers are created only when they answer a ping.
func (b *Bot) addServer(ctx context.Context, chatID string, isGroup bool, userID, address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return "Please provide a server address.", nil
	}

	now := b.now()
	result := b.prober.Ping(ctx, address)

	srv, err := b.repo.GetServerByAddress(ctx, address)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !result.Online {
			slog.Info("Refusing unreachable server", "address", address, "error", result.Err)
			return fmt.Sprintf("The server `%s` is not responding.", address), nil
		}
		srv, err = b.repo.CreateServer(ctx, address, now)
		if err != nil {
			return "", fmt.Errorf("create server: %w", err)
		}
		slog.Info("Server added", "server", address, "id", srv.ID, "user", userID)
	case err != nil:
		return "", fmt.Errorf("look up server: %w", err)
	case !srv.PollingEnabled:
		if err := b.poller.EnableServer(ctx, srv.ID); err != nil {
			return "", fmt.Errorf("enable server: %w", err)
		}
		srv.PollingEnabled = true
	}

	text, err := b.poller.Render(ctx, srv, result, now)
	if err != nil {
		return "", fmt.Errorf("render status: %w", err)
	}

	if _, err := b.fanout.Subscribe(ctx, chatID, isGroup, srv.ID, text, userID); err != nil {
		if errors.Is(err, fanout.ErrUnreachable) {
			slog.Warn("Failed to post live message", "channel", chatID, "error", err)
			return "I can't post messages in this channel. Check my permissions and try again.", nil
		}
		return "", fmt.Errorf("subscribe: %w", err)
	}

	return fmt.Sprintf("The server `%s` has been added. Its status will be kept up to date in this channel.", srv.Address), nil
}

// handleChangeServer handles the /changeserver command
func (b *Bot) handleChangeServer(s *discordgo.Session, i *discordgo.InteractionCreate) {
	options := i.ApplicationCommandData().Options
	id := options[0].StringValue()
	address := options[1].StringValue()

	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, err := b.changeServer(ctx, id, address)
	if err != nil {
		slog.Error("Failed to change server", "id", id, "address", address, "error", err)
		reply = "Failed to update the server address. Please try again."
	}
	b.editResponse(s, i, reply)
}

// changeServer moves a server to a new address. The new address must answer
// a ping; sessions and live messages stay with the server.
func (b *Bot) changeServer(ctx context.Context, id, address string) (string, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return "Please provide a server address.", nil
	}

	srv, err := b.repo.GetServer(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Sprintf("Server `%s` not found.", id), nil
	}
	if err != nil {
		return "", fmt.Errorf("look up server: %w", err)
	}
	if srv.Address == address {
		return fmt.Sprintf("Server `%s` already uses that address.", address), nil
	}

	if result := b.prober.Ping(ctx, address); !result.Online {
		slog.Info("Refusing unreachable address", "address", address, "error", result.Err)
		return fmt.Sprintf("The new address `%s` is not reachable. Please check the address and try again.", address), nil
	}

	err = b.repo.UpdateServerAddress(ctx, id, address)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return fmt.Sprintf("Another server already uses `%s`.", address), nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("Server `%s` not found.", id), nil
	case err != nil:
		return "", fmt.Errorf("update address: %w", err)
	}

	slog.Info("Server address changed", "id", id, "from", srv.Address, "to", address)
	return fmt.Sprintf("Server address updated from `%s` to `%s`.", srv.Address, address), nil
}

// handleTopPlayers handles the /topplayers command
func (b *Bot) handleTopPlayers(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, err := b.topPlayers(ctx, i.ChannelID)
	if err != nil {
		slog.Error("Failed to build top players", "channel", i.ChannelID, "error", err)
		respondEphemeral(s, i, "Failed to retrieve top players.")
		return
	}
	respondWithMessage(s, i, reply)
}

func (b *Bot) topPlayers(ctx context.Context, chatID string) (string, error) {
	srv, err := b.repo.LatestServerForChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return "No server is tracked in this channel. Use `/addserver` to add one!", nil
	}
	if err != nil {
		return "", fmt.Errorf("find server for chat: %w", err)
	}

	reports, err := analytics.TopPlayers(ctx, b.repo, srv.ID, b.now())
	if err != nil {
		return "", err
	}
	return analytics.FormatReport(srv.Address, reports), nil
}

// handleServers handles the /servers command
func (b *Bot) handleServers(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, err := b.listServers(ctx)
	if err != nil {
		slog.Error("Failed to list servers", "error", err)
		reply = "Failed to retrieve server list."
	}
	respondEphemeral(s, i, reply)
}

func (b *Bot) listServers(ctx context.Context) (string, error) {
	servers, err := b.repo.ListServerActivity(ctx)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "No servers found. Use `/addserver` to add one!", nil
	}

	var sb strings.Builder
	sb.WriteString("**Servers:**\n\n")
	for _, sa := range servers {
		lastActive := "Never active"
		if !sa.LastActive.IsZero() {
			lastActive = "Last active: " + sa.LastActive.In(b.config.Location).Format("2006-01-02")
		}
		polling := "polling on"
		if !sa.Server.PollingEnabled {
			polling = "polling off"
		}
		sb.WriteString(fmt.Sprintf("- `%s` (%s, %s)\n  id: `%s`\n", sa.Server.Address, lastActive, polling, sa.Server.ID))
	}
	return sb.String(), nil
}

// handleRemoveServer handles the /removeserver command
func (b *Bot) handleRemoveServer(s *discordgo.Session, i *discordgo.InteractionCreate) {
	id := i.ApplicationCommandData().Options[0].StringValue()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	srv, err := b.repo.GetServer(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		respondEphemeral(s, i, fmt.Sprintf("Server `%s` not found.", id))
		return
	}
	if err == nil {
		err = b.repo.DeleteServer(ctx, id)
	}
	if err != nil {
		slog.Error("Failed to remove server", "id", id, "error", err)
		respondEphemeral(s, i, "Failed to remove server. Please try again.")
		return
	}

	slog.Info("Server removed", "server", srv.Address, "id", id)
	respondEphemeral(s, i, fmt.Sprintf("Server `%s` removed.", srv.Address))
}

// handleServerPolling handles /enableserver and /disableserver
func (b *Bot) handleServerPolling(s *discordgo.Session, i *discordgo.InteractionCreate, enabled bool) {
	id := i.ApplicationCommandData().Options[0].StringValue()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	if enabled {
		err = b.poller.EnableServer(ctx, id)
	} else {
		err = b.poller.DisableServer(ctx, id)
	}

	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondEphemeral(s, i, fmt.Sprintf("Server `%s` not found.", id))
	case err != nil:
		slog.Error("Failed to change server polling", "id", id, "enabled", enabled, "error", err)
		respondEphemeral(s, i, "Failed to update server. Please try again.")
	case enabled:
		respondEphemeral(s, i, fmt.Sprintf("Polling enabled for server `%s`.", id))
	default:
		respondEphemeral(s, i, fmt.Sprintf("Polling disabled for server `%s`.", id))
	}
}

// handlePolling handles the /polling command
func (b *Bot) handlePolling(s *discordgo.Session, i *discordgo.InteractionCreate) {
	respondEphemeral(s, i, b.controlPolling(i.ApplicationCommandData().Options[0].StringValue()))
}

func (b *Bot) controlPolling(action string) string {
	switch action {
	case "start":
		b.poller.Start()
		slog.Info("Status polling started by admin")
		return "Server polling started."
	case "stop":
		b.poller.Stop()
		slog.Info("Status polling stopped by admin")
		return "Server polling stopped."
	case "status":
		return fmt.Sprintf("Server polling is %s.", b.poller.State())
	default:
		return fmt.Sprintf("Unknown action `%s`.", action)
	}
}

// handleLiveMessages handles the /livemessages command
func (b *Bot) handleLiveMessages(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	reply, err := b.listLiveMessages(ctx)
	if err != nil {
		slog.Error("Failed to list live messages", "error", err)
		reply = "Failed to retrieve live messages."
	}
	respondEphemeral(s, i, reply)
}

func (b *Bot) listLiveMessages(ctx context.Context) (string, error) {
	messages, err := b.repo.ListLiveMessages(ctx)
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "No live messages found.", nil
	}

	servers, err := b.repo.ListServers(ctx)
	if err != nil {
		return "", err
	}
	addresses := make(map[string]string, len(servers))
	for _, srv := range servers {
		addresses[srv.ID] = srv.Address
	}

	var sb strings.Builder
	sb.WriteString("**Live messages:**\n\n")
	for _, m := range messages {
		sb.WriteString(fmt.Sprintf("%d. `%s` in <#%s> (message %s)\n", m.ID, addresses[m.ServerID], m.ChatID, m.MessageID))
	}
	return sb.String(), nil
}

// handleRemoveLiveMessage handles the /removelivemessage command
func (b *Bot) handleRemoveLiveMessage(s *discordgo.Session, i *discordgo.InteractionCreate) {
	id := i.ApplicationCommandData().Options[0].IntValue()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	err := b.repo.DeleteLiveMessage(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondEphemeral(s, i, fmt.Sprintf("Live message %d not found.", id))
	case err != nil:
		slog.Error("Failed to remove live message", "id", id, "error", err)
		respondEphemeral(s, i, "Failed to remove live message. Please try again.")
	default:
		respondEphemeral(s, i, fmt.Sprintf("Live message %d removed.", id))
	}
}

// Helper functions

func respondWithMessage(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
		},
	})
}

func respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) editResponse(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
	})
}
