package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/tsvetkovv/mc-status-bot/internal/config"
	"github.com/tsvetkovv/mc-status-bot/internal/fanout"
	"github.com/tsvetkovv/mc-status-bot/internal/minecraft"
	"github.com/tsvetkovv/mc-status-bot/internal/poller"
	"github.com/tsvetkovv/mc-status-bot/internal/presence"
	"github.com/tsvetkovv/mc-status-bot/internal/storage"
)

const startupNotice = "I am up!"

// Bot represents the Discord bot instance
type Bot struct {
	config    *config.Config
	session   *discordgo.Session
	repo      *storage.Repository
	prober    poller.Prober
	messenger fanout.Messenger
	fanout    *fanout.FanOut
	poller    *poller.Poller
	now       func() time.Time
}

// New creates a new Bot instance
func New(cfg *config.Config) (*Bot, error) {
	// Create Discord session
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	// Set intents; message events are needed to clean up pin notices
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	// Initialize storage
	repo, err := storage.NewRepository(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	prober := minecraft.NewClient(cfg.Policy.PingTimeout)
	messenger := NewDiscordMessenger(session, cfg.Policy.DeliveryRate, cfg.Policy.DeliveryBurst)

	reconciler := presence.NewReconciler(repo, presence.Config{
		PollInterval: cfg.PollingInterval(),
		GraceFloor:   cfg.Policy.GraceFloor,
		StaleAfter:   cfg.Policy.StaleAfter,
	})
	fan := fanout.New(repo, messenger, cfg.Policy.DeliveryTimeout)

	p := poller.New(repo, prober, reconciler, fan, poller.Config{
		Interval:     cfg.PollingInterval(),
		Concurrency:  cfg.PollConcurrency,
		RecentWindow: cfg.Policy.RecentWindow,
		Location:     cfg.Location,
	})

	b := &Bot{
		config:    cfg,
		session:   session,
		repo:      repo,
		prober:    prober,
		messenger: messenger,
		fanout:    fan,
		poller:    p,
		now:       time.Now,
	}

	// Register command handlers
	b.registerHandlers()

	return b, nil
}

// Start opens the Discord connection and starts background tasks
func (b *Bot) Start(ctx context.Context) error {
	// Open Discord connection
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	slog.Info("Connected to Discord", "user", b.session.State.User.Username)

	// Register slash commands
	if err := b.registerCommands(); err != nil {
		return fmt.Errorf("failed to register commands: %w", err)
	}

	b.notifyAdmins(ctx)

	// Start the status poller
	b.poller.Start()

	return nil
}

// Stop gracefully shuts down the bot
func (b *Bot) Stop() error {
	// Stop the poller and let a running cycle finish before closing storage
	if b.poller != nil {
		b.poller.Stop()
		b.poller.Wait()
	}

	// Close storage
	if b.repo != nil {
		b.repo.Close()
	}

	// Close Discord session
	if b.session != nil {
		return b.session.Close()
	}

	return nil
}

// notifyAdmins sends the startup notice to every admin by direct message
func (b *Bot) notifyAdmins(ctx context.Context) {
	for _, adminID := range b.config.AdminUserIDs {
		channel, err := b.session.UserChannelCreate(adminID, discordgo.WithContext(ctx))
		if err != nil {
			slog.Error("Failed to open admin DM", "user", adminID, "error", err)
			continue
		}
		if _, err := b.messenger.SendMessage(ctx, channel.ID, startupNotice); err != nil {
			slog.Error("Failed to send startup message", "user", adminID, "error", err)
		}
	}
}

// registerHandlers sets up Discord event handlers
func (b *Bot) registerHandlers() {
	b.session.AddHandler(b.handleInteraction)
	b.session.AddHandler(b.handleMessageCreate)
	b.session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("Bot is ready", "guilds", len(r.Guilds))
	})
}

// handleInteraction processes slash command interactions
func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	data := i.ApplicationCommandData()
	slog.Debug("Received command", "command", data.Name, "guild", i.GuildID, "user", interactionUserID(i))

	if adminCommands[data.Name] && !b.config.IsAdmin(interactionUserID(i)) {
		respondEphemeral(s, i, "This command is only available to bot admins.")
		return
	}

	switch data.Name {
	case "addserver":
		b.handleAddServer(s, i)
	case "topplayers":
		b.handleTopPlayers(s, i)
	case "servers":
		b.handleServers(s, i)
	case "changeserver":
		b.handleChangeServer(s, i)
	case "removeserver":
		b.handleRemoveServer(s, i)
	case "enableserver":
		b.handleServerPolling(s, i, true)
	case "disableserver":
		b.handleServerPolling(s, i, false)
	case "polling":
		b.handlePolling(s, i)
	case "livemessages":
		b.handleLiveMessages(s, i)
	case "removelivemessage":
		b.handleRemoveLiveMessage(s, i)
	default:
		slog.Warn("Unknown command", "command", data.Name)
	}
}

// interactionUserID returns the invoking user for guild and DM interactions
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// handleMessageCreate removes the notice Discord posts when the bot pins a live message
func (b *Bot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State == nil || s.State.User == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	b.removePinNotice(ctx, s.State.User.ID, m.Message)
}

// removePinNotice deletes msg if it is a pin notice caused by botID. It
// reports whether a delete was attempted.
func (b *Bot) removePinNotice(ctx context.Context, botID string, msg *discordgo.Message) bool {
	if msg == nil || msg.Type != discordgo.MessageTypeChannelPinnedMessage {
		return false
	}
	if msg.Author == nil || msg.Author.ID != botID {
		return false
	}
	if err := b.messenger.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil {
		slog.Info("Failed to remove pin notice", "channel", msg.ChannelID, "message", msg.ID, "error", err)
	}
	return true
}
