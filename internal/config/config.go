package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the bot
type Config struct {
	// Discord
	DiscordToken string
	AdminUserIDs []string

	// Database
	DatabasePath string

	// Polling
	PollingIntervalSeconds int
	PollConcurrency        int

	// Status message
	StatusTimezone string
	Location       *time.Location

	// Logging
	LogLevel string

	Policy Policy
}

// Policy holds tuning knobs read from the optional YAML file
type Policy struct {
	StaleAfter      time.Duration `yaml:"staleAfter"`
	GraceFloor      time.Duration `yaml:"graceFloor"`
	RecentWindow    time.Duration `yaml:"recentWindow"`
	PingTimeout     time.Duration `yaml:"pingTimeout"`
	DeliveryTimeout time.Duration `yaml:"deliveryTimeout"`
	DeliveryRate    float64       `yaml:"deliveryRate"`
	DeliveryBurst   int           `yaml:"deliveryBurst"`
}

// DefaultPolicy returns the policy used when no file overrides it
func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:      7 * 24 * time.Hour,
		GraceFloor:      3 * time.Minute,
		RecentWindow:    7 * 24 * time.Hour,
		PingTimeout:     3 * time.Second,
		DeliveryTimeout: 10 * time.Second,
		DeliveryRate:    5,
		DeliveryBurst:   5,
	}
}

// PollingInterval returns the configured interval as a duration
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// IsAdmin reports whether the user may run admin commands
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DiscordToken:   os.Getenv("DISCORD_BOT_TOKEN"),
		AdminUserIDs:   splitList(os.Getenv("ADMIN_USER_IDS")),
		DatabasePath:   getEnvOrDefault("DATABASE_PATH", "./data/bot.db"),
		StatusTimezone: getEnvOrDefault("STATUS_TIMEZONE", "Europe/Berlin"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		Policy:         DefaultPolicy(),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadPolicyFile(path, &cfg.Policy); err != nil {
			return nil, err
		}
	}

	// Parse polling interval
	polling, err := strconv.Atoi(getEnvOrDefault("POLLING_INTERVAL_SECONDS", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid POLLING_INTERVAL_SECONDS: %w", err)
	}
	if polling <= 0 {
		return nil, fmt.Errorf("POLLING_INTERVAL_SECONDS must be positive, got %d", polling)
	}
	cfg.PollingIntervalSeconds = polling

	concurrency, err := strconv.Atoi(getEnvOrDefault("POLL_CONCURRENCY", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid POLL_CONCURRENCY: %w", err)
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("POLL_CONCURRENCY must be positive, got %d", concurrency)
	}
	cfg.PollConcurrency = concurrency

	loc, err := time.LoadLocation(cfg.StatusTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid STATUS_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	// Validate required fields
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}

	return cfg, nil
}

// loadPolicyFile overlays values from a YAML file onto p
func loadPolicyFile(path string, p *Policy) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file struct {
		Policy Policy `yaml:"policy"`
	}
	file.Policy = *p
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return fmt.Errorf("in config file %s: %w", path, err)
	}

	if file.Policy.DeliveryRate <= 0 {
		return fmt.Errorf("in config file %s: deliveryRate must be positive", path)
	}
	*p = file.Policy
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
