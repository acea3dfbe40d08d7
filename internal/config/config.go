package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied where the config file stays silent. The reset hour is in
// UTC+8, matching the timezone the ledger keeps all timestamps in.
const (
	DefaultDataFile        = "data/user_data.json"
	DefaultSaveDebounceMS  = 1000
	DefaultCheckIntervalS  = 60
	DefaultDailyLimitHours = 1.0
	DefaultResetHour       = 16
)

type Config struct {
	Discord struct {
		Token       string `yaml:"token" env:"DISCORD_TOKEN,required"`
		ClientID    string `yaml:"client_id" env:"DISCORD_CLIENT_ID,required"`
		Permissions int64  `yaml:"-"`
	} `yaml:"discord"`

	Storage struct {
		DataFile       string `yaml:"data_file"`
		SaveDebounceMS int    `yaml:"save_debounce_ms"`
	} `yaml:"storage"`

	Database DatabaseConfig `yaml:"database"`

	TimedRole struct {
		CheckIntervalSeconds   int     `yaml:"check_interval_seconds"`
		DefaultDailyLimitHours float64 `yaml:"default_daily_limit_hours"`
		DefaultResetHour       *int    `yaml:"default_reset_hour"`
	} `yaml:"timed_role"`

	Guilds []Guild `yaml:"guilds"`
}

// DatabaseConfig describes the optional session archive database. The
// archive is skipped entirely unless Enabled is set.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host" env:"DB_HOST"`
	Port     int    `yaml:"port" env:"DB_PORT"`
	User     string `yaml:"user" env:"DB_USER"`
	Password string `yaml:"password" env:"DB_PASSWORD"`
	DBName   string `yaml:"dbname" env:"DB_NAME"`
	SSLMode  string `yaml:"sslmode" env:"DB_SSLMODE"`
}

// Guild is the raw per-guild timed-role block from the config file. Zero
// fields fall back to the timed_role defaults.
type Guild struct {
	GuildID         string   `yaml:"guild_id"`
	DailyLimitHours float64  `yaml:"daily_limit_hours"`
	ResetHour       *int     `yaml:"reset_hour"`
	TimedRoles      []string `yaml:"timed_roles"`
	Permanent       bool     `yaml:"permanent"`
}

func Load() (*Config, error) {
	return loadFile("config.yaml")
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Replace environment variables in the YAML content
	content := string(data)
	for _, env := range os.Environ() {
		pair := strings.SplitN(env, "=", 2)
		if len(pair) != 2 {
			continue
		}
		placeholder := "${" + pair[0] + "}"
		content = strings.ReplaceAll(content, placeholder, pair[1])
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Convert DB_PORT from string to int if it's an environment variable
	if portStr := os.Getenv("DB_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT value: %w", err)
		}
		cfg.Database.Port = port
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.DataFile == "" {
		c.Storage.DataFile = DefaultDataFile
	}
	if c.Storage.SaveDebounceMS <= 0 {
		c.Storage.SaveDebounceMS = DefaultSaveDebounceMS
	}
	if c.TimedRole.CheckIntervalSeconds <= 0 {
		c.TimedRole.CheckIntervalSeconds = DefaultCheckIntervalS
	}
	if c.TimedRole.DefaultDailyLimitHours <= 0 {
		c.TimedRole.DefaultDailyLimitHours = DefaultDailyLimitHours
	}
	if c.TimedRole.DefaultResetHour == nil {
		hour := DefaultResetHour
		c.TimedRole.DefaultResetHour = &hour
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for _, g := range c.Guilds {
		if g.GuildID == "" {
			return fmt.Errorf("guild entry missing guild_id")
		}
		if seen[g.GuildID] {
			return fmt.Errorf("duplicate guild entry for %s", g.GuildID)
		}
		seen[g.GuildID] = true
		if g.ResetHour != nil && (*g.ResetHour < 0 || *g.ResetHour > 23) {
			return fmt.Errorf("guild %s: reset_hour must be 0-23, got %d", g.GuildID, *g.ResetHour)
		}
	}
	if h := c.TimedRole.DefaultResetHour; h != nil && (*h < 0 || *h > 23) {
		return fmt.Errorf("default_reset_hour must be 0-23, got %d", *h)
	}
	return nil
}

// Guild returns the raw guild block for guildID.
func (c *Config) Guild(guildID string) (Guild, bool) {
	for _, g := range c.Guilds {
		if g.GuildID == guildID {
			return g, true
		}
	}
	return Guild{}, false
}

// GuildIDs lists every configured guild.
func (c *Config) GuildIDs() []string {
	ids := make([]string, 0, len(c.Guilds))
	for _, g := range c.Guilds {
		ids = append(ids, g.GuildID)
	}
	return ids
}

// DailyLimitSeconds resolves the guild's time budget against the defaults.
func (c *Config) DailyLimitSeconds(g Guild) int {
	hours := g.DailyLimitHours
	if hours <= 0 {
		hours = c.TimedRole.DefaultDailyLimitHours
	}
	return int(hours * 3600)
}

// ResetHour resolves the guild's reset hour against the defaults.
func (c *Config) ResetHour(g Guild) int {
	if g.ResetHour != nil {
		return *g.ResetHour
	}
	return *c.TimedRole.DefaultResetHour
}
