package timedrole

// GuildConfig is the per-guild timed-role policy, resolved once at startup
// and passed explicitly to whatever needs it.
type GuildConfig struct {
	// DailyLimitSeconds is the per-user time budget between daily resets.
	DailyLimitSeconds int
	// ResetHour is the guild-local hour (0-23, UTC+8) at which usage resets.
	ResetHour int
	// TimedRoleIDs is the set of roles eligible for metering in this guild.
	TimedRoleIDs []string
	// Permanent guilds never expire sessions and never reset.
	Permanent bool
}

// ConfigProvider resolves the timed-role policy for a guild. The second
// return value is false for guilds the bot is not configured to manage.
type ConfigProvider func(guildID string) (GuildConfig, bool)
