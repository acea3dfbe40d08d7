package bot

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"rolebot/internal/archive"
	"rolebot/internal/config"
	"rolebot/internal/store"
	"rolebot/internal/timedrole"

	"github.com/bwmarrin/discordgo"
)

type Bot struct {
	config     *config.Config
	store      *store.Store
	state      *timedrole.State
	archive    *archive.Archive
	session    *discordgo.Session
	gateway    timedrole.Gateway
	archiver   timedrole.Archiver
	guildCfg   timedrole.ConfigProvider
	scanner    *timedrole.ExpiryScanner
	reset      *timedrole.ResetCoordinator
	shutdownCh chan struct{}
	isShutdown bool
	mu         sync.Mutex
	wg         sync.WaitGroup
}

func New(cfg *config.Config, st *store.Store, state *timedrole.State, arch *archive.Archive) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}

	// Member lists and role state are the whole point here
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers

	// Required permissions for role management
	requiredPermissions := int64(
		discordgo.PermissionViewChannel |
			discordgo.PermissionSendMessages |
			discordgo.PermissionManageRoles |
			discordgo.PermissionUseSlashCommands)

	cfg.Discord.Permissions = requiredPermissions

	// Log configuration details
	log.Printf("Bot intents: %d", session.Identify.Intents)
	log.Printf("Bot permissions: %d", cfg.Discord.Permissions)

	gateway := &discordGateway{session: session}
	guildCfg := newGuildConfigProvider(cfg)

	var archiver timedrole.Archiver
	if arch != nil {
		archiver = &archiveRecorder{archive: arch}
	}

	b := &Bot{
		config:     cfg,
		store:      st,
		state:      state,
		archive:    arch,
		session:    session,
		gateway:    gateway,
		archiver:   archiver,
		guildCfg:   guildCfg,
		shutdownCh: make(chan struct{}),
		isShutdown: false,
	}
	b.scanner = timedrole.NewExpiryScanner(state, gateway, guildCfg, archiver,
		time.Duration(cfg.TimedRole.CheckIntervalSeconds)*time.Second)
	b.reset = timedrole.NewResetCoordinator(state, gateway, guildCfg, cfg.GuildIDs(), archiver)
	return b, nil
}

// newGuildConfigProvider resolves the raw config blocks into the typed
// per-guild policy the core consumes. The map is built once at startup.
func newGuildConfigProvider(cfg *config.Config) timedrole.ConfigProvider {
	guilds := make(map[string]timedrole.GuildConfig, len(cfg.Guilds))
	for _, g := range cfg.Guilds {
		guilds[g.GuildID] = timedrole.GuildConfig{
			DailyLimitSeconds: cfg.DailyLimitSeconds(g),
			ResetHour:         cfg.ResetHour(g),
			TimedRoleIDs:      g.TimedRoles,
			Permanent:         g.Permanent,
		}
	}
	return func(guildID string) (timedrole.GuildConfig, bool) {
		g, ok := guilds[guildID]
		return g, ok
	}
}

// Helper function to register commands for a guild
func (b *Bot) registerGuildCommands(guildID string) error {
	maxRetries := 3
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := b.registerGuildCommandsOnce(guildID)
		if err == nil {
			return nil
		}
		lastErr = err
		log.Printf("Attempt %d to register commands failed: %v", i+1, err)
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return fmt.Errorf("failed to register commands after %d attempts: %v", maxRetries, lastErr)
}

func (b *Bot) registerGuildCommandsOnce(guildID string) error {
	serverName := getServerName(b.session, guildID)

	log.Printf(formatLogMessage(
		guildID,
		"Registering commands",
		"BOT",
		serverName,
	))

	// Clear existing commands
	existing, err := b.session.ApplicationCommands(b.config.Discord.ClientID, guildID)
	if err != nil {
		return fmt.Errorf("error getting existing commands: %w", err)
	}

	// Delete all existing commands first
	for _, v := range existing {
		err := b.session.ApplicationCommandDelete(b.config.Discord.ClientID, guildID, v.ID)
		if err != nil {
			log.Printf(formatLogMessage(
				guildID,
				fmt.Sprintf("%s: Failed to delete command (%v)", v.Name, err),
				"BOT",
				serverName,
			))
		}
	}

	// Wait a moment to ensure all deletions are processed
	time.Sleep(time.Second)

	// Register new commands
	for _, v := range commands {
		_, err := b.session.ApplicationCommandCreate(b.config.Discord.ClientID, guildID, v)
		if err != nil {
			return fmt.Errorf("error creating command %s: %w", v.Name, err)
		}
		log.Printf(formatLogMessage(
			guildID,
			fmt.Sprintf("%s: Registered command", v.Name),
			"BOT",
			serverName,
		))
	}

	return nil
}

func (b *Bot) Start(ctx context.Context) error {
	log.Println("Starting RoleBot...")

	// Keep trying to connect until successful
	for {
		// Test Discord API connection
		log.Println("Testing Discord API connection...")
		if _, err := b.session.User("@me"); err != nil {
			log.Printf("Failed to connect to Discord API: %v. Retrying in 5 seconds...", err)
			time.Sleep(5 * time.Second)
			continue
		}
		log.Println("Successfully connected to Discord API")
		break
	}

	// Keep trying to open session until successful
	for {
		if err := b.session.Open(); err != nil {
			log.Printf("Error opening Discord session: %v. Retrying in 5 seconds...", err)
			time.Sleep(5 * time.Second)
			continue
		}
		log.Printf("Session opened successfully (Session ID: %s)", b.session.State.SessionID)
		break
	}

	// Register handlers
	b.session.AddHandler(b.handleReady)
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type == discordgo.InteractionApplicationCommand {
			b.handleCommand(s, i)
		}
	})

	// Register commands for every configured guild the bot can see
	log.Println("Registering commands for configured guilds...")
	for _, guild := range b.session.State.Guilds {
		if _, ok := b.config.Guild(guild.ID); !ok {
			continue
		}
		if err := b.registerGuildCommands(guild.ID); err != nil {
			log.Printf("Error registering commands for guild %s: %v", guild.ID, err)
		}
	}

	// Now add the guild create handler for future guilds
	b.session.AddHandler(b.handleGuildCreate)

	// Start the background tasks: expiry scanning and the daily reset
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.scanner.Run(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.reset.Run(ctx)
	}()

	log.Println("Bot is now running. Press CTRL-C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()
	return b.Shutdown()
}

// Shutdown performs a graceful shutdown of the bot
func (b *Bot) Shutdown() error {
	log.Println("Initiating graceful shutdown...")

	// Ensure we only close the channel once
	b.mu.Lock()
	if b.isShutdown {
		b.mu.Unlock()
		return nil
	}
	b.isShutdown = true
	close(b.shutdownCh)
	b.mu.Unlock()

	// Wait for background tasks and active handlers to complete
	log.Println("Waiting for background tasks to complete...")
	b.wg.Wait()

	// Remove commands
	log.Printf(formatLogMessage("", "Removing Discord commands", "BOT", ""))

	for _, guild := range b.session.State.Guilds {
		if _, ok := b.config.Guild(guild.ID); !ok {
			continue
		}
		serverName := getServerName(b.session, guild.ID)

		registeredCommands, err := b.session.ApplicationCommands(b.config.Discord.ClientID, guild.ID)
		if err != nil {
			log.Printf(formatLogMessage(guild.ID, fmt.Sprintf("Error getting commands: %v", err), "BOT", serverName))
			continue
		}
		for _, cmd := range registeredCommands {
			err := b.session.ApplicationCommandDelete(b.config.Discord.ClientID, guild.ID, cmd.ID)
			if err != nil {
				log.Printf(formatLogMessage(guild.ID, fmt.Sprintf("%s: Failed to remove command (%v)", cmd.Name, err), "BOT", serverName))
			}
		}
	}

	// Close Discord session
	log.Println("Closing Discord session...")
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("error closing Discord session: %w", err)
	}

	// Flush the ledger one last time
	log.Println("Flushing state to disk...")
	b.store.Close()

	if b.archive != nil {
		log.Println("Closing archive database connection...")
		b.archive.Pool.Close()
	}

	log.Println("Shutdown completed successfully")
	return nil
}

func (b *Bot) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	log.Printf("Bot is ready! Connected to %d guilds", len(r.Guilds))

	for _, guild := range r.Guilds {
		if _, ok := b.config.Guild(guild.ID); ok {
			log.Printf("Managing timed roles for guild: %s", guild.ID)
		}
	}
}

func (b *Bot) handleGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if _, ok := b.config.Guild(g.ID); !ok {
		log.Printf(formatLogMessage(g.ID, "Joined unconfigured guild, ignoring", "BOT", g.Name))
		return
	}
	log.Printf(formatLogMessage(g.ID, "Bot joined configured guild", "BOT", g.Name))

	// Register commands for the new guild
	if err := b.registerGuildCommands(g.ID); err != nil {
		log.Printf(formatLogMessage(g.ID, fmt.Sprintf("Error registering commands: %v", err), "BOT", g.Name))
	} else {
		log.Printf(formatLogMessage(g.ID, "Successfully registered all commands", "BOT", g.Name))
	}
}

func (b *Bot) handleCommand(s *discordgo.Session, i *discordgo.InteractionCreate) {
	// Add defer to catch panics with stack trace
	defer func() {
		if r := recover(); r != nil {
			var username string
			if i.Member != nil && i.Member.User != nil {
				username = i.Member.User.Username
			} else {
				username = "unknown"
			}

			// Log the stack trace with context
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			log.Printf("Panic in command handler for user %s in guild %s:\nError: %v\nStack Trace:\n%s",
				username, i.GuildID, r, string(buf[:n]))

			respondWithError(s, i, "An internal error occurred")
		}
	}()

	commandName := i.ApplicationCommandData().Name
	if commandName != "timedrole" {
		log.Printf(formatLogMessage(i.GuildID, "Unknown command: "+commandName, "", ""))
		respondWithError(s, i, "Unknown command")
		return
	}

	// Guild-only: timed roles have no meaning in DMs
	if i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		respondWithError(s, i, "The `/timedrole` command can only be used in a server")
		return
	}

	if _, ok := b.config.Guild(i.GuildID); !ok {
		respondWithError(s, i, "Timed roles are not configured for this server")
		return
	}

	options := i.ApplicationCommandData().Options
	if len(options) == 0 {
		respondWithError(s, i, "Missing subcommand")
		return
	}

	switch options[0].Name {
	case "claim":
		b.handleClaim(s, i, options[0])
	case "return":
		b.handleReturn(s, i)
	case "status":
		b.handleStatus(s, i)
	case "reset":
		b.handleForceReset(s, i)
	case "report":
		b.handleReport(s, i)
	default:
		log.Printf(formatLogMessage(i.GuildID, "Unknown subcommand: "+options[0].Name, "", ""))
		respondWithError(s, i, "Unknown subcommand")
	}
}
