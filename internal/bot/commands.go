package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"rolebot/internal/timedrole"

	"github.com/bwmarrin/discordgo"
)

var (
	commands = []*discordgo.ApplicationCommand{
		{
			Name:        "timedrole",
			Description: "Claim and manage timed roles",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "claim",
					Description: "Claim timed roles against today's time budget",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role",
							Description: "Timed role to claim",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role2",
							Description: "Additional timed role",
							Required:    false,
						},
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "role3",
							Description: "Additional timed role",
							Required:    false,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "return",
					Description: "Return your timed roles and settle the session",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "status",
					Description: "Show your remaining time budget",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reset",
					Description: "Force the daily reset for this server (admin)",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "report",
					Description: "Show settled timed-role usage since the last reset (admin)",
				},
			},
		},
	}
)

// dangerousPermissions marks roles this bot refuses to hand out, no matter
// what the config says. Mirrors the manual vetting an admin would do.
const dangerousPermissions = discordgo.PermissionAdministrator |
	discordgo.PermissionManageServer |
	discordgo.PermissionManageRoles |
	discordgo.PermissionManageChannels |
	discordgo.PermissionManageWebhooks |
	discordgo.PermissionBanMembers |
	discordgo.PermissionKickMembers |
	discordgo.PermissionMentionEveryone

func isRoleDangerous(role *discordgo.Role) bool {
	return role.Managed || role.Permissions&dangerousPermissions != 0
}

func (b *Bot) handleClaim(s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) {
	logCommand(s, i, "timedrole claim")

	userID := i.Member.User.ID
	guildID := i.GuildID
	tcfg, ok := b.guildCfg(guildID)
	if !ok {
		respondWithError(s, i, "Timed roles are not configured for this server")
		return
	}

	// Collect the selected roles, deduplicated, order preserved
	var selected []string
	for _, opt := range sub.Options {
		role := opt.RoleValue(s, guildID)
		if role == nil {
			continue
		}
		duplicate := false
		for _, id := range selected {
			if id == role.ID {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}

		configured := false
		for _, id := range tcfg.TimedRoleIDs {
			if id == role.ID {
				configured = true
				break
			}
		}
		if !configured {
			respondWithError(s, i, fmt.Sprintf("%s is not a timed role in this server", role.Name))
			return
		}
		if isRoleDangerous(role) {
			log.Printf(formatLogMessage(guildID, fmt.Sprintf("Refusing to grant role %s (%s) with sensitive permissions", role.Name, role.ID), "CLAIM", ""))
			respondWithError(s, i, fmt.Sprintf("%s carries sensitive permissions and cannot be claimed", role.Name))
			return
		}
		selected = append(selected, role.ID)
	}
	if len(selected) == 0 {
		respondWithError(s, i, "No valid timed roles selected")
		return
	}

	// Adding roles the user does not already meter requires budget left.
	// This is claim policy, not a ledger invariant: the scanner and admin
	// paths go straight to the state machine.
	rec := b.state.Record(userID, guildID)
	adding := false
	for _, id := range selected {
		held := false
		for _, cur := range rec.CurrentTimedRoles {
			if cur == id {
				held = true
				break
			}
		}
		if !held {
			adding = true
			break
		}
	}
	remaining := b.state.RemainingSeconds(userID, guildID, tcfg)
	if adding && !tcfg.Permanent && remaining <= 0 {
		respondWithError(s, i, "Your time budget for today is used up. It refills at the daily reset.")
		return
	}

	// Apply the live role diff: grant what's newly selected, take back the
	// timed roles that fell out of the selection
	var toAdd, toRemove []string
	for _, id := range selected {
		if !memberHasRole(i.Member, id) {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range tcfg.TimedRoleIDs {
		if !memberHasRole(i.Member, id) {
			continue
		}
		keep := false
		for _, sel := range selected {
			if sel == id {
				keep = true
				break
			}
		}
		if !keep {
			toRemove = append(toRemove, id)
		}
	}

	if len(toAdd) > 0 {
		if err := b.gateway.AddRoles(guildID, userID, toAdd, "timed role claim"); err != nil {
			logError(s, "AddRoles", err.Error())
			if errors.Is(err, timedrole.ErrForbidden) {
				respondWithError(s, i, "I don't have permission to grant that role. Please contact an admin.")
			} else {
				respondWithError(s, i, "Error granting roles, please try again later")
			}
			return
		}
	}
	if len(toRemove) > 0 {
		if err := b.gateway.RemoveRoles(guildID, userID, toRemove, "timed role claim"); err != nil {
			// The grant went through; log and carry on so the ledger stays
			// in step with what the user asked for
			logError(s, "RemoveRoles", err.Error())
		}
	}

	b.state.Claim(userID, guildID, selected)

	remaining = b.state.RemainingSeconds(userID, guildID, tcfg)
	mentions := roleMentions(selected)
	if tcfg.Permanent {
		respondWithSuccess(s, i, fmt.Sprintf("Claimed %s. This server has no time limit.", mentions))
		return
	}
	respondWithSuccess(s, i, fmt.Sprintf("Claimed %s. Remaining today: %s.",
		mentions, formatDuration(time.Duration(remaining)*time.Second)))
}

func (b *Bot) handleReturn(s *discordgo.Session, i *discordgo.InteractionCreate) {
	logCommand(s, i, "timedrole return")

	userID := i.Member.User.ID
	guildID := i.GuildID
	tcfg, _ := b.guildCfg(guildID)

	rec := b.state.Record(userID, guildID)
	if !rec.Active() {
		respondWithSuccess(s, i, "You have no timed roles to return.")
		return
	}

	// Only remove what the member actually still holds
	var held []string
	for _, id := range rec.CurrentTimedRoles {
		if memberHasRole(i.Member, id) {
			held = append(held, id)
		}
	}
	if len(held) > 0 {
		if err := b.gateway.RemoveRoles(guildID, userID, held, "timed role returned"); err != nil {
			// Settle anyway; the user asked to stop the clock
			logError(s, "RemoveRoles", err.Error())
		}
	}

	start := rec.LastClaimTimestamp
	sessionID := rec.SessionID
	elapsed := b.state.ReturnRoles(userID, guildID)

	if b.archiver != nil && start != nil {
		b.archiver.ArchiveSession(timedrole.Settlement{
			SessionID:      sessionID,
			UserID:         userID,
			GuildID:        guildID,
			RoleIDs:        rec.CurrentTimedRoles,
			StartedAt:      *start,
			EndedAt:        time.Now().In(timedrole.UTC8),
			ElapsedSeconds: elapsed,
			Cause:          "returned",
		})
	}

	remaining := b.state.RemainingSeconds(userID, guildID, tcfg)
	respondWithSuccess(s, i, fmt.Sprintf("Returned %d timed role(s). This session used %s. Remaining today: %s.",
		len(rec.CurrentTimedRoles),
		formatDuration(time.Duration(elapsed*float64(time.Second))),
		formatDuration(time.Duration(remaining)*time.Second)))
}

func (b *Bot) handleStatus(s *discordgo.Session, i *discordgo.InteractionCreate) {
	logCommand(s, i, "timedrole status")

	userID := i.Member.User.ID
	guildID := i.GuildID
	tcfg, _ := b.guildCfg(guildID)

	if tcfg.Permanent {
		respondWithSuccess(s, i, "This server has no time limit on timed roles.")
		return
	}

	now := time.Now().In(timedrole.UTC8)
	rec := b.state.Record(userID, guildID)
	remaining := timedrole.RemainingSeconds(rec, tcfg, now)
	used := timedrole.UsedSeconds(rec, tcfg, now)

	var response strings.Builder
	if rec.Active() {
		response.WriteString(fmt.Sprintf("Currently holding %s.\n", roleMentions(rec.CurrentTimedRoles)))
	} else {
		response.WriteString("No timed roles held right now.\n")
	}
	response.WriteString(fmt.Sprintf("Used today: %s\n", formatDuration(time.Duration(used)*time.Second)))
	response.WriteString(fmt.Sprintf("Remaining today: %s\n", formatDuration(time.Duration(remaining)*time.Second)))
	response.WriteString(fmt.Sprintf("Budget refills daily at %02d:00 (UTC+8).", tcfg.ResetHour))

	respondWithSuccess(s, i, response.String())
}

func (b *Bot) handleForceReset(s *discordgo.Session, i *discordgo.InteractionCreate) {
	logCommand(s, i, "timedrole reset")

	guildID := i.GuildID
	if !hasPermission(s, guildID, i.Member.User.ID, discordgo.PermissionManageRoles) {
		respondWithError(s, i, "You need the Manage Roles permission to force a reset")
		return
	}

	tcfg, _ := b.guildCfg(guildID)
	if tcfg.Permanent {
		respondWithError(s, i, "This server is permanent and does not reset")
		return
	}

	log.Printf(formatLogMessage(guildID, fmt.Sprintf("Admin %s forcing daily reset", i.Member.User.Username), "RESET", getServerName(s, guildID)))
	b.reset.ResetGuilds(context.Background(), time.Now().In(timedrole.UTC8), []string{guildID})

	respondWithSuccess(s, i, "Daily reset completed for this server.")
}

func (b *Bot) handleReport(s *discordgo.Session, i *discordgo.InteractionCreate) {
	logCommand(s, i, "timedrole report")

	guildID := i.GuildID
	if !isAdmin(s, guildID, i.Member.User.ID) {
		respondWithError(s, i, "Only administrators can view usage reports")
		return
	}
	if b.archive == nil {
		respondWithError(s, i, "The session archive is not configured on this bot")
		return
	}

	since := b.state.LastReset()
	if since.IsZero() {
		since = time.Now().In(timedrole.UTC8).Add(-24 * time.Hour)
	}

	usage, err := b.archive.GuildUsageSince(guildID, since)
	if err != nil {
		logError(s, "GuildUsageSince", err.Error())
		respondWithError(s, i, "Error reading the session archive")
		return
	}
	if len(usage) == 0 {
		respondWithSuccess(s, i, "No settled sessions since the last reset.")
		return
	}

	rows := make([][]string, 0, len(usage))
	for userID, seconds := range usage {
		name := userID
		if member, err := s.State.Member(guildID, userID); err == nil && member.User != nil {
			name = member.User.Username
		}
		rows = append(rows, []string{
			truncateString(name, 24),
			formatDuration(time.Duration(seconds * float64(time.Second))),
		})
	}
	sortRowsByFirstColumn(rows)

	respondWithSuccess(s, i, fmt.Sprintf("Settled usage since %s\n%s",
		since.Format("2006-01-02 15:04"),
		formatTable([]string{"USER", "TIME"}, rows)))
}

// memberHasRole checks the interaction member's live role list.
func memberHasRole(m *discordgo.Member, roleID string) bool {
	for _, id := range m.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// roleMentions renders role IDs as Discord mentions.
func roleMentions(roleIDs []string) string {
	mentions := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		mentions = append(mentions, "<@&"+id+">")
	}
	return strings.Join(mentions, ", ")
}
