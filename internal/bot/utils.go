package bot

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// respondWithError sends an error response to the user
func respondWithError(s *discordgo.Session, i *discordgo.InteractionCreate, errMsg string) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: "Error: " + errMsg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// respondWithSuccess sends a success response to the user
func respondWithSuccess(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

// formatLogMessage builds a consistent log line with guild context
func formatLogMessage(guildID, message, component, serverName string) string {
	var prefix string
	switch {
	case serverName != "" && guildID != "":
		prefix = fmt.Sprintf("[%s (%s)]", serverName, guildID)
	case guildID != "":
		prefix = fmt.Sprintf("[%s]", guildID)
	}
	if component != "" {
		prefix = fmt.Sprintf("[%s]%s", component, prefix)
	}
	if prefix == "" {
		return message
	}
	return prefix + " " + message
}

// getServerName resolves a guild's display name, falling back to empty
func getServerName(s *discordgo.Session, guildID string) string {
	if guildID == "" {
		return ""
	}
	if guild, err := s.State.Guild(guildID); err == nil {
		return guild.Name
	}
	if guild, err := s.Guild(guildID); err == nil {
		return guild.Name
	}
	return ""
}

// logCommand logs command execution to the console
func logCommand(s *discordgo.Session, i *discordgo.InteractionCreate, commandName string, details ...string) {
	var username string
	if i.Member != nil && i.Member.User != nil {
		username = i.Member.User.Username
	} else if i.User != nil {
		username = i.User.Username
	} else {
		username = "unknown"
	}

	logMessage := fmt.Sprintf("%s executed /%s", username, commandName)
	if len(details) > 0 {
		logMessage += fmt.Sprintf(" (%s)", strings.Join(details, " "))
	}
	log.Printf(formatLogMessage(i.GuildID, logMessage, "CMD", getServerName(s, i.GuildID)))
}

// logError logs errors to the console with context
func logError(s *discordgo.Session, errContext, errMsg string) {
	log.Printf("ERROR - %s: %s", errContext, errMsg)
}

// hasPermission checks whether the user holds the given permission in the
// guild, either directly through a role or by being the owner/administrator
func hasPermission(s *discordgo.Session, guildID string, userID string, permission int64) bool {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		guild, err = s.Guild(guildID)
		if err != nil {
			log.Printf("Error getting guild: %v", err)
			return false
		}
	}

	// The guild owner can do anything
	if guild.OwnerID == userID {
		return true
	}

	member, err := s.State.Member(guildID, userID)
	if err != nil {
		member, err = s.GuildMember(guildID, userID)
		if err != nil {
			log.Printf("Error getting guild member: %v", err)
			return false
		}
	}

	// Check each role the user has
	for _, roleID := range member.Roles {
		for _, role := range guild.Roles {
			if role.ID == roleID {
				if role.Permissions&discordgo.PermissionAdministrator != 0 || role.Permissions&permission != 0 {
					return true
				}
				break
			}
		}
	}
	return false
}

// Helper function to check if a user is an admin
func isAdmin(s *discordgo.Session, guildID string, userID string) bool {
	return hasPermission(s, guildID, userID, discordgo.PermissionManageServer)
}

// truncateString shortens s to maxLen runes with an ellipsis
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// sortRowsByFirstColumn orders table rows alphabetically
func sortRowsByFirstColumn(rows [][]string) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i][0] < rows[j][0]
	})
}

// formatTable creates a Discord-friendly table with fixed-width columns
func formatTable(headers []string, rows [][]string) string {
	// Find the maximum width for each column
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = len(header)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var result strings.Builder

	// Write headers
	result.WriteString("```\n")
	for i, header := range headers {
		result.WriteString(fmt.Sprintf("%-*s", widths[i]+2, header))
	}
	result.WriteString("\n")

	// Write separator
	for _, width := range widths {
		result.WriteString(strings.Repeat("-", width+2))
	}
	result.WriteString("\n")

	// Write rows
	for _, row := range rows {
		for i, cell := range row {
			result.WriteString(fmt.Sprintf("%-*s", widths[i]+2, cell))
		}
		result.WriteString("\n")
	}
	result.WriteString("```")

	return result.String()
}
