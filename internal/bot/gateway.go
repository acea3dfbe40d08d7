package bot

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"rolebot/internal/archive"
	"rolebot/internal/timedrole"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// discordGateway adapts the discordgo session to the core's Gateway
// interface: cache-first member resolution and rate-limited role mutations
// with audit-log reasons.
type discordGateway struct {
	session *discordgo.Session
}

func (g *discordGateway) Member(guildID, userID string) (*timedrole.Member, error) {
	if _, err := g.session.State.Guild(guildID); err != nil {
		// Not a guild the session knows about; treat as unresolvable
		return nil, nil
	}

	member, err := g.session.State.Member(guildID, userID)
	if err != nil {
		member, err = g.session.GuildMember(guildID, userID)
		if err != nil {
			if isRESTStatus(err, http.StatusNotFound) {
				return nil, nil
			}
			return nil, err
		}
	}
	return &timedrole.Member{
		UserID: userID,
		Roles:  append([]string(nil), member.Roles...),
	}, nil
}

func (g *discordGateway) AddRoles(guildID, userID string, roleIDs []string, reason string) error {
	for _, roleID := range roleIDs {
		err := g.session.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithAuditLogReason(reason))
		if err != nil {
			return wrapMutationError(err)
		}
	}
	return nil
}

func (g *discordGateway) RemoveRoles(guildID, userID string, roleIDs []string, reason string) error {
	for _, roleID := range roleIDs {
		err := g.session.GuildMemberRoleRemove(guildID, userID, roleID, discordgo.WithAuditLogReason(reason))
		if err != nil {
			return wrapMutationError(err)
		}
	}
	return nil
}

func (g *discordGateway) MembersWithRole(guildID, roleID string) ([]timedrole.Member, error) {
	guild, err := g.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("error getting guild %s: %w", guildID, err)
	}

	var members []timedrole.Member
	for _, m := range guild.Members {
		for _, id := range m.Roles {
			if id == roleID {
				members = append(members, timedrole.Member{
					UserID: m.User.ID,
					Roles:  append([]string(nil), m.Roles...),
				})
				break
			}
		}
	}
	return members, nil
}

// wrapMutationError maps Discord permission rejections onto the core's
// sentinel so callers can tell "fix the role hierarchy" apart from transient
// failures.
func wrapMutationError(err error) error {
	if isRESTStatus(err, http.StatusForbidden) {
		return fmt.Errorf("%w: %v", timedrole.ErrForbidden, err)
	}
	return err
}

func isRESTStatus(err error, status int) bool {
	restErr, ok := err.(*discordgo.RESTError)
	return ok && restErr.Response != nil && restErr.Response.StatusCode == status
}

// archiveRecorder forwards settlements and resets to the archive database,
// swallowing errors so archival can never break ledger bookkeeping.
type archiveRecorder struct {
	archive *archive.Archive
}

func (r *archiveRecorder) ArchiveSession(s timedrole.Settlement) {
	id, err := uuid.Parse(s.SessionID)
	if err != nil {
		id = uuid.New()
	}
	rec := &archive.Session{
		ID:             id,
		UserID:         s.UserID,
		GuildID:        s.GuildID,
		RoleIDs:        pq.StringArray(s.RoleIDs),
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		ElapsedSeconds: s.ElapsedSeconds,
		Cause:          s.Cause,
	}
	if err := r.archive.RecordSession(rec); err != nil {
		log.Printf("archive: error recording session %s: %v", s.SessionID, err)
	}
}

func (r *archiveRecorder) ArchiveReset(guildID string, at time.Time, exempted, stripped int) {
	ev := &archive.ResetEvent{
		ID:       uuid.New(),
		GuildID:  guildID,
		ResetAt:  at,
		Exempted: exempted,
		Stripped: stripped,
	}
	if err := r.archive.RecordReset(ev); err != nil {
		log.Printf("archive: error recording reset for guild %s: %v", guildID, err)
	}
}
