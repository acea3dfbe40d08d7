package archive

import (
	"context"
	"fmt"
	"time"

	"rolebot/internal/config"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// Archive keeps a durable history of settled timed-role sessions and daily
// resets. It is an optional side channel: the ledger itself lives in the
// JSON store, this is for reporting and audits.
type Archive struct {
	*pgxpool.Pool
}

// Session is one archived accounting session.
type Session struct {
	ID             uuid.UUID
	UserID         string
	GuildID        string
	RoleIDs        pq.StringArray
	StartedAt      time.Time
	EndedAt        time.Time
	ElapsedSeconds float64
	Cause          string
}

// ResetEvent is one archived daily-reset run for a guild.
type ResetEvent struct {
	ID       uuid.UUID
	GuildID  string
	ResetAt  time.Time
	Exempted int
	Stripped int
}

func New(cfg config.DatabaseConfig) (*Archive, error) {
	// Create a configuration object
	poolCfg, err := pgxpool.ParseConfig(fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode,
	))
	if err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	// Configure connection pool and statement cache
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating connection pool: %w", err)
	}

	return &Archive{pool}, nil
}

// RecordSession inserts a settled session.
func (a *Archive) RecordSession(s *Session) error {
	query := `
		INSERT INTO timed_role_sessions (id, user_id, guild_id, role_ids, started_at, ended_at, elapsed_seconds, cause)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := a.Exec(context.Background(), query,
		s.ID.String(),
		s.UserID,
		s.GuildID,
		s.RoleIDs,
		s.StartedAt,
		s.EndedAt,
		s.ElapsedSeconds,
		s.Cause,
	)
	return err
}

// RecordReset inserts a daily-reset event.
func (a *Archive) RecordReset(e *ResetEvent) error {
	query := `
		INSERT INTO timed_role_resets (id, guild_id, reset_at, exempted, stripped)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := a.Exec(context.Background(), query,
		e.ID.String(),
		e.GuildID,
		e.ResetAt,
		e.Exempted,
		e.Stripped,
	)
	return err
}

// GuildUsageSince sums archived session time per user for a guild, most
// recent period first. Used by the usage report command.
func (a *Archive) GuildUsageSince(guildID string, since time.Time) (map[string]float64, error) {
	query := `
		SELECT user_id, SUM(elapsed_seconds)
		FROM timed_role_sessions
		WHERE guild_id = $1 AND ended_at >= $2
		GROUP BY user_id`

	rows, err := a.Query(context.Background(), query, guildID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := make(map[string]float64)
	for rows.Next() {
		var userID string
		var seconds float64
		if err := rows.Scan(&userID, &seconds); err != nil {
			return nil, err
		}
		usage[userID] = seconds
	}
	return usage, rows.Err()
}
