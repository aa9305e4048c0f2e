// internal/database/ban.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/thboss/pugbot/internal/models"
)

// InsertBan adds or refreshes a ban. A nil unbanAt is permanent.
func (s *Store) InsertBan(ctx context.Context, guildID, userID string, unbanAt *time.Time) error {
	q := `
	INSERT INTO banned_users (guild_id, user_id, unban_time)
	VALUES ($1, $2, $3)
	ON CONFLICT (guild_id, user_id) DO UPDATE SET unban_time = EXCLUDED.unban_time
	`
	if _, err := s.pool.Exec(ctx, q, guildID, userID, unbanAt); err != nil {
		return fmt.Errorf("insert ban for %s: %w", userID, err)
	}
	return nil
}

// DeleteBans removes bans for the given users.
func (s *Store) DeleteBans(ctx context.Context, guildID string, userIDs ...string) error {
	q := `DELETE FROM banned_users WHERE guild_id = $1 AND user_id = ANY($2)`
	if _, err := s.pool.Exec(ctx, q, guildID, userIDs); err != nil {
		return fmt.Errorf("delete bans: %w", err)
	}
	return nil
}

// Bans lists every ban in a guild, expired or not.
func (s *Store) Bans(ctx context.Context, guildID string) ([]models.Ban, error) {
	q := `SELECT guild_id, user_id, unban_time FROM banned_users WHERE guild_id = $1`
	rows, err := s.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("list bans for guild %s: %w", guildID, err)
	}
	defer rows.Close()

	var out []models.Ban
	for rows.Next() {
		var b models.Ban
		if err := rows.Scan(&b.GuildID, &b.UserID, &b.UnbanAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
