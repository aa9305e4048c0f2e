// internal/database/guild.go
package database

import (
	"context"
	"fmt"

	"github.com/thboss/pugbot/internal/models"
)

// UpsertGuild writes the per-guild setup row.
func (s *Store) UpsertGuild(ctx context.Context, g models.GuildConfig) error {
	q := `
	INSERT INTO guilds (id, auth_user_id, auth_api_key, linked_role, prematch_channel)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		auth_user_id = EXCLUDED.auth_user_id,
		auth_api_key = EXCLUDED.auth_api_key,
		linked_role = EXCLUDED.linked_role,
		prematch_channel = EXCLUDED.prematch_channel
	`
	if _, err := s.pool.Exec(ctx, q, g.GuildID, g.AuthUserID, g.AuthAPIKey, g.LinkedRole, g.PrematchChannel); err != nil {
		return fmt.Errorf("upsert guild %s: %w", g.GuildID, err)
	}
	return nil
}

// Guild fetches one guild's setup.
func (s *Store) Guild(ctx context.Context, guildID string) (models.GuildConfig, error) {
	var g models.GuildConfig
	q := `
	SELECT id, auth_user_id, auth_api_key, linked_role, prematch_channel
	FROM guilds
	WHERE id = $1
	`
	err := s.pool.QueryRow(ctx, q, guildID).Scan(
		&g.GuildID, &g.AuthUserID, &g.AuthAPIKey, &g.LinkedRole, &g.PrematchChannel,
	)
	if err != nil {
		return models.GuildConfig{}, fmt.Errorf("fetch guild %s: %w", guildID, err)
	}
	return g, nil
}

// Guilds lists every configured guild, for the background sweeps.
func (s *Store) Guilds(ctx context.Context) ([]models.GuildConfig, error) {
	q := `SELECT id, auth_user_id, auth_api_key, linked_role, prematch_channel FROM guilds`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()

	var out []models.GuildConfig
	for rows.Next() {
		var g models.GuildConfig
		if err := rows.Scan(&g.GuildID, &g.AuthUserID, &g.AuthAPIKey, &g.LinkedRole, &g.PrematchChannel); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
