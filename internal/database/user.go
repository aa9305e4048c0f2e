// internal/database/user.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LinkUser records a platform-user to game-account link.
func (s *Store) LinkUser(ctx context.Context, discordID, steamID, flag string) error {
	q := `INSERT INTO users (discord_id, steam_id, flag) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, q, discordID, steamID, flag); err != nil {
		return fmt.Errorf("link user %s: %w", discordID, err)
	}
	return nil
}

// UnlinkUser removes the link row.
func (s *Store) UnlinkUser(ctx context.Context, discordID string) error {
	q := `DELETE FROM users WHERE discord_id = $1`
	if _, err := s.pool.Exec(ctx, q, discordID); err != nil {
		return fmt.Errorf("unlink user %s: %w", discordID, err)
	}
	return nil
}

// IsLinked reports whether the user has a linked game account.
func (s *Store) IsLinked(ctx context.Context, discordID string) (bool, error) {
	var steamID string
	q := `SELECT steam_id FROM users WHERE discord_id = $1`
	err := s.pool.QueryRow(ctx, q, discordID).Scan(&steamID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup link for %s: %w", discordID, err)
	}
	return true, nil
}

// SteamIDs resolves linked game accounts for the given users, preserving
// order. Missing links come back as empty strings.
func (s *Store) SteamIDs(ctx context.Context, discordIDs []string) ([]string, error) {
	q := `SELECT discord_id, steam_id FROM users WHERE discord_id = ANY($1)`
	rows, err := s.pool.Query(ctx, q, discordIDs)
	if err != nil {
		return nil, fmt.Errorf("lookup steam ids: %w", err)
	}
	defer rows.Close()

	found := make(map[string]string, len(discordIDs))
	for rows.Next() {
		var d, st string
		if err := rows.Scan(&d, &st); err != nil {
			return nil, err
		}
		found[d] = st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, len(discordIDs))
	for i, d := range discordIDs {
		out[i] = found[d]
	}
	return out, nil
}
