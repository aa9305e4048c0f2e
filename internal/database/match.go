// internal/database/match.go
package database

import (
	"context"
	"fmt"

	"github.com/thboss/pugbot/internal/models"
)

// InsertMatch records a freshly created match with its external identifier.
func (s *Store) InsertMatch(ctx context.Context, m models.Match) error {
	q := `INSERT INTO matches (id, guild_id, lobby_id, message) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, m.ID, m.GuildID, m.LobbyID, m.Message); err != nil {
		return fmt.Errorf("insert match %d: %w", m.ID, err)
	}
	return nil
}

// UpdateMatch persists the guild resources attached to a match after they
// are provisioned.
func (s *Store) UpdateMatch(ctx context.Context, m models.Match) error {
	q := `
	UPDATE matches
	SET message = $2, category = $3, team1_channel = $4, team2_channel = $5,
		team1_name = $6, team2_name = $7
	WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, q, m.ID, m.Message, m.Category,
		m.Team1Channel, m.Team2Channel, m.Team1Name, m.Team2Name); err != nil {
		return fmt.Errorf("update match %d: %w", m.ID, err)
	}
	return nil
}

// InsertMatchUsers records every player attached to a match.
func (s *Store) InsertMatchUsers(ctx context.Context, matchID int64, userIDs ...string) error {
	q := `
	INSERT INTO match_users (match_id, user_id)
	SELECT $1, unnest($2::text[])
	ON CONFLICT DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, q, matchID, userIDs); err != nil {
		return fmt.Errorf("insert match users for %d: %w", matchID, err)
	}
	return nil
}

// DeleteMatch removes a match record and its users.
func (s *Store) DeleteMatch(ctx context.Context, matchID int64) error {
	q := `DELETE FROM matches WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, matchID); err != nil {
		return fmt.Errorf("delete match %d: %w", matchID, err)
	}
	return nil
}

// OpenMatches lists every live match with its players.
func (s *Store) OpenMatches(ctx context.Context) ([]models.Match, error) {
	q := `
	SELECT m.id, m.guild_id, m.lobby_id, m.message, m.category,
		m.team1_channel, m.team2_channel, m.team1_name, m.team2_name,
		COALESCE(array_agg(u.user_id) FILTER (WHERE u.user_id IS NOT NULL), '{}')
	FROM matches m
	LEFT JOIN match_users u ON u.match_id = m.id
	GROUP BY m.id
	ORDER BY m.id
	`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list open matches: %w", err)
	}
	defer rows.Close()

	var out []models.Match
	for rows.Next() {
		var m models.Match
		if err := rows.Scan(&m.ID, &m.GuildID, &m.LobbyID, &m.Message, &m.Category,
			&m.Team1Channel, &m.Team2Channel, &m.Team1Name, &m.Team2Name, &m.Players); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MatchUsers lists every user currently in any live match.
func (s *Store) MatchUsers(ctx context.Context) ([]string, error) {
	q := `SELECT DISTINCT user_id FROM match_users`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list match users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
