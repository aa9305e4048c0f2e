// internal/database/lobby.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/thboss/pugbot/internal/models"
)

func scanLobby(row pgx.Row) (models.Lobby, error) {
	var l models.Lobby
	var teamMethod, captainMethod, mapMethod string
	var pool []string
	err := row.Scan(
		&l.ID, &l.GuildID, &l.QueueChannel, &l.VoiceChannel, &l.Capacity,
		&teamMethod, &captainMethod, &mapMethod, &pool, &l.LastMessage,
	)
	if err != nil {
		return models.Lobby{}, err
	}

	if l.TeamMethod, err = models.ParseTeamMethod(teamMethod); err != nil {
		return models.Lobby{}, err
	}
	if l.CaptainMethod, err = models.ParseCaptainMethod(captainMethod); err != nil {
		return models.Lobby{}, err
	}
	if l.MapMethod, err = models.ParseMapMethod(mapMethod); err != nil {
		return models.Lobby{}, err
	}
	for _, dev := range pool {
		if m, ok := models.CatalogMap(dev); ok {
			l.MapPool = append(l.MapPool, m)
		}
	}
	return l, nil
}

const lobbyColumns = `id, guild_id, queue_channel, voice_channel, capacity,
	team_method, captain_method, map_method, map_pool, last_message`

// InsertLobby creates a lobby row and fills in its identifier.
func (s *Store) InsertLobby(ctx context.Context, l *models.Lobby) error {
	pool := make([]string, 0, len(l.MapPool))
	for _, m := range l.MapPool {
		pool = append(pool, m.DevName)
	}
	q := `
	INSERT INTO lobbies (guild_id, queue_channel, voice_channel, capacity,
		team_method, captain_method, map_method, map_pool)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id
	`
	err := s.pool.QueryRow(ctx, q,
		l.GuildID, l.QueueChannel, l.VoiceChannel, l.Capacity,
		string(l.TeamMethod), string(l.CaptainMethod), string(l.MapMethod), pool,
	).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert lobby: %w", err)
	}
	return nil
}

// Lobby fetches one lobby by identifier.
func (s *Store) Lobby(ctx context.Context, id int64) (models.Lobby, error) {
	q := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE id = $1`
	l, err := scanLobby(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return models.Lobby{}, fmt.Errorf("fetch lobby %d: %w", id, err)
	}
	return l, nil
}

// LobbyByVoiceChannel resolves the lobby a voice channel belongs to, or nil.
func (s *Store) LobbyByVoiceChannel(ctx context.Context, channelID string) (*models.Lobby, error) {
	q := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE voice_channel = $1`
	l, err := scanLobby(s.pool.QueryRow(ctx, q, channelID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch lobby by channel %s: %w", channelID, err)
	}
	return &l, nil
}

// GuildLobbies lists all lobbies of one guild.
func (s *Store) GuildLobbies(ctx context.Context, guildID string) ([]models.Lobby, error) {
	q := `SELECT ` + lobbyColumns + ` FROM lobbies WHERE guild_id = $1 ORDER BY id`
	rows, err := s.pool.Query(ctx, q, guildID)
	if err != nil {
		return nil, fmt.Errorf("list lobbies for guild %s: %w", guildID, err)
	}
	defer rows.Close()

	var out []models.Lobby
	for rows.Next() {
		l, err := scanLobby(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpdateLobby persists capacity, methods and map pool.
func (s *Store) UpdateLobby(ctx context.Context, l models.Lobby) error {
	pool := make([]string, 0, len(l.MapPool))
	for _, m := range l.MapPool {
		pool = append(pool, m.DevName)
	}
	q := `
	UPDATE lobbies
	SET capacity = $2, team_method = $3, captain_method = $4, map_method = $5, map_pool = $6
	WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, q, l.ID, l.Capacity,
		string(l.TeamMethod), string(l.CaptainMethod), string(l.MapMethod), pool); err != nil {
		return fmt.Errorf("update lobby %d: %w", l.ID, err)
	}
	return nil
}

// SetLastMessage records the current queue display message reference.
func (s *Store) SetLastMessage(ctx context.Context, lobbyID int64, messageID string) error {
	q := `UPDATE lobbies SET last_message = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, lobbyID, messageID); err != nil {
		return fmt.Errorf("set last message for lobby %d: %w", lobbyID, err)
	}
	return nil
}

// DeleteLobby removes a lobby and its dependent rows.
func (s *Store) DeleteLobby(ctx context.Context, lobbyID int64) error {
	q := `DELETE FROM lobbies WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, lobbyID); err != nil {
		return fmt.Errorf("delete lobby %d: %w", lobbyID, err)
	}
	return nil
}

// Spectators lists the users registered to spectate a lobby's matches.
func (s *Store) Spectators(ctx context.Context, lobbyID int64) ([]string, error) {
	q := `SELECT user_id FROM spect_users WHERE lobby_id = $1`
	rows, err := s.pool.Query(ctx, q, lobbyID)
	if err != nil {
		return nil, fmt.Errorf("list spectators for lobby %d: %w", lobbyID, err)
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

// AddSpectator registers a spectator for a lobby.
func (s *Store) AddSpectator(ctx context.Context, lobbyID int64, userID string) error {
	q := `INSERT INTO spect_users (lobby_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, lobbyID, userID); err != nil {
		return fmt.Errorf("add spectator: %w", err)
	}
	return nil
}

// RemoveSpectator unregisters a spectator.
func (s *Store) RemoveSpectator(ctx context.Context, lobbyID int64, userID string) error {
	q := `DELETE FROM spect_users WHERE lobby_id = $1 AND user_id = $2`
	if _, err := s.pool.Exec(ctx, q, lobbyID, userID); err != nil {
		return fmt.Errorf("remove spectator: %w", err)
	}
	return nil
}
