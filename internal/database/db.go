// internal/database/db.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps the pgx pool behind the record operations the bot needs.
// Every operation is atomic per call.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the pool, pings it and ensures the schema exists.
func Connect(ctx context.Context, connStr string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	q := `
	CREATE TABLE IF NOT EXISTS guilds (
		id TEXT PRIMARY KEY,
		auth_user_id BIGINT NOT NULL DEFAULT 0,
		auth_api_key TEXT NOT NULL DEFAULT '',
		linked_role TEXT NOT NULL DEFAULT '',
		prematch_channel TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS users (
		discord_id TEXT PRIMARY KEY,
		steam_id TEXT NOT NULL,
		flag TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS lobbies (
		id BIGSERIAL PRIMARY KEY,
		guild_id TEXT NOT NULL REFERENCES guilds (id) ON DELETE CASCADE,
		queue_channel TEXT NOT NULL,
		voice_channel TEXT NOT NULL,
		capacity INT NOT NULL DEFAULT 10,
		team_method TEXT NOT NULL DEFAULT 'captains',
		captain_method TEXT NOT NULL DEFAULT 'volunteer',
		map_method TEXT NOT NULL DEFAULT 'vote',
		map_pool TEXT[] NOT NULL DEFAULT '{}',
		last_message TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS spect_users (
		lobby_id BIGINT NOT NULL REFERENCES lobbies (id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (lobby_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS banned_users (
		guild_id TEXT NOT NULL REFERENCES guilds (id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		unban_time TIMESTAMPTZ,
		PRIMARY KEY (guild_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS matches (
		id BIGINT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		lobby_id BIGINT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		team1_channel TEXT NOT NULL DEFAULT '',
		team2_channel TEXT NOT NULL DEFAULT '',
		team1_name TEXT NOT NULL DEFAULT '',
		team2_name TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS match_users (
		match_id BIGINT NOT NULL REFERENCES matches (id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (match_id, user_id)
	);
	`
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
