// internal/league/client.go
//
// Client for the league-management web API: player lookups, server
// allocation, match creation and live status. Wire formats are owned by the
// league service.
package league

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/models"
)

// ErrNoServers is returned when no idle game server can be allocated.
var ErrNoServers = errors.New("league: no servers available")

// Auth is a guild's league API credential pair.
type Auth struct {
	UserID int64  `json:"user_id"`
	APIKey string `json:"user_api"`
}

// MatchServer describes the allocated server for a created match.
type MatchServer struct {
	ID   int64
	IP   string
	Port int
}

// ConnectURL is the click-to-join address for the server.
func (m MatchServer) ConnectURL() string {
	return fmt.Sprintf("steam://connect/%s:%d", m.IP, m.Port)
}

// ConnectCommand is the in-game console command for the server.
func (m MatchServer) ConnectCommand() string {
	return fmt.Sprintf("connect %s:%d", m.IP, m.Port)
}

// PlayerScore is one row of a match scoreboard.
type PlayerScore struct {
	SteamID string `json:"steamId"`
	Name    string `json:"name"`
	Kills   int    `json:"kills"`
	Assists int    `json:"assists"`
	Deaths  int    `json:"deaths"`
	Team    int    `json:"team"`
}

// Scoreboard is the per-player stats of a match. Empty means the match never
// recorded a round.
type Scoreboard struct {
	Team1Score int           `json:"team1_score"`
	Team2Score int           `json:"team2_score"`
	Players    []PlayerScore `json:"players"`
}

// Client talks to the league web API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logrus.Entry
}

func New(baseURL string, log *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.WithField("component", "league"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("league request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response from %s: %w", path, err)
		}
	}
	return nil
}

// IsUser reports whether a platform user has a league profile.
func (c *Client) IsUser(ctx context.Context, userID string) (bool, error) {
	var resp struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/users", nil, &resp); err != nil {
		return false, err
	}
	for _, u := range resp.Users {
		if u.ID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Leaderboard fetches skill ratings for the given players and returns a new
// slice with ratings filled in, preserving order. Players the league does
// not know keep a zero rating.
func (c *Client) Leaderboard(ctx context.Context, players []models.Player) ([]models.Player, error) {
	steamIDs := make([]string, 0, len(players))
	for _, p := range players {
		steamIDs = append(steamIDs, p.SteamID)
	}

	var resp struct {
		Players []struct {
			SteamID       string  `json:"steamId"`
			AverageRating float64 `json:"average_rating,string"`
		} `json:"players"`
	}
	body := map[string]interface{}{"steam_ids": steamIDs}
	if err := c.do(ctx, http.MethodPost, "/api/leaderboard", body, &resp); err != nil {
		return nil, err
	}

	ratings := make(map[string]float64, len(resp.Players))
	for _, p := range resp.Players {
		ratings[p.SteamID] = p.AverageRating
	}

	out := make([]models.Player, len(players))
	copy(out, players)
	for i := range out {
		out[i].Rating = ratings[out[i].SteamID]
	}
	return out, nil
}

type serverInfo struct {
	ID    int64  `json:"id"`
	IP    string `json:"ip_string"`
	Port  int    `json:"port"`
	InUse bool   `json:"in_use"`
}

func (c *Client) idleServers(ctx context.Context, auth Auth) ([]serverInfo, error) {
	var resp struct {
		Servers []serverInfo `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/servers/myservers", []Auth{auth}, &resp); err != nil {
		return nil, err
	}
	var idle []serverInfo
	for _, srv := range resp.Servers {
		if !srv.InUse {
			idle = append(idle, srv)
		}
	}
	return idle, nil
}

type teamPayload struct {
	Auth
	Name     string                       `json:"name"`
	Flag     string                       `json:"flag"`
	Public   int                          `json:"public_team"`
	AuthName map[string]map[string]string `json:"auth_name"`
}

func (c *Client) createTeam(ctx context.Context, auth Auth, team []models.Player) (int64, error) {
	authName := make(map[string]map[string]string, len(team))
	for i, p := range team {
		captain := "0"
		if i == 0 {
			captain = "1"
		}
		authName[p.SteamID] = map[string]string{"name": p.Name, "captain": captain}
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	body := []teamPayload{{
		Auth:     auth,
		Name:     team[0].Name,
		Public:   0,
		AuthName: authName,
	}}
	if err := c.do(ctx, http.MethodPost, "/api/teams", body, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// AllocateAndCreateMatch finds an idle server, registers both teams and
// starts a match on the chosen map. ErrNoServers means every server is busy.
func (c *Client) AllocateAndCreateMatch(ctx context.Context, auth Auth, teamA, teamB []models.Player, spectators []models.Player, chosen models.Map) (MatchServer, error) {
	servers, err := c.idleServers(ctx, auth)
	if err != nil {
		return MatchServer{}, err
	}
	if len(servers) == 0 {
		return MatchServer{}, ErrNoServers
	}
	server := servers[0]

	team1, err := c.createTeam(ctx, auth, teamA)
	if err != nil {
		return MatchServer{}, fmt.Errorf("create team 1: %w", err)
	}
	team2, err := c.createTeam(ctx, auth, teamB)
	if err != nil {
		return MatchServer{}, fmt.Errorf("create team 2: %w", err)
	}

	specSteam := make([]string, 0, len(spectators))
	for _, p := range spectators {
		specSteam = append(specSteam, p.SteamID)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	body := map[string]interface{}{
		"user_id":    auth.UserID,
		"user_api":   auth.APIKey,
		"server_id":  server.ID,
		"team1_id":   team1,
		"team2_id":   team2,
		"spectators": specSteam,
		"map":        chosen.DevName,
	}
	if err := c.do(ctx, http.MethodPost, "/api/matches", body, &resp); err != nil {
		return MatchServer{}, fmt.Errorf("create match: %w", err)
	}

	return MatchServer{ID: resp.ID, IP: server.IP, Port: server.Port}, nil
}

// MatchesStatus returns liveness per match ID for the authed account.
func (c *Client) MatchesStatus(ctx context.Context, auth Auth) (map[int64]bool, error) {
	var resp struct {
		Matches []struct {
			ID   int64 `json:"id"`
			Live bool  `json:"live"`
		} `json:"matches"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/matches/mymatches", []Auth{auth}, &resp); err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(resp.Matches))
	for _, m := range resp.Matches {
		out[m.ID] = m.Live
	}
	return out, nil
}

// MatchScoreboard fetches per-player stats, or nil when the match never
// recorded a round.
func (c *Client) MatchScoreboard(ctx context.Context, matchID int64) (*Scoreboard, error) {
	var sb Scoreboard
	path := fmt.Sprintf("/api/matches/%d/scoreboard", matchID)
	if err := c.do(ctx, http.MethodGet, path, nil, &sb); err != nil {
		return nil, err
	}
	if len(sb.Players) == 0 {
		return nil, nil
	}
	return &sb, nil
}

// CancelMatch asks the league to cancel a running match.
func (c *Client) CancelMatch(ctx context.Context, auth Auth, matchID int64) error {
	path := fmt.Sprintf("/api/matches/%d/cancel", matchID)
	return c.do(ctx, http.MethodGet, path, []Auth{auth}, nil)
}
