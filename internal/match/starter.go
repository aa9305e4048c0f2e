// internal/match/starter.go
package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/gateway"
	"github.com/thboss/pugbot/internal/league"
	"github.com/thboss/pugbot/internal/models"
	"github.com/thboss/pugbot/internal/protocol"
)

// LeagueAPI is the slice of the league client the match package consumes.
type LeagueAPI interface {
	Leaderboard(ctx context.Context, players []models.Player) ([]models.Player, error)
	AllocateAndCreateMatch(ctx context.Context, auth league.Auth, teamA, teamB, spectators []models.Player, chosen models.Map) (league.MatchServer, error)
	MatchesStatus(ctx context.Context, auth league.Auth) (map[int64]bool, error)
	MatchScoreboard(ctx context.Context, matchID int64) (*league.Scoreboard, error)
	CancelMatch(ctx context.Context, auth league.Auth, matchID int64) error
}

// Store is the persistence the match package consumes.
type Store interface {
	Guild(ctx context.Context, guildID string) (models.GuildConfig, error)
	Lobby(ctx context.Context, id int64) (models.Lobby, error)
	Spectators(ctx context.Context, lobbyID int64) ([]string, error)
	SteamIDs(ctx context.Context, discordIDs []string) ([]string, error)
	Bans(ctx context.Context, guildID string) ([]models.Ban, error)
	InsertMatch(ctx context.Context, m models.Match) error
	UpdateMatch(ctx context.Context, m models.Match) error
	InsertMatchUsers(ctx context.Context, matchID int64, userIDs ...string) error
	DeleteMatch(ctx context.Context, matchID int64) error
	OpenMatches(ctx context.Context) ([]models.Match, error)
}

// Starter runs a confirmed roster through team assignment, map selection and
// server allocation, then provisions the match resources.
type Starter struct {
	log     *logrus.Logger
	gw      gateway.Gateway
	api     LeagueAPI
	store   Store
	router  *protocol.Router
	rng     *rand.Rand
	monitor *Monitor
}

func NewStarter(log *logrus.Logger, gw gateway.Gateway, api LeagueAPI, store Store, router *protocol.Router, rng *rand.Rand, monitor *Monitor) *Starter {
	return &Starter{log: log, gw: gw, api: api, store: store, router: router, rng: rng, monitor: monitor}
}

// Start drives the fill transition from a fully confirmed roster to a
// created match. Any error leaves no partial match behind; the orchestrator
// handles unwinding roles and the queue.
func (st *Starter) Start(ctx context.Context, lob models.Lobby, guild models.GuildConfig, roster []models.Player, surface protocol.Surface) error {
	log := st.log.WithFields(logrus.Fields{"lobby": lob.ID, "guild": lob.GuildID})

	players := roster
	needRatings := lob.TeamMethod == models.TeamAutobalance ||
		(lob.TeamMethod == models.TeamCaptains && lob.CaptainMethod == models.CaptainRank)
	if needRatings {
		var err error
		players, err = st.api.Leaderboard(ctx, roster)
		if err != nil {
			log.WithError(err).Error("leaderboard fetch failed")
			st.fail(ctx, surface, "Problem!", "Couldn't fetch player ratings.")
			return err
		}
	}

	teamA, teamB, err := st.assignTeams(ctx, lob, players, surface)
	if err != nil {
		return st.abort(ctx, surface, err)
	}

	chosen, err := st.selectMap(ctx, lob, players, teamA, teamB, surface)
	if err != nil {
		return st.abort(ctx, surface, err)
	}

	_ = surface.Update(ctx, protocol.View{Description: "Looking for an available server..."})

	spectators, err := st.spectators(ctx, lob.ID)
	if err != nil {
		log.WithError(err).Warn("spectator lookup failed, starting without spectators")
	}

	auth := league.Auth{UserID: guild.AuthUserID, APIKey: guild.AuthAPIKey}
	server, err := st.api.AllocateAndCreateMatch(ctx, auth, teamA, teamB, spectators, chosen)
	if err != nil {
		log.WithError(err).Error("match allocation failed")
		st.fail(ctx, surface, "Problem!", "No servers are available right now. Please try again later.")
		return err
	}

	m := models.Match{
		ID:        server.ID,
		GuildID:   lob.GuildID,
		LobbyID:   lob.ID,
		Message:   surface.ID(),
		Team1Name: teamA[0].Name,
		Team2Name: teamB[0].Name,
	}
	if err := st.store.InsertMatch(ctx, m); err != nil {
		log.WithError(err).Error("persisting match failed")
		return err
	}

	_ = surface.Update(ctx, serverView(server, m.ID, teamA, teamB, spectators, chosen))

	st.provisionChannels(ctx, &m, lob, teamA, teamB)
	if err := st.store.UpdateMatch(ctx, m); err != nil {
		log.WithError(err).Warn("updating match resources failed")
	}
	ids := pie.Map(append(append([]models.Player{}, teamA...), teamB...),
		func(p models.Player) string { return p.UserID })
	if err := st.store.InsertMatchUsers(ctx, m.ID, ids...); err != nil {
		log.WithError(err).Warn("recording match users failed")
	}

	log.WithField("match", m.ID).Info("match created")
	st.monitor.Ensure()
	return nil
}

// Cancel asks the league to end a running match on admin request. Resource
// teardown happens on the next monitor tick, once the league stops reporting
// the match as live.
func (st *Starter) Cancel(ctx context.Context, guildID string, matchID int64) error {
	guild, err := st.store.Guild(ctx, guildID)
	if err != nil {
		return err
	}
	auth := league.Auth{UserID: guild.AuthUserID, APIKey: guild.AuthAPIKey}
	if err := st.api.CancelMatch(ctx, auth, matchID); err != nil {
		return fmt.Errorf("cancel match %d: %w", matchID, err)
	}
	st.log.WithFields(logrus.Fields{"guild": guildID, "match": matchID}).Info("match cancelled")
	return nil
}

func (st *Starter) assignTeams(ctx context.Context, lob models.Lobby, players []models.Player, surface protocol.Surface) (teamA, teamB []models.Player, err error) {
	switch lob.TeamMethod {
	case models.TeamCaptains:
		draft := protocol.NewTeamDraft(st.router, surface, st.log, players, lob.CaptainMethod, st.rng)
		return draft.Run(ctx)
	case models.TeamAutobalance:
		teamA, teamB = AutobalanceTeams(players)
		return teamA, teamB, nil
	default:
		teamA, teamB = RandomTeams(st.rng, players)
		return teamA, teamB, nil
	}
}

func (st *Starter) selectMap(ctx context.Context, lob models.Lobby, players, teamA, teamB []models.Player, surface protocol.Surface) (models.Map, error) {
	switch lob.MapMethod {
	case models.MapBan:
		veto := protocol.NewMapVeto(st.router, surface, st.log, lob.MapPool, teamA[0], teamB[0])
		return veto.Run(ctx)
	case models.MapVote:
		vote := protocol.NewMapVote(st.router, surface, st.log, players, st.rng)
		return vote.Run(ctx, lob.MapPool)
	default:
		return RandomMap(st.rng, lob.MapPool), nil
	}
}

// abort renders the timeout failure; other errors pass through untouched.
func (st *Starter) abort(ctx context.Context, surface protocol.Surface, err error) error {
	if errors.Is(err, protocol.ErrTimeout) {
		st.fail(ctx, surface, "Setup took too long!", "The match setup was cancelled.")
	}
	return err
}

func (st *Starter) fail(ctx context.Context, surface protocol.Surface, title, description string) {
	_ = surface.Update(ctx, protocol.View{Title: title, Description: description})
}

func (st *Starter) spectators(ctx context.Context, lobbyID int64) ([]models.Player, error) {
	ids, err := st.store.Spectators(ctx, lobbyID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	steamIDs, err := st.store.SteamIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []models.Player
	for i, id := range ids {
		if steamIDs[i] != "" {
			out = append(out, models.Player{UserID: id, SteamID: steamIDs[i]})
		}
	}
	return out, nil
}

// provisionChannels creates the match category and per-team voice channels,
// then moves everyone in. All gateway calls are best effort: a player who
// already disconnected is not an error.
func (st *Starter) provisionChannels(ctx context.Context, m *models.Match, lob models.Lobby, teamA, teamB []models.Player) {
	category, err := st.gw.CreateCategory(ctx, lob.GuildID, fmt.Sprintf("Match #%d", m.ID))
	if err != nil {
		st.log.WithError(err).Warn("creating match category failed")
		return
	}
	m.Category = category

	m.Team1Channel, err = st.gw.CreateVoice(ctx, lob.GuildID, category, "Team "+m.Team1Name, len(teamA))
	if err != nil {
		st.log.WithError(err).Warn("creating team 1 channel failed")
	}
	m.Team2Channel, err = st.gw.CreateVoice(ctx, lob.GuildID, category, "Team "+m.Team2Name, len(teamB))
	if err != nil {
		st.log.WithError(err).Warn("creating team 2 channel failed")
	}

	for _, p := range teamA {
		if err := st.gw.MoveToVoice(ctx, lob.GuildID, p.UserID, m.Team1Channel); err != nil {
			st.log.WithError(err).WithField("user", p.UserID).Debug("move to team channel failed")
		}
	}
	for _, p := range teamB {
		if err := st.gw.MoveToVoice(ctx, lob.GuildID, p.UserID, m.Team2Channel); err != nil {
			st.log.WithError(err).WithField("user", p.UserID).Debug("move to team channel failed")
		}
	}
}

func serverView(server league.MatchServer, matchID int64, teamA, teamB, spectators []models.Player, chosen models.Map) protocol.View {
	teamField := func(team []models.Player) string {
		names := pie.Map(team, func(p models.Player) string { return p.Name })
		return strings.Join(names, "\n")
	}
	spectValue := "None"
	if len(spectators) > 0 {
		spectValue = fmt.Sprintf("%d registered", len(spectators))
	}
	return protocol.View{
		Title: "Server is ready!",
		Description: fmt.Sprintf("Connect: %s\nConsole: `%s`\nMap: %s",
			server.ConnectURL(), server.ConnectCommand(), chosen.Name),
		Fields: []protocol.Field{
			{Name: "__Team " + teamA[0].Name + "__", Value: teamField(teamA)},
			{Name: "__Team " + teamB[0].Name + "__", Value: teamField(teamB)},
			{Name: "Spectators", Value: spectValue},
		},
		Footer: fmt.Sprintf("Match #%d", matchID),
	}
}
