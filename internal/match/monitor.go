// internal/match/monitor.go
package match

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/gateway"
	"github.com/thboss/pugbot/internal/league"
	"github.com/thboss/pugbot/internal/models"
	"github.com/thboss/pugbot/internal/protocol"
)

// DefaultPollInterval is how often the monitor checks live matches.
const DefaultPollInterval = 20 * time.Second

// Monitor polls open matches, keeps their score displays current and tears
// down guild resources when a match ends. The poll loop suspends itself when
// no matches remain open and restarts on the next Ensure call.
type Monitor struct {
	log      *logrus.Entry
	store    Store
	api      LeagueAPI
	gw       gateway.Gateway
	interval time.Duration
	ctx      context.Context

	mu      sync.Mutex
	running bool
}

func NewMonitor(ctx context.Context, log *logrus.Logger, store Store, api LeagueAPI, gw gateway.Gateway, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Monitor{
		log:      log.WithField("component", "monitor"),
		store:    store,
		api:      api,
		gw:       gw,
		interval: interval,
		ctx:      ctx,
	}
}

// Ensure starts the poll loop if it is not already running. Safe to call on
// every match creation and at boot.
func (mo *Monitor) Ensure() {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	if mo.running {
		return
	}
	mo.running = true
	go mo.loop()
}

func (mo *Monitor) loop() {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	for {
		select {
		case <-mo.ctx.Done():
			mo.mu.Lock()
			mo.running = false
			mo.mu.Unlock()
			return
		case <-ticker.C:
			if !mo.tick(mo.ctx) {
				mo.mu.Lock()
				mo.running = false
				mo.mu.Unlock()
				mo.log.Debug("no open matches, suspending poll loop")
				return
			}
		}
	}
}

// tick processes every open match once. Returns false when nothing is left
// to watch. Per-match failures are logged and skipped so one broken match
// cannot stall the rest.
func (mo *Monitor) tick(ctx context.Context) bool {
	matches, err := mo.store.OpenMatches(ctx)
	if err != nil {
		mo.log.WithError(err).Error("listing open matches failed")
		return true
	}
	if len(matches) == 0 {
		return false
	}

	statuses := make(map[string]map[int64]bool)
	for _, m := range matches {
		live, ok := mo.liveness(ctx, statuses, m)
		if !ok {
			continue
		}
		if err := mo.update(ctx, m, live); err != nil {
			mo.log.WithError(err).WithField("match", m.ID).Error("match update failed")
		}
	}
	return true
}

// liveness resolves a match's live flag, fetching each guild's status map at
// most once per tick.
func (mo *Monitor) liveness(ctx context.Context, cache map[string]map[int64]bool, m models.Match) (bool, bool) {
	statuses, ok := cache[m.GuildID]
	if !ok {
		guild, err := mo.store.Guild(ctx, m.GuildID)
		if err != nil {
			mo.log.WithError(err).WithField("guild", m.GuildID).Error("guild lookup failed")
			return false, false
		}
		statuses, err = mo.api.MatchesStatus(ctx, league.Auth{UserID: guild.AuthUserID, APIKey: guild.AuthAPIKey})
		if err != nil {
			mo.log.WithError(err).WithField("guild", m.GuildID).Error("match status fetch failed")
			return false, false
		}
		cache[m.GuildID] = statuses
	}
	live, known := statuses[m.ID]
	if !known {
		// Listings can lag behind match creation; try again next tick.
		mo.log.WithField("match", m.ID).Debug("match not in status listing, skipping")
		return false, false
	}
	return live, true
}

func (mo *Monitor) update(ctx context.Context, m models.Match, live bool) error {
	sb, err := mo.api.MatchScoreboard(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("fetch scoreboard: %w", err)
	}

	if sb == nil && !live {
		// Match ended without a single recorded round.
		mo.log.WithField("match", m.ID).Info("match aborted, tearing down")
		return mo.teardown(ctx, m)
	}

	if sb != nil {
		lob, err := mo.store.Lobby(ctx, m.LobbyID)
		if err != nil {
			return fmt.Errorf("lobby lookup: %w", err)
		}
		if err := mo.gw.EditMessage(ctx, lob.QueueChannel, m.Message, scoreView(m, sb, live)); err != nil {
			// The score message may have been deleted; not fatal.
			mo.log.WithError(err).WithField("match", m.ID).Debug("score display edit failed")
		}
	}

	if !live {
		mo.log.WithField("match", m.ID).Info("match finished, tearing down")
		return mo.teardown(ctx, m)
	}
	return nil
}

// teardown restores player roles, moves everyone back to the prematch
// channel, deletes the match channels and forgets the match. Gateway
// failures are expected for users who already left and are not fatal.
func (mo *Monitor) teardown(ctx context.Context, m models.Match) error {
	guild, err := mo.store.Guild(ctx, m.GuildID)
	if err != nil {
		return fmt.Errorf("guild lookup: %w", err)
	}
	bans, err := mo.store.Bans(ctx, m.GuildID)
	if err != nil {
		return fmt.Errorf("ban lookup: %w", err)
	}
	now := time.Now()
	banned := make(map[string]bool, len(bans))
	for _, b := range bans {
		if !b.Expired(now) {
			banned[b.UserID] = true
		}
	}

	for _, userID := range m.Players {
		if !banned[userID] {
			if err := mo.gw.AddRole(ctx, m.GuildID, userID, guild.LinkedRole); err != nil {
				mo.log.WithError(err).WithField("user", userID).Debug("role restore failed")
			}
		}
		if guild.PrematchChannel != "" {
			if err := mo.gw.MoveToVoice(ctx, m.GuildID, userID, guild.PrematchChannel); err != nil {
				mo.log.WithError(err).WithField("user", userID).Debug("prematch move failed")
			}
		}
	}

	for _, ch := range []string{m.Team1Channel, m.Team2Channel, m.Category} {
		if ch == "" {
			continue
		}
		if err := mo.gw.DeleteChannel(ctx, ch); err != nil {
			mo.log.WithError(err).WithField("channel", ch).Debug("channel delete failed")
		}
	}

	if err := mo.store.DeleteMatch(ctx, m.ID); err != nil {
		return fmt.Errorf("delete match: %w", err)
	}
	return nil
}

func scoreView(m models.Match, sb *league.Scoreboard, live bool) protocol.View {
	status := "Live"
	if !live {
		status = "Finished"
	}
	row := func(team int) string {
		var out string
		for _, p := range sb.Players {
			if p.Team != team {
				continue
			}
			out += fmt.Sprintf("%s  %d/%d/%d\n", p.Name, p.Kills, p.Assists, p.Deaths)
		}
		if out == "" {
			out = "No players"
		}
		return out
	}
	return protocol.View{
		Title: fmt.Sprintf("Match #%d  |  %d : %d", m.ID, sb.Team1Score, sb.Team2Score),
		Fields: []protocol.Field{
			{Name: fmt.Sprintf("__Team %s__ (%d)", m.Team1Name, sb.Team1Score), Value: row(1)},
			{Name: fmt.Sprintf("__Team %s__ (%d)", m.Team2Name, sb.Team2Score), Value: row(2)},
		},
		Footer: status,
	}
}
