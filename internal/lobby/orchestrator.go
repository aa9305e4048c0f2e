// internal/lobby/orchestrator.go
//
// The orchestrator owns the lobby lifecycle: voice presence drives the
// queue, a filled queue triggers the ready-check and hands the confirmed
// roster to the match starter. One fill transition runs per lobby at a
// time; presence events arriving mid-transition are dropped, not queued.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/pie/v2"
	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/gateway"
	"github.com/thboss/pugbot/internal/models"
	"github.com/thboss/pugbot/internal/protocol"
)

// ErrLobbyBusy rejects admin operations while a fill transition is running.
var ErrLobbyBusy = errors.New("lobby: busy with a fill transition")

// DefaultUnbanSweep is how often expired bans are lifted.
const DefaultUnbanSweep = 30 * time.Second

// Store is the persistence the orchestrator consumes.
type Store interface {
	Guild(ctx context.Context, guildID string) (models.GuildConfig, error)
	Guilds(ctx context.Context) ([]models.GuildConfig, error)
	Lobby(ctx context.Context, id int64) (models.Lobby, error)
	LobbyByVoiceChannel(ctx context.Context, channelID string) (*models.Lobby, error)
	GuildLobbies(ctx context.Context, guildID string) ([]models.Lobby, error)
	UpdateLobby(ctx context.Context, l models.Lobby) error
	SetLastMessage(ctx context.Context, lobbyID int64, messageID string) error
	IsLinked(ctx context.Context, discordID string) (bool, error)
	SteamIDs(ctx context.Context, discordIDs []string) ([]string, error)
	Bans(ctx context.Context, guildID string) ([]models.Ban, error)
	InsertBan(ctx context.Context, guildID, userID string, unbanAt *time.Time) error
	DeleteBans(ctx context.Context, guildID string, userIDs ...string) error
	MatchUsers(ctx context.Context) ([]string, error)
	Spectators(ctx context.Context, lobbyID int64) ([]string, error)
}

// Queues is the per-lobby waiting queue.
type Queues interface {
	List(ctx context.Context, lobbyID int64) ([]string, error)
	Push(ctx context.Context, lobbyID int64, userID string) error
	Remove(ctx context.Context, lobbyID int64, userID string) (bool, error)
	Clear(ctx context.Context, lobbyID int64) error
}

// MatchStarter runs the confirmed roster through team and map selection into
// a created match.
type MatchStarter interface {
	Start(ctx context.Context, lob models.Lobby, guild models.GuildConfig, roster []models.Player, surface protocol.Surface) error
}

type Orchestrator struct {
	log     *logrus.Logger
	store   Store
	queues  Queues
	starter MatchStarter
	gw      gateway.Gateway
	router  *protocol.Router

	// readyWindow overrides the ready-check deadline when positive.
	readyWindow time.Duration

	mu     sync.Mutex
	states map[int64]*state
}

type state struct {
	locked bool
}

func NewOrchestrator(log *logrus.Logger, store Store, queues Queues, starter MatchStarter, gw gateway.Gateway, router *protocol.Router) *Orchestrator {
	return &Orchestrator{
		log:     log,
		store:   store,
		queues:  queues,
		starter: starter,
		gw:      gw,
		router:  router,
		states:  make(map[int64]*state),
	}
}

// tryLock claims a lobby for one transition. A lobby already locked means
// the caller's event is dropped.
func (o *Orchestrator) tryLock(lobbyID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[lobbyID]
	if !ok {
		st = &state{}
		o.states[lobbyID] = st
	}
	if st.locked {
		return false
	}
	st.locked = true
	return true
}

func (o *Orchestrator) unlock(lobbyID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.states[lobbyID]; ok {
		st.locked = false
	}
}

func (o *Orchestrator) locked(lobbyID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[lobbyID]
	return ok && st.locked
}

// HandlePresence reacts to one voice move: leaving a lobby channel dequeues,
// joining one runs the eligibility chain and may fill the lobby.
func (o *Orchestrator) HandlePresence(ctx context.Context, ev gateway.PresenceUpdate) {
	if ev.FromChannel != "" {
		o.handleLeave(ctx, ev)
	}
	if ev.ToChannel != "" {
		o.handleJoin(ctx, ev)
	}
}

func (o *Orchestrator) handleLeave(ctx context.Context, ev gateway.PresenceUpdate) {
	lob, err := o.store.LobbyByVoiceChannel(ctx, ev.FromChannel)
	if err != nil {
		o.log.WithError(err).Error("lobby lookup on leave failed")
		return
	}
	if lob == nil {
		return
	}
	if !o.tryLock(lob.ID) {
		return
	}
	defer o.unlock(lob.ID)

	removed, err := o.queues.Remove(ctx, lob.ID, ev.UserID)
	if err != nil {
		o.log.WithError(err).WithField("lobby", lob.ID).Error("dequeue failed")
		return
	}
	if removed {
		o.publishQueue(ctx, lob, "")
	}
}

func (o *Orchestrator) handleJoin(ctx context.Context, ev gateway.PresenceUpdate) {
	lob, err := o.store.LobbyByVoiceChannel(ctx, ev.ToChannel)
	if err != nil {
		o.log.WithError(err).Error("lobby lookup on join failed")
		return
	}
	if lob == nil {
		return
	}
	if !o.tryLock(lob.ID) {
		return
	}
	defer o.unlock(lob.ID)

	guild, err := o.store.Guild(ctx, lob.GuildID)
	if err != nil {
		o.log.WithError(err).WithField("guild", lob.GuildID).Error("guild lookup failed")
		return
	}

	queue, err := o.queues.List(ctx, lob.ID)
	if err != nil {
		o.log.WithError(err).WithField("lobby", lob.ID).Error("queue read failed")
		return
	}

	if reason := o.eligibility(ctx, *lob, guild, ev.UserID, queue); reason != "" {
		o.reject(ctx, lob, guild, ev.UserID, reason)
		return
	}

	if err := o.queues.Push(ctx, lob.ID, ev.UserID); err != nil {
		o.log.WithError(err).WithField("lobby", lob.ID).Error("enqueue failed")
		return
	}
	queue = append(queue, ev.UserID)

	if len(queue) < lob.Capacity {
		o.publishQueue(ctx, lob, "")
		return
	}
	o.fill(ctx, *lob, guild, queue)
}

// eligibility runs the join checks in order and returns the first rejection
// reason, or empty when the user may queue.
func (o *Orchestrator) eligibility(ctx context.Context, lob models.Lobby, guild models.GuildConfig, userID string, queue []string) string {
	linked, err := o.store.IsLinked(ctx, userID)
	if err != nil {
		o.log.WithError(err).Warn("link lookup failed")
		return "Unable to verify your account right now."
	}
	if !linked {
		return fmt.Sprintf("<@%s> you must link an account before queueing.", userID)
	}

	bans, err := o.store.Bans(ctx, lob.GuildID)
	if err != nil {
		o.log.WithError(err).Warn("ban lookup failed")
		return "Unable to verify your account right now."
	}
	now := time.Now()
	for _, b := range bans {
		if b.UserID != userID || b.Expired(now) {
			continue
		}
		if b.UnbanAt == nil {
			return fmt.Sprintf("<@%s> you are banned from queueing.", userID)
		}
		return fmt.Sprintf("<@%s> you are banned for another %s.",
			userID, time.Until(*b.UnbanAt).Round(time.Minute))
	}

	if pie.Contains(queue, userID) {
		return fmt.Sprintf("<@%s> you are already in the queue.", userID)
	}

	inMatch, err := o.store.MatchUsers(ctx)
	if err != nil {
		o.log.WithError(err).Warn("match user lookup failed")
		return "Unable to verify your account right now."
	}
	if pie.Contains(inMatch, userID) {
		return fmt.Sprintf("<@%s> you are still in a live match.", userID)
	}

	lobbies, err := o.store.GuildLobbies(ctx, lob.GuildID)
	if err != nil {
		o.log.WithError(err).Warn("lobby list failed")
		return "Unable to verify your account right now."
	}
	for _, other := range lobbies {
		if other.ID == lob.ID {
			continue
		}
		otherQueue, err := o.queues.List(ctx, other.ID)
		if err != nil {
			continue
		}
		if pie.Contains(otherQueue, userID) {
			return fmt.Sprintf("<@%s> you are queued in another lobby.", userID)
		}
	}

	spectators, err := o.store.Spectators(ctx, lob.ID)
	if err != nil {
		o.log.WithError(err).Warn("spectator lookup failed")
		return "Unable to verify your account right now."
	}
	if pie.Contains(spectators, userID) {
		return fmt.Sprintf("<@%s> spectators cannot queue.", userID)
	}

	if len(queue) >= lob.Capacity {
		return "The queue is full."
	}
	return ""
}

// reject moves an ineligible user out of the lobby channel and surfaces the
// reason on the queue display.
func (o *Orchestrator) reject(ctx context.Context, lob *models.Lobby, guild models.GuildConfig, userID, reason string) {
	if guild.PrematchChannel != "" {
		if err := o.gw.MoveToVoice(ctx, lob.GuildID, userID, guild.PrematchChannel); err != nil {
			o.log.WithError(err).WithField("user", userID).Debug("reject move failed")
		}
	}
	o.publishQueue(ctx, lob, reason)
}

// publishQueue renders the current queue onto the lobby's display message,
// reposting it when the stored reference went stale.
func (o *Orchestrator) publishQueue(ctx context.Context, lob *models.Lobby, note string) {
	queue, err := o.queues.List(ctx, lob.ID)
	if err != nil {
		o.log.WithError(err).WithField("lobby", lob.ID).Error("queue read failed")
		return
	}

	view := o.queueView(ctx, lob, queue, note)
	msgID, err := o.gw.PublishQueue(ctx, lob.QueueChannel, lob.LastMessage, view)
	if err != nil {
		o.log.WithError(err).WithField("lobby", lob.ID).Error("queue display update failed")
		return
	}
	if msgID != lob.LastMessage {
		lob.LastMessage = msgID
		if err := o.store.SetLastMessage(ctx, lob.ID, msgID); err != nil {
			o.log.WithError(err).WithField("lobby", lob.ID).Warn("recording queue message failed")
		}
	}
}

func (o *Orchestrator) queueView(ctx context.Context, lob *models.Lobby, queue []string, note string) protocol.View {
	value := "_The queue is empty._"
	if len(queue) > 0 {
		var lines []string
		for i, userID := range queue {
			name := userID
			if m, err := o.gw.Member(ctx, lob.GuildID, userID); err == nil {
				name = m.Name
			}
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, name))
		}
		value = strings.Join(lines, "\n")
	}
	return protocol.View{
		Title:       fmt.Sprintf("Lobby #%d  (%d/%d)", lob.ID, len(queue), lob.Capacity),
		Description: note,
		Fields:      []protocol.Field{{Name: "Players", Value: value}},
		Footer:      "Join the voice channel to queue",
	}
}

// fill runs the lobby-filled transition: snapshot the roster, lock the voice
// channel, ready-check, then either start a match or unwind. The lobby lock
// is held by the caller for the whole transition.
func (o *Orchestrator) fill(ctx context.Context, lob models.Lobby, guild models.GuildConfig, queue []string) {
	log := o.log.WithFields(logrus.Fields{"lobby": lob.ID, "guild": lob.GuildID})
	log.Info("lobby filled")

	roster, err := o.snapshotRoster(ctx, lob, queue)
	if err != nil {
		log.WithError(err).Error("roster snapshot failed")
		return
	}

	if err := o.queues.Clear(ctx, lob.ID); err != nil {
		log.WithError(err).Error("queue clear failed")
		return
	}
	if err := o.gw.SetConnect(ctx, lob.VoiceChannel, guild.LinkedRole, false); err != nil {
		log.WithError(err).Warn("locking voice channel failed")
	}
	defer func() {
		if err := o.gw.SetConnect(ctx, lob.VoiceChannel, guild.LinkedRole, true); err != nil {
			log.WithError(err).Warn("unlocking voice channel failed")
		}
	}()

	if lob.LastMessage != "" {
		if err := o.gw.DeleteMessage(ctx, lob.QueueChannel, lob.LastMessage); err != nil {
			log.WithError(err).Debug("deleting queue display failed")
		}
		lob.LastMessage = ""
	}

	mentions := make([]string, 0, len(roster))
	for _, p := range roster {
		mentions = append(mentions, "<@"+p.UserID+">")
	}
	surface, err := o.gw.OpenSurface(ctx, lob.QueueChannel, strings.Join(mentions, " "))
	if err != nil {
		log.WithError(err).Error("opening prompt surface failed")
		o.restore(ctx, lob, guild, roster)
		o.publishQueue(ctx, &lob, "")
		return
	}

	check := protocol.NewReadyCheck(o.router, surface, o.log, roster)
	if o.readyWindow > 0 {
		check.Window = o.readyWindow
	}
	check.Suspend = func(ctx context.Context, userID string) {
		if err := o.gw.RemoveRole(ctx, lob.GuildID, userID, guild.LinkedRole); err != nil {
			log.WithError(err).WithField("user", userID).Debug("role suspend failed")
		}
	}
	confirmed := check.Run(ctx)

	if len(confirmed) < len(roster) {
		o.unready(ctx, lob, guild, roster, confirmed, surface)
		o.publishQueue(ctx, &lob, "")
		return
	}

	if err := o.starter.Start(ctx, lob, guild, confirmed, surface); err != nil {
		log.WithError(err).Error("match start failed")
		o.restore(ctx, lob, guild, roster)
	}
	o.publishQueue(ctx, &lob, "")
}

// snapshotRoster resolves names and game accounts for everyone in the queue.
func (o *Orchestrator) snapshotRoster(ctx context.Context, lob models.Lobby, queue []string) ([]models.Player, error) {
	steamIDs, err := o.store.SteamIDs(ctx, queue)
	if err != nil {
		return nil, err
	}
	roster := make([]models.Player, 0, len(queue))
	for i, userID := range queue {
		name := userID
		if m, err := o.gw.Member(ctx, lob.GuildID, userID); err == nil {
			name = m.Name
		}
		roster = append(roster, models.Player{
			UserID:  userID,
			SteamID: steamIDs[i],
			Name:    name,
		})
	}
	return roster, nil
}

// unready handles a failed ready-check: confirmed members get their role
// back but are not re-queued, the rest are moved to the waiting channel. The
// lobby returns to an idle state with an empty queue.
func (o *Orchestrator) unready(ctx context.Context, lob models.Lobby, guild models.GuildConfig, roster, confirmed []models.Player, surface protocol.Surface) {
	log := o.log.WithField("lobby", lob.ID)
	log.Info("ready-check failed")

	confirmedIDs := pie.Map(confirmed, func(p models.Player) string { return p.UserID })
	var absent []string
	for _, p := range roster {
		if pie.Contains(confirmedIDs, p.UserID) {
			if err := o.gw.AddRole(ctx, lob.GuildID, p.UserID, guild.LinkedRole); err != nil {
				log.WithError(err).WithField("user", p.UserID).Debug("role restore failed")
			}
			continue
		}
		absent = append(absent, p.Name)
		if guild.PrematchChannel != "" {
			if err := o.gw.MoveToVoice(ctx, lob.GuildID, p.UserID, guild.PrematchChannel); err != nil {
				log.WithError(err).WithField("user", p.UserID).Debug("prematch move failed")
			}
		}
	}

	_ = surface.Update(ctx, protocol.View{
		Title:       "Not everyone was ready!",
		Description: "Not ready: " + strings.Join(absent, ", "),
	})
	_ = surface.Clear(ctx)
}

// restore gives every roster member their queueing role back after a failed
// match start.
func (o *Orchestrator) restore(ctx context.Context, lob models.Lobby, guild models.GuildConfig, roster []models.Player) {
	for _, p := range roster {
		if err := o.gw.AddRole(ctx, lob.GuildID, p.UserID, guild.LinkedRole); err != nil {
			o.log.WithError(err).WithField("user", p.UserID).Debug("role restore failed")
		}
		if guild.PrematchChannel != "" {
			if err := o.gw.MoveToVoice(ctx, lob.GuildID, p.UserID, guild.PrematchChannel); err != nil {
				o.log.WithError(err).WithField("user", p.UserID).Debug("prematch move failed")
			}
		}
	}
}

// EmptyQueue clears a lobby's queue on admin request.
func (o *Orchestrator) EmptyQueue(ctx context.Context, lobbyID int64) error {
	if o.locked(lobbyID) {
		return ErrLobbyBusy
	}
	if err := o.queues.Clear(ctx, lobbyID); err != nil {
		return err
	}
	lob, err := o.store.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	o.publishQueue(ctx, &lob, "The queue was emptied.")
	return nil
}

// SetCapacity changes a lobby's size, clearing the queue so nobody is
// stranded past the new bound.
func (o *Orchestrator) SetCapacity(ctx context.Context, lobbyID int64, capacity int) error {
	if o.locked(lobbyID) {
		return ErrLobbyBusy
	}
	if err := models.ValidateCapacity(capacity); err != nil {
		return err
	}
	lob, err := o.store.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	lob.Capacity = capacity
	if err := o.store.UpdateLobby(ctx, lob); err != nil {
		return err
	}
	if err := o.queues.Clear(ctx, lobbyID); err != nil {
		return err
	}
	o.publishQueue(ctx, &lob, fmt.Sprintf("Capacity changed to %d.", capacity))
	return nil
}

// SetMethods changes a lobby's team, captain and map selection methods.
func (o *Orchestrator) SetMethods(ctx context.Context, lobbyID int64, team, captain, mapMethod string) error {
	if o.locked(lobbyID) {
		return ErrLobbyBusy
	}
	lob, err := o.store.Lobby(ctx, lobbyID)
	if err != nil {
		return err
	}
	if team != "" {
		if lob.TeamMethod, err = models.ParseTeamMethod(team); err != nil {
			return err
		}
	}
	if captain != "" {
		if lob.CaptainMethod, err = models.ParseCaptainMethod(captain); err != nil {
			return err
		}
	}
	if mapMethod != "" {
		if lob.MapMethod, err = models.ParseMapMethod(mapMethod); err != nil {
			return err
		}
	}
	return o.store.UpdateLobby(ctx, lob)
}

// BanPlayer bans a user from queueing, dequeues them everywhere in the guild
// and takes the queueing role. A zero duration is a permanent ban.
func (o *Orchestrator) BanPlayer(ctx context.Context, guildID, userID string, duration time.Duration) error {
	var unbanAt *time.Time
	if duration > 0 {
		t := time.Now().Add(duration)
		unbanAt = &t
	}
	if err := o.store.InsertBan(ctx, guildID, userID, unbanAt); err != nil {
		return err
	}

	guild, err := o.store.Guild(ctx, guildID)
	if err != nil {
		return err
	}
	if err := o.gw.RemoveRole(ctx, guildID, userID, guild.LinkedRole); err != nil {
		o.log.WithError(err).WithField("user", userID).Debug("role removal failed")
	}

	lobbies, err := o.store.GuildLobbies(ctx, guildID)
	if err != nil {
		return err
	}
	for i := range lobbies {
		removed, err := o.queues.Remove(ctx, lobbies[i].ID, userID)
		if err != nil {
			o.log.WithError(err).WithField("lobby", lobbies[i].ID).Warn("dequeue on ban failed")
			continue
		}
		if removed {
			o.publishQueue(ctx, &lobbies[i], "")
		}
	}
	return nil
}

// UnbanPlayer lifts a ban early and restores the queueing role.
func (o *Orchestrator) UnbanPlayer(ctx context.Context, guildID, userID string) error {
	if err := o.store.DeleteBans(ctx, guildID, userID); err != nil {
		return err
	}
	guild, err := o.store.Guild(ctx, guildID)
	if err != nil {
		return err
	}
	if err := o.gw.AddRole(ctx, guildID, userID, guild.LinkedRole); err != nil {
		o.log.WithError(err).WithField("user", userID).Debug("role restore failed")
	}
	return nil
}

// SweepUnbans lifts every expired ban and restores the queueing role.
func (o *Orchestrator) SweepUnbans(ctx context.Context) {
	guilds, err := o.store.Guilds(ctx)
	if err != nil {
		o.log.WithError(err).Error("guild list for unban sweep failed")
		return
	}
	now := time.Now()
	for _, g := range guilds {
		bans, err := o.store.Bans(ctx, g.GuildID)
		if err != nil {
			o.log.WithError(err).WithField("guild", g.GuildID).Error("ban list failed")
			continue
		}
		var expired []string
		for _, b := range bans {
			if b.Expired(now) {
				expired = append(expired, b.UserID)
			}
		}
		if len(expired) == 0 {
			continue
		}
		if err := o.store.DeleteBans(ctx, g.GuildID, expired...); err != nil {
			o.log.WithError(err).WithField("guild", g.GuildID).Error("lifting bans failed")
			continue
		}
		for _, userID := range expired {
			if err := o.gw.AddRole(ctx, g.GuildID, userID, g.LinkedRole); err != nil {
				o.log.WithError(err).WithField("user", userID).Debug("role restore failed")
			}
		}
		o.log.WithFields(logrus.Fields{"guild": g.GuildID, "count": len(expired)}).Info("lifted expired bans")
	}
}

// RunUnbanSweep sweeps on an interval until the context ends.
func (o *Orchestrator) RunUnbanSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUnbanSweep
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepUnbans(ctx)
		}
	}
}
