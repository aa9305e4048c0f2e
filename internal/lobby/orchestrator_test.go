// internal/lobby/orchestrator_test.go
package lobby

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thboss/pugbot/internal/gateway"
	"github.com/thboss/pugbot/internal/models"
	"github.com/thboss/pugbot/internal/protocol"
)

type fakeStore struct {
	mu         sync.Mutex
	guilds     map[string]models.GuildConfig
	lobbies    map[int64]models.Lobby
	linked     map[string]bool
	steam      map[string]string
	bans       map[string][]models.Ban
	inMatch    []string
	spectators map[int64][]string
	spectErr   error
	deletedBan [][]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		guilds:     map[string]models.GuildConfig{},
		lobbies:    map[int64]models.Lobby{},
		linked:     map[string]bool{},
		steam:      map[string]string{},
		bans:       map[string][]models.Ban{},
		spectators: map[int64][]string{},
	}
}

func (f *fakeStore) Guild(_ context.Context, guildID string) (models.GuildConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guilds[guildID]
	if !ok {
		return models.GuildConfig{}, errors.New("no such guild")
	}
	return g, nil
}

func (f *fakeStore) Guilds(_ context.Context) ([]models.GuildConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.GuildConfig
	for _, g := range f.guilds {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeStore) Lobby(_ context.Context, id int64) (models.Lobby, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lobbies[id]
	if !ok {
		return models.Lobby{}, errors.New("no such lobby")
	}
	return l, nil
}

func (f *fakeStore) LobbyByVoiceChannel(_ context.Context, channelID string) (*models.Lobby, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lobbies {
		if l.VoiceChannel == channelID {
			out := l
			return &out, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GuildLobbies(_ context.Context, guildID string) ([]models.Lobby, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Lobby
	for _, l := range f.lobbies {
		if l.GuildID == guildID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateLobby(_ context.Context, l models.Lobby) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lobbies[l.ID] = l
	return nil
}

func (f *fakeStore) SetLastMessage(_ context.Context, lobbyID int64, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.lobbies[lobbyID]
	l.LastMessage = messageID
	f.lobbies[lobbyID] = l
	return nil
}

func (f *fakeStore) IsLinked(_ context.Context, discordID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked[discordID], nil
}

func (f *fakeStore) SteamIDs(_ context.Context, discordIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(discordIDs))
	for i, id := range discordIDs {
		out[i] = f.steam[id]
	}
	return out, nil
}

func (f *fakeStore) Bans(_ context.Context, guildID string) ([]models.Ban, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bans[guildID], nil
}

func (f *fakeStore) InsertBan(_ context.Context, guildID, userID string, unbanAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[guildID] = append(f.bans[guildID], models.Ban{GuildID: guildID, UserID: userID, UnbanAt: unbanAt})
	return nil
}

func (f *fakeStore) DeleteBans(_ context.Context, guildID string, userIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedBan = append(f.deletedBan, userIDs)
	var kept []models.Ban
	for _, b := range f.bans[guildID] {
		drop := false
		for _, id := range userIDs {
			if b.UserID == id {
				drop = true
			}
		}
		if !drop {
			kept = append(kept, b)
		}
	}
	f.bans[guildID] = kept
	return nil
}

func (f *fakeStore) MatchUsers(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMatch, nil
}

func (f *fakeStore) Spectators(_ context.Context, lobbyID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spectErr != nil {
		return nil, f.spectErr
	}
	return f.spectators[lobbyID], nil
}

type fakeQueues struct {
	mu     sync.Mutex
	queues map[int64][]string
}

func newFakeQueues() *fakeQueues {
	return &fakeQueues{queues: map[int64][]string{}}
}

func (f *fakeQueues) List(_ context.Context, lobbyID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.queues[lobbyID]...), nil
}

func (f *fakeQueues) Push(_ context.Context, lobbyID int64, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[lobbyID] = append(f.queues[lobbyID], userID)
	return nil
}

func (f *fakeQueues) Remove(_ context.Context, lobbyID int64, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.queues[lobbyID] {
		if id == userID {
			f.queues[lobbyID] = append(f.queues[lobbyID][:i], f.queues[lobbyID][i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeQueues) Clear(_ context.Context, lobbyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, lobbyID)
	return nil
}

func (f *fakeQueues) snapshot(lobbyID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.queues[lobbyID]...)
}

type fakeStarter struct {
	mu      sync.Mutex
	calls   int
	rosters [][]models.Player
	err     error
}

func (f *fakeStarter) Start(_ context.Context, _ models.Lobby, _ models.GuildConfig, roster []models.Player, _ protocol.Surface) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.rosters = append(f.rosters, roster)
	return f.err
}

func (f *fakeStarter) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSurface is the prompt message handed out by OpenSurface.
type fakeSurface struct {
	mu    sync.Mutex
	id    string
	views []protocol.View
}

func (f *fakeSurface) ID() string { return f.id }

func (f *fakeSurface) Update(_ context.Context, v protocol.View) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views = append(f.views, v)
	return nil
}

func (f *fakeSurface) Offer(context.Context, []string) error           { return nil }
func (f *fakeSurface) Retract(context.Context, string) error           { return nil }
func (f *fakeSurface) Withdraw(context.Context, protocol.Signal) error { return nil }
func (f *fakeSurface) Clear(context.Context) error                     { return nil }

type fakeGateway struct {
	mu           sync.Mutex
	moved        map[string]string
	rolesAdded   []string
	rolesRemoved []string
	connect      []bool
	published    []protocol.View
	surfaces     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{moved: map[string]string{}}
}

func (f *fakeGateway) Member(_ context.Context, _, userID string) (gateway.Member, error) {
	return gateway.Member{UserID: userID, Name: "name-" + userID}, nil
}

func (f *fakeGateway) MoveToVoice(_ context.Context, _, userID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moved[userID] = channelID
	return nil
}

func (f *fakeGateway) AddRole(_ context.Context, _, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesAdded = append(f.rolesAdded, userID)
	return nil
}

func (f *fakeGateway) RemoveRole(_ context.Context, _, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesRemoved = append(f.rolesRemoved, userID)
	return nil
}

func (f *fakeGateway) SetConnect(_ context.Context, _, _ string, allow bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connect = append(f.connect, allow)
	return nil
}

func (f *fakeGateway) CreateCategory(context.Context, string, string) (string, error) {
	return "cat", nil
}

func (f *fakeGateway) CreateVoice(_ context.Context, _, _, name string, _ int) (string, error) {
	return name, nil
}

func (f *fakeGateway) DeleteChannel(context.Context, string) error { return nil }

func (f *fakeGateway) PublishQueue(_ context.Context, _, messageID string, view protocol.View) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, view)
	if messageID == "" {
		return "queue-msg", nil
	}
	return messageID, nil
}

func (f *fakeGateway) EditMessage(context.Context, string, string, protocol.View) error {
	return nil
}

func (f *fakeGateway) DeleteMessage(context.Context, string, string) error { return nil }

func (f *fakeGateway) OpenSurface(_ context.Context, _, _ string) (protocol.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.surfaces++
	return &fakeSurface{id: "prompt-1"}, nil
}

func (f *fakeGateway) lastPublished() protocol.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return protocol.View{}
	}
	return f.published[len(f.published)-1]
}

func (f *fakeGateway) movedTo(userID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.moved[userID]
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func fixture() (*Orchestrator, *fakeStore, *fakeQueues, *fakeStarter, *fakeGateway, *protocol.Router) {
	store := newFakeStore()
	queues := newFakeQueues()
	starter := &fakeStarter{}
	gw := newFakeGateway()
	router := protocol.NewRouter()

	store.guilds["g1"] = models.GuildConfig{
		GuildID:         "g1",
		LinkedRole:      "linked",
		PrematchChannel: "prematch",
	}
	store.lobbies[1] = models.Lobby{
		ID:           1,
		GuildID:      "g1",
		QueueChannel: "text-1",
		VoiceChannel: "voice-1",
		Capacity:     2,
		TeamMethod:   models.TeamRandom,
		MapMethod:    models.MapRandom,
		MapPool:      models.DefaultCatalog[:3],
	}
	store.linked["a"] = true
	store.linked["b"] = true
	store.steam["a"] = "s-a"
	store.steam["b"] = "s-b"

	o := NewOrchestrator(testLogger(), store, queues, starter, gw, router)
	return o, store, queues, starter, gw, router
}

func join(userID string) gateway.PresenceUpdate {
	return gateway.PresenceUpdate{GuildID: "g1", UserID: userID, ToChannel: "voice-1"}
}

func leave(userID string) gateway.PresenceUpdate {
	return gateway.PresenceUpdate{GuildID: "g1", UserID: userID, FromChannel: "voice-1"}
}

func TestJoinEnqueuesEligibleUser(t *testing.T) {
	o, _, queues, _, gw, _ := fixture()

	o.HandlePresence(context.Background(), join("a"))

	assert.Equal(t, []string{"a"}, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Title, "(1/2)")
}

func TestJoinRejectsUnlinkedUser(t *testing.T) {
	o, _, queues, _, gw, _ := fixture()

	o.HandlePresence(context.Background(), join("stranger"))

	assert.Empty(t, queues.snapshot(1))
	assert.Equal(t, "prematch", gw.movedTo("stranger"))
	assert.Contains(t, gw.lastPublished().Description, "link an account")
}

func TestJoinRejectsBannedUser(t *testing.T) {
	o, store, queues, _, gw, _ := fixture()
	unban := time.Now().Add(time.Hour)
	store.bans["g1"] = []models.Ban{{GuildID: "g1", UserID: "a", UnbanAt: &unban}}

	o.HandlePresence(context.Background(), join("a"))

	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Description, "banned")
}

func TestJoinRejectsDuplicateQueueEntry(t *testing.T) {
	o, _, queues, _, gw, _ := fixture()
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	o.HandlePresence(context.Background(), join("a"))

	assert.Equal(t, []string{"a"}, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Description, "already in the queue")
}

func TestJoinRejectsUserInLiveMatch(t *testing.T) {
	o, store, queues, _, gw, _ := fixture()
	store.inMatch = []string{"a"}

	o.HandlePresence(context.Background(), join("a"))

	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Description, "live match")
}

func TestJoinRejectsUserQueuedElsewhere(t *testing.T) {
	o, store, queues, _, gw, _ := fixture()
	store.lobbies[2] = models.Lobby{
		ID: 2, GuildID: "g1", QueueChannel: "text-2", VoiceChannel: "voice-2", Capacity: 2,
	}
	require.NoError(t, queues.Push(context.Background(), 2, "a"))

	o.HandlePresence(context.Background(), join("a"))

	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Description, "another lobby")
}

func TestJoinRejectsSpectator(t *testing.T) {
	o, store, queues, _, gw, _ := fixture()
	store.spectators[1] = []string{"a"}

	o.HandlePresence(context.Background(), join("a"))

	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Description, "spectators")
}

func TestJoinRejectsWhenSpectatorLookupFails(t *testing.T) {
	o, store, queues, _, gw, _ := fixture()
	store.spectErr = errors.New("db down")

	o.HandlePresence(context.Background(), join("a"))

	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Description, "Unable to verify")
}

func TestLeaveDequeues(t *testing.T) {
	o, _, queues, _, gw, _ := fixture()
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	o.HandlePresence(context.Background(), leave("a"))

	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Title, "(0/2)")
}

func TestLockedLobbyDropsEvents(t *testing.T) {
	o, _, queues, _, _, _ := fixture()
	require.True(t, o.tryLock(1))
	defer o.unlock(1)

	o.HandlePresence(context.Background(), join("a"))
	assert.Empty(t, queues.snapshot(1))
}

func TestAdminOpsRejectedWhileBusy(t *testing.T) {
	o, _, _, _, _, _ := fixture()
	require.True(t, o.tryLock(1))
	defer o.unlock(1)

	assert.ErrorIs(t, o.EmptyQueue(context.Background(), 1), ErrLobbyBusy)
	assert.ErrorIs(t, o.SetCapacity(context.Background(), 1, 4), ErrLobbyBusy)
	assert.ErrorIs(t, o.SetMethods(context.Background(), 1, "random", "", ""), ErrLobbyBusy)
}

func TestSetCapacityValidatesAndClearsQueue(t *testing.T) {
	o, store, queues, _, _, _ := fixture()
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	assert.Error(t, o.SetCapacity(context.Background(), 1, 3))
	assert.Error(t, o.SetCapacity(context.Background(), 1, 0))

	require.NoError(t, o.SetCapacity(context.Background(), 1, 4))
	assert.Equal(t, 4, store.lobbies[1].Capacity)
	assert.Empty(t, queues.snapshot(1))
}

func TestFillStartsMatchWhenAllReady(t *testing.T) {
	o, _, queues, starter, gw, router := fixture()
	o.readyWindow = 2 * time.Second
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	go func() {
		// Confirm both players once the ready-check is routing.
		for i := 0; i < 200 && starter.started() == 0; i++ {
			router.Dispatch(protocol.Signal{PromptID: "prompt-1", UserID: "a", Choice: protocol.ReadyToken})
			router.Dispatch(protocol.Signal{PromptID: "prompt-1", UserID: "b", Choice: protocol.ReadyToken})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	o.HandlePresence(context.Background(), join("b"))

	require.Equal(t, 1, starter.started())
	require.Len(t, starter.rosters[0], 2)
	assert.Equal(t, "s-a", starter.rosters[0][0].SteamID)
	assert.Equal(t, "name-a", starter.rosters[0][0].Name)

	// Channel locked for the transition, unlocked after.
	gw.mu.Lock()
	assert.Equal(t, []bool{false, true}, gw.connect)
	rolesRemoved := append([]string{}, gw.rolesRemoved...)
	gw.mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, rolesRemoved)

	// Queue is empty afterwards.
	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Title, "(0/2)")
}

func TestFillUnreadyRestoresConfirmedOnly(t *testing.T) {
	o, _, queues, starter, gw, router := fixture()
	o.readyWindow = 300 * time.Millisecond
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	go func() {
		for i := 0; i < 20; i++ {
			router.Dispatch(protocol.Signal{PromptID: "prompt-1", UserID: "a", Choice: protocol.ReadyToken})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	o.HandlePresence(context.Background(), join("b"))

	assert.Equal(t, 0, starter.started())

	// Only the confirmed player gets the role back, but nobody is re-queued;
	// the lobby returns to idle with an empty queue.
	gw.mu.Lock()
	rolesAdded := append([]string{}, gw.rolesAdded...)
	gw.mu.Unlock()
	assert.Equal(t, []string{"a"}, rolesAdded)
	assert.Empty(t, queues.snapshot(1))
	assert.Contains(t, gw.lastPublished().Title, "(0/2)")
	assert.Equal(t, "prematch", gw.movedTo("b"))
}

func TestFillRestoresEveryoneWhenStartFails(t *testing.T) {
	o, _, queues, starter, gw, router := fixture()
	o.readyWindow = 2 * time.Second
	starter.err = errors.New("no servers")
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	go func() {
		for i := 0; i < 200 && starter.started() == 0; i++ {
			router.Dispatch(protocol.Signal{PromptID: "prompt-1", UserID: "a", Choice: protocol.ReadyToken})
			router.Dispatch(protocol.Signal{PromptID: "prompt-1", UserID: "b", Choice: protocol.ReadyToken})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	o.HandlePresence(context.Background(), join("b"))

	require.Equal(t, 1, starter.started())
	gw.mu.Lock()
	rolesAdded := append([]string{}, gw.rolesAdded...)
	gw.mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, rolesAdded)
	assert.Equal(t, "prematch", gw.movedTo("a"))
	assert.Empty(t, queues.snapshot(1))
}

func TestBanPlayerDequeuesAndSuspendsRole(t *testing.T) {
	o, store, queues, _, gw, _ := fixture()
	require.NoError(t, queues.Push(context.Background(), 1, "a"))

	require.NoError(t, o.BanPlayer(context.Background(), "g1", "a", time.Hour))

	bans, err := store.Bans(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, bans, 1)
	require.NotNil(t, bans[0].UnbanAt)
	assert.Empty(t, queues.snapshot(1))

	gw.mu.Lock()
	rolesRemoved := append([]string{}, gw.rolesRemoved...)
	gw.mu.Unlock()
	assert.Equal(t, []string{"a"}, rolesRemoved)
}

func TestBanPlayerZeroDurationIsPermanent(t *testing.T) {
	o, store, _, _, _, _ := fixture()

	require.NoError(t, o.BanPlayer(context.Background(), "g1", "a", 0))

	bans, err := store.Bans(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Nil(t, bans[0].UnbanAt)
}

func TestUnbanPlayerRestoresRole(t *testing.T) {
	o, store, _, _, gw, _ := fixture()
	require.NoError(t, o.BanPlayer(context.Background(), "g1", "a", time.Hour))

	require.NoError(t, o.UnbanPlayer(context.Background(), "g1", "a"))

	bans, err := store.Bans(context.Background(), "g1")
	require.NoError(t, err)
	assert.Empty(t, bans)

	gw.mu.Lock()
	rolesAdded := append([]string{}, gw.rolesAdded...)
	gw.mu.Unlock()
	assert.Equal(t, []string{"a"}, rolesAdded)
}

func TestSweepUnbansLiftsExpiredOnly(t *testing.T) {
	o, store, _, _, gw, _ := fixture()
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	store.bans["g1"] = []models.Ban{
		{GuildID: "g1", UserID: "expired", UnbanAt: &past},
		{GuildID: "g1", UserID: "active", UnbanAt: &future},
		{GuildID: "g1", UserID: "permanent"},
	}

	o.SweepUnbans(context.Background())

	gw.mu.Lock()
	rolesAdded := append([]string{}, gw.rolesAdded...)
	gw.mu.Unlock()
	assert.Equal(t, []string{"expired"}, rolesAdded)

	remaining, err := store.Bans(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
}
