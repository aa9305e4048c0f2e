// internal/models/models.go
package models

import (
	"fmt"
	"time"
)

// TeamMethod selects how a filled roster is split into two teams.
type TeamMethod string

// CaptainMethod selects how the two draft captains are chosen.
type CaptainMethod string

// MapMethod selects how the final map is decided.
type MapMethod string

const (
	TeamCaptains    TeamMethod = "captains"
	TeamAutobalance TeamMethod = "autobalance"
	TeamRandom      TeamMethod = "random"

	CaptainVolunteer CaptainMethod = "volunteer"
	CaptainRank      CaptainMethod = "rank"
	CaptainRandom    CaptainMethod = "random"

	MapBan    MapMethod = "ban"
	MapVote   MapMethod = "vote"
	MapRandom MapMethod = "random"
)

var teamMethods = map[string]TeamMethod{
	string(TeamCaptains):    TeamCaptains,
	string(TeamAutobalance): TeamAutobalance,
	string(TeamRandom):      TeamRandom,
}

var captainMethods = map[string]CaptainMethod{
	string(CaptainVolunteer): CaptainVolunteer,
	string(CaptainRank):      CaptainRank,
	string(CaptainRandom):    CaptainRandom,
}

var mapMethods = map[string]MapMethod{
	string(MapBan):    MapBan,
	string(MapVote):   MapVote,
	string(MapRandom): MapRandom,
}

// ParseTeamMethod resolves a stored method name. Unknown names are a user
// input error, surfaced before any state changes.
func ParseTeamMethod(s string) (TeamMethod, error) {
	m, ok := teamMethods[s]
	if !ok {
		return "", fmt.Errorf("unknown team method %q", s)
	}
	return m, nil
}

func ParseCaptainMethod(s string) (CaptainMethod, error) {
	m, ok := captainMethods[s]
	if !ok {
		return "", fmt.Errorf("unknown captain method %q", s)
	}
	return m, nil
}

func ParseMapMethod(s string) (MapMethod, error) {
	m, ok := mapMethods[s]
	if !ok {
		return "", fmt.Errorf("unknown map method %q", s)
	}
	return m, nil
}

// Map is one entry of the global map catalog.
type Map struct {
	Name     string
	DevName  string
	Emoji    string
	ImageURL string
}

// DefaultCatalog is the built-in map catalog. Lobby pools are subsets of it.
var DefaultCatalog = []Map{
	{Name: "Dust II", DevName: "de_dust2", Emoji: "\U0001F3DC"},
	{Name: "Inferno", DevName: "de_inferno", Emoji: "\U0001F525"},
	{Name: "Mirage", DevName: "de_mirage", Emoji: "\U0001F3DB"},
	{Name: "Nuke", DevName: "de_nuke", Emoji: "☢"},
	{Name: "Overpass", DevName: "de_overpass", Emoji: "\U0001F309"},
	{Name: "Train", DevName: "de_train", Emoji: "\U0001F682"},
	{Name: "Vertigo", DevName: "de_vertigo", Emoji: "\U0001F3D7"},
	{Name: "Cache", DevName: "de_cache", Emoji: "\U0001F4E6"},
	{Name: "Ancient", DevName: "de_ancient", Emoji: "\U0001F3FA"},
	{Name: "Anubis", DevName: "de_anubis", Emoji: "\U0001F42B"},
}

// CatalogMap returns the catalog entry for a dev name, if any.
func CatalogMap(devName string) (Map, bool) {
	for _, m := range DefaultCatalog {
		if m.DevName == devName {
			return m, true
		}
	}
	return Map{}, false
}

// EmojiNumbers are the pick tokens offered during a captain draft, one per
// roster slot. Index 0 is unused so token i maps to roster position i.
var EmojiNumbers = []string{
	"0⃣", "1⃣", "2⃣", "3⃣",
	"4⃣", "5⃣", "6⃣", "7⃣",
	"8⃣", "9⃣", "\U0001F51F",
}

const (
	MinCapacity = 2
	MaxCapacity = 100
)

// Lobby is one configured matchmaking channel pair.
type Lobby struct {
	ID            int64
	GuildID       string
	QueueChannel  string // text channel where prompts are posted
	VoiceChannel  string // voice channel users queue in
	Capacity      int
	TeamMethod    TeamMethod
	CaptainMethod CaptainMethod
	MapMethod     MapMethod
	MapPool       []Map
	LastMessage   string // last queue display message, may be stale
}

// ValidateCapacity enforces the even 2..100 bound shared by lobby creation
// and the capacity command.
func ValidateCapacity(n int) error {
	if n < MinCapacity || n > MaxCapacity || n%2 != 0 {
		return fmt.Errorf("capacity must be an even number between %d and %d", MinCapacity, MaxCapacity)
	}
	return nil
}

// GuildConfig is the per-guild setup written by the setup command.
type GuildConfig struct {
	GuildID         string
	AuthUserID      int64  // league API account
	AuthAPIKey      string // league API key
	LinkedRole      string // role marking linked, matchmaking-eligible users
	PrematchChannel string // waiting/AFK voice channel
}

// Player is a roster member. Rating is populated from the league leaderboard
// before any rating-sensitive strategy runs.
type Player struct {
	UserID  string
	SteamID string
	Name    string
	Rating  float64
}

// Ban excludes a user from queueing in a guild until it expires.
// A nil UnbanAt means permanent.
type Ban struct {
	GuildID string
	UserID  string
	UnbanAt *time.Time
}

// Expired reports whether the ban has lapsed at the given instant.
func (b Ban) Expired(now time.Time) bool {
	return b.UnbanAt != nil && now.After(*b.UnbanAt)
}

// Match is a created, live game session and the guild resources attached
// to it.
type Match struct {
	ID           int64
	GuildID      string
	LobbyID      int64
	Message      string
	Category     string
	Team1Channel string
	Team2Channel string
	Team1Name    string
	Team2Name    string
	Players      []string
}
