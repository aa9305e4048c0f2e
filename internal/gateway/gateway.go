// internal/gateway/gateway.go
package gateway

import (
	"context"

	"github.com/thboss/pugbot/internal/protocol"
)

// PresenceUpdate is a user moving between voice channels. Empty channel IDs
// mean "not in voice".
type PresenceUpdate struct {
	GuildID     string
	UserID      string
	FromChannel string
	ToChannel   string
}

// Member is the platform-side identity of a user in a guild.
type Member struct {
	UserID string
	Name   string
}

// Gateway is the presence/messaging boundary. Commands are fire-and-forget
// with best-effort delivery; callers decide which failures to ignore.
type Gateway interface {
	Member(ctx context.Context, guildID, userID string) (Member, error)

	MoveToVoice(ctx context.Context, guildID, userID, channelID string) error
	AddRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
	SetConnect(ctx context.Context, channelID, roleID string, allow bool) error

	CreateCategory(ctx context.Context, guildID, name string) (string, error)
	CreateVoice(ctx context.Context, guildID, category, name string, userLimit int) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error

	// PublishQueue edits the lobby's queue display message, reposting it if
	// the referenced message is stale. Returns the current message ID.
	PublishQueue(ctx context.Context, channelID, messageID string, view protocol.View) (string, error)
	// EditMessage updates an existing message in place. Stale references
	// error; callers treat that as benign.
	EditMessage(ctx context.Context, channelID, messageID string, view protocol.View) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// OpenSurface posts a fresh prompt message and returns the surface
	// driving it.
	OpenSurface(ctx context.Context, channelID, content string) (protocol.Surface, error)
}
