// internal/gateway/discord.go
package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"

	"github.com/thboss/pugbot/internal/protocol"
)

// Bot is the discordgo-backed Gateway. Voice state updates become presence
// events, reaction adds become protocol signals.
type Bot struct {
	session *discordgo.Session
	router  *protocol.Router
	log     *logrus.Logger

	// OnPresence receives every voice channel move. Assigned before Start.
	OnPresence func(PresenceUpdate)
}

// NewBot builds the session with the intents the orchestrator needs.
func NewBot(token string, log *logrus.Logger, router *protocol.Router) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessageReactions

	b := &Bot{session: session, router: router, log: log}
	session.AddHandler(b.onVoiceStateUpdate)
	session.AddHandler(b.onReactionAdd)
	return b, nil
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}
	b.log.WithField("user", b.session.State.User.Username).Info("connected to discord")
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() {
	if err := b.session.Close(); err != nil {
		b.log.WithError(err).Warn("error closing discord session")
	}
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if b.OnPresence == nil {
		return
	}
	var before string
	if vs.BeforeUpdate != nil {
		before = vs.BeforeUpdate.ChannelID
	}
	if before == vs.ChannelID {
		return
	}
	b.OnPresence(PresenceUpdate{
		GuildID:     vs.GuildID,
		UserID:      vs.UserID,
		FromChannel: before,
		ToChannel:   vs.ChannelID,
	})
}

func (b *Bot) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	b.router.Dispatch(protocol.Signal{
		PromptID: r.MessageID,
		UserID:   r.UserID,
		Choice:   r.Emoji.APIName(),
	})
}

func (b *Bot) Member(_ context.Context, guildID, userID string) (Member, error) {
	m, err := b.session.GuildMember(guildID, userID)
	if err != nil {
		return Member{}, fmt.Errorf("fetch member %s: %w", userID, err)
	}
	name := m.Nick
	if name == "" {
		name = m.User.Username
	}
	return Member{UserID: userID, Name: name}, nil
}

func (b *Bot) MoveToVoice(_ context.Context, guildID, userID, channelID string) error {
	return b.session.GuildMemberMove(guildID, userID, &channelID)
}

func (b *Bot) AddRole(_ context.Context, guildID, userID, roleID string) error {
	return b.session.GuildMemberRoleAdd(guildID, userID, roleID)
}

func (b *Bot) RemoveRole(_ context.Context, guildID, userID, roleID string) error {
	return b.session.GuildMemberRoleRemove(guildID, userID, roleID)
}

func (b *Bot) SetConnect(_ context.Context, channelID, roleID string, allow bool) error {
	var allowBits, denyBits int64
	if allow {
		allowBits = discordgo.PermissionVoiceConnect
	} else {
		denyBits = discordgo.PermissionVoiceConnect
	}
	return b.session.ChannelPermissionSet(channelID, roleID,
		discordgo.PermissionOverwriteTypeRole, allowBits, denyBits)
}

func (b *Bot) CreateCategory(_ context.Context, guildID, name string) (string, error) {
	ch, err := b.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	})
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (b *Bot) CreateVoice(_ context.Context, guildID, category, name string, userLimit int) (string, error) {
	ch, err := b.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:      name,
		Type:      discordgo.ChannelTypeGuildVoice,
		ParentID:  category,
		UserLimit: userLimit,
	})
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

func (b *Bot) DeleteChannel(_ context.Context, channelID string) error {
	_, err := b.session.ChannelDelete(channelID)
	return err
}

func (b *Bot) PublishQueue(_ context.Context, channelID, messageID string, view protocol.View) (string, error) {
	embed := embedFromView(view)
	if messageID != "" {
		if _, err := b.session.ChannelMessageEditEmbed(channelID, messageID, embed); err == nil {
			return messageID, nil
		}
		// Stale reference; fall through and repost.
	}
	msg, err := b.session.ChannelMessageSendEmbed(channelID, embed)
	if err != nil {
		return "", fmt.Errorf("post queue message: %w", err)
	}
	return msg.ID, nil
}

func (b *Bot) EditMessage(_ context.Context, channelID, messageID string, view protocol.View) error {
	_, err := b.session.ChannelMessageEditEmbed(channelID, messageID, embedFromView(view))
	return err
}

func (b *Bot) DeleteMessage(_ context.Context, channelID, messageID string) error {
	return b.session.ChannelMessageDelete(channelID, messageID)
}

func (b *Bot) OpenSurface(_ context.Context, channelID, content string) (protocol.Surface, error) {
	msg, err := b.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return nil, fmt.Errorf("post prompt message: %w", err)
	}
	return &messageSurface{session: b.session, channelID: channelID, messageID: msg.ID}, nil
}

// messageSurface drives one prompt message with embeds and reactions.
type messageSurface struct {
	session   *discordgo.Session
	channelID string
	messageID string
}

func (m *messageSurface) ID() string { return m.messageID }

func (m *messageSurface) Update(_ context.Context, view protocol.View) error {
	_, err := m.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel: m.channelID,
		ID:      m.messageID,
		Content: new(string),
		Embeds:  &[]*discordgo.MessageEmbed{embedFromView(view)},
	})
	return err
}

func (m *messageSurface) Offer(_ context.Context, choices []string) error {
	for _, choice := range choices {
		if err := m.session.MessageReactionAdd(m.channelID, m.messageID, choice); err != nil {
			return err
		}
	}
	return nil
}

func (m *messageSurface) Retract(_ context.Context, choice string) error {
	return m.session.MessageReactionsRemoveEmoji(m.channelID, m.messageID, choice)
}

func (m *messageSurface) Withdraw(_ context.Context, sig protocol.Signal) error {
	return m.session.MessageReactionRemove(m.channelID, m.messageID, sig.Choice, sig.UserID)
}

func (m *messageSurface) Clear(_ context.Context) error {
	return m.session.MessageReactionsRemoveAll(m.channelID, m.messageID)
}

func embedFromView(view protocol.View) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       view.Title,
		Description: view.Description,
	}
	for _, f := range view.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  f.Name,
			Value: f.Value,
		})
	}
	if view.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: view.Footer}
	}
	return embed
}
