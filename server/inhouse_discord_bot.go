package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const genericErrorMessage = "처리 중 오류가 발생했습니다."

// DiscordSession is the part of the Discord session the bot talks through.
type DiscordSession interface {
	GuildMemberLister
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

type commandHandler func(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error

// InhouseBot connects the roster engine to Discord: slash commands, signup
// buttons and the signup message itself.
type InhouseBot struct {
	ctx     context.Context
	logger  *zap.Logger
	metrics Metrics
	config  *Config

	dg      *discordgo.Session
	session DiscordSession

	engine     *RosterEngine
	dispatcher *UpdateDispatcher
	members    *MemberDirectory
	tournament *TournamentClient

	commands        []*discordgo.ApplicationCommand
	commandHandlers map[string]commandHandler
	channelGuilds   MapOf[string, string]
	ready           *atomic.Bool
}

func NewInhouseBot(ctx context.Context, logger *zap.Logger, metrics Metrics, config *Config, dg *discordgo.Session, engine *RosterEngine, tournament *TournamentClient) *InhouseBot {
	b := newInhouseBot(ctx, logger, metrics, config, dg, engine, tournament)
	b.dg = dg

	dg.StateEnabled = true
	dg.Identify.Intents = discordgo.IntentsNone
	dg.Identify.Intents |= discordgo.IntentGuilds
	dg.Identify.Intents |= discordgo.IntentGuildMembers

	dg.AddHandlerOnce(func(s *discordgo.Session, m *discordgo.Ready) {
		b.logger.Info("Discord bot is ready", zap.String("username", m.User.Username), zap.Int("guilds", len(m.Guilds)))
		if err := b.updateSlashCommands(s, b.config.Discord.GuildID); err != nil {
			b.logger.Error("Failed to register slash commands", zap.Error(err))
		}
	})

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.Ready) {
		b.ready.Store(true)
	})

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.Resumed) {
		b.ready.Store(true)
	})

	dg.AddHandler(func(s *discordgo.Session, m *discordgo.Disconnect) {
		b.logger.Warn("Discord session disconnected")
		b.ready.Store(false)
	})

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.RateLimit) {
		fields := []zap.Field{zap.String("url", r.URL)}
		if r.TooManyRequests != nil {
			fields = append(fields, zap.String("bucket", r.Bucket), zap.Duration("retry_after", r.RetryAfter))
		}
		b.logger.Warn("Discord rate limit", fields...)
		b.metrics.CustomCounter("discord_rate_limit", nil, 1)
	})

	dg.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.handleInteraction(i)
	})

	return b
}

func newInhouseBot(ctx context.Context, logger *zap.Logger, metrics Metrics, config *Config, session DiscordSession, engine *RosterEngine, tournament *TournamentClient) *InhouseBot {
	b := &InhouseBot{
		ctx:        ctx,
		logger:     logger.With(zap.String("component", "discord_bot")),
		metrics:    metrics,
		config:     config,
		session:    session,
		engine:     engine,
		tournament: tournament,
		ready:      atomic.NewBool(false),
	}
	ttl := time.Duration(config.Discord.MemberCacheTTLSec) * time.Second
	b.members = NewMemberDirectory(logger, metrics, session, ttl)
	b.dispatcher = NewUpdateDispatcher(ctx, logger, metrics, b.updateSignupMessage, config.Roster.FollowupDelay(), config.Roster.RemoteCallTimeout())
	b.commands = inhouseCommands(config.Discord)
	b.commandHandlers = b.inhouseCommandHandlers()
	return b
}

// Start opens the gateway connection.
func (b *InhouseBot) Start() error {
	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	return nil
}

// Stop waits for pending message updates and closes the gateway connection.
func (b *InhouseBot) Stop() error {
	b.dispatcher.Wait()
	b.ready.Store(false)
	if b.dg == nil {
		return nil
	}
	return b.dg.Close()
}

// Ready reports whether the gateway connection is up.
func (b *InhouseBot) Ready() bool {
	return b.ready.Load()
}

// RequestUpdate schedules a re-render of the channel's signup message.
func (b *InhouseBot) RequestUpdate(channelID string, opts UpdateOptions) {
	b.dispatcher.RequestUpdate(channelID, opts)
}

func (b *InhouseBot) updateSlashCommands(s *discordgo.Session, guildID string) error {
	registered, err := s.ApplicationCommandBulkOverwrite(s.State.Application.ID, guildID, b.commands)
	if err != nil {
		return err
	}
	scope := "global"
	if guildID != "" {
		scope = "guild"
	}
	b.logger.Info("Registered slash commands", zap.String("scope", scope), zap.String("guild_id", guildID), zap.Int("count", len(registered)))
	return nil
}

func (b *InhouseBot) channelAllowed(channelID string) bool {
	return channelID == b.config.Discord.ChannelID
}

func channelRefusalMessage(channelID string) string {
	return fmt.Sprintf("이 명령어는 <#%s> 채널에서만 사용할 수 있습니다.", channelID)
}

func (b *InhouseBot) guildOf(channelID string) string {
	if guildID, ok := b.channelGuilds.Load(channelID); ok {
		return guildID
	}
	if b.dg != nil {
		if ch, err := b.dg.State.Channel(channelID); err == nil {
			return ch.GuildID
		}
	}
	return b.config.Discord.GuildID
}

func (b *InhouseBot) resolver(ctx context.Context, channelID string) NameResolver {
	guildID := b.guildOf(channelID)
	if guildID == "" {
		return IdentityResolver{}
	}
	return b.members.Resolver(ctx, guildID)
}

func (b *InhouseBot) handleInteraction(i *discordgo.InteractionCreate) {
	user, _ := getScopedUserMember(i)

	logger := b.logger.With(
		zap.String("op_id", uuid.Must(uuid.NewV4()).String()),
		zap.String("guild_id", i.GuildID),
		zap.String("channel_id", i.ChannelID),
	)
	if user != nil {
		logger = logger.With(zap.String("discord_id", user.ID), zap.String("username", user.Username))
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in interaction handler", zap.Any("panic", r))
			b.metrics.CustomCounter("interaction_panic", nil, 1)
		}
	}()

	if i.GuildID != "" {
		b.channelGuilds.Store(i.ChannelID, i.GuildID)
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.config.Roster.RemoteCallTimeout())
	defer cancel()

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		appCommandName := i.ApplicationCommandData().Name
		logger = logger.With(zap.String("app_command", appCommandName))

		handler, ok := b.commandHandlers[appCommandName]
		if !ok {
			logger.Warn("Unhandled command")
			return
		}
		if !b.channelAllowed(i.ChannelID) {
			if err := simpleInteractionResponse(b.session, i, channelRefusalMessage(b.config.Discord.ChannelID)); err != nil {
				logger.Warn("Failed to send channel refusal", zap.Error(err))
			}
			return
		}

		logger.Info("Handling application command.")
		if err := handler(ctx, logger, i); err != nil {
			logger.Error("Failed to handle interaction", zap.Error(err))
			b.metrics.CustomCounter("interaction_error", map[string]string{"type": "command"}, 1)
			b.respondError(logger, i)
		}

	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		logger = logger.With(zap.String("custom_id", customID))

		logger.Debug("Handling interaction message component.")
		if err := b.handleSignupButton(ctx, logger, i, customID); err != nil {
			logger.Error("Failed to handle interaction message component", zap.Error(err))
			b.metrics.CustomCounter("interaction_error", map[string]string{"type": "component"}, 1)
			b.respondError(logger, i)
		}
	}
}

// respondError tells the user something went wrong, whether or not the
// interaction was acknowledged already.
func (b *InhouseBot) respondError(logger *zap.Logger, i *discordgo.InteractionCreate) {
	if err := simpleInteractionResponse(b.session, i, genericErrorMessage); err == nil {
		return
	}
	if _, err := b.session.FollowupMessageCreate(i.Interaction, false, &discordgo.WebhookParams{
		Content: genericErrorMessage,
		Flags:   discordgo.MessageFlagsEphemeral,
	}); err != nil {
		logger.Warn("Failed to send error notice", zap.Error(err))
	}
}

// signupButtonAction picks the engine operation for a signup button. A lane
// button pressed by a participant moves them instead of joining again.
func signupButtonAction(s *RosterState, actor, action string, lane Lane) string {
	if action == customIDJoin && lane != LaneNone && s.LanesEnabled() && s.IsParticipant(actor) {
		return "change_lane"
	}
	return action
}

func (b *InhouseBot) handleSignupButton(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate, customID string) error {
	action, lane, ok := ParseSignupCustomID(customID)
	if !ok {
		logger.Warn("Unknown button")
		return nil
	}

	if err := b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}); err != nil {
		logger.Warn("Failed to acknowledge button", zap.Error(err))
		return nil
	}

	user, _ := getScopedUserMember(i)
	if user == nil {
		return b.followup(i, "사용자 정보를 불러올 수 없습니다.")
	}

	channelID := i.ChannelID
	if i.Message != nil && b.engine.Snapshot(channelID).ActiveMessageID == "" {
		b.engine.SetActiveMessage(channelID, i.Message.ID)
	}

	var (
		outcome RosterOutcome
		err     error
	)
	switch signupButtonAction(b.engine.Snapshot(channelID), user.ID, action, lane) {
	case "change_lane":
		outcome, err = b.engine.ChangeLane(ctx, channelID, user.ID, lane)
	case customIDJoin:
		outcome, err = b.engine.Join(ctx, channelID, user.ID, lane)
	case customIDCancel:
		outcome, err = b.engine.Cancel(ctx, channelID, user.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", action, err)
	}

	logger.Info("Signup button handled", zap.Stringer("result", outcome.Result), zap.String("promoted", outcome.Promoted))
	if outcome.Changed {
		b.dispatcher.RequestUpdate(channelID, UpdateOptions{})
	}
	return b.followup(i, outcome.Message())
}

func (b *InhouseBot) followup(i *discordgo.InteractionCreate, content string) error {
	_, err := b.session.FollowupMessageCreate(i.Interaction, false, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	return err
}

// updateSignupMessage edits the active signup message to the current roster.
func (b *InhouseBot) updateSignupMessage(ctx context.Context, channelID string, opts UpdateOptions) error {
	s := b.engine.Snapshot(channelID)
	if s.ActiveMessageID == "" {
		b.logger.Debug("No active signup message to update", zap.String("channel_id", channelID))
		return nil
	}

	payload := Render(s, b.resolver(ctx, channelID), RenderOptions{Everyone: !opts.Silent})
	if _, err := b.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:              s.ActiveMessageID,
		Channel:         channelID,
		Content:         &payload.Content,
		Components:      &payload.Components,
		AllowedMentions: payload.AllowedMentions,
	}, discordgo.WithContext(ctx)); err != nil {
		return &RenderError{ChannelID: channelID, MessageID: s.ActiveMessageID, Err: err}
	}
	return nil
}

// PublishSignup posts a fresh signup message with an @everyone ping and
// retires the previous one.
func (b *InhouseBot) PublishSignup(ctx context.Context, channelID string) error {
	payload := Render(b.engine.Snapshot(channelID), b.resolver(ctx, channelID), RenderOptions{Everyone: true})
	msg, err := b.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         payload.Content,
		Components:      payload.Components,
		AllowedMentions: payload.AllowedMentions,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return &RenderError{ChannelID: channelID, Err: err}
	}
	b.replaceActiveMessage(ctx, channelID, msg.ID)
	return nil
}

func (b *InhouseBot) replaceActiveMessage(ctx context.Context, channelID, messageID string) {
	previous := b.engine.SetActiveMessage(channelID, messageID)
	if previous == "" || previous == messageID {
		return
	}
	if err := b.session.ChannelMessageDelete(channelID, previous, discordgo.WithContext(ctx)); err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeUnknownMessage {
			return
		}
		b.logger.Warn("Failed to delete previous signup message", zap.String("channel_id", channelID), zap.String("message_id", previous), zap.Error(err))
	}
}

func getScopedUserMember(i *discordgo.InteractionCreate) (user *discordgo.User, member *discordgo.Member) {
	if i.User != nil {
		user = i.User
	}

	if i.Member != nil {
		member = i.Member
		if i.Member.User != nil {
			user = i.Member.User
		}
	}
	return user, member
}

func simpleInteractionResponse(s DiscordSession, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags:   discordgo.MessageFlagsEphemeral,
			Content: content,
		},
	})
}

func deferInteraction(s DiscordSession, i *discordgo.InteractionCreate, ephemeral bool) error {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	return s.InteractionRespond(i.Interaction, resp)
}

func editInteraction(ctx context.Context, s DiscordSession, i *discordgo.InteractionCreate, content string, components []discordgo.MessageComponent, mentions *discordgo.MessageAllowedMentions) (*discordgo.Message, error) {
	edit := &discordgo.WebhookEdit{
		Content:         &content,
		AllowedMentions: mentions,
	}
	if components != nil {
		edit.Components = &components
	}
	return s.InteractionResponseEdit(i.Interaction, edit, discordgo.WithContext(ctx))
}
