package server

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	commandRecruit = "내전모집"
	commandMembers = "내전멤버"
	commandTwenty  = "20"
	commandTen     = "re"
	commandStart   = "시작"
	commandReset   = "초기화"
	commandCodes   = "내전코드"
	commandHelp    = "헬프"

	recruitTimeOption = "time"
	recruitLatestHour = 12

	helpMessage = "@everyone 내전 사람이 없어요 아무나 아는 사람 좀 불러주세요~~"
)

func recruitTimeChoices() []*discordgo.ApplicationCommandOptionChoice {
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, recruitLatestHour+1)
	for h := 0; h <= recruitLatestHour; h++ {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{
			Name:  fmt.Sprintf("%d시", h),
			Value: h,
		})
	}
	return choices
}

func inhouseCommands(config *DiscordConfig) []*discordgo.ApplicationCommand {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        commandRecruit,
			Description: "내전 참가 버튼 메시지 생성",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        recruitTimeOption,
					Description: "내전 시작 시간 (0시~12시)",
					Required:    false,
					Choices:     recruitTimeChoices(),
				},
			},
		},
		{
			Name:        commandMembers,
			Description: "현재 참가자 확인",
		},
		{
			Name:        commandTwenty,
			Description: "20인 모드로 전환",
		},
		{
			Name:        commandTen,
			Description: "10인 모드로 전환",
		},
		{
			Name:        commandStart,
			Description: "참가자 소집",
		},
		{
			Name:        commandReset,
			Description: "현재 참가자/대기자 및 시트 명단 초기화",
		},
		{
			Name:        commandCodes,
			Description: "굴뚝 내전 BO3 토너먼트 코드를 생성합니다.",
		},
		{
			Name:        commandHelp,
			Description: "내전 인원이 없을 때 사람을 불러 모읍니다.",
		},
	}
	if config.SummonCommand != "" {
		commands = append(commands, &discordgo.ApplicationCommand{
			Name:        config.SummonCommand,
			Description: config.SummonTarget + " 호출",
		})
	}
	return commands
}

func (b *InhouseBot) inhouseCommandHandlers() map[string]commandHandler {
	handlers := map[string]commandHandler{
		commandRecruit: b.handleRecruit,
		commandMembers: b.handleMembers,
		commandTwenty:  b.switchModeHandler(ModeTwenty),
		commandTen:     b.switchModeHandler(ModeTen),
		commandStart:   b.handleStart,
		commandReset:   b.handleReset,
		commandCodes:   b.handleCodes,
		commandHelp:    b.handleHelp,
	}
	if name := b.config.Discord.SummonCommand; name != "" {
		handlers[name] = b.handleSummon
	}
	return handlers
}

func recruitHourOption(data discordgo.ApplicationCommandInteractionData) *int {
	for _, opt := range data.Options {
		if opt.Name == recruitTimeOption {
			h := int(opt.IntValue())
			return &h
		}
	}
	return nil
}

func (b *InhouseBot) handleRecruit(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	hour := recruitHourOption(i.ApplicationCommandData())
	if err := deferInteraction(b.session, i, false); err != nil {
		return err
	}

	if _, err := b.engine.Recruit(ctx, i.ChannelID, hour); err != nil {
		return err
	}

	payload := Render(b.engine.Snapshot(i.ChannelID), b.resolver(ctx, i.ChannelID), RenderOptions{Everyone: true})
	msg, err := editInteraction(ctx, b.session, i, payload.Content, payload.Components, payload.AllowedMentions)
	if err != nil {
		return &RenderError{ChannelID: i.ChannelID, Err: err}
	}
	b.replaceActiveMessage(ctx, i.ChannelID, msg.ID)
	logger.Info("Published signup message", zap.String("message_id", msg.ID))
	return nil
}

func (b *InhouseBot) handleMembers(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	if err := deferInteraction(b.session, i, true); err != nil {
		return err
	}
	s, err := b.engine.Resync(ctx, i.ChannelID)
	if err != nil {
		logger.Warn("Failed to resync roster, showing cached roster", zap.Error(err))
	}
	_, err = editInteraction(ctx, b.session, i, RenderMembers(s, b.resolver(ctx, i.ChannelID)), nil, &discordgo.MessageAllowedMentions{})
	return err
}

func (b *InhouseBot) switchModeHandler(target RosterMode) commandHandler {
	return func(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
		if err := deferInteraction(b.session, i, true); err != nil {
			return err
		}
		outcome, err := b.engine.SwitchMode(ctx, i.ChannelID, target)
		if err != nil {
			return err
		}
		if outcome.Changed {
			channelID := i.ChannelID
			time.AfterFunc(b.config.Roster.ModeSwitchDelay(), func() {
				b.dispatcher.RequestUpdate(channelID, UpdateOptions{})
			})
		}
		_, err = editInteraction(ctx, b.session, i, outcome.Message(), nil, &discordgo.MessageAllowedMentions{})
		return err
	}
}

func (b *InhouseBot) handleStart(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	s, err := b.engine.Resync(ctx, i.ChannelID)
	if err != nil {
		logger.Warn("Failed to resync roster, using cached roster", zap.Error(err))
	}
	if len(s.Participants) == 0 {
		text, _ := RenderMentions(s, IdentityResolver{})
		return simpleInteractionResponse(b.session, i, text)
	}
	if err := deferInteraction(b.session, i, false); err != nil {
		return err
	}
	text, _ := RenderMentions(s, b.resolver(ctx, i.ChannelID))
	_, err = editInteraction(ctx, b.session, i, text, nil, &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
	})
	return err
}

func (b *InhouseBot) handleReset(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	if err := deferInteraction(b.session, i, true); err != nil {
		return err
	}
	outcome, err := b.engine.Reset(ctx, i.ChannelID)
	if err != nil {
		return err
	}
	b.dispatcher.RequestUpdate(i.ChannelID, UpdateOptions{})

	content := outcome.Message()
	if err := outcome.Sync.Wait(ctx); err != nil {
		content = "초기화 중 오류가 발생했습니다."
	}
	_, err = editInteraction(ctx, b.session, i, content, nil, &discordgo.MessageAllowedMentions{})
	return err
}

func (b *InhouseBot) handleCodes(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	if err := deferInteraction(b.session, i, false); err != nil {
		return err
	}

	user, _ := getScopedUserMember(i)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	metadata := fmt.Sprintf("guild:%s,channel:%s,user:%s", i.GuildID, i.ChannelID, userID)

	content := ""
	codes, err := b.tournament.CreateBO3Codes(ctx, metadata)
	if err != nil {
		logger.Warn("Failed to create tournament codes", zap.Error(err))
		content = TournamentErrorMessage(err)
	} else {
		content = TournamentCodesMessage(codes, b.config.Riot.Region)
	}
	_, err = editInteraction(ctx, b.session, i, content, nil, &discordgo.MessageAllowedMentions{})
	return err
}

func (b *InhouseBot) handleHelp(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	return b.session.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: helpMessage,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone},
			},
		},
	})
}

func (b *InhouseBot) handleSummon(ctx context.Context, logger *zap.Logger, i *discordgo.InteractionCreate) error {
	if err := deferInteraction(b.session, i, false); err != nil {
		return err
	}

	target := b.config.Discord.SummonTarget
	content := ""
	mentions := &discordgo.MessageAllowedMentions{}
	member, err := b.members.FindByDisplayName(ctx, i.GuildID, target)
	switch {
	case err != nil:
		logger.Warn("Failed to fetch guild members", zap.Error(err))
		content = "멤버 정보를 불러올 수 없습니다."
	case member == nil:
		content = target + "을 찾을 수 없습니다."
	default:
		content = fmt.Sprintf("<@%s> %s아 너 부른다.", member.User.ID, target)
		mentions.Users = []string{member.User.ID}
	}
	_, err = editInteraction(ctx, b.session, i, content, nil, mentions)
	return err
}
