package server

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/samber/lo"
)

const (
	customIDJoin   = "join"
	customIDCancel = "cancel"
	// Messages posted before lane buttons existed carry this id.
	customIDLegacySignup = "signup"

	emptyListMarker = "없음"
	emptySlotMarker = "-"
	laneSlotSep     = " / "
)

// NameResolver maps a stored participant identifier to how it is shown.
type NameResolver interface {
	DisplayName(id string) string
	Mention(id string) string
}

// IdentityResolver shows identifiers as stored.
type IdentityResolver struct{}

func (IdentityResolver) DisplayName(id string) string { return id }
func (IdentityResolver) Mention(id string) string     { return id }

// SignupPayload is a rendered signup message.
type SignupPayload struct {
	Content         string
	Components      []discordgo.MessageComponent
	AllowedMentions *discordgo.MessageAllowedMentions
}

type RenderOptions struct {
	// Everyone pings the channel. Silent edits leave it off.
	Everyone bool
}

func DefaultHeader(mode RosterMode) string {
	if mode == ModeTwenty {
		return "⚔️ 20명 내전 모집중 !! 참가하실 분은 아래 버튼을 눌러주세요!"
	}
	return "⚔️ 오늘 내전 참가하실 분은 아래 버튼을 눌러주세요!\n" +
		"참가자 10명이 모이면 시작! \n" +
		"만약 대기자가 많으면 20명 내전 진행"
}

// RecruitHeader is the header of a recruit announced for a given hour.
func RecruitHeader(hour int) string {
	return fmt.Sprintf("⚔️ %d시~%d시 내전 모집합니다~~ ⚔️\n", hour, (hour+1)%24) +
		"참가자 10명이 모이면 시작! \n" +
		"만약 대기자가 많으면 20명 내전 진행"
}

func headerOf(s *RosterState) string {
	if s.Header != "" {
		return s.Header
	}
	return DefaultHeader(s.Mode)
}

func displayNames(resolver NameResolver, ids []string) []string {
	return lo.Map(ids, func(id string, _ int) string { return resolver.DisplayName(id) })
}

func writeList(b *strings.Builder, title string, names []string) {
	fmt.Fprintf(b, "%s (%d명):\n", title, len(names))
	if len(names) == 0 {
		b.WriteString(emptyListMarker)
		return
	}
	b.WriteString(strings.Join(names, " "))
}

func writeLaneTable(b *strings.Builder, grid *LaneGrid, resolver NameResolver) {
	for i, lane := range Lanes {
		if i > 0 {
			b.WriteString("\n")
		}
		slots := lo.Map(grid.Slots(lane), func(id string, _ int) string {
			if id == "" {
				return emptySlotMarker
			}
			return resolver.DisplayName(id)
		})
		fmt.Fprintf(b, "%s: %s", lane.Label(), strings.Join(slots, laneSlotSep))
	}
}

// writeRoster writes the participant list and, when non-empty, the waitlist.
func writeRoster(b *strings.Builder, s *RosterState, resolver NameResolver) {
	writeList(b, "참가자", displayNames(resolver, s.Participants))
	if len(s.Waitlist) > 0 {
		b.WriteString("\n\n")
		writeList(b, "대기자", displayNames(resolver, s.Waitlist))
	}
}

// RenderText is the signup message body without the channel ping.
func RenderText(s *RosterState, resolver NameResolver) string {
	var b strings.Builder
	b.WriteString(headerOf(s))
	b.WriteString("\n\n")
	if s.Lanes != nil {
		writeLaneTable(&b, s.Lanes, resolver)
		b.WriteString("\n\n")
	}
	writeRoster(&b, s, resolver)
	return b.String()
}

// Render builds the signup message for a roster snapshot. It never mutates the
// snapshot.
func Render(s *RosterState, resolver NameResolver, opts RenderOptions) *SignupPayload {
	payload := &SignupPayload{
		Content:         RenderText(s, resolver),
		Components:      SignupComponents(s.LanesEnabled()),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	if opts.Everyone {
		payload.Content = "@everyone\n" + payload.Content
		payload.AllowedMentions.Parse = []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone}
	}
	return payload
}

// RenderMembers is the private roster listing.
func RenderMembers(s *RosterState, resolver NameResolver) string {
	var b strings.Builder
	fmt.Fprintf(&b, "현재 모드: %s\n\n", s.Mode)
	writeRoster(&b, s, resolver)
	return b.String()
}

// RenderMentions summons every participant. It reports false when there is
// nobody to summon.
func RenderMentions(s *RosterState, resolver NameResolver) (string, bool) {
	if len(s.Participants) == 0 {
		return "현재 참가자가 없습니다.", false
	}
	mentions := lo.Map(s.Participants, func(id string, _ int) string { return resolver.Mention(id) })
	return strings.Join(mentions, " ") + "\n내전 시작합니다! 모두 모여주세요~", true
}

func joinCustomID(lane Lane) string {
	return customIDJoin + ":" + string(lane)
}

// SignupComponents returns the signup buttons. With lanes there is one button
// per lane plus a no-preference join; without lanes a single join.
func SignupComponents(lanesEnabled bool) []discordgo.MessageComponent {
	cancel := discordgo.Button{
		Label:    "취소",
		Style:    discordgo.DangerButton,
		CustomID: customIDCancel,
	}
	if !lanesEnabled {
		return []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "참가",
						Style:    discordgo.SuccessButton,
						CustomID: joinCustomID(LaneNone),
					},
					cancel,
				},
			},
		}
	}

	laneButtons := lo.Map(Lanes, func(lane Lane, _ int) discordgo.MessageComponent {
		return discordgo.Button{
			Label:    lane.Label(),
			Style:    discordgo.PrimaryButton,
			CustomID: joinCustomID(lane),
		}
	})
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: laneButtons},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    LaneNone.Label(),
					Style:    discordgo.SuccessButton,
					CustomID: joinCustomID(LaneNone),
				},
				cancel,
			},
		},
	}
}

// ParseSignupCustomID decodes a signup button id into its action and lane.
func ParseSignupCustomID(customID string) (action string, lane Lane, ok bool) {
	action, value, _ := strings.Cut(customID, ":")
	switch action {
	case customIDLegacySignup:
		return customIDJoin, LaneNone, true
	case customIDCancel:
		return customIDCancel, LaneNone, true
	case customIDJoin:
		lane, ok := ParseLane(value)
		return customIDJoin, lane, ok
	}
	return "", LaneNone, false
}
