package server

import (
	"context"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const guildMembersPageSize = 1000

// GuildMemberLister is the part of the Discord session used to list members.
type GuildMemberLister interface {
	GuildMembers(guildID string, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
}

type memberCacheEntry struct {
	members   []*discordgo.Member
	fetchedAt time.Time
}

// MemberDirectory caches guild member lists. Concurrent fetches for the same
// guild share one request.
type MemberDirectory struct {
	logger  *zap.Logger
	metrics Metrics
	lister  GuildMemberLister
	ttl     time.Duration

	group singleflight.Group
	cache MapOf[string, *memberCacheEntry]
}

func NewMemberDirectory(logger *zap.Logger, metrics Metrics, lister GuildMemberLister, ttl time.Duration) *MemberDirectory {
	return &MemberDirectory{
		logger:  logger.With(zap.String("component", "member_directory")),
		metrics: metrics,
		lister:  lister,
		ttl:     ttl,
	}
}

// Members returns the guild's members, fetching them when the cache is stale.
func (d *MemberDirectory) Members(ctx context.Context, guildID string) ([]*discordgo.Member, error) {
	if entry, ok := d.cache.Load(guildID); ok && time.Since(entry.fetchedAt) < d.ttl {
		d.metrics.CustomCounter("member_cache_hit", nil, 1)
		return entry.members, nil
	}

	result, err, shared := d.group.Do(guildID, func() (any, error) {
		var members []*discordgo.Member
		after := ""
		for {
			page, err := d.lister.GuildMembers(guildID, after, guildMembersPageSize, discordgo.WithContext(ctx))
			if err != nil {
				return nil, err
			}
			members = append(members, page...)
			if len(page) < guildMembersPageSize {
				break
			}
			after = page[len(page)-1].User.ID
		}
		d.cache.Store(guildID, &memberCacheEntry{members: members, fetchedAt: time.Now()})
		return members, nil
	})
	if err != nil {
		d.metrics.CustomCounter("member_fetch_error", nil, 1)
		return nil, err
	}
	if shared {
		d.metrics.CustomCounter("member_fetch_shared", nil, 1)
	}
	return result.([]*discordgo.Member), nil
}

// Invalidate drops the cached member list of a guild.
func (d *MemberDirectory) Invalidate(guildID string) {
	d.cache.Delete(guildID)
}

// Resolver returns a name resolver over the guild's current members. When the
// member list cannot be fetched, identifiers are shown as stored.
func (d *MemberDirectory) Resolver(ctx context.Context, guildID string) NameResolver {
	members, err := d.Members(ctx, guildID)
	if err != nil {
		d.logger.Warn("Failed to fetch guild members", zap.String("guild_id", guildID), zap.Error(err))
	}
	return NewMemberNames(members)
}

// FindByDisplayName returns the first member whose nickname, global name or
// username equals name.
func (d *MemberDirectory) FindByDisplayName(ctx context.Context, guildID, name string) (*discordgo.Member, error) {
	members, err := d.Members(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return NewMemberNames(members).byName(name), nil
}

// MemberDisplayName is the name a member is shown with in the guild.
func MemberDisplayName(m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

// IsSnowflake reports whether id looks like a Discord id rather than a legacy
// display name row.
func IsSnowflake(id string) bool {
	if len(id) < 15 || len(id) > 20 {
		return false
	}
	_, err := strconv.ParseUint(id, 10, 64)
	return err == nil
}

// MemberNames resolves stored identifiers against a member list. Snowflakes
// resolve by id; anything else is a legacy display name matched against
// nickname, global name and username in that order of precedence per member.
type MemberNames struct {
	byID    map[string]*discordgo.Member
	members []*discordgo.Member
}

func NewMemberNames(members []*discordgo.Member) *MemberNames {
	n := &MemberNames{
		byID:    make(map[string]*discordgo.Member, len(members)),
		members: members,
	}
	for _, m := range members {
		if m != nil && m.User != nil {
			n.byID[m.User.ID] = m
		}
	}
	return n
}

func (n *MemberNames) byName(name string) *discordgo.Member {
	for _, m := range n.members {
		if m == nil || m.User == nil {
			continue
		}
		if m.Nick == name || m.User.GlobalName == name || m.User.Username == name {
			return m
		}
	}
	return nil
}

func (n *MemberNames) lookup(id string) *discordgo.Member {
	if IsSnowflake(id) {
		return n.byID[id]
	}
	return n.byName(id)
}

func (n *MemberNames) DisplayName(id string) string {
	if m := n.lookup(id); m != nil {
		return MemberDisplayName(m)
	}
	if IsSnowflake(id) {
		return "<@" + id + ">"
	}
	return id
}

func (n *MemberNames) Mention(id string) string {
	if m := n.lookup(id); m != nil {
		return "<@" + m.User.ID + ">"
	}
	if IsSnowflake(id) {
		return "<@" + id + ">"
	}
	return id
}
