package greeter

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"sync"
)

const (
	spaceMemberPermissions = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory
	spaceBotPermissions = spaceMemberPermissions | discordgo.PermissionManageChannels
)

// privateSpace finds and manages per-member private threads or channels
type privateSpace interface {
	// find returns the member's existing space, or nil
	find(ctx context.Context, member *discordgo.Member, kind SpaceKind) (*discordgo.Channel, error)
	create(ctx context.Context, member *discordgo.Member, kind SpaceKind) (*discordgo.Channel, error)
	remove(ctx context.Context, ch *discordgo.Channel) error
	addMember(ctx context.Context, channelID string, userID string) error
}

func newPrivateSpace(
	mode PrivateSpaceMode,
	session DiscordSessionHandler,
	guild *GuildConfig,
	guildID string,
	autoArchive int,
	botUserID func() string,
	logger *slog.Logger,
) (privateSpace, error) {
	switch mode {
	case PrivateSpaceThread:
		return &threadSpace{
			session:     session,
			guild:       guild,
			guildID:     guildID,
			autoArchive: autoArchive,
			logger:      logger,
		}, nil
	case PrivateSpaceChannel:
		return &channelSpace{
			session:   session,
			guild:     guild,
			guildID:   guildID,
			botUserID: botUserID,
			logger:    logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown private space mode: %q", mode)
	}
}

// spaceName returns '<prefix>-<sanitized name>'. The guild nickname is
// ignored since it isn't present on member-remove events.
func spaceName(prefix string, member *discordgo.Member) string {
	name := member.User.GlobalName
	if name == "" {
		name = member.User.Username
	}
	return fmt.Sprintf("%s-%s", prefix, SanitizeDisplayName(name, member.User.ID))
}

// threadSpace uses private threads under the CoC or ticket channel
type threadSpace struct {
	session     DiscordSessionHandler
	guild       *GuildConfig
	guildID     string
	autoArchive int
	logger      *slog.Logger
}

func (t *threadSpace) find(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
) (*discordgo.Channel, error) {
	parentID, prefix := t.guild.channelFor(kind)
	name := spaceName(prefix, member)

	active, err := t.session.GuildThreadsActive(t.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error listing active threads: %w", err)
	}
	th, named, err := t.match(ctx, active.Threads, parentID, name, member, nil)
	if th != nil || err != nil {
		return th, err
	}

	// Threads auto-archive after inactivity and drop out of the active list
	archived, err := t.session.ThreadsPrivateArchived(parentID, nil, 0, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error listing archived threads: %w", err)
	}
	th, named, err = t.match(ctx, archived.Threads, parentID, name, member, named)
	if th != nil || err != nil {
		return th, err
	}

	// Members who left the guild are dropped from its threads, so an
	// unambiguous name match is still theirs
	if len(named) == 1 && !t.isGuildMember(ctx, member.User.ID) {
		return named[0], nil
	}
	return nil, nil
}

// match returns the thread in threads named name under parentID that
// member belongs to. Name matches are appended to named either way.
func (t *threadSpace) match(
	ctx context.Context,
	threads []*discordgo.Channel,
	parentID string,
	name string,
	member *discordgo.Member,
	named []*discordgo.Channel,
) (*discordgo.Channel, []*discordgo.Channel, error) {
	for _, th := range threads {
		if th.ParentID != parentID || th.Name != name {
			continue
		}
		named = append(named, th)
		// same sanitized name, different member
		_, err := t.session.ThreadMember(th.ID, member.User.ID, false, discordgo.WithContext(ctx))
		if err == nil {
			return th, named, nil
		}
		if !isExpectedRESTError(err) {
			return nil, named, err
		}
	}
	return nil, named, nil
}

func (t *threadSpace) isGuildMember(ctx context.Context, userID string) bool {
	_, err := t.session.GuildMember(t.guildID, userID, discordgo.WithContext(ctx))
	return err == nil
}

func (t *threadSpace) create(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
) (*discordgo.Channel, error) {
	parentID, prefix := t.guild.channelFor(kind)
	th, err := t.session.ThreadStartComplex(
		parentID,
		&discordgo.ThreadStart{
			Name:                spaceName(prefix, member),
			AutoArchiveDuration: t.autoArchive,
			Type:                discordgo.ChannelTypeGuildPrivateThread,
			Invitable:           false,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, err
	}
	if err = t.session.ThreadMemberAdd(th.ID, member.User.ID, discordgo.WithContext(ctx)); err != nil {
		if _, delErr := t.session.ChannelDelete(th.ID, discordgo.WithContext(ctx)); delErr != nil {
			t.logger.WarnContext(ctx, "unable to delete orphaned thread", "thread_id", th.ID)
		}
		return nil, fmt.Errorf("error adding member to thread: %w", err)
	}
	return th, nil
}

func (t *threadSpace) remove(ctx context.Context, ch *discordgo.Channel) error {
	_, err := t.session.ChannelDelete(ch.ID, discordgo.WithContext(ctx))
	if err != nil && !isExpectedRESTError(err) {
		return err
	}
	return nil
}

func (t *threadSpace) addMember(ctx context.Context, channelID string, userID string) error {
	return t.session.ThreadMemberAdd(channelID, userID, discordgo.WithContext(ctx))
}

// channelSpace uses private text channels, grouped under a shared
// '<prefix>-<member role>' category which is removed once empty
type channelSpace struct {
	session   DiscordSessionHandler
	guild     *GuildConfig
	guildID   string
	botUserID func() string
	logger    *slog.Logger

	categoryMu sync.Mutex
}

func (c *channelSpace) categoryName(kind SpaceKind) string {
	_, prefix := c.guild.channelFor(kind)
	return fmt.Sprintf("%s-%s", prefix, c.guild.MemberRoleName)
}

func hasMemberOverwrite(ch *discordgo.Channel, userID string) bool {
	for _, o := range ch.PermissionOverwrites {
		if o.Type == discordgo.PermissionOverwriteTypeMember && o.ID == userID &&
			o.Allow&discordgo.PermissionViewChannel != 0 {
			return true
		}
	}
	return false
}

func (c *channelSpace) find(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
) (*discordgo.Channel, error) {
	_, prefix := c.guild.channelFor(kind)
	name := spaceName(prefix, member)
	categoryName := c.categoryName(kind)

	channels, err := c.session.GuildChannels(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error listing channels: %w", err)
	}
	categoryID := ""
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == categoryName {
			categoryID = ch.ID
			break
		}
	}
	if categoryID == "" {
		return nil, nil
	}
	for _, ch := range channels {
		if ch.ParentID == categoryID && ch.Name == name && hasMemberOverwrite(ch, member.User.ID) {
			return ch, nil
		}
	}
	return nil, nil
}

// privateOverwrites hides a channel from @everyone, and opens it to the
// bot and the given member (if any)
func (c *channelSpace) privateOverwrites(userID string) []*discordgo.PermissionOverwrite {
	overwrites := []*discordgo.PermissionOverwrite{
		{
			// @everyone's role ID is the guild ID
			ID:   c.guildID,
			Type: discordgo.PermissionOverwriteTypeRole,
			Deny: discordgo.PermissionViewChannel,
		},
		{
			ID:    c.botUserID(),
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: spaceBotPermissions,
		},
	}
	if userID != "" {
		overwrites = append(
			overwrites, &discordgo.PermissionOverwrite{
				ID:    userID,
				Type:  discordgo.PermissionOverwriteTypeMember,
				Allow: spaceMemberPermissions,
			},
		)
	}
	return overwrites
}

func (c *channelSpace) ensureCategory(ctx context.Context, kind SpaceKind) (string, error) {
	c.categoryMu.Lock()
	defer c.categoryMu.Unlock()

	name := c.categoryName(kind)
	channels, err := c.session.GuildChannels(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error listing channels: %w", err)
	}
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildCategory && ch.Name == name {
			return ch.ID, nil
		}
	}
	category, err := c.session.GuildChannelCreateComplex(
		c.guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildCategory,
			PermissionOverwrites: c.privateOverwrites(""),
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("error creating category: %w", err)
	}
	return category.ID, nil
}

func (c *channelSpace) create(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
) (*discordgo.Channel, error) {
	categoryID, err := c.ensureCategory(ctx, kind)
	if err != nil {
		return nil, err
	}
	_, prefix := c.guild.channelFor(kind)
	return c.session.GuildChannelCreateComplex(
		c.guildID,
		discordgo.GuildChannelCreateData{
			Name:                 spaceName(prefix, member),
			Type:                 discordgo.ChannelTypeGuildText,
			ParentID:             categoryID,
			PermissionOverwrites: c.privateOverwrites(member.User.ID),
		},
		discordgo.WithContext(ctx),
	)
}

func (c *channelSpace) remove(ctx context.Context, ch *discordgo.Channel) error {
	_, err := c.session.ChannelDelete(ch.ID, discordgo.WithContext(ctx))
	if err != nil && !isExpectedRESTError(err) {
		return err
	}
	if ch.ParentID == "" {
		return nil
	}

	c.categoryMu.Lock()
	defer c.categoryMu.Unlock()

	channels, err := c.session.GuildChannels(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error listing channels: %w", err)
	}
	for _, other := range channels {
		if other.ParentID == ch.ParentID {
			return nil
		}
	}
	_, err = c.session.ChannelDelete(ch.ParentID, discordgo.WithContext(ctx))
	if err != nil && !isExpectedRESTError(err) {
		return fmt.Errorf("error deleting empty category: %w", err)
	}
	return nil
}

func (c *channelSpace) addMember(ctx context.Context, channelID string, userID string) error {
	return c.session.ChannelPermissionSet(
		channelID,
		userID,
		discordgo.PermissionOverwriteTypeMember,
		spaceMemberPermissions,
		0,
		discordgo.WithContext(ctx),
	)
}
