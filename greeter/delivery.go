package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
)

// SpaceKind identifies which private space a message belongs to. Each
// member has at most one space of each kind.
type SpaceKind string

const (
	SpaceCoC    SpaceKind = "coc"
	SpaceTicket SpaceKind = "ticket"
)

// ChannelUsed is where a delivered message ended up
type ChannelUsed string

const (
	ChannelUsedNone         ChannelUsed = ""
	ChannelUsedDM           ChannelUsed = "dm"
	ChannelUsedPrivateSpace ChannelUsed = "private_space"
)

type DeliveryResult struct {
	Succeeded   bool
	ChannelUsed ChannelUsed
	ChannelID   string
	MessageID   string
}

func (r DeliveryResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("succeeded", r.Succeeded),
		slog.String("channel_used", string(r.ChannelUsed)),
		slog.String("channel_id", r.ChannelID),
	)
}

// Delivery sends messages to members by DM, falling back to a private
// thread or channel only the member, the bot (and possibly an
// organizer) can see.
type Delivery struct {
	session DiscordSessionHandler
	logger  *slog.Logger
	spaces  privateSpace

	// "<kind>:<user id>" -> channel ID
	cache *lru.Cache
	locks keyedMutex
}

func newDelivery(
	session DiscordSessionHandler,
	spaces privateSpace,
	cacheSize int,
	logger *slog.Logger,
) (*Delivery, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		session: session,
		spaces:  spaces,
		cache:   cache,
		logger:  logger.With(loggerNameKey, "delivery"),
	}, nil
}

func spaceCacheKey(kind SpaceKind, userID string) string {
	return fmt.Sprintf("%s:%s", kind, userID)
}

// Deliver sends content to the member by DM. If that fails for any
// reason, it's sent to the member's private space of the given kind.
func (d *Delivery) Deliver(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
	content string,
) DeliveryResult {
	logger := contextLoggerOr(ctx, d.logger).With(memberLogAttrs(member)...)
	if member == nil || member.User == nil {
		logger.ErrorContext(ctx, "can't deliver without a member")
		return DeliveryResult{}
	}

	msg, err := d.sendDM(ctx, member.User.ID, content)
	if err == nil {
		logger.InfoContext(ctx, "sent direct message", "channel_id", msg.ChannelID)
		return DeliveryResult{
			Succeeded:   true,
			ChannelUsed: ChannelUsedDM,
			ChannelID:   msg.ChannelID,
			MessageID:   msg.ID,
		}
	}
	if isDMDisabledError(err) {
		logger.WarnContext(ctx, "member can't receive direct messages", tint.Err(err))
	} else {
		logger.ErrorContext(ctx, "unexpected error sending direct message", tint.Err(err))
	}

	msg, err = d.SendToSpace(ctx, member, kind, &discordgo.MessageSend{Content: content})
	if err != nil {
		logger.ErrorContext(ctx, "unable to deliver message", "kind", kind, tint.Err(err))
		return DeliveryResult{}
	}
	logger.InfoContext(ctx, "sent message to private space", "kind", kind, "channel_id", msg.ChannelID)
	return DeliveryResult{
		Succeeded:   true,
		ChannelUsed: ChannelUsedPrivateSpace,
		ChannelID:   msg.ChannelID,
		MessageID:   msg.ID,
	}
}

func (d *Delivery) sendDM(ctx context.Context, userID string, content string) (*discordgo.Message, error) {
	ch, err := d.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return d.session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
}

// isDMDisabledError reports whether err means the user doesn't accept
// direct messages from the bot
func isDMDisabledError(err error) bool {
	code, status, ok := restErrorCode(err)
	if !ok {
		return false
	}
	return code == discordgo.ErrCodeCannotSendMessagesToThisUser || status == http.StatusForbidden
}

// SendToSpace sends a message to the member's private space of the given
// kind, creating the space if needed
func (d *Delivery) SendToSpace(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
	data *discordgo.MessageSend,
) (*discordgo.Message, error) {
	if member == nil || member.User == nil {
		return nil, errors.New("no member given")
	}
	unlock := d.locks.Lock(spaceCacheKey(kind, member.User.ID))
	defer unlock()

	channelID, err := d.ensureSpace(ctx, member, kind)
	if err != nil {
		return nil, err
	}
	return d.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
}

// SpaceID returns the ID of the member's existing private space of the
// given kind, or an empty string if there isn't one
func (d *Delivery) SpaceID(ctx context.Context, member *discordgo.Member, kind SpaceKind) (string, error) {
	unlock := d.locks.Lock(spaceCacheKey(kind, member.User.ID))
	defer unlock()

	ch, err := d.existingSpace(ctx, member, kind)
	if err != nil || ch == nil {
		return "", err
	}
	return ch.ID, nil
}

func (d *Delivery) existingSpace(
	ctx context.Context,
	member *discordgo.Member,
	kind SpaceKind,
) (*discordgo.Channel, error) {
	key := spaceCacheKey(kind, member.User.ID)
	if v, ok := d.cache.Get(key); ok {
		ch, err := d.session.Channel(v.(string), discordgo.WithContext(ctx))
		if err == nil && ch != nil {
			return ch, nil
		}
		d.cache.Remove(key)
	}

	ch, err := d.spaces.find(ctx, member, kind)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		d.cache.Add(key, ch.ID)
	}
	return ch, nil
}

func (d *Delivery) ensureSpace(ctx context.Context, member *discordgo.Member, kind SpaceKind) (string, error) {
	ch, err := d.existingSpace(ctx, member, kind)
	if err != nil {
		return "", err
	}
	if ch != nil {
		return ch.ID, nil
	}

	ch, err = d.spaces.create(ctx, member, kind)
	if err != nil {
		return "", fmt.Errorf("error creating private space: %w", err)
	}
	d.cache.Add(spaceCacheKey(kind, member.User.ID), ch.ID)
	contextLoggerOr(ctx, d.logger).InfoContext(
		ctx,
		"created private space",
		"kind", kind,
		"channel_id", ch.ID,
		"name", ch.Name,
		"user_id", member.User.ID,
	)
	return ch.ID, nil
}

// Retract deletes the member's private space of the given kind. A
// missing space isn't an error.
func (d *Delivery) Retract(ctx context.Context, member *discordgo.Member, kind SpaceKind) error {
	if member == nil || member.User == nil {
		return errors.New("no member given")
	}
	logger := contextLoggerOr(ctx, d.logger).With(memberLogAttrs(member)...).With("kind", kind)

	unlock := d.locks.Lock(spaceCacheKey(kind, member.User.ID))
	defer unlock()

	ch, err := d.existingSpace(ctx, member, kind)
	if err != nil {
		return err
	}
	if ch == nil {
		logger.InfoContext(ctx, "no private space to retract")
		return nil
	}
	if err = d.spaces.remove(ctx, ch); err != nil {
		return err
	}
	d.cache.Remove(spaceCacheKey(kind, member.User.ID))
	logger.InfoContext(ctx, "retracted private space", "channel_id", ch.ID)
	return nil
}

// AddToSpace gives another user (ex: an organizer) access to a private
// space
func (d *Delivery) AddToSpace(ctx context.Context, channelID string, userID string) error {
	return d.spaces.addMember(ctx, channelID, userID)
}
