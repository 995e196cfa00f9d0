package greeter

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

// reactionBroadcaster shares recorded reactions with other instances
type reactionBroadcaster interface {
	ReactionRecorded(ctx context.Context, messageID string, userID string) bool
}

// ReactionFilter drops irrelevant and repeated reactions, and turns the
// rest into member_reacted_to_coc / member_reacted_to_ticket events
type ReactionFilter struct {
	session     DiscordSessionHandler
	cooldown    CooldownTracker
	broadcaster reactionBroadcaster
	dispatcher  *Dispatcher
	guild       *GuildConfig
	guildID     string
	tickets     *TicketConfig
	botUserID   func() string
	logger      *slog.Logger
}

func newReactionFilter(
	session DiscordSessionHandler,
	cooldown CooldownTracker,
	broadcaster reactionBroadcaster,
	dispatcher *Dispatcher,
	cfg *Config,
	botUserID func() string,
	logger *slog.Logger,
) *ReactionFilter {
	return &ReactionFilter{
		session:     session,
		cooldown:    cooldown,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		guild:       cfg.Guild,
		guildID:     cfg.Discord.GuildID,
		tickets:     cfg.Tickets,
		botUserID:   botUserID,
		logger:      logger.With(loggerNameKey, "reactions"),
	}
}

func (f *ReactionFilter) register(d *Dispatcher) {
	d.On(
		EventRawReactionAdd, func(ctx context.Context, e Event) {
			f.OnRawReactionAdd(ctx, e.Reaction, e.Member)
		},
	)
}

// target returns the event a reaction on messageID should produce, or
// false if the message isn't one the bot watches
func (f *ReactionFilter) target(messageID string) (EventName, bool) {
	switch {
	case messageID == f.guild.CoCMessageID:
		return EventMemberReactedToCoC, true
	case f.tickets.Enabled && f.guild.TicketMessageID != "" && messageID == f.guild.TicketMessageID:
		return EventMemberReactedToTicket, true
	default:
		return "", false
	}
}

// OnRawReactionAdd applies the filters in order: guild, emoji, the bot's
// own reactions, message ID and cooldown. Filtered reactions are
// dropped silently. member may be nil, in which case it's fetched.
func (f *ReactionFilter) OnRawReactionAdd(
	ctx context.Context,
	r *discordgo.MessageReaction,
	member *discordgo.Member,
) {
	if r == nil {
		return
	}
	logger := contextLoggerOr(ctx, f.logger).With(
		"message_id", r.MessageID,
		"user_id", r.UserID,
		"emoji", r.Emoji.Name,
	)

	if r.GuildID != f.guildID {
		logger.DebugContext(ctx, "ignoring reaction from another guild", "guild_id", r.GuildID)
		return
	}
	if !f.guild.acceptsEmoji(r.Emoji.Name) {
		logger.DebugContext(ctx, "ignoring reaction emoji")
		return
	}
	if r.UserID == f.botUserID() {
		return
	}
	eventName, ok := f.target(r.MessageID)
	if !ok {
		return
	}

	recorded, err := f.cooldown.TryRecordReaction(ctx, r.MessageID, r.UserID)
	if err != nil {
		logger.WarnContext(ctx, "unable to record cooldown", tint.Err(err))
	} else if !recorded {
		logger.InfoContext(ctx, "ignoring reaction on cooldown")
		return
	}
	if f.broadcaster != nil {
		f.broadcaster.ReactionRecorded(ctx, r.MessageID, r.UserID)
	}

	if member == nil || member.User == nil {
		member, err = f.session.GuildMember(f.guildID, r.UserID, discordgo.WithContext(ctx))
		if err != nil {
			logger.WarnContext(ctx, "unable to find member who reacted", tint.Err(err))
			return
		}
	}
	if member.User.Bot {
		logger.InfoContext(ctx, "ignoring bot reaction")
		return
	}

	logger.InfoContext(ctx, "accepted reaction", "event", eventName)
	f.dispatcher.Dispatch(ctx, Event{Name: eventName, Member: member, Reaction: r})
}
