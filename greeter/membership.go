package greeter

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"sync/atomic"
)

// MembershipLifecycle handles members joining and leaving, and members
// accepting the code of conduct
type MembershipLifecycle struct {
	store      DBI
	session    DiscordSessionHandler
	roles      *RoleGateway
	delivery   *Delivery
	dispatcher *Dispatcher
	guild      *GuildConfig
	guildID    string
	tickets    *TicketConfig
	logger     *slog.Logger

	guildName atomic.Pointer[string]
}

func newMembershipLifecycle(
	store DBI,
	session DiscordSessionHandler,
	roles *RoleGateway,
	delivery *Delivery,
	dispatcher *Dispatcher,
	cfg *Config,
	logger *slog.Logger,
) *MembershipLifecycle {
	return &MembershipLifecycle{
		store:      store,
		session:    session,
		roles:      roles,
		delivery:   delivery,
		dispatcher: dispatcher,
		guild:      cfg.Guild,
		guildID:    cfg.Discord.GuildID,
		tickets:    cfg.Tickets,
		logger:     logger.With(loggerNameKey, "membership"),
	}
}

func (m *MembershipLifecycle) register(d *Dispatcher) {
	d.On(
		EventMemberJoin, func(ctx context.Context, e Event) {
			m.OnMemberJoin(ctx, e.Member)
		},
	)
	d.On(
		EventMemberRemove, func(ctx context.Context, e Event) {
			m.OnMemberRemove(ctx, e.Member)
		},
	)
	d.On(
		EventMemberReactedToCoC, func(ctx context.Context, e Event) {
			m.OnMemberReactedToCoC(ctx, e.Member)
		},
	)
}

// GuildName returns the guild's name, looked up once
func (m *MembershipLifecycle) GuildName(ctx context.Context) string {
	if name := m.guildName.Load(); name != nil {
		return *name
	}
	g, err := m.session.Guild(m.guildID, discordgo.WithContext(ctx))
	if err != nil {
		contextLoggerOr(ctx, m.logger).WarnContext(ctx, "unable to look up guild", tint.Err(err))
		return "the server"
	}
	m.guildName.Store(&g.Name)
	return g.Name
}

// OnMemberJoin records the member and sends them the welcome message,
// by DM or in a private space
func (m *MembershipLifecycle) OnMemberJoin(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := contextLoggerOr(ctx, m.logger).With(memberLogAttrs(member)...)
	if member.User.Bot {
		logger.InfoContext(ctx, "ignoring bot join")
		return
	}
	memberID, err := parseSnowflake(member.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "invalid member id", tint.Err(err))
		return
	}

	_, created, err := m.store.GetOrCreateMember(ctx, memberID)
	if err != nil {
		logger.ErrorContext(ctx, "error recording member", tint.Err(err))
		return
	}

	template := returningMemberMessage
	if created {
		logger.InfoContext(ctx, "new member added")
		template = newMemberMessage
	} else {
		logger.InfoContext(ctx, "member has joined before")
	}
	content := render(
		template, map[string]string{
			"name":  member.Mention(),
			"guild": m.GuildName(ctx),
			"link":  m.guild.CoCMessageLink,
		},
	)

	result := m.delivery.Deliver(ctx, member, SpaceCoC, content)
	if !result.Succeeded {
		logger.ErrorContext(ctx, "unable to welcome member", "result", result)
		return
	}
	if err = m.store.SetDMSent(ctx, memberID, true); err != nil {
		logger.ErrorContext(ctx, "error updating dm_sent", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "welcomed member", "result", result)
}

// OnMemberRemove retracts the member's onboarding space (if they never
// accepted the code of conduct) and resets their membership flags. A
// claimed ticket is kept.
func (m *MembershipLifecycle) OnMemberRemove(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := contextLoggerOr(ctx, m.logger).With(memberLogAttrs(member)...)
	memberID, err := parseSnowflake(member.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "invalid member id", tint.Err(err))
		return
	}

	dbMember, err := m.store.GetMember(ctx, memberID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			logger.InfoContext(ctx, "unknown member left")
		} else {
			logger.ErrorContext(ctx, "error getting member", tint.Err(err))
		}
		return
	}

	if dbMember.DMSent && !dbMember.Reacted {
		if err = m.delivery.Retract(ctx, member, SpaceCoC); err != nil {
			logger.ErrorContext(ctx, "error retracting welcome space", tint.Err(err))
		}
	} else {
		logger.InfoContext(ctx, "member left with no welcome space to retract", "member", dbMember)
	}

	if err = m.store.ResetMembership(ctx, memberID); err != nil {
		logger.ErrorContext(ctx, "error resetting membership", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "reset membership")
	}

	if m.tickets.Enabled {
		if err = m.delivery.Retract(ctx, member, SpaceTicket); err != nil {
			logger.ErrorContext(ctx, "error retracting ticket space", tint.Err(err))
		}
	}
}

// OnMemberReactedToCoC grants the member role and marks the member as
// having accepted the code of conduct. If the role can't be granted,
// nothing is persisted, so reacting again retries.
func (m *MembershipLifecycle) OnMemberReactedToCoC(ctx context.Context, member *discordgo.Member) {
	if member == nil || member.User == nil {
		return
	}
	logger := contextLoggerOr(ctx, m.logger).With(memberLogAttrs(member)...)
	memberID, err := parseSnowflake(member.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "invalid member id", tint.Err(err))
		return
	}

	if !m.roles.AssignRole(ctx, member, m.guild.MemberRoleName) {
		return
	}

	if _, _, err = m.store.GetOrCreateMember(ctx, memberID); err != nil {
		logger.ErrorContext(ctx, "error recording member", tint.Err(err))
		return
	}
	changed, err := m.store.MarkReacted(ctx, memberID)
	if err != nil {
		logger.ErrorContext(ctx, "error updating reacted", tint.Err(err))
		return
	}
	if !changed {
		logger.InfoContext(ctx, "member already accepted the code of conduct")
		return
	}
	logger.InfoContext(ctx, "member accepted the code of conduct")

	if err = m.delivery.Retract(ctx, member, SpaceCoC); err != nil {
		logger.ErrorContext(ctx, "error retracting welcome space", tint.Err(err))
	}

	if m.tickets.Enabled {
		m.dispatcher.Dispatch(ctx, Event{Name: EventNewMemberReactedToCoC, Member: member})
	}
}
