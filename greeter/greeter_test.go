package greeter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGreeter returns a Greeter backed by a mock discord session, a
// temporary SQLite store and an in-memory cooldown, with every
// component built
func newTestGreeter(t testing.TB, cfg *Config) (*Greeter, *mockDiscordSession) {
	t.Helper()
	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}
	g, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession(t)
	g.discord.session = session
	g.store = setupTestStore(t)
	g.db = g.store.DB()

	cooldown, err := newCooldownTracker(cfg.Cooldown, discardLogger())
	require.NoError(t, err)
	g.cooldown = cooldown

	notifier, err := newDBNotifier(cfg.DatabaseType, cfg.Database, g.store, g.cooldown, g.signalStop, discardLogger())
	require.NoError(t, err)
	g.dbNotifier = notifier

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, g.initComponents(ctx))
	t.Cleanup(
		func() {
			if g.tickets != nil {
				g.tickets.Close()
			}
		},
	)
	return g, session
}

func cocReaction(userID string) *discordgo.MessageReaction {
	return &discordgo.MessageReaction{
		UserID:    userID,
		MessageID: testCoCMessageID,
		ChannelID: testCoCChannelID,
		GuildID:   testGuildID,
		Emoji:     discordgo.Emoji{Name: DefaultAcceptableEmoji},
	}
}

func TestGreeter_MemberJoin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "alice")

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberJoin, Member: member})

	sent := session.sentTo("dm-300000000000000001")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "thanks for joining "+testGuildName)
	assert.Contains(t, sent[0].Content, g.config.Guild.CoCMessageLink)

	stored, err := g.store.GetMember(ctx, 300000000000000001)
	require.NoError(t, err)
	assert.True(t, stored.DMSent)
	assert.False(t, stored.Reacted)

	// leaving and coming back gets the returning member message
	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberRemove, Member: member})
	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberJoin, Member: member})
	sent = session.sentTo("dm-300000000000000001")
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Content, "re-joined "+testGuildName)
}

func TestGreeter_BotJoinIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "robot")
	member.User.Bot = true

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberJoin, Member: member})
	assert.Empty(t, session.allSent())
	_, err := g.store.GetMember(ctx, 300000000000000001)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestGreeter_AcceptCoC(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "Alice")
	session.blockDMs(member.User.ID)

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberJoin, Member: member})
	require.Len(t, session.channelsNamed("welcome-alice"), 1)

	g.dispatcher.Dispatch(
		ctx,
		Event{Name: EventRawReactionAdd, Reaction: cocReaction(member.User.ID), Member: member},
	)

	assert.True(t, session.memberHasRole(member.User.ID, testMemberRoleID))
	stored, err := g.store.GetMember(ctx, 300000000000000001)
	require.NoError(t, err)
	assert.True(t, stored.Reacted)

	assert.Empty(t, session.channelsNamed("welcome-alice"))

	tickets := session.channelsNamed("ticket-alice")
	require.Len(t, tickets, 1)
	sent := session.sentTo(tickets[0].ID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "You are officially a member")
	require.Len(t, sent[0].Components, 1)
}

func TestGreeter_ReactionFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "alice")

	wrongEmoji := cocReaction(member.User.ID)
	wrongEmoji.Emoji.Name = "👎"
	otherGuild := cocReaction(member.User.ID)
	otherGuild.GuildID = "1"
	otherMessage := cocReaction(member.User.ID)
	otherMessage.MessageID = "1"
	fromBot := cocReaction(testBotUserID)

	for _, r := range []*discordgo.MessageReaction{wrongEmoji, otherGuild, otherMessage, fromBot} {
		g.dispatcher.Dispatch(ctx, Event{Name: EventRawReactionAdd, Reaction: r, Member: member})
	}
	assert.False(t, session.memberHasRole(member.User.ID, testMemberRoleID))
	assert.Equal(t, int64(0), session.roleAddCalls.Load())
}

func TestGreeter_TicketReactionCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "alice")

	r := &discordgo.MessageReaction{
		UserID:    member.User.ID,
		MessageID: testTicketMsgID,
		ChannelID: testTicketChanID,
		GuildID:   testGuildID,
		Emoji:     discordgo.Emoji{Name: DefaultAcceptableEmoji},
	}
	g.dispatcher.Dispatch(ctx, Event{Name: EventRawReactionAdd, Reaction: r, Member: member})
	g.dispatcher.Dispatch(ctx, Event{Name: EventRawReactionAdd, Reaction: r, Member: member})

	threads := session.channelsNamed("ticket-alice")
	require.Len(t, threads, 1)
	sent := session.sentTo(threads[0].ID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "do you happen to have a ticket")
}

// slowCooldown delays each reaction record, widening the window between
// concurrent deliveries of the same reaction
type slowCooldown struct {
	CooldownTracker
	delay time.Duration
}

func (c slowCooldown) TryRecordReaction(ctx context.Context, messageID, userID string) (bool, error) {
	time.Sleep(c.delay)
	return c.CooldownTracker.TryRecordReaction(ctx, messageID, userID)
}

func TestGreeter_TicketReactionCooldown_Concurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	g.reactions.cooldown = slowCooldown{CooldownTracker: g.cooldown, delay: 5 * time.Millisecond}
	member := session.addMember("300000000000000001", "alice")

	var dispatched atomic.Int32
	g.dispatcher.On(
		EventMemberReactedToTicket, func(context.Context, Event) {
			dispatched.Add(1)
		},
	)

	r := &discordgo.MessageReaction{
		UserID:    member.User.ID,
		MessageID: testTicketMsgID,
		ChannelID: testTicketChanID,
		GuildID:   testGuildID,
		Emoji:     discordgo.Emoji{Name: DefaultAcceptableEmoji},
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g.dispatcher.Dispatch(ctx, Event{Name: EventRawReactionAdd, Reaction: r, Member: member})
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), dispatched.Load())
	threads := session.channelsNamed("ticket-alice")
	require.Len(t, threads, 1)
	assert.Len(t, session.sentTo(threads[0].ID), 1)
}

func TestGreeter_AcceptCoC_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "alice")
	session.blockDMs(member.User.ID)

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberJoin, Member: member})
	require.Len(t, session.channelsNamed("welcome-alice"), 1)

	var dispatched atomic.Int32
	g.dispatcher.On(
		EventNewMemberReactedToCoC, func(context.Context, Event) {
			dispatched.Add(1)
		},
	)

	g.membership.OnMemberReactedToCoC(ctx, member)
	assert.Empty(t, session.channelsNamed("welcome-alice"))
	deletesAfterFirst := session.channelDeletes.Load()

	g.membership.OnMemberReactedToCoC(ctx, member)

	assert.Equal(t, int32(1), dispatched.Load())
	assert.Equal(t, deletesAfterFirst, session.channelDeletes.Load())
	threads := session.channelsNamed("ticket-alice")
	require.Len(t, threads, 1)
	sent := session.sentTo(threads[0].ID)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "You are officially a member")

	stored, err := g.store.GetMember(ctx, 300000000000000001)
	require.NoError(t, err)
	assert.True(t, stored.Reacted)
}

func TestGreeter_MemberRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "alice")
	session.blockDMs(member.User.ID)

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberJoin, Member: member})
	require.Len(t, session.channelsNamed("welcome-alice"), 1)

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberRemove, Member: member})
	assert.Empty(t, session.channelsNamed("welcome-alice"))

	stored, err := g.store.GetMember(ctx, 300000000000000001)
	require.NoError(t, err)
	assert.False(t, stored.DMSent)
	assert.False(t, stored.Reacted)

	// unknown members leaving is a no-op
	stranger := &discordgo.Member{User: &discordgo.User{ID: "300000000000000002", Username: "bob"}}
	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberRemove, Member: stranger})
	_, err = g.store.GetMember(ctx, 300000000000000002)
	assert.ErrorIs(t, err, ErrMemberNotFound)
}

func TestGreeter_MemberRemove_KeepsTicket(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestGreeter(t, nil)
	member := session.addMember("300000000000000001", "alice")

	_, err := g.store.ImportTickets(ctx, []string{"1234567890"})
	require.NoError(t, err)
	_, _, err = g.store.GetOrCreateMember(ctx, 300000000000000001)
	require.NoError(t, err)
	require.NoError(t, g.store.SetDMSent(ctx, 300000000000000001, true))
	_, err = g.store.MarkReacted(ctx, 300000000000000001)
	require.NoError(t, err)
	_, err = g.store.ClaimTicket(ctx, "1234567890", 300000000000000001)
	require.NoError(t, err)

	g.dispatcher.Dispatch(ctx, Event{Name: EventMemberRemove, Member: member})

	stored, err := g.store.GetMember(ctx, 300000000000000001)
	require.NoError(t, err)
	assert.False(t, stored.DMSent)
	assert.False(t, stored.Reacted)
	require.NotNil(t, stored.TicketID)
	assert.Equal(t, "1234567890", *stored.TicketID)
}

func TestGreeter_Health(t *testing.T) {
	t.Parallel()
	g, _ := newTestGreeter(t, nil)

	status := g.Health(context.Background())
	assert.True(t, status.DatabaseOK)
	assert.Empty(t, status.DatabaseError)
	assert.Equal(t, "memory", status.CooldownBackend)
	assert.Equal(t, 42*time.Millisecond, status.HeartbeatLatency)
	assert.False(t, status.DiscordConnected)
	assert.Contains(t, status.String(), "Latency: 42ms")
	assert.Contains(t, status.String(), "Database: ok")
}

func TestGreeter_IsTicketCommand(t *testing.T) {
	t.Parallel()
	g, _ := newTestGreeter(t, nil)

	msg := func(content string, bot bool, guildID string) *discordgo.MessageCreate {
		return &discordgo.MessageCreate{
			Message: &discordgo.Message{
				Content: content,
				GuildID: guildID,
				Author:  &discordgo.User{ID: "300000000000000001", Bot: bot},
			},
		}
	}
	assert.True(t, g.isTicketCommand(msg("!ticket 1234567890", false, testGuildID)))
	assert.True(t, g.isTicketCommand(msg("  !ticket", false, testGuildID)))
	assert.False(t, g.isTicketCommand(msg("!ticket 1", true, testGuildID)))
	assert.False(t, g.isTicketCommand(msg("!ticket 1", false, "1")))
	assert.False(t, g.isTicketCommand(msg("hello", false, testGuildID)))

	g.config.Tickets.Enabled = false
	assert.False(t, g.isTicketCommand(msg("!ticket 1", false, testGuildID)))
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestGreeter_Run(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = false
	g, session := newTestGreeter(t, cfg)

	runErr := make(chan error, 1)
	go func() {
		runErr <- g.Run(context.Background())
	}()

	select {
	case <-g.signalReady:
	case err := <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
	assert.True(t, session.opened.Load())
	assert.Greater(t, g.Uptime(), time.Duration(0))

	session.mu.Lock()
	commands := len(session.commands)
	var memberAdd func(*discordgo.Session, *discordgo.GuildMemberAdd)
	for _, h := range session.handlers {
		if f, ok := h.(func(*discordgo.Session, *discordgo.GuildMemberAdd)); ok {
			memberAdd = f
		}
	}
	session.mu.Unlock()
	assert.Equal(t, 3, commands)
	require.NotNil(t, memberAdd)

	member := session.addMember("300000000000000001", "alice")
	memberAdd(nil, &discordgo.GuildMemberAdd{Member: member})
	assert.Eventually(
		t, func() bool {
			for _, s := range session.sentTo("dm-300000000000000001") {
				if strings.Contains(s.Content, "thanks for joining") {
					return true
				}
			}
			return false
		},
		5*time.Second,
		10*time.Millisecond,
	)

	g.signalStop <- struct{}{}
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	assert.True(t, session.closed.Load())

	select {
	case <-g.eventShutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown event")
	}
}
