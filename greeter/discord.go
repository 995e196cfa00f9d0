package greeter

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	// Slash command names
	commandHealth           = "health"
	commandSyncCoCReactions = "sync_coc_reactions"
	commandSyncMemberRole   = "sync_member_role"

	// Message component custom IDs
	claimTicketButtonCustomID = "claim_ticket"
	ticketModalCustomIDPrefix = "ticket_modal"
	ticketModalInputCustomID  = "ticket_id"

	claimTicketButtonEmoji = "🎟️"
)

// Discord owns the gateway session and connection state
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	botUser                     atomic.Pointer[discordgo.User]
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession creates a discordgo session from the configured token
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	disc.State.TrackPresences = true
	disc.State.TrackMembers = true
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}
	session.session = disc

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// BotUserID returns the bot's user ID, as reported by the gateway's
// Ready event. Until then, the application ID is used.
func (d *Discord) BotUserID() string {
	if u := d.botUser.Load(); u != nil {
		return u.ID
	}
	return d.config.ApplicationID
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.botUser.Store(r.User)
		}
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"Ready",
			"session_id", sessionID,
			"user_id", d.BotUserID(),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, r *discordgo.Connect) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			"connects", d.metricConnects.Load(),
		)
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, r *discordgo.Disconnect) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			"disconnects", d.metricDisconnects.Load(),
		)
	}
}

func (d *Discord) appCommands() []*discordgo.ApplicationCommand {
	adminPerms := int64(discordgo.PermissionAdministrator)
	dmPermission := false
	return []*discordgo.ApplicationCommand{
		{
			Name:                     commandHealth,
			Description:              "Show bot latency, database status and uptime",
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             &dmPermission,
		},
		{
			Name:                     commandSyncCoCReactions,
			Description:              "Mark everyone who reacted to the code of conduct as accepted",
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             &dmPermission,
		},
		{
			Name:                     commandSyncMemberRole,
			Description:              "Mark everyone holding the member role as accepted",
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             &dmPermission,
		},
	}
}

// registerCommands sends the bot's slash commands to the discord bulk
// overwrite endpoint, for the configured guild
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		d.appCommands(),
		options...,
	)
	if err != nil {
		return created, err
	}
	if len(created) == 0 {
		return created, errors.New("no commands created")
	}
	return created, nil
}

// DiscordSessionHandler is the subset of [discordgo.Session] used by the
// bot, to enable mocking
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	SetHTTPClient(client *http.Client)

	// HeartbeatLatency is the latency between heartbeat and ack
	HeartbeatLatency() time.Duration

	// Presence returns a member's presence from the session state
	Presence(guildID, userID string) (*discordgo.Presence, error)

	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// UserChannelCreate opens (or returns the existing) DM channel with
	// the recipient
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error

	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		options ...discordgo.RequestOption,
	) error
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	ThreadStartComplex(
		channelID string,
		data *discordgo.ThreadStart,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)
	ThreadMemberAdd(threadID, memberID string, options ...discordgo.RequestOption) error
	ThreadMember(
		threadID string,
		memberID string,
		withMember bool,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadMember, error)
	GuildThreadsActive(guildID string, options ...discordgo.RequestOption) (*discordgo.ThreadsList, error)
	ThreadsPrivateArchived(
		channelID string,
		before *time.Time,
		limit int,
		options ...discordgo.RequestOption,
	) (*discordgo.ThreadsList, error)

	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error

	MessageReactions(
		channelID string,
		messageID string,
		emojiID string,
		limit int,
		beforeID string,
		afterID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.User, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) HeartbeatLatency() time.Duration {
	return d.session.HeartbeatLatency()
}

func (d DiscordSession) Presence(guildID, userID string) (*discordgo.Presence, error) {
	if d.session.State == nil {
		return nil, discordgo.ErrStateNotFound
	}
	return d.session.State.Presence(guildID, userID)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponse(interaction, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, content, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, options...)
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelDelete(channelID, options...)
	if err != nil {
		d.logger.Warn("error deleting channel", "channel_id", channelID, tint.Err(err))
	} else {
		d.logger.Info("deleted channel", "channel_id", channelID, "name", ch.Name)
	}
	return ch, err
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(channelID, targetID, targetType, allow, deny, options...)
}

func (d DiscordSession) GuildChannels(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	return d.session.GuildChannels(guildID, options...)
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error("error creating channel", "name", data.Name, tint.Err(err))
	} else {
		d.logger.Info("created channel", "channel_id", ch.ID, "name", ch.Name)
	}
	return ch, err
}

func (d DiscordSession) ThreadStartComplex(
	channelID string,
	data *discordgo.ThreadStart,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ThreadStartComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error("error starting thread", "channel_id", channelID, "name", data.Name, tint.Err(err))
	} else {
		d.logger.Info("started thread", "thread_id", ch.ID, "name", ch.Name)
	}
	return ch, err
}

func (d DiscordSession) ThreadMemberAdd(
	threadID string,
	memberID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ThreadMemberAdd(threadID, memberID, options...)
}

func (d DiscordSession) ThreadMember(
	threadID string,
	memberID string,
	withMember bool,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadMember, error) {
	return d.session.ThreadMember(threadID, memberID, withMember, options...)
}

func (d DiscordSession) GuildThreadsActive(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	return d.session.GuildThreadsActive(guildID, options...)
}

func (d DiscordSession) ThreadsPrivateArchived(
	channelID string,
	before *time.Time,
	limit int,
	options ...discordgo.RequestOption,
) (*discordgo.ThreadsList, error) {
	return d.session.ThreadsPrivateArchived(channelID, before, limit, options...)
}

func (d DiscordSession) Guild(
	guildID string,
	options ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	if d.session.State != nil {
		if g, err := d.session.State.Guild(guildID); err == nil {
			return g, nil
		}
	}
	return d.session.Guild(guildID, options...)
}

func (d DiscordSession) GuildRoles(
	guildID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	return d.session.GuildRoles(guildID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return d.session.GuildMembers(guildID, after, limit, options...)
}

func (d DiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberRoleAdd(guildID, userID, roleID, options...)
}

func (d DiscordSession) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	limit int,
	beforeID string,
	afterID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	return d.session.MessageReactions(channelID, messageID, emojiID, limit, beforeID, afterID, options...)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// restErrorCode returns the discord JSON error code and HTTP status
// code from a REST error, if err is one
func restErrorCode(err error) (code int, status int, ok bool) {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return 0, 0, false
	}
	if restErr.Message != nil {
		code = restErr.Message.Code
	}
	if restErr.Response != nil {
		status = restErr.Response.StatusCode
	}
	return code, status, true
}

// isExpectedRESTError reports whether err is a 403 or 404 from discord,
// which callers treat as recoverable
func isExpectedRESTError(err error) bool {
	_, status, ok := restErrorCode(err)
	return ok && (status == http.StatusForbidden || status == http.StatusNotFound)
}
