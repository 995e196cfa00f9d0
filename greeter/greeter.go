package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/pygreece/greeter/greeter.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// shutdownAnnouncementInterval is how often remaining shutdown time is
// logged while waiting on in-flight handlers
var shutdownAnnouncementInterval = 10 * time.Second

// Greeter is the bot. It owns the discord session, the database and
// every component handling gateway events.
//
// Components are built in Run, once the database and discord session
// exist, and gateway events are routed to them through [Dispatcher].
type Greeter struct {
	config *Config

	// Read connection. Writes go through store, which serializes
	// them when using SQLite.
	db    *gorm.DB
	store DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	api        *API
	dbNotifier DBNotifier
	cooldown   CooldownTracker

	dispatcher   *Dispatcher
	roles        *RoleGateway
	delivery     *Delivery
	membership   *MembershipLifecycle
	reactions    *ReactionFilter
	tickets      *TicketFlow
	reconciler   *Reconciler
	admin        *AdminCommands
	interactions *interactionRouter

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has connected to
	// discord and handlers are registered
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt atomic.Pointer[time.Time]

	// getInteractionHandlerFunc returns the InteractionHandler used
	// to respond to an interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New returns a Greeter for the given config. All configuration errors
// found are returned together.
func New(config *Config) (*Greeter, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	g := &Greeter{
		config:        config,
		signalStop:    make(chan struct{}, 1),
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	g.logHandler = newLogHandler(config.LogLevel)
	g.logger = slog.New(g.logHandler)
	slog.SetDefault(g.logger)

	config.Discord.httpClient = config.HTTPClient
	g.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel),
	)

	if config.API.Enabled {
		api, err := newAPI(g, config.API)
		if err != nil {
			errs = append(errs, err)
		}
		g.api = api
	}

	return g, errors.Join(errs...)
}

func (g *Greeter) ValidateConfig() error {
	return structValidator.Struct(g.config)
}

// RegisterSlashCommands overwrites the guild's slash commands with the
// admin commands
func (g *Greeter) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if g.discord.session == nil {
		session, err := g.discord.newSession()
		if err != nil {
			return nil, err
		}
		g.discord.session = session
	}
	return g.discord.registerCommands(options...)
}

// Uptime returns the time elapsed since Run was called
func (g *Greeter) Uptime() time.Duration {
	started := g.startedAt.Load()
	if started == nil {
		return 0
	}
	return time.Since(*started)
}

// Health reports the gateway connection, database and uptime
func (g *Greeter) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{
		DiscordConnected: g.discord.connected.Load(),
		Uptime:           g.Uptime(),
		CooldownBackend:  "memory",
	}
	if g.config.Cooldown.RedisURL != "" {
		status.CooldownBackend = "redis"
	}
	if g.discord.session != nil {
		status.HeartbeatLatency = g.discord.session.HeartbeatLatency()
	}
	if g.store == nil {
		status.DatabaseError = "not initialized"
		return status
	}
	if err := g.store.Ping(ctx); err != nil {
		status.DatabaseError = err.Error()
	} else {
		status.DatabaseOK = true
	}
	return status
}

// Run connects to discord and handles events until ctx is canceled or a
// stop signal is received, then shuts down gracefully.
func (g *Greeter) Run(ctx context.Context) error {
	g.runMu.Lock()
	defer g.runMu.Unlock()

	now := time.Now()
	g.startedAt.Store(&now)
	logger := g.logger

	if err := g.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", g.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-g.signalStop:
			g.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, g.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- g.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if g.api != nil {
		go func() {
			httpErr := g.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				g.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		g.cooldown.Run(ctx)
	}()

	for _, channel := range []string{g.dbNotifier.StopChannelName(), g.dbNotifier.CooldownChannelName()} {
		if channel == "" {
			continue
		}
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := g.dbNotifier.Listen(ctx, channel); e != nil {
				g.logger.ErrorContext(ctx, "error listening for notifications", "channel", channel, tint.Err(e))
			}
		}()
	}

	g.addDiscordHandlers(ctx, runtimeWG)

	logger.InfoContext(ctx, "connecting to discord")
	if err := g.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		cancel()
		_ = g.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := g.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
		logger.ErrorContext(ctx, "error registering slash commands", tint.Err(err))
	}

	g.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return g.shutdown(ctx, runtimeWG)
}

// initRun opens the database, the cooldown tracker, the notifier and
// the discord session, then builds every component on top of them
func (g *Greeter) initRun(startCtx context.Context, ctx context.Context) error {
	if err := g.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	if g.cooldown == nil {
		cooldown, err := newCooldownTracker(g.config.Cooldown, g.logger)
		if err != nil {
			return err
		}
		g.cooldown = cooldown
	}

	notifier, err := newDBNotifier(
		g.config.DatabaseType,
		g.config.Database,
		g.store,
		g.cooldown,
		g.signalStop,
		g.logger,
	)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	g.dbNotifier = notifier

	if g.discord.session == nil {
		session, e := g.discord.newSession()
		if e != nil {
			return e
		}
		g.discord.session = session
	}

	return g.initComponents(ctx)
}

// initDB opens and migrates the database, unless a store was already
// provided
func (g *Greeter) initDB(ctx context.Context) error {
	if g.store != nil {
		g.db = g.store.DB()
		return nil
	}
	logger := contextLoggerOr(ctx, g.logger)

	gormLogger := newGORMLogger(
		newLogHandler(g.config.DatabaseLogLevel),
		g.config.DatabaseSlowThreshold,
	)
	db, err := getDB(g.config.DatabaseType, g.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if g.config.DatabaseType == dbTypeSQLite {
		if err = configureSQLite(ctx, db, logger); err != nil {
			return err
		}
	}

	logger.DebugContext(ctx, "migrating database...")
	if err = migrate(ctx, db); err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.DebugContext(ctx, "finished migrating database")

	g.db = db
	g.store = NewDatabase(db, g.logger, g.config.DatabaseType == dbTypePostgres)
	return nil
}

// initComponents builds the components handling gateway events and
// registers them with a new dispatcher
func (g *Greeter) initComponents(ctx context.Context) error {
	cfg := g.config
	session := g.discord.session
	guildID := cfg.Discord.GuildID

	roles, err := newRoleGateway(session, guildID, g.logger)
	if err != nil {
		return err
	}
	spaces, err := newPrivateSpace(
		cfg.Delivery.PrivateSpace,
		session,
		cfg.Guild,
		guildID,
		cfg.Delivery.ThreadAutoArchive,
		g.discord.BotUserID,
		g.logger.With(loggerNameKey, "private_space"),
	)
	if err != nil {
		return err
	}
	delivery, err := newDelivery(session, spaces, cfg.Delivery.CacheSize, g.logger)
	if err != nil {
		return err
	}

	dispatcher := newDispatcher(g.logger)
	membership := newMembershipLifecycle(g.store, session, roles, delivery, dispatcher, cfg, g.logger)
	membership.register(dispatcher)

	// a shared redis tracker doesn't need reactions broadcast
	var broadcaster reactionBroadcaster
	if cfg.Cooldown.RedisURL == "" && g.dbNotifier != nil {
		broadcaster = g.dbNotifier
	}
	reactions := newReactionFilter(
		session,
		g.cooldown,
		broadcaster,
		dispatcher,
		cfg,
		g.discord.BotUserID,
		g.logger,
	)
	reactions.register(dispatcher)

	var tickets *TicketFlow
	if cfg.Tickets.Enabled {
		tickets = newTicketFlow(ctx, g.store, session, roles, delivery, cfg, g.logger)
		tickets.register(dispatcher)
	}

	reconciler := newReconciler(g.store, session, roles, cfg, g.logger)
	admin := newAdminCommands(reconciler, g.Health, g.logger)

	g.roles = roles
	g.delivery = delivery
	g.dispatcher = dispatcher
	g.membership = membership
	g.reactions = reactions
	g.tickets = tickets
	g.reconciler = reconciler
	g.admin = admin
	g.interactions = &interactionRouter{
		tickets: tickets,
		admin:   admin,
		guildID: guildID,
	}

	if g.getInteractionHandlerFunc == nil {
		g.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return newGatewayHandler(session, i, g.logger)
		}
	}
	return nil
}

// addDiscordHandlers adds the gateway event handlers. Each event is
// handled on its own goroutine, tracked by runtimeWG.
func (g *Greeter) addDiscordHandlers(ctx context.Context, runtimeWG *sync.WaitGroup) {
	session := g.discord.session
	guildID := g.config.Discord.GuildID

	for _, h := range g.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session.SetIdentify(discordgo.Identify{Intents: g.config.Discord.GatewayIntents})

	g.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(g.discord.handlerConnect()),
		session.AddHandler(g.discord.handlerDisconnect()),
		session.AddHandler(g.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				if m.Member == nil || m.GuildID != guildID {
					return
				}
				g.goDispatch(ctx, runtimeWG, Event{Name: EventMemberJoin, Member: m.Member})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
				if m.Member == nil || m.GuildID != guildID {
					return
				}
				g.goDispatch(ctx, runtimeWG, Event{Name: EventMemberRemove, Member: m.Member})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
				if r.MessageReaction == nil {
					return
				}
				g.goDispatch(
					ctx,
					runtimeWG,
					Event{Name: EventRawReactionAdd, Reaction: r.MessageReaction, Member: r.Member},
				)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				if !g.isTicketCommand(m) {
					return
				}
				g.goDispatch(ctx, runtimeWG, Event{Name: EventTicketCommand, Message: m.Message})
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := g.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					defer func() {
						if rc := recover(); rc != nil {
							g.handleRecover(ctx, rc)
						}
					}()
					g.interactions.handleInteraction(ctx, handler)
				}()
			},
		),
	}
}

// isTicketCommand reports whether m looks like a ticket text command
// from a human in the configured guild
func (g *Greeter) isTicketCommand(m *discordgo.MessageCreate) bool {
	if !g.config.Tickets.Enabled || m.Message == nil || m.Author == nil || m.Author.Bot {
		return false
	}
	if m.GuildID != g.config.Discord.GuildID {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(m.Content), g.config.Tickets.Command)
}

func (g *Greeter) goDispatch(ctx context.Context, runtimeWG *sync.WaitGroup, e Event) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		g.dispatcher.Dispatch(ctx, e)
	}()
}

// handleRecover logs a recovered panic along with its stack trace
func (g *Greeter) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, g.logger)
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(nerr), "stack_trace", stackTrace)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(nerr)), "stack_trace", stackTrace)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}

// shutdown stops accepting gateway events, waits (up to
// Config.ShutdownTimeout) for in-flight handlers, then closes the
// discord session, the API server and the database.
func (g *Greeter) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	g.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if g.eventShutdown != nil {
			go func() {
				g.eventShutdown <- struct{}{}
			}()
		}
	}()

	for _, h := range g.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	g.discord.discordgoRemoveHandlerFuncs = nil

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(g.config.ShutdownTimeout)
	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	g.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", g.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		if g.tickets != nil {
			g.tickets.Close()
		}
		runtimeWG.Wait()
		g.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
		gracefulShutdownCh <- struct{}{}
	}()

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	var errs []error
	waiting := true
	for waiting {
		select {
		case <-gracefulShutdownCh:
			waiting = false
		case <-announcementTicker.C:
			g.logger.InfoContext(
				ctx,
				fmt.Sprintf("shutting down, time remaining: %s", time.Until(shutdownDeadline).String()),
			)
		case <-closeCtx.Done():
			g.logger.Warn("in-flight handlers did not stop in time, forcing close")
			errs = append(errs, errors.New("in-flight handlers did not stop in time"))
			waiting = false
		}
	}

	if g.discord.session != nil {
		if err := g.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if g.api != nil && g.api.httpServer != nil {
		if err := g.api.httpServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("error stopping api server: %w", err))
		}
	}
	if g.cooldown != nil {
		if err := g.cooldown.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing cooldown tracker: %w", err))
		}
	}
	if g.db != nil {
		if sqlDB, err := g.db.DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", err))
			}
		}
	}
	g.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}
