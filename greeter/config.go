//nolint:lll // struct tags can't be split
package greeter

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "GREETER_ENV_PREFIX"
	DefaultEnvPrefix      = "GREETER"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "greeter.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout       = 60 * time.Second
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultDiscordLogLevel       = slog.LevelWarn
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo

	// DefaultDiscordGatewayIntent covers member join/leave, reactions,
	// presences (for picking an online organizer) and message content
	// (for the text ticket command).
	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	DefaultMemberRoleName       = "members"
	DefaultOrganizerRoleName    = "organizers"
	DefaultTicketHolderRoleName = "attendees"
	DefaultCoCThreadPrefix      = "welcome"
	DefaultTicketThreadPrefix   = "ticket"
	DefaultAcceptableEmoji      = "👍"

	DefaultCooldownWindow        = 5 * time.Minute
	DefaultCooldownSweepInterval = 60 * time.Second

	DefaultTicketIDLength     = 10
	DefaultTicketModalTimeout = 5 * time.Minute
	DefaultTicketViewTimeout  = 5 * time.Minute
	DefaultTicketCleanupAfter = time.Minute
	DefaultTicketCommand      = "!ticket"

	DefaultPrivateSpaceMode      = PrivateSpaceThread
	DefaultPrivateSpaceCacheSize = 1024
	DefaultThreadAutoArchive     = 10080

	DefaultReconcileBatchSize         = 20
	DefaultReconcileBatchPause        = 1500 * time.Millisecond
	DefaultReconcileRequestsPerSecond = 5

	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPISessionMaxAge        = 6 * time.Hour
	DefaultAPICORSAllowCredentials = true
	defaultListenNetwork           = "tcp"
)

// PrivateSpaceMode selects how the fallback private space is created
// when a member can't be reached by direct message.
type PrivateSpaceMode string

const (
	PrivateSpaceThread  PrivateSpaceMode = "thread"
	PrivateSpaceChannel PrivateSpaceMode = "channel"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		"X-CSRF-Token",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Guild     *GuildConfig     `yaml:"guild" mapstructure:"guild" json:"guild" binding:"required"`
	Cooldown  *CooldownConfig  `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"required"`
	Tickets   *TicketConfig    `yaml:"tickets" mapstructure:"tickets" json:"tickets" binding:"required"`
	Delivery  *DeliveryConfig  `yaml:"delivery" mapstructure:"delivery" json:"delivery" binding:"required"`
	Reconcile *ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile" json:"reconcile" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot connection.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID is the single guild this bot manages. Events from any
	// other guild are ignored, and slash commands are registered here.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required,number"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// GuildConfig names the roles, channels and messages the bot works with.
type GuildConfig struct {
	// Role granted once a member accepts the code of conduct
	MemberRoleName string `yaml:"member_role_name" mapstructure:"member_role_name" json:"member_role_name" binding:"required"`

	// Role whose holders are paged when a ticket claim needs a human
	OrganizerRoleName string `yaml:"organizer_role_name" mapstructure:"organizer_role_name" json:"organizer_role_name" binding:"required"`

	// Role granted once a member claims a conference ticket
	TicketHolderRoleName string `yaml:"ticket_holder_role_name" mapstructure:"ticket_holder_role_name" json:"ticket_holder_role_name"`

	CoCChannelID   string `yaml:"coc_channel_id" mapstructure:"coc_channel_id" json:"coc_channel_id" binding:"required,number"`
	CoCMessageID   string `yaml:"coc_message_id" mapstructure:"coc_message_id" json:"coc_message_id" binding:"required,number"`
	CoCMessageLink string `yaml:"coc_message_link" mapstructure:"coc_message_link" json:"coc_message_link" binding:"omitempty,url"`

	// Private threads/channels for members that can't receive a DM are
	// named '<prefix>-<display name>'
	CoCThreadPrefix string `yaml:"coc_thread_prefix" mapstructure:"coc_thread_prefix" json:"coc_thread_prefix" binding:"required,max=20"`

	TicketChannelID    string `yaml:"ticket_channel_id" mapstructure:"ticket_channel_id" json:"ticket_channel_id" binding:"omitempty,number"`
	TicketMessageID    string `yaml:"ticket_message_id" mapstructure:"ticket_message_id" json:"ticket_message_id" binding:"omitempty,number"`
	TicketMessageLink  string `yaml:"ticket_message_link" mapstructure:"ticket_message_link" json:"ticket_message_link" binding:"omitempty,url"`
	TicketThreadPrefix string `yaml:"ticket_thread_prefix" mapstructure:"ticket_thread_prefix" json:"ticket_thread_prefix" binding:"required,max=20"`

	// Reactions with any of these emojis count as accepting the code of
	// conduct (or asking for a ticket thread)
	AcceptableEmojis []string `yaml:"acceptable_emojis" mapstructure:"acceptable_emojis" json:"acceptable_emojis" binding:"required,min=1,dive,required"`
}

// channelFor returns the parent channel ID and name prefix for the
// given kind of private space.
func (c GuildConfig) channelFor(kind SpaceKind) (channelID string, prefix string) {
	if kind == SpaceTicket {
		return c.TicketChannelID, c.TicketThreadPrefix
	}
	return c.CoCChannelID, c.CoCThreadPrefix
}

func (c GuildConfig) acceptsEmoji(name string) bool {
	for _, e := range c.AcceptableEmojis {
		if e == name {
			return true
		}
	}
	return false
}

// CooldownConfig configures reaction spam suppression.
type CooldownConfig struct {
	// Reactions from the same user on the same message within this
	// window are ignored
	Window time.Duration `yaml:"window" mapstructure:"window" json:"window" binding:"min=1s"`

	// How often expired entries are purged from the in-memory tracker
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=1s"`

	// If set, cooldowns are kept in redis rather than in memory, so they
	// survive restarts and are shared between instances.
	// Ex: redis://localhost:6379/0
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url" json:"redis_url" log:"[redacted]" binding:"omitempty,url"`
}

// TicketConfig configures conference ticket verification.
type TicketConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Ticket IDs must be exactly this many digits
	IDLength int `yaml:"id_length" mapstructure:"id_length" json:"id_length" binding:"min=1,max=32"`

	// Text command prefix for claiming a ticket from a ticket thread
	Command string `yaml:"command" mapstructure:"command" json:"command" binding:"required"`

	// How long to wait for a member to submit the ticket modal
	ModalTimeout time.Duration `yaml:"modal_timeout" mapstructure:"modal_timeout" json:"modal_timeout" binding:"min=1s"`

	// How long the claim button stays usable before the ticket thread
	// is removed
	ViewTimeout time.Duration `yaml:"view_timeout" mapstructure:"view_timeout" json:"view_timeout" binding:"min=1s"`

	// Delay before removing a ticket thread after a successful claim
	CleanupAfter time.Duration `yaml:"cleanup_after" mapstructure:"cleanup_after" json:"cleanup_after"`

	// If true, a successful claim is released again when the ticket
	// holder role can't be granted. Otherwise the claim is kept and an
	// organizer is paged.
	RollbackClaimOnRoleFailure bool `yaml:"rollback_claim_on_role_failure" mapstructure:"rollback_claim_on_role_failure" json:"rollback_claim_on_role_failure"`
}

// DeliveryConfig configures the DM fallback.
type DeliveryConfig struct {
	PrivateSpace PrivateSpaceMode `yaml:"private_space" mapstructure:"private_space" json:"private_space" binding:"oneof=thread channel"`

	// Number of member -> private space IDs to remember
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" json:"cache_size" binding:"min=1"`

	// Auto-archive duration (minutes) for private threads
	ThreadAutoArchive int `yaml:"thread_auto_archive" mapstructure:"thread_auto_archive" json:"thread_auto_archive" binding:"oneof=60 1440 4320 10080"`
}

// ReconcileConfig paces the bulk sync commands.
type ReconcileConfig struct {
	// Pause for BatchPause after every BatchSize members
	BatchSize  int           `yaml:"batch_size" mapstructure:"batch_size" json:"batch_size" binding:"min=1"`
	BatchPause time.Duration `yaml:"batch_pause" mapstructure:"batch_pause" json:"batch_pause"`

	// Maximum discord API requests per second during a sync
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gt=0"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret used for signing cookies
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`

	// Max age for session cookies
	SessionMaxAge time.Duration `yaml:"session_max_age" mapstructure:"session_max_age" json:"session_max_age" binding:"min=10m,max=24h"`

	// Enables pprof, permissive CORS and SameSite=None session cookies
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string{}, DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string{}, DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string{}, DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Guild: &GuildConfig{
			MemberRoleName:       DefaultMemberRoleName,
			OrganizerRoleName:    DefaultOrganizerRoleName,
			TicketHolderRoleName: DefaultTicketHolderRoleName,
			CoCThreadPrefix:      DefaultCoCThreadPrefix,
			TicketThreadPrefix:   DefaultTicketThreadPrefix,
			AcceptableEmojis:     []string{DefaultAcceptableEmoji},
		},
		Cooldown: &CooldownConfig{
			Window:        DefaultCooldownWindow,
			SweepInterval: DefaultCooldownSweepInterval,
		},
		Tickets: &TicketConfig{
			IDLength:     DefaultTicketIDLength,
			Command:      DefaultTicketCommand,
			ModalTimeout: DefaultTicketModalTimeout,
			ViewTimeout:  DefaultTicketViewTimeout,
			CleanupAfter: DefaultTicketCleanupAfter,
		},
		Delivery: &DeliveryConfig{
			PrivateSpace:      DefaultPrivateSpaceMode,
			CacheSize:         DefaultPrivateSpaceCacheSize,
			ThreadAutoArchive: DefaultThreadAutoArchive,
		},
		Reconcile: &ReconcileConfig{
			BatchSize:         DefaultReconcileBatchSize,
			BatchPause:        DefaultReconcileBatchPause,
			RequestsPerSecond: DefaultReconcileRequestsPerSecond,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			SessionMaxAge:     DefaultAPISessionMaxAge,
			CORS:              DefaultCORSConfig(),
		},
	}
}

// validateConfig checks settings which depend on one another
func validateConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(Config)
	if !ok || cfg.Tickets == nil || cfg.Guild == nil {
		return
	}
	if !cfg.Tickets.Enabled {
		return
	}
	if cfg.Guild.TicketChannelID == "" {
		sl.ReportError(cfg.Guild.TicketChannelID, "TicketChannelID", "ticket_channel_id", "required_with_tickets", "")
	}
	if cfg.Guild.TicketMessageID == "" {
		sl.ReportError(cfg.Guild.TicketMessageID, "TicketMessageID", "ticket_message_id", "required_with_tickets", "")
	}
	if cfg.Guild.TicketHolderRoleName == "" {
		sl.ReportError(cfg.Guild.TicketHolderRoleName, "TicketHolderRoleName", "ticket_holder_role_name", "required_with_tickets", "")
	}
}
