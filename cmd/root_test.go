package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvFile(t *testing.T) {
	isolateEnv(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

GREETER_DATABASE=/home/foo/greeter.sqlite3
GREETER_DATABASE_TYPE=sqlite
GREETER_DATABASE_LOG_LEVEL=INFO
GREETER_DATABASE_SLOW_THRESHOLD=200ms
GREETER_LOG_LEVEL=DEBUG
GREETER_STARTUP_TIMEOUT=30s
GREETER_SHUTDOWN_TIMEOUT=60s

# Discord bot config

GREETER_DISCORD_TOKEN=your-discord-bot-token
GREETER_DISCORD_APPLICATION_ID=1234
GREETER_DISCORD_GUILD_ID=5678
GREETER_DISCORD_LOG_LEVEL=WARN
GREETER_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
GREETER_DISCORD_GATEWAY_INTENTS=3243773

# Guild config

GREETER_GUILD_MEMBER_ROLE_NAME=members
GREETER_GUILD_ORGANIZER_ROLE_NAME=organizers
GREETER_GUILD_TICKET_HOLDER_ROLE_NAME=attendees
GREETER_GUILD_COC_CHANNEL_ID=111
GREETER_GUILD_COC_MESSAGE_ID=222
GREETER_GUILD_COC_MESSAGE_LINK=https://discord.com/channels/5678/111/222
GREETER_GUILD_COC_THREAD_PREFIX=coc
GREETER_GUILD_TICKET_CHANNEL_ID=333
GREETER_GUILD_TICKET_MESSAGE_ID=444
GREETER_GUILD_TICKET_THREAD_PREFIX=tix
GREETER_GUILD_ACCEPTABLE_EMOJIS="👍 ✅"

# Cooldown, tickets, delivery, reconcile

GREETER_COOLDOWN_WINDOW=2m
GREETER_COOLDOWN_SWEEP_INTERVAL=30s
GREETER_COOLDOWN_REDIS_URL=redis://localhost:6379/0
GREETER_TICKETS_ENABLED=true
GREETER_TICKETS_ID_LENGTH=12
GREETER_TICKETS_COMMAND=!claim
GREETER_TICKETS_MODAL_TIMEOUT=3m
GREETER_TICKETS_VIEW_TIMEOUT=4m
GREETER_TICKETS_CLEANUP_AFTER=10s
GREETER_TICKETS_ROLLBACK_CLAIM_ON_ROLE_FAILURE=true
GREETER_DELIVERY_PRIVATE_SPACE=channel
GREETER_DELIVERY_CACHE_SIZE=64
GREETER_DELIVERY_THREAD_AUTO_ARCHIVE=1440
GREETER_RECONCILE_BATCH_SIZE=10
GREETER_RECONCILE_BATCH_PAUSE=2s
GREETER_RECONCILE_REQUESTS_PER_SECOND=2.5

# API server

GREETER_API_ENABLED=true
GREETER_API_LISTEN=127.0.0.1:5001
GREETER_API_SSL_CERT=/etc/ssl/cert.pem
GREETER_API_SSL_KEY=/etc/ssl/key.pem
GREETER_API_SSL_TLS_MIN_VERSION=771
GREETER_API_SECRET=your-api-secret
GREETER_API_LOG_LEVEL=DEBUG
GREETER_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
GREETER_API_CORS_ALLOW_METHODS=GET POST OPTIONS
GREETER_API_CORS_ALLOW_CREDENTIALS=false
GREETER_API_CORS_MAX_AGE=1h
GREETER_API_READ_TIMEOUT=6s
GREETER_API_READ_HEADER_TIMEOUT=7s
GREETER_API_WRITE_TIMEOUT=11s
GREETER_API_IDLE_TIMEOUT=31s
GREETER_API_SESSION_MAX_AGE=2h
GREETER_API_DEVELOPMENT=true
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o644))

	executeCommand(t, "", fmt.Sprintf("--config=%s", envFile), "version")

	assert.Equal(t, "/home/foo/greeter.sqlite3", viper.GetString("database"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelError, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, []string{"👍", "✅"}, viper.GetStringSlice("guild.acceptable_emojis"))

	assert.Equal(t, "/home/foo/greeter.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "1234", cfg.Discord.ApplicationID)
	assert.Equal(t, "5678", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)

	assert.Equal(t, "members", cfg.Guild.MemberRoleName)
	assert.Equal(t, "organizers", cfg.Guild.OrganizerRoleName)
	assert.Equal(t, "attendees", cfg.Guild.TicketHolderRoleName)
	assert.Equal(t, "111", cfg.Guild.CoCChannelID)
	assert.Equal(t, "222", cfg.Guild.CoCMessageID)
	assert.Equal(t, "https://discord.com/channels/5678/111/222", cfg.Guild.CoCMessageLink)
	assert.Equal(t, "coc", cfg.Guild.CoCThreadPrefix)
	assert.Equal(t, "333", cfg.Guild.TicketChannelID)
	assert.Equal(t, "444", cfg.Guild.TicketMessageID)
	assert.Empty(t, cfg.Guild.TicketMessageLink)
	assert.Equal(t, "tix", cfg.Guild.TicketThreadPrefix)
	assert.Equal(t, []string{"👍", "✅"}, cfg.Guild.AcceptableEmojis)

	assert.Equal(t, 2*time.Minute, cfg.Cooldown.Window)
	assert.Equal(t, 30*time.Second, cfg.Cooldown.SweepInterval)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cooldown.RedisURL)

	assert.True(t, cfg.Tickets.Enabled)
	assert.Equal(t, 12, cfg.Tickets.IDLength)
	assert.Equal(t, "!claim", cfg.Tickets.Command)
	assert.Equal(t, 3*time.Minute, cfg.Tickets.ModalTimeout)
	assert.Equal(t, 4*time.Minute, cfg.Tickets.ViewTimeout)
	assert.Equal(t, 10*time.Second, cfg.Tickets.CleanupAfter)
	assert.True(t, cfg.Tickets.RollbackClaimOnRoleFailure)

	assert.Equal(t, greeter.PrivateSpaceChannel, cfg.Delivery.PrivateSpace)
	assert.Equal(t, 64, cfg.Delivery.CacheSize)
	assert.Equal(t, 1440, cfg.Delivery.ThreadAutoArchive)

	assert.Equal(t, 10, cfg.Reconcile.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.BatchPause)
	assert.Equal(t, 2.5, cfg.Reconcile.RequestsPerSecond)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5001", cfg.API.Listen)
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(771), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, greeter.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, greeter.DefaultCORSExposeHeaders, cfg.API.CORS.ExposeHeaders)
	assert.False(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 6*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, 7*time.Second, cfg.API.ReadHeaderTimeout)
	assert.Equal(t, 11*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, 31*time.Second, cfg.API.IdleTimeout)
	assert.Equal(t, 2*time.Hour, cfg.API.SessionMaxAge)
	assert.True(t, cfg.API.Development)
}

func TestDefaults(t *testing.T) {
	isolateEnv(t)
	executeCommand(t, "", "version")

	defaults := greeter.DefaultConfig()
	assert.Equal(t, defaults.Database, cfg.Database)
	assert.Equal(t, defaults.DatabaseType, cfg.DatabaseType)
	assert.Equal(t, defaults.LogLevel.Level(), cfg.LogLevel.Level())
	assert.Equal(t, defaults.Discord.GatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, *defaults.Guild, *cfg.Guild)
	assert.Equal(t, *defaults.Cooldown, *cfg.Cooldown)
	assert.Equal(t, *defaults.Tickets, *cfg.Tickets)
	assert.Equal(t, *defaults.Delivery, *cfg.Delivery)
	assert.Equal(t, *defaults.Reconcile, *cfg.Reconcile)
	assert.Equal(t, defaults.API.Listen, cfg.API.Listen)
	assert.Equal(t, defaults.API.SSL, cfg.API.SSL)
	assert.Equal(t, defaults.API.CORS.AllowMethods, cfg.API.CORS.AllowMethods)
	assert.Equal(t, defaults.API.SessionMaxAge, cfg.API.SessionMaxAge)
}

func TestGetLogLevel(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "WARN", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "LOUD", expected: slog.LevelInfo, wantErr: true},
	} {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}
}
