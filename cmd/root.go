package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = greeter.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"api.log_level",
}

// stringSliceKeys are converted from space-separated env values
var stringSliceKeys = []string{
	"guild.acceptable_emojis",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "greeter [flags]",
	Short: "Onboards new members of a discord community",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

func unmarshalConfig(c *greeter.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes strings like "INFO" into a *slog.LevelVar
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", greeter.DefaultDatabase)
	viper.SetDefault("database_type", greeter.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		greeter.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		greeter.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", greeter.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", greeter.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", greeter.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		greeter.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		greeter.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(greeter.DefaultDiscordGatewayIntent),
	)

	// Guild config
	viper.SetDefault("guild.member_role_name", greeter.DefaultMemberRoleName)
	viper.SetDefault("guild.organizer_role_name", greeter.DefaultOrganizerRoleName)
	viper.SetDefault(
		"guild.ticket_holder_role_name",
		greeter.DefaultTicketHolderRoleName,
	)
	viper.SetDefault("guild.coc_channel_id", "")
	viper.SetDefault("guild.coc_message_id", "")
	viper.SetDefault("guild.coc_message_link", "")
	viper.SetDefault("guild.coc_thread_prefix", greeter.DefaultCoCThreadPrefix)
	viper.SetDefault("guild.ticket_channel_id", "")
	viper.SetDefault("guild.ticket_message_id", "")
	viper.SetDefault("guild.ticket_message_link", "")
	viper.SetDefault(
		"guild.ticket_thread_prefix",
		greeter.DefaultTicketThreadPrefix,
	)
	viper.SetDefault(
		"guild.acceptable_emojis",
		[]string{greeter.DefaultAcceptableEmoji},
	)

	// Reaction cooldown
	viper.SetDefault("cooldown.window", greeter.DefaultCooldownWindow)
	viper.SetDefault(
		"cooldown.sweep_interval",
		greeter.DefaultCooldownSweepInterval,
	)
	viper.SetDefault("cooldown.redis_url", "")

	// Tickets
	viper.SetDefault("tickets.enabled", false)
	viper.SetDefault("tickets.id_length", greeter.DefaultTicketIDLength)
	viper.SetDefault("tickets.command", greeter.DefaultTicketCommand)
	viper.SetDefault("tickets.modal_timeout", greeter.DefaultTicketModalTimeout)
	viper.SetDefault("tickets.view_timeout", greeter.DefaultTicketViewTimeout)
	viper.SetDefault("tickets.cleanup_after", greeter.DefaultTicketCleanupAfter)
	viper.SetDefault("tickets.rollback_claim_on_role_failure", false)

	// DM fallback
	viper.SetDefault(
		"delivery.private_space",
		string(greeter.DefaultPrivateSpaceMode),
	)
	viper.SetDefault("delivery.cache_size", greeter.DefaultPrivateSpaceCacheSize)
	viper.SetDefault(
		"delivery.thread_auto_archive",
		greeter.DefaultThreadAutoArchive,
	)

	// Bulk sync pacing
	viper.SetDefault("reconcile.batch_size", greeter.DefaultReconcileBatchSize)
	viper.SetDefault("reconcile.batch_pause", greeter.DefaultReconcileBatchPause)
	viper.SetDefault(
		"reconcile.requests_per_second",
		greeter.DefaultReconcileRequestsPerSecond,
	)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", greeter.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.log_level", greeter.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.session_max_age", greeter.DefaultAPISessionMaxAge)
	viper.SetDefault("api.read_timeout", greeter.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		greeter.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", greeter.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", greeter.DefaultIdleTimeout)

	// API: SSL config
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.ssl.tls_min_version", greeter.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", greeter.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", greeter.DefaultCORSAllowHeaders)
	viper.SetDefault(
		"api.cors.expose_headers",
		greeter.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.max_age", greeter.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		greeter.DefaultAPICORSAllowCredentials,
	)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Fatalf("error loading env file %s: %v", configFile, err)
		}
	}

	setDefaults()

	envPrefix := os.Getenv(greeter.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = greeter.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range stringSliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from",
	)
}
