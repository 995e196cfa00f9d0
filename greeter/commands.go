package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

// HealthStatus is reported by the /health command and the /healthz
// endpoint
type HealthStatus struct {
	DiscordConnected bool          `json:"discord_connected"`
	HeartbeatLatency time.Duration `json:"heartbeat_latency"`
	DatabaseOK       bool          `json:"database_ok"`
	DatabaseError    string        `json:"database_error,omitempty"`
	Uptime           time.Duration `json:"uptime"`
	CooldownBackend  string        `json:"cooldown_backend"`
}

func (h HealthStatus) LogValue() slog.Value {
	return structToSlogValue(h)
}

func (h HealthStatus) String() string {
	db := "ok"
	if !h.DatabaseOK {
		db = "unavailable"
		if h.DatabaseError != "" {
			db = fmt.Sprintf("unavailable (%s)", h.DatabaseError)
		}
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Latency: %dms\n", h.HeartbeatLatency.Milliseconds())
	_, _ = fmt.Fprintf(&sb, "Database: %s\n", db)
	_, _ = fmt.Fprintf(&sb, "Uptime: %s", h.Uptime.Truncate(time.Second))
	return sb.String()
}

// AdminCommands handles the administrator slash commands
type AdminCommands struct {
	reconciler *Reconciler
	health     func(ctx context.Context) HealthStatus
	logger     *slog.Logger
}

func newAdminCommands(
	reconciler *Reconciler,
	health func(ctx context.Context) HealthStatus,
	logger *slog.Logger,
) *AdminCommands {
	return &AdminCommands{
		reconciler: reconciler,
		health:     health,
		logger:     logger.With(loggerNameKey, "admin_commands"),
	}
}

func reconcileReportMessage(what string, report ReconcileReport) string {
	return fmt.Sprintf(
		"Synced %s: %d updated, %d skipped, %d failed.",
		what,
		report.Updated,
		report.Skipped,
		report.Failed,
	)
}

func reconcileErrorMessage(what string, report ReconcileReport, err error) string {
	if errors.Is(err, ErrReconcileInProgress) {
		return "A sync is already running, try again once it's done."
	}
	return fmt.Sprintf(
		"Error syncing %s after %d updated, %d skipped, %d failed: %s",
		what,
		report.Updated,
		report.Skipped,
		report.Failed,
		err.Error(),
	)
}

// handleCommand acknowledges the command with a deferred ephemeral
// response, runs it, then edits the response with the result
func (a *AdminCommands) handleCommand(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	data := i.ApplicationCommandData()
	logger := handler.Logger().With("command", data.Name)

	var run func(ctx context.Context) string
	switch data.Name {
	case commandHealth:
		run = func(ctx context.Context) string {
			return a.health(ctx).String()
		}
	case commandSyncCoCReactions:
		run = func(ctx context.Context) string {
			report, err := a.reconciler.SyncCoCReactions(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "error syncing reactions", tint.Err(err))
				return reconcileErrorMessage("code of conduct reactions", report, err)
			}
			return reconcileReportMessage("code of conduct reactions", report)
		}
	case commandSyncMemberRole:
		run = func(ctx context.Context) string {
			report, err := a.reconciler.SyncMemberRole(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "error syncing member role", tint.Err(err))
				return reconcileErrorMessage("member role", report, err)
			}
			return reconcileReportMessage("member role", report)
		}
	default:
		logger.WarnContext(ctx, "unknown command")
		return
	}

	err := handler.Respond(
		ctx,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		},
	)
	if err != nil {
		return
	}

	content := run(ctx)
	logger.InfoContext(ctx, "ran command", "result", content)
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}
