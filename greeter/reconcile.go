package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"log/slog"
	"slices"
	"sync"
	"time"
)

const messageReactionsPageLimit = 100

var ErrReconcileInProgress = errors.New("a sync is already running")

// ReconcileReport counts what a sync did. Skipped covers bots and
// members who were already marked as accepted.
type ReconcileReport struct {
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (r ReconcileReport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("updated", r.Updated),
		slog.Int("skipped", r.Skipped),
		slog.Int("failed", r.Failed),
	)
}

// Reconciler backfills the stored 'reacted' flag from state on discord,
// for reactions or roles the bot missed while it was offline
type Reconciler struct {
	store   DBI
	session DiscordSessionHandler
	roles   *RoleGateway
	guild   *GuildConfig
	guildID string
	config  *ReconcileConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	// one sync at a time
	running sync.Mutex
}

func newReconciler(
	store DBI,
	session DiscordSessionHandler,
	roles *RoleGateway,
	cfg *Config,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:   store,
		session: session,
		roles:   roles,
		guild:   cfg.Guild,
		guildID: cfg.Discord.GuildID,
		config:  cfg.Reconcile,
		limiter: rate.NewLimiter(rate.Limit(cfg.Reconcile.RequestsPerSecond), 1),
		logger:  logger.With(loggerNameKey, "reconcile"),
	}
}

// reactionUsers returns everyone who reacted to the message with the
// given emoji, paging by messageReactionsPageLimit
func (r *Reconciler) reactionUsers(
	ctx context.Context,
	channelID string,
	messageID string,
	emoji string,
) ([]*discordgo.User, error) {
	var users []*discordgo.User
	after := ""
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return users, err
		}
		page, err := r.session.MessageReactions(
			channelID,
			messageID,
			emoji,
			messageReactionsPageLimit,
			"",
			after,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return users, fmt.Errorf("error listing %q reactions: %w", emoji, err)
		}
		users = append(users, page...)
		if len(page) < messageReactionsPageLimit {
			return users, nil
		}
		after = page[len(page)-1].ID
	}
}

// SyncCoCReactions marks everyone who reacted to the code of conduct
// message with an accepted emoji as having accepted it
func (r *Reconciler) SyncCoCReactions(ctx context.Context) (ReconcileReport, error) {
	if !r.running.TryLock() {
		return ReconcileReport{}, ErrReconcileInProgress
	}
	defer r.running.Unlock()

	logger := contextLoggerOr(ctx, r.logger).With("sync", commandSyncCoCReactions)

	perEmoji := make([][]*discordgo.User, len(r.guild.AcceptableEmojis))
	g, gctx := errgroup.WithContext(ctx)
	for i, emoji := range r.guild.AcceptableEmojis {
		g.Go(
			func() error {
				users, err := r.reactionUsers(gctx, r.guild.CoCChannelID, r.guild.CoCMessageID, emoji)
				perEmoji[i] = users
				return err
			},
		)
	}
	if err := g.Wait(); err != nil {
		logger.ErrorContext(ctx, "error fetching reactions", tint.Err(err))
		return ReconcileReport{}, err
	}

	seen := map[string]struct{}{}
	var users []*discordgo.User
	for _, page := range perEmoji {
		for _, u := range page {
			if u == nil {
				continue
			}
			if _, ok := seen[u.ID]; ok {
				continue
			}
			seen[u.ID] = struct{}{}
			users = append(users, u)
		}
	}
	logger.InfoContext(ctx, "fetched reactions", "users", len(users))

	ids := make([]string, 0, len(users))
	report := ReconcileReport{}
	for _, u := range users {
		if u.Bot {
			report.Skipped++
			continue
		}
		ids = append(ids, u.ID)
	}

	report, err := r.markReacted(ctx, logger, report, ids)
	logger.InfoContext(ctx, "finished syncing reactions", "report", report)
	return report, err
}

// SyncMemberRole marks everyone who holds the member role as having
// accepted the code of conduct
func (r *Reconciler) SyncMemberRole(ctx context.Context) (ReconcileReport, error) {
	if !r.running.TryLock() {
		return ReconcileReport{}, ErrReconcileInProgress
	}
	defer r.running.Unlock()

	logger := contextLoggerOr(ctx, r.logger).With("sync", commandSyncMemberRole)

	if err := r.limiter.Wait(ctx); err != nil {
		return ReconcileReport{}, err
	}
	holders, err := r.roles.Holders(ctx, r.guild.MemberRoleName)
	if err != nil {
		logger.ErrorContext(ctx, "error listing role holders", tint.Err(err))
		return ReconcileReport{}, err
	}
	logger.InfoContext(ctx, "fetched role holders", "members", len(holders))

	report := ReconcileReport{}
	ids := make([]string, 0, len(holders))
	for _, m := range holders {
		if m.User.Bot {
			report.Skipped++
			continue
		}
		ids = append(ids, m.User.ID)
	}
	report, err = r.markReacted(ctx, logger, report, ids)
	logger.InfoContext(ctx, "finished syncing member role", "report", report)
	return report, err
}

// markReacted gets-or-creates and marks each user as having reacted,
// pausing between batches
func (r *Reconciler) markReacted(
	ctx context.Context,
	logger *slog.Logger,
	report ReconcileReport,
	userIDs []string,
) (ReconcileReport, error) {
	slices.Sort(userIDs)
	batches := chunkItems(r.config.BatchSize, userIDs...)
	for n, batch := range batches {
		for _, userID := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			memberID, err := parseSnowflake(userID)
			if err != nil {
				logger.WarnContext(ctx, "skipping invalid user id", "user_id", userID, tint.Err(err))
				report.Failed++
				continue
			}
			if _, _, err = r.store.GetOrCreateMember(ctx, memberID); err != nil {
				logger.ErrorContext(ctx, "error recording member", "user_id", userID, tint.Err(err))
				report.Failed++
				continue
			}
			changed, err := r.store.MarkReacted(ctx, memberID)
			switch {
			case err != nil:
				logger.ErrorContext(ctx, "error updating reacted", "user_id", userID, tint.Err(err))
				report.Failed++
			case changed:
				report.Updated++
			default:
				report.Skipped++
			}
		}
		if n < len(batches)-1 && r.config.BatchPause > 0 {
			logger.DebugContext(ctx, "pausing between batches", "batch", n+1, "batches", len(batches))
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(r.config.BatchPause):
			}
		}
	}
	return report, nil
}
