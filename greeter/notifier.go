package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	postgresNotifyChannelStop     = "greeter_stop"
	postgresNotifyChannelCooldown = "greeter_cooldown"

	notifyIDLength = 16
)

var (
	recordSeparator = string(rune(30))

	// listenRetryInterval is how long to wait before retrying after an
	// error waiting on a LISTEN connection
	listenRetryInterval = 5 * time.Second
)

// DBNotifier lets bot instances sharing a database signal each other
type DBNotifier interface {
	CooldownChannelName() string

	// ReactionRecorded tells other instances that a reaction was
	// accepted, so they apply the same cooldown
	ReactionRecorded(ctx context.Context, messageID string, userID string) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bots
	Stop(ctx context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string

	// Listen blocks, handling notifications on channel until ctx is done
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(
	databaseType string,
	database string,
	db DBI,
	cooldown CooldownTracker,
	signalStop chan struct{},
	logger *slog.Logger,
) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(notifyIDLength)
	if err != nil {
		return nil, err
	}
	logger = logger.With(loggerNameKey, "db_notifier")
	switch databaseType {
	case dbTypeSQLite:
		return &sqliteNotifier{
			logger:     logger,
			signalStop: signalStop,
			notifyID:   notifyID,
		}, nil
	case dbTypePostgres:
		return &postgresNotifier{
			logger:     logger,
			db:         db,
			dsn:        database,
			cooldown:   cooldown,
			signalStop: signalStop,
			notifyID:   notifyID,
		}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// sqliteNotifier is used when there can only be one instance, so
// there's nobody else to notify
type sqliteNotifier struct {
	logger     *slog.Logger
	signalStop chan struct{}
	notifyID   string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

func (sqliteNotifier) CooldownChannelName() string {
	return ""
}

func (s *sqliteNotifier) ReactionRecorded(_ context.Context, _ string, _ string) bool {
	return true
}

func (s *sqliteNotifier) ID() string {
	return s.notifyID
}

type postgresNotifier struct {
	logger     *slog.Logger
	db         DBI
	dsn        string
	cooldown   CooldownTracker
	signalStop chan struct{}
	notifyID   string
}

func (postgresNotifier) CooldownChannelName() string {
	return postgresNotifyChannelCooldown
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ID() string {
	return p.notifyID
}

func (p *postgresNotifier) notify(ctx context.Context, channel string, payload string) error {
	return p.db.DB().WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, payload).Error
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	if err := p.notify(ctx, p.StopChannelName(), p.ID()); err != nil {
		p.logger.ErrorContext(ctx, "error sending NOTIFY to stop bot", tint.Err(err))
		return false
	}
	p.logger.InfoContext(ctx, "sent stop signal", "notify_id", p.ID())
	// NOTIFY payloads from ourselves are ignored, so stop this instance
	// directly
	select {
	case p.signalStop <- struct{}{}:
	case <-ctx.Done():
		p.logger.Warn("timeout sending stop signal")
	}
	return true
}

func (p *postgresNotifier) ReactionRecorded(ctx context.Context, messageID string, userID string) bool {
	msg := newReactionNotificationMessage(p.ID(), messageID, userID)
	if err := p.notify(ctx, p.CooldownChannelName(), msg); err != nil {
		p.logger.ErrorContext(ctx, "error sending reaction NOTIFY", tint.Err(err))
		return false
	}
	return true
}

func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		p.logger.ErrorContext(ctx, "error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel)); err != nil {
		p.logger.ErrorContext(ctx, "error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(e))
			select {
			case <-ctx.Done():
			case <-time.After(listenRetryInterval):
			}
			continue
		}

		switch notification.Channel {
		case p.StopChannelName():
			if notification.Payload == p.ID() {
				continue
			}
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		case p.CooldownChannelName():
			notifierID, messageID, userID := parseReactionNotification(notification.Payload)
			if notifierID == p.ID() || messageID == "" || userID == "" {
				continue
			}
			if err = p.cooldown.RecordReaction(ctx, messageID, userID); err != nil {
				logger.WarnContext(ctx, "error recording remote reaction", tint.Err(err))
			}
		default:
			logger.Warn("received unknown notification", "channel", notification.Channel)
		}
	}

	return nil
}

func newReactionNotificationMessage(notifierID string, messageID string, userID string) string {
	return strings.Join([]string{notifierID, messageID, userID}, recordSeparator)
}

func parseReactionNotification(s string) (notifierID, messageID, userID string) {
	parts := strings.SplitN(s, recordSeparator, 3)
	if len(parts) != 3 {
		return "", "", ""
	}
	return parts[0], parts[1], parts[2]
}
