package greeter

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"log/slog"
	"sync"
	"time"
)

const redisCooldownKeyPrefix = "greeter:cooldown:"

// CooldownTracker remembers recent reactions, so repeated reactions
// from the same user on the same message can be ignored.
type CooldownTracker interface {
	RecordReaction(ctx context.Context, messageID, userID string) error

	// IsOnCooldown reports whether a reaction from userID on messageID
	// was recorded within the cooldown window
	IsOnCooldown(ctx context.Context, messageID, userID string) (bool, error)

	// TryRecordReaction records a reaction unless one is already within
	// the window. recorded is false if the reaction is on cooldown. The
	// check and the write are a single atomic step.
	TryRecordReaction(ctx context.Context, messageID, userID string) (recorded bool, err error)

	// Run performs any periodic maintenance until ctx is done
	Run(ctx context.Context)

	Close() error
}

// newCooldownTracker returns a redis-backed tracker if a redis URL is
// configured, otherwise an in-memory tracker
func newCooldownTracker(cfg *CooldownConfig, logger *slog.Logger) (CooldownTracker, error) {
	logger = logger.With(loggerNameKey, "cooldown")
	if cfg.RedisURL == "" {
		return newMemoryCooldown(cfg.Window, cfg.SweepInterval, logger), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cooldown redis url: %w", err)
	}
	return newRedisCooldown(redis.NewClient(opts), cfg.Window, logger), nil
}

// memoryCooldown keeps the last reaction time per message and user
type memoryCooldown struct {
	window        time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	reactions map[string]map[string]time.Time

	now func() time.Time
}

func newMemoryCooldown(
	window time.Duration,
	sweepInterval time.Duration,
	logger *slog.Logger,
) *memoryCooldown {
	if logger == nil {
		logger = slog.Default()
	}
	return &memoryCooldown{
		window:        window,
		sweepInterval: sweepInterval,
		logger:        logger,
		reactions:     map[string]map[string]time.Time{},
		now:           time.Now,
	}
}

func (c *memoryCooldown) RecordReaction(_ context.Context, messageID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	users, ok := c.reactions[messageID]
	if !ok {
		users = map[string]time.Time{}
		c.reactions[messageID] = users
	}
	users[userID] = c.now()
	return nil
}

func (c *memoryCooldown) TryRecordReaction(_ context.Context, messageID, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	users, ok := c.reactions[messageID]
	if !ok {
		users = map[string]time.Time{}
		c.reactions[messageID] = users
	}
	if last, seen := users[userID]; seen && now.Sub(last) < c.window {
		return false, nil
	}
	users[userID] = now
	return true, nil
}

func (c *memoryCooldown) IsOnCooldown(_ context.Context, messageID, userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.reactions[messageID][userID]
	if !ok {
		return false, nil
	}
	return c.now().Sub(last) < c.window, nil
}

// Sweep deletes entries older than the window, returning the number
// of entries removed
func (c *memoryCooldown) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	type entry struct {
		messageID string
		userID    string
	}
	var expired []entry
	for messageID, users := range c.reactions {
		for userID, last := range users {
			if now.Sub(last) >= c.window {
				expired = append(expired, entry{messageID, userID})
			}
		}
	}

	for _, e := range expired {
		delete(c.reactions[e.messageID], e.userID)
		if len(c.reactions[e.messageID]) == 0 {
			delete(c.reactions, e.messageID)
		}
	}
	return len(expired)
}

func (c *memoryCooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, users := range c.reactions {
		n += len(users)
	}
	return n
}

func (c *memoryCooldown) Run(ctx context.Context) {
	if c.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(c.now()); removed > 0 {
				c.logger.DebugContext(ctx, "swept cooldowns", "removed", removed)
			}
		}
	}
}

func (c *memoryCooldown) Close() error {
	return nil
}

// redisCooldown stores one key per message and user, expiring after
// the window
type redisCooldown struct {
	client *redis.Client
	window time.Duration
	logger *slog.Logger
}

func newRedisCooldown(client *redis.Client, window time.Duration, logger *slog.Logger) *redisCooldown {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCooldown{client: client, window: window, logger: logger}
}

func (c *redisCooldown) key(messageID, userID string) string {
	return fmt.Sprintf("%s%s:%s", redisCooldownKeyPrefix, messageID, userID)
}

func (c *redisCooldown) RecordReaction(ctx context.Context, messageID, userID string) error {
	err := c.client.Set(
		ctx,
		c.key(messageID, userID),
		time.Now().UnixMilli(),
		c.window,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record reaction: %w", err)
	}
	return nil
}

func (c *redisCooldown) TryRecordReaction(ctx context.Context, messageID, userID string) (bool, error) {
	recorded, err := c.client.SetNX(
		ctx,
		c.key(messageID, userID),
		time.Now().UnixMilli(),
		c.window,
	).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record reaction: %w", err)
	}
	return recorded, nil
}

func (c *redisCooldown) IsOnCooldown(ctx context.Context, messageID, userID string) (bool, error) {
	exists, err := c.client.Exists(ctx, c.key(messageID, userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check cooldown: %w", err)
	}
	return exists > 0, nil
}

// Run is a no-op, keys expire on their own
func (c *redisCooldown) Run(ctx context.Context) {
	<-ctx.Done()
}

func (c *redisCooldown) Close() error {
	if err := c.client.Close(); err != nil {
		c.logger.Warn("error closing redis client", tint.Err(err))
		return err
	}
	return nil
}

// Ping checks the redis connection
func (c *redisCooldown) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
