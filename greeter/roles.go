package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	lru "github.com/hashicorp/golang-lru"
	"github.com/lmittmann/tint"
	"log/slog"
	"math/rand/v2"
	"slices"
)

const (
	roleCacheSize         = 64
	guildMembersPageLimit = 1000
)

var (
	ErrRoleNotFound = errors.New("role not found")
	ErrEmptyRole    = errors.New("no members hold this role")
)

// RoleGateway resolves roles by name and grants them. Errors from discord
// are logged and reported as false, never propagated.
type RoleGateway struct {
	session DiscordSessionHandler
	guildID string
	logger  *slog.Logger

	// role name -> *discordgo.Role
	cache *lru.Cache
}

func newRoleGateway(
	session DiscordSessionHandler,
	guildID string,
	logger *slog.Logger,
) (*RoleGateway, error) {
	cache, err := lru.New(roleCacheSize)
	if err != nil {
		return nil, err
	}
	return &RoleGateway{
		session: session,
		guildID: guildID,
		logger:  logger.With(loggerNameKey, "roles"),
		cache:   cache,
	}, nil
}

// Role returns the guild role with the given name. A cache miss lists
// all guild roles and caches each of them.
func (r *RoleGateway) Role(ctx context.Context, name string) (*discordgo.Role, error) {
	if v, ok := r.cache.Get(name); ok {
		return v.(*discordgo.Role), nil
	}

	roles, err := r.session.GuildRoles(r.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("error listing roles: %w", err)
	}
	var found *discordgo.Role
	for _, role := range roles {
		r.cache.Add(role.Name, role)
		if role.Name == name {
			found = role
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return found, nil
}

// Forget drops a cached role, ex: after it's been deleted
func (r *RoleGateway) Forget(name string) {
	r.cache.Remove(name)
}

// AssignRole grants the named role to the member with the given user ID.
// It returns true if the member holds the role when it returns.
func (r *RoleGateway) AssignRole(ctx context.Context, member *discordgo.Member, roleName string) bool {
	logger := contextLoggerOr(ctx, r.logger).With(memberLogAttrs(member)...).With("role", roleName)

	if member == nil || member.User == nil {
		logger.WarnContext(ctx, "can't assign role without a member")
		return false
	}

	role, err := r.Role(ctx, roleName)
	if err != nil {
		logger.ErrorContext(ctx, "unable to resolve role", tint.Err(err))
		return false
	}
	if slices.Contains(member.Roles, role.ID) {
		logger.DebugContext(ctx, "member already has role")
		return true
	}

	err = r.session.GuildMemberRoleAdd(
		r.guildID,
		member.User.ID,
		role.ID,
		discordgo.WithContext(ctx),
	)
	switch {
	case err == nil:
		member.Roles = append(member.Roles, role.ID)
		logger.InfoContext(ctx, "assigned role")
		return true
	case isExpectedRESTError(err):
		logger.WarnContext(ctx, "not permitted to assign role", tint.Err(err))
		return false
	default:
		logger.ErrorContext(ctx, "error assigning role", tint.Err(err))
		return false
	}
}

// HasRole reports whether the member holds the named role. An unknown
// role is never held.
func (r *RoleGateway) HasRole(ctx context.Context, member *discordgo.Member, roleName string) bool {
	if member == nil {
		return false
	}
	role, err := r.Role(ctx, roleName)
	if err != nil {
		if !errors.Is(err, ErrRoleNotFound) {
			contextLoggerOr(ctx, r.logger).WarnContext(
				ctx,
				"unable to resolve role",
				"role", roleName,
				tint.Err(err),
			)
		}
		return false
	}
	return slices.Contains(member.Roles, role.ID)
}

// RoleMention returns a mention for the named role, or '@name' if the
// role can't be resolved
func (r *RoleGateway) RoleMention(ctx context.Context, roleName string) string {
	role, err := r.Role(ctx, roleName)
	if err != nil {
		return "@" + roleName
	}
	return role.Mention()
}

// Holders pages through all guild members and returns those holding
// the named role
func (r *RoleGateway) Holders(ctx context.Context, roleName string) ([]*discordgo.Member, error) {
	role, err := r.Role(ctx, roleName)
	if err != nil {
		return nil, err
	}

	var holders []*discordgo.Member
	after := ""
	for {
		page, err := r.session.GuildMembers(
			r.guildID,
			after,
			guildMembersPageLimit,
			discordgo.WithContext(ctx),
		)
		if err != nil {
			return nil, fmt.Errorf("error listing guild members: %w", err)
		}
		for _, m := range page {
			if m.User != nil && slices.Contains(m.Roles, role.ID) {
				holders = append(holders, m)
			}
		}
		if len(page) < guildMembersPageLimit || page[len(page)-1].User == nil {
			return holders, nil
		}
		after = page[len(page)-1].User.ID
	}
}

// PickRandomOnlineHolder returns a random member holding the named role,
// preferring members whose presence is online
func (r *RoleGateway) PickRandomOnlineHolder(ctx context.Context, roleName string) (
	*discordgo.Member,
	error,
) {
	holders, err := r.Holders(ctx, roleName)
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRole, roleName)
	}

	var online []*discordgo.Member
	for _, m := range holders {
		p, err := r.session.Presence(r.guildID, m.User.ID)
		if err == nil && p != nil && p.Status == discordgo.StatusOnline {
			online = append(online, m)
		}
	}
	if len(online) > 0 {
		return online[rand.IntN(len(online))], nil
	}
	return holders[rand.IntN(len(holders))], nil
}
