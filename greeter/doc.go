// Package greeter implements a Discord bot that onboards new members of a
// single community guild.
//
// When a member joins, they're sent a welcome message pointing at the
// code of conduct. Reacting to the code of conduct message with an
// accepted emoji grants the member role. Members who can't receive direct
// messages get a private thread (or channel) instead, which is removed
// once they've accepted.
//
// Key components of the package include:
//
//   - Greeter: owns the lifecycle of everything below.
//   - Discord: the gateway session, slash command registration and
//     event dispatch.
//   - DBI: the member, ticket and admin credential store (SQLite or
//     PostgreSQL via gorm).
//   - Reconciler: bulk syncs which repair membership state after
//     downtime.
//   - API: an authenticated admin HTTP API.
//
// Conference ticket holders can optionally claim their ticket in a
// private ticket thread, either with a text command or a button and
// modal, which grants the ticket holder role. Claims that can't be
// completed automatically are escalated to an online organizer.
package greeter
