package greeter

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"runtime/debug"
	"sync"
)

// EventName identifies an event in the dispatch table. Gateway events
// and the internal events derived from them share one namespace.
type EventName string

const (
	EventMemberJoin            EventName = "member_join"
	EventMemberRemove          EventName = "member_remove"
	EventRawReactionAdd        EventName = "raw_reaction_add"
	EventMemberReactedToCoC    EventName = "member_reacted_to_coc"
	EventMemberReactedToTicket EventName = "member_reacted_to_ticket"
	EventNewMemberReactedToCoC EventName = "new_member_reacted_to_coc"
	EventTicketCommand         EventName = "ticket_command"
)

// Event carries whichever payload its handler needs. Member is set for
// membership events, Reaction for raw reactions and Message for text
// commands.
type Event struct {
	Name     EventName
	Member   *discordgo.Member
	Reaction *discordgo.MessageReaction
	Message  *discordgo.Message
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("name", string(e.Name))}
	if e.Member != nil && e.Member.User != nil {
		attrs = append(attrs, slog.String("user_id", e.Member.User.ID))
	}
	if e.Reaction != nil {
		attrs = append(
			attrs,
			slog.String("message_id", e.Reaction.MessageID),
			slog.String("user_id", e.Reaction.UserID),
			slog.String("emoji", e.Reaction.Emoji.Name),
		)
	}
	if e.Message != nil {
		attrs = append(attrs, slog.String("message_id", e.Message.ID))
	}
	return slog.GroupValue(attrs...)
}

type EventHandler func(ctx context.Context, e Event)

// Dispatcher maps event names to an ordered list of handlers. The
// table is built at startup, before any events are dispatched.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventName][]EventHandler
	logger   *slog.Logger
}

func newDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: map[EventName][]EventHandler{},
		logger:   logger.With(loggerNameKey, "dispatcher"),
	}
}

// On appends a handler for the named event
func (d *Dispatcher) On(name EventName, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], handler)
}

// Handlers returns the number of handlers registered for name
func (d *Dispatcher) Handlers(name EventName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

// Dispatch runs every handler registered for the event, in registration
// order, on the calling goroutine. A panicking handler is logged and
// doesn't stop the remaining handlers.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) {
	d.mu.RLock()
	handlers := d.handlers[e.Name]
	d.mu.RUnlock()

	logger := contextLoggerOr(ctx, d.logger)
	if len(handlers) == 0 {
		logger.DebugContext(ctx, "no handlers for event", "event", e)
		return
	}
	logger.DebugContext(ctx, "dispatching event", "event", e, "handlers", len(handlers))
	for _, h := range handlers {
		d.run(ctx, logger, h, e)
	}
}

func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, h EventHandler, e Event) {
	defer func() {
		if rc := recover(); rc != nil {
			logger.ErrorContext(
				ctx,
				fmt.Sprintf("recovered from panic in %s handler: %+v", e.Name, rc),
				"event", e,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(ctx, e)
}
