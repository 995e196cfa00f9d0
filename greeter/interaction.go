package greeter

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
)

// InteractionHandler wraps an interaction and the ways to respond to it
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// GetResponse retrieves the current response for an interaction.
	GetResponse(ctx context.Context) (*discordgo.Message, error)

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      logger.With(slog.Group("interaction", interactionLogAttrs(i)...)),
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetResponse(ctx context.Context) (
	*discordgo.Message,
	error,
) {
	msg, err := w.session.InteractionResponse(
		w.interaction.Interaction,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error getting interaction", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		append(opts, discordgo.WithContext(ctx))...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		append(opts, discordgo.WithContext(ctx))...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func interactionLogAttrs(i *discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	return logAttrs
}

// interactionRouter sends each interaction to the ticket flow or the
// admin commands
type interactionRouter struct {
	tickets *TicketFlow
	admin   *AdminCommands
	guildID string
}

// handleInteraction processes an incoming interaction:
//   - InteractionPing: responds with a pong
//   - InteractionApplicationCommand: the admin slash commands
//   - InteractionMessageComponent: the claim ticket button
//   - InteractionModalSubmit: the ticket modal
func (r *interactionRouter) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	user := getDiscordUser(i)
	if user == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	logger.InfoContext(ctx, "received interaction", "user_id", user.ID, "username", user.Username)
	if user.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong})
	case discordgo.InteractionApplicationCommand:
		if r.guildID != "" && i.GuildID != r.guildID {
			logger.WarnContext(ctx, "ignoring command from another guild")
			return
		}
		r.admin.handleCommand(ctx, handler)
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		if customID != claimTicketButtonCustomID || r.tickets == nil {
			logger.WarnContext(ctx, "unknown component", "custom_id", customID)
			return
		}
		r.tickets.OnClaimButton(ctx, handler)
	case discordgo.InteractionModalSubmit:
		customID := i.ModalSubmitData().CustomID
		if !strings.HasPrefix(customID, ticketModalCustomIDPrefix+":") || r.tickets == nil {
			logger.WarnContext(ctx, "unknown modal", "custom_id", customID)
			return
		}
		r.tickets.OnModalSubmit(ctx, handler)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}
