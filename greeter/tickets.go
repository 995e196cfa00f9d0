package greeter

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var (
	// invalidChannelMessageTTL is how long the "wrong channel" reply to
	// the ticket text command stays up
	invalidChannelMessageTTL = 10 * time.Second

	ticketNonceLength = 16
)

// ticketView tracks the claim button posted in a member's ticket space
type ticketView struct {
	ownerID   string
	channelID string
	messageID string
	claimed   bool
	timer     *time.Timer
}

// ticketModalResult is sent from the modal submit handler to the
// goroutine waiting on the button interaction
type ticketModalResult struct {
	ticketID string
	handler  InteractionHandler
}

// TicketFlow opens ticket spaces, and handles claims made with the text
// command or the claim button and modal
type TicketFlow struct {
	store    DBI
	session  DiscordSessionHandler
	roles    *RoleGateway
	delivery *Delivery
	guild    *GuildConfig
	config   *TicketConfig
	logger   *slog.Logger

	// baseCtx is used for work scheduled past the triggering event
	baseCtx context.Context

	mu     sync.Mutex
	views  map[string]*ticketView
	modals map[string]chan ticketModalResult
	timers map[*time.Timer]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newTicketFlow(
	ctx context.Context,
	store DBI,
	session DiscordSessionHandler,
	roles *RoleGateway,
	delivery *Delivery,
	cfg *Config,
	logger *slog.Logger,
) *TicketFlow {
	return &TicketFlow{
		store:    store,
		session:  session,
		roles:    roles,
		delivery: delivery,
		guild:    cfg.Guild,
		config:   cfg.Tickets,
		logger:   logger.With(loggerNameKey, "tickets"),
		baseCtx:  ctx,
		views:    map[string]*ticketView{},
		modals:   map[string]chan ticketModalResult{},
		timers:   map[*time.Timer]struct{}{},
	}
}

func (f *TicketFlow) register(d *Dispatcher) {
	d.On(
		EventNewMemberReactedToCoC, func(ctx context.Context, e Event) {
			f.OpenTicketSpace(ctx, e.Member, newMemberTicketMessage)
		},
	)
	d.On(
		EventMemberReactedToTicket, func(ctx context.Context, e Event) {
			f.OpenTicketSpace(ctx, e.Member, askForTicketMessage)
		},
	)
	d.On(
		EventTicketCommand, func(ctx context.Context, e Event) {
			f.OnTicketCommand(ctx, e.Message)
		},
	)
}

// Close cancels pending timers and waits for any already running
func (f *TicketFlow) Close() {
	f.mu.Lock()
	f.closed = true
	for t := range f.timers {
		if t.Stop() {
			f.wg.Done()
		}
		delete(f.timers, t)
	}
	for id := range f.views {
		delete(f.views, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

// schedule runs fn after d, unless the flow is closed first. The
// returned timer is nil if the flow is already closed.
func (f *TicketFlow) schedule(d time.Duration, fn func()) *time.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduleLocked(d, fn)
}

func (f *TicketFlow) scheduleLocked(d time.Duration, fn func()) *time.Timer {
	if f.closed {
		return nil
	}
	f.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(
		d, func() {
			defer f.wg.Done()
			f.mu.Lock()
			delete(f.timers, t)
			f.mu.Unlock()
			fn()
		},
	)
	f.timers[t] = struct{}{}
	return t
}

// unschedule cancels a timer returned by schedule. f.mu must be held.
func (f *TicketFlow) unschedule(t *time.Timer) {
	if t == nil {
		return
	}
	if _, ok := f.timers[t]; !ok {
		return
	}
	delete(f.timers, t)
	if t.Stop() {
		f.wg.Done()
	}
}

func claimButtonComponents(label string, emoji string, style discordgo.ButtonStyle, disabled bool) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    label,
					Style:    style,
					CustomID: claimTicketButtonCustomID,
					Disabled: disabled,
					Emoji:    &discordgo.ComponentEmoji{Name: emoji},
				},
			},
		},
	}
}

// OpenTicketSpace posts the ticket prompt with a claim button in the
// member's ticket space. Members already holding the ticket holder role
// are skipped.
func (f *TicketFlow) OpenTicketSpace(ctx context.Context, member *discordgo.Member, template string) {
	if !f.config.Enabled || member == nil || member.User == nil {
		return
	}
	logger := contextLoggerOr(ctx, f.logger).With(memberLogAttrs(member)...)
	if f.roles.HasRole(ctx, member, f.guild.TicketHolderRoleName) {
		logger.InfoContext(ctx, "member already holds a ticket, not opening ticket space")
		return
	}

	content := render(
		template, map[string]string{
			"name":    member.Mention(),
			"command": f.config.Command,
		},
	)
	msg, err := f.delivery.SendToSpace(
		ctx,
		member,
		SpaceTicket,
		&discordgo.MessageSend{
			Content:    content,
			Components: claimButtonComponents(ticketButtonLabel, claimTicketButtonEmoji, discordgo.PrimaryButton, false),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "unable to open ticket space", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "opened ticket space", "channel_id", msg.ChannelID)
	f.startView(member, msg)
}

func (f *TicketFlow) startView(member *discordgo.Member, msg *discordgo.Message) {
	v := &ticketView{
		ownerID:   member.User.ID,
		channelID: msg.ChannelID,
		messageID: msg.ID,
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.views[msg.ChannelID]; ok {
		f.unschedule(existing.timer)
	}
	v.timer = f.scheduleLocked(
		f.config.ViewTimeout, func() {
			f.expireView(member, v)
		},
	)
	f.views[msg.ChannelID] = v
}

func (f *TicketFlow) view(channelID string) (ticketView, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[channelID]
	if !ok {
		return ticketView{}, false
	}
	return *v, true
}

// expireView disables an unclaimed view's button and removes the
// member's ticket space
func (f *TicketFlow) expireView(member *discordgo.Member, v *ticketView) {
	f.mu.Lock()
	current, ok := f.views[v.channelID]
	if !ok || current != v || v.claimed {
		f.mu.Unlock()
		return
	}
	delete(f.views, v.channelID)
	f.mu.Unlock()

	ctx := f.baseCtx
	logger := f.logger.With(memberLogAttrs(member)...).With("channel_id", v.channelID)
	logger.InfoContext(ctx, "ticket view timed out")

	f.updateButton(ctx, v.channelID, v.messageID, ticketButtonLabel, claimTicketButtonEmoji, discordgo.SecondaryButton, true)
	if err := f.delivery.Retract(ctx, member, SpaceTicket); err != nil {
		logger.ErrorContext(ctx, "unable to remove expired ticket space", tint.Err(err))
	}
}

func (f *TicketFlow) updateButton(
	ctx context.Context,
	channelID string,
	messageID string,
	label string,
	emoji string,
	style discordgo.ButtonStyle,
	disabled bool,
) {
	if messageID == "" {
		return
	}
	components := claimButtonComponents(label, emoji, style, disabled)
	_, err := f.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         messageID,
			Channel:    channelID,
			Components: &components,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil && !isExpectedRESTError(err) {
		contextLoggerOr(ctx, f.logger).WarnContext(
			ctx,
			"unable to update claim button",
			"channel_id", channelID,
			tint.Err(err),
		)
	}
}

// isTicketSpace reports whether ch is a ticket thread (or ticket
// channel, in channel mode)
func (f *TicketFlow) isTicketSpace(ch *discordgo.Channel) bool {
	if ch == nil || !strings.HasPrefix(ch.Name, f.guild.TicketThreadPrefix+"-") {
		return false
	}
	if ch.IsThread() {
		return ch.ParentID == f.guild.TicketChannelID
	}
	return ch.Type == discordgo.ChannelTypeGuildText && ch.ParentID != ""
}

// parseTicketCommand returns the text after the ticket command, and false
// if content isn't a ticket command
func (f *TicketFlow) parseTicketCommand(content string) (string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, f.config.Command) {
		return "", false
	}
	rest := content[len(f.config.Command):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// OnTicketCommand handles '!ticket <id>' sent in a ticket space. Used
// anywhere else, it replies with a short-lived pointer to the ticket
// message.
func (f *TicketFlow) OnTicketCommand(ctx context.Context, m *discordgo.Message) {
	if !f.config.Enabled || m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	raw, ok := f.parseTicketCommand(m.Content)
	if !ok {
		return
	}
	logger := contextLoggerOr(ctx, f.logger).With("user_id", m.Author.ID, "channel_id", m.ChannelID)
	logger.InfoContext(ctx, "received ticket command")

	ch, err := f.session.Channel(m.ChannelID, discordgo.WithContext(ctx))
	if err != nil {
		logger.WarnContext(ctx, "unable to look up channel", tint.Err(err))
	}
	if !f.isTicketSpace(ch) {
		f.replyInvalidChannel(ctx, m.ChannelID)
		return
	}

	var member *discordgo.Member
	if m.Member != nil {
		mem := *m.Member
		mem.User = m.Author
		mem.GuildID = m.GuildID
		member = &mem
	}

	outcome := f.Claim(ctx, member, raw)
	content := f.outcomeMessage(ctx, member, m.ChannelID, outcome)
	if _, err = f.session.ChannelMessageSend(m.ChannelID, content, discordgo.WithContext(ctx)); err != nil {
		logger.ErrorContext(ctx, "unable to reply to ticket command", tint.Err(err))
	}
	if outcome == ClaimOK {
		f.finishClaim(ctx, member, m.ChannelID)
	}
}

func (f *TicketFlow) replyInvalidChannel(ctx context.Context, channelID string) {
	content := render(ticketInvalidChannelMessage, map[string]string{"link": f.guild.TicketMessageLink})
	msg, err := f.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		contextLoggerOr(ctx, f.logger).WarnContext(ctx, "unable to send invalid channel reply", tint.Err(err))
		return
	}
	f.schedule(
		invalidChannelMessageTTL, func() {
			_ = f.session.ChannelMessageDelete(msg.ChannelID, msg.ID, discordgo.WithContext(f.baseCtx))
		},
	)
}

// OnClaimButton answers a click on the claim button with the ticket
// modal, then waits for the modal to be submitted and runs the claim
func (f *TicketFlow) OnClaimButton(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	user := getDiscordUser(i)
	if user == nil {
		return
	}

	v, hasView := f.view(i.ChannelID)
	if hasView && v.ownerID != user.ID {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: render(ticketViewNotOwnerMessage, map[string]string{"name": "<@" + v.ownerID + ">"}),
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	nonce, err := generateRandomHexString(ticketNonceLength)
	if err != nil {
		logger.ErrorContext(ctx, "error generating modal id", tint.Err(err))
		return
	}
	results := make(chan ticketModalResult, 1)
	f.mu.Lock()
	f.modals[nonce] = results
	f.mu.Unlock()

	err = handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: &discordgo.InteractionResponseData{
				CustomID: fmt.Sprintf("%s:%s", ticketModalCustomIDPrefix, nonce),
				Title:    ticketModalTitle,
				Components: []discordgo.MessageComponent{
					discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							discordgo.TextInput{
								CustomID:    ticketModalInputCustomID,
								Label:       ticketModalInputLabel,
								Style:       discordgo.TextInputShort,
								Placeholder: strings.Repeat("0", f.config.IDLength),
								Required:    true,
								MaxLength:   f.config.IDLength + 8,
							},
						},
					},
				},
			},
		},
	)
	if err != nil {
		f.takeModal(nonce)
		return
	}

	result, ok := f.waitForModal(ctx, nonce, results)
	if !ok {
		logger.InfoContext(ctx, "ticket modal timed out")
		return
	}

	outcome := f.Claim(ctx, i.Member, result.ticketID)
	content := f.outcomeMessage(ctx, i.Member, i.ChannelID, outcome)
	_, _ = result.handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
	if outcome.NeedsOrganizer() {
		// ephemeral replies aren't visible to the organizer
		if _, err = f.session.ChannelMessageSend(i.ChannelID, content, discordgo.WithContext(ctx)); err != nil {
			logger.WarnContext(ctx, "unable to post claim result", tint.Err(err))
		}
	}

	messageID := v.messageID
	if i.Message != nil {
		messageID = i.Message.ID
	}
	if outcome == ClaimOK {
		f.updateButton(ctx, i.ChannelID, messageID, ticketButtonClaimedLabel, "✅", discordgo.SuccessButton, true)
		f.finishClaim(ctx, i.Member, i.ChannelID)
	} else {
		f.updateButton(ctx, i.ChannelID, messageID, ticketButtonRetryLabel, "🔄", discordgo.PrimaryButton, false)
	}
}

// waitForModal blocks until the modal with the given nonce is
// submitted, or the modal timeout passes
func (f *TicketFlow) waitForModal(
	ctx context.Context,
	nonce string,
	results chan ticketModalResult,
) (ticketModalResult, bool) {
	timer := time.NewTimer(f.config.ModalTimeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r, true
	case <-timer.C:
	case <-ctx.Done():
	}
	if f.takeModal(nonce) != nil {
		return ticketModalResult{}, false
	}
	// the submit handler took the channel first, and always sends
	return <-results, true
}

func (f *TicketFlow) takeModal(nonce string) chan ticketModalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.modals[nonce]
	if !ok {
		return nil
	}
	delete(f.modals, nonce)
	return ch
}

// modalTicketID returns the ticket ID text input's value
func modalTicketID(data discordgo.ModalSubmitInteractionData) string {
	for _, c := range data.Components {
		row, ok := c.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, inner := range row.Components {
			if input, ok := inner.(*discordgo.TextInput); ok && input.CustomID == ticketModalInputCustomID {
				return input.Value
			}
		}
	}
	return ""
}

// OnModalSubmit acknowledges a submitted ticket modal, and hands its
// value to the goroutine waiting in OnClaimButton. A modal with no
// waiter has expired.
func (f *TicketFlow) OnModalSubmit(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	data := i.ModalSubmitData()
	_, nonce, _ := strings.Cut(data.CustomID, ":")

	results := f.takeModal(nonce)
	if results == nil {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: ticketModalExpiredMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	err := handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		},
	)
	if err != nil {
		handler.Logger().ErrorContext(ctx, "unable to acknowledge ticket modal", tint.Err(err))
	}
	results <- ticketModalResult{ticketID: modalTicketID(data), handler: handler}
}

// Claim validates and performs a ticket claim for member. member is nil
// if the caller isn't a guild member.
func (f *TicketFlow) Claim(ctx context.Context, member *discordgo.Member, raw string) ClaimOutcome {
	ticketID, outcome := PrecheckClaim(member != nil && member.User != nil, raw, f.config.IDLength)
	if outcome != ClaimOK {
		return outcome
	}
	logger := contextLoggerOr(ctx, f.logger).With(memberLogAttrs(member)...).With("ticket_id", ticketID)

	memberID, err := parseSnowflake(member.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "invalid member id", tint.Err(err))
		return ClaimError
	}

	state := ClaimState{
		MemberID:      memberID,
		TicketID:      ticketID,
		HasHolderRole: f.roles.HasRole(ctx, member, f.guild.TicketHolderRoleName),
	}
	dbMember, err := f.store.GetMember(ctx, memberID)
	switch {
	case err == nil:
		state.Reacted = dbMember.Reacted
		state.MemberTicketID = dbMember.TicketID
	case errors.Is(err, ErrMemberNotFound):
	default:
		logger.ErrorContext(ctx, "error getting member", tint.Err(err))
		return ClaimError
	}

	ticket, err := f.store.GetTicket(ctx, ticketID)
	switch {
	case err == nil:
		state.TicketFound = true
		state.ClaimantID = ticket.ClaimantID
	case errors.Is(err, ErrTicketNotFound):
	default:
		logger.ErrorContext(ctx, "error getting ticket", tint.Err(err))
		return ClaimError
	}

	if outcome = EvaluateClaim(state); outcome != ClaimOK {
		logger.InfoContext(ctx, "ticket claim denied", "outcome", outcome.String())
		return outcome
	}

	if _, err = f.store.ClaimTicket(ctx, ticketID, memberID); err != nil {
		outcome = claimErrorOutcome(err)
		if outcome == ClaimError {
			logger.ErrorContext(ctx, "error claiming ticket", tint.Err(err))
		} else {
			logger.InfoContext(ctx, "ticket claim lost a race", "outcome", outcome.String(), tint.Err(err))
		}
		return outcome
	}

	if !f.roles.AssignRole(ctx, member, f.guild.TicketHolderRoleName) {
		if f.config.RollbackClaimOnRoleFailure {
			if err = f.store.ReleaseTicket(ctx, ticketID, memberID); err != nil {
				logger.ErrorContext(ctx, "error releasing ticket", tint.Err(err))
			}
		}
		return ClaimRoleAssignmentFailed
	}
	logger.InfoContext(ctx, "ticket claimed")
	return ClaimOK
}

// claimErrorOutcome maps a [DBI.ClaimTicket] error to an outcome
func claimErrorOutcome(err error) ClaimOutcome {
	switch {
	case errors.Is(err, ErrTicketNotFound):
		return ClaimTicketNotFound
	case errors.Is(err, ErrTicketClaimed):
		return ClaimTicketInUse
	case errors.Is(err, ErrMemberHasTicket):
		return ClaimMemberHasTicket
	case errors.Is(err, ErrMemberNotFound):
		return ClaimCoCNotAccepted
	default:
		return ClaimError
	}
}

// outcomeMessage renders the reply for a claim outcome. Outcomes that
// need an organizer pull one into channelID first.
func (f *TicketFlow) outcomeMessage(
	ctx context.Context,
	member *discordgo.Member,
	channelID string,
	outcome ClaimOutcome,
) string {
	values := map[string]string{
		"link":    f.guild.CoCMessageLink,
		"command": f.config.Command,
	}
	if member != nil && member.User != nil {
		values["name"] = member.Mention()
	}
	if outcome.NeedsOrganizer() {
		values["organizer"] = f.escalate(ctx, channelID)
	}
	return outcome.Message(values)
}

// escalate adds a random (preferably online) organizer to the channel,
// returning a mention of them. If nobody can be added, the organizer
// role is mentioned instead.
func (f *TicketFlow) escalate(ctx context.Context, channelID string) string {
	logger := contextLoggerOr(ctx, f.logger)
	organizer, err := f.roles.PickRandomOnlineHolder(ctx, f.guild.OrganizerRoleName)
	if err != nil {
		logger.WarnContext(ctx, "unable to pick an organizer", tint.Err(err))
		return f.roles.RoleMention(ctx, f.guild.OrganizerRoleName)
	}
	if channelID != "" {
		if err = f.delivery.AddToSpace(ctx, channelID, organizer.User.ID); err != nil {
			logger.WarnContext(
				ctx,
				"unable to add organizer to ticket space",
				"organizer_id", organizer.User.ID,
				tint.Err(err),
			)
			return f.roles.RoleMention(ctx, f.guild.OrganizerRoleName)
		}
	}
	logger.InfoContext(ctx, "added organizer to ticket space", "organizer_id", organizer.User.ID)
	return organizer.Mention()
}

// finishClaim stops the view timer, and removes the member's ticket
// space after the cleanup delay
func (f *TicketFlow) finishClaim(ctx context.Context, member *discordgo.Member, channelID string) {
	f.mu.Lock()
	if v, ok := f.views[channelID]; ok {
		v.claimed = true
		f.unschedule(v.timer)
		delete(f.views, channelID)
	}
	f.mu.Unlock()

	cleanup := func(ctx context.Context) {
		if err := f.delivery.Retract(ctx, member, SpaceTicket); err != nil {
			contextLoggerOr(ctx, f.logger).ErrorContext(ctx, "unable to remove ticket space", tint.Err(err))
		}
	}
	if f.config.CleanupAfter <= 0 {
		cleanup(ctx)
		return
	}
	f.schedule(
		f.config.CleanupAfter, func() {
			cleanup(f.baseCtx)
		},
	)
}
