package greeter

// ClaimOutcome is the result of a ticket claim attempt. Every outcome
// other than ClaimOK maps to one user-facing rejection message.
type ClaimOutcome int

const (
	ClaimOK ClaimOutcome = iota
	ClaimNotGuildMember
	ClaimMissingID
	ClaimInvalidID
	ClaimAlreadyHolder
	ClaimCoCNotAccepted
	ClaimMemberHasTicket
	ClaimDoubleClaim
	ClaimTicketNotFound
	ClaimTicketInUse
	ClaimRoleAssignmentFailed
	ClaimError
)

var claimOutcomeNames = map[ClaimOutcome]string{
	ClaimOK:                   "ok",
	ClaimNotGuildMember:       "not_guild_member",
	ClaimMissingID:            "missing_id",
	ClaimInvalidID:            "invalid_id",
	ClaimAlreadyHolder:        "already_holder",
	ClaimCoCNotAccepted:       "coc_not_accepted",
	ClaimMemberHasTicket:      "member_has_ticket",
	ClaimDoubleClaim:          "double_claim",
	ClaimTicketNotFound:       "ticket_not_found",
	ClaimTicketInUse:          "ticket_in_use",
	ClaimRoleAssignmentFailed: "role_assignment_failed",
	ClaimError:                "error",
}

var claimOutcomeTemplates = map[ClaimOutcome]string{
	ClaimOK:                   ticketAcceptedMessage,
	ClaimNotGuildMember:       ticketNotGuildMemberMessage,
	ClaimMissingID:            ticketIDMissingMessage,
	ClaimInvalidID:            ticketInvalidIDMessage,
	ClaimAlreadyHolder:        ticketAlreadyHolderMessage,
	ClaimCoCNotAccepted:       cocNotAcceptedMessage,
	ClaimMemberHasTicket:      ticketMemberHasTicketMessage,
	ClaimDoubleClaim:          ticketDoubleClaimMessage,
	ClaimTicketNotFound:       ticketNotFoundMessage,
	ClaimTicketInUse:          ticketInUseMessage,
	ClaimRoleAssignmentFailed: ticketRoleAssignmentErrorMessage,
	ClaimError:                ticketGenericErrorMessage,
}

func (o ClaimOutcome) String() string {
	if s, ok := claimOutcomeNames[o]; ok {
		return s
	}
	return "unknown"
}

// NeedsOrganizer reports whether an organizer should be pulled into
// the member's thread to resolve the claim
func (o ClaimOutcome) NeedsOrganizer() bool {
	switch o {
	case ClaimMemberHasTicket,
		ClaimTicketNotFound,
		ClaimTicketInUse,
		ClaimRoleAssignmentFailed,
		ClaimError:
		return true
	default:
		return false
	}
}

// Message renders the outcome's user-facing message. Recognized keys
// are name, link, command and organizer.
func (o ClaimOutcome) Message(values map[string]string) string {
	tmpl, ok := claimOutcomeTemplates[o]
	if !ok {
		tmpl = ticketGenericErrorMessage
	}
	return render(tmpl, values)
}

// PrecheckClaim runs the checks that don't need the store: the caller
// must be a guild member, and the sanitized ID must be exactly
// idLength digits. It returns the sanitized ticket ID.
func PrecheckClaim(isGuildMember bool, raw string, idLength int) (string, ClaimOutcome) {
	if !isGuildMember {
		return "", ClaimNotGuildMember
	}
	ticketID := SanitizeTicketID(raw)
	if ticketID == "" {
		return "", ClaimMissingID
	}
	if !isValidTicketID(ticketID, idLength) {
		return ticketID, ClaimInvalidID
	}
	return ticketID, ClaimOK
}

// ClaimState is what's known about a claim attempt after reading the
// member's roles, their Member row, and the requested Ticket row
type ClaimState struct {
	MemberID int64
	TicketID string

	HasHolderRole bool

	// Reacted is false if the member has no row
	Reacted bool

	// MemberTicketID is the ticket the member already holds, if any
	MemberTicketID *string

	TicketFound bool
	ClaimantID  *int64
}

// EvaluateClaim applies the store-backed checks, in order, to a claim
// that already passed PrecheckClaim
func EvaluateClaim(s ClaimState) ClaimOutcome {
	if s.HasHolderRole {
		return ClaimAlreadyHolder
	}
	if !s.Reacted {
		return ClaimCoCNotAccepted
	}
	if s.MemberTicketID != nil {
		if *s.MemberTicketID == s.TicketID {
			return ClaimDoubleClaim
		}
		return ClaimMemberHasTicket
	}
	if !s.TicketFound {
		return ClaimTicketNotFound
	}
	if s.ClaimantID != nil {
		if *s.ClaimantID == s.MemberID {
			return ClaimDoubleClaim
		}
		return ClaimTicketInUse
	}
	return ClaimOK
}
