package greeter

import (
	"strings"
)

// Message templates. Placeholders in braces are filled by render.
const (
	newMemberMessage = "Hey {name}, thanks for joining {guild}! 😊\n\n" +
		"Whenever you find some time, please go through [our Code of Conduct]({link}) " +
		"and react with a thumbs-up (👍) on the message. As soon as you do, I'll give you " +
		"permissions to see all the other channels and join in on the fun!"

	returningMemberMessage = "Hey {name}, we see that you re-joined {guild}! It's great to have you back! 😊\n\n" +
		"You can react with a thumbs-up (👍) to [our Code of Conduct]({link}). " +
		"As soon as you do, I'll give you permissions to see all the other channels " +
		"and join in on the fun!"

	newMemberTicketMessage = "You are officially a member {name}! Do you also happen to have a ticket for the conference? " +
		"Reply with `{command} <order number>` in this chat (you can find the order number in the email you " +
		"received when you bought your ticket) or click the button below to get access to the channels of the event! 😊"

	askForTicketMessage = "Hey {name}, do you happen to have a ticket for the conference? " +
		"Reply with `{command} <order number>` in this chat (you can find the order number in the email you " +
		"received when you bought your ticket) or click the button below to get access to the channels of the event! 😊"

	ticketInvalidChannelMessage = "This command can only be used in your private ticket thread. " +
		"React to [this message]({link}) to get one."

	ticketIDMissingMessage = "Please provide an order ID after `{command}`."

	ticketInvalidIDMessage = "Invalid order ID, please try again."

	ticketNotGuildMemberMessage = "Tickets can only be claimed by members of the server."

	ticketAlreadyHolderMessage = "You have already claimed a ticket! 😊"

	cocNotAcceptedMessage = "You have not accepted the [Code of Conduct]({link}), " +
		"please react with a thumbs-up (👍) on the [message]({link})."

	ticketMemberHasTicketMessage = "You have already claimed a ticket! However, something weird has happened " +
		"and you still don't have the necessary role to join the channels of the event 🤔\n" +
		"{organizer} will contact you soon to resolve the issue!"

	ticketDoubleClaimMessage = "You have already claimed this ticket! 😊"

	ticketNotFoundMessage = "The ticket you provided does not exist! 😓\n" +
		"If we made a mistake, {organizer} will help you out."

	ticketInUseMessage = "This ticket has already been claimed by someone else! 😓\n" +
		"If we made a mistake, {organizer} will help you out."

	ticketRoleAssignmentErrorMessage = "Your ticket was verified, but the participant role could not be assigned " +
		"due to an error. {organizer} will sort it out for you."

	ticketGenericErrorMessage = "We have no idea what exactly went wrong! 😵 " +
		"{organizer} will look into it."

	ticketAcceptedMessage = "Thank you for verifying your ticket {name}! You can now join the channels of the event! 😊 " +
		"(This thread will be automatically deleted soon)"

	ticketModalExpiredMessage = "This form has expired, please click the button again."

	ticketViewNotOwnerMessage = "Only {name} can use this button."

	ticketButtonClaimedLabel = "Ticket claimed!"
	ticketButtonRetryLabel   = "Try again"
	ticketButtonLabel        = "Claim ticket"
	ticketModalTitle         = "Claim your ticket"
	ticketModalInputLabel    = "Order ID"
)

// render replaces each {key} in template with its value
func render(template string, values map[string]string) string {
	if len(values) == 0 {
		return template
	}
	oldnew := make([]string, 0, len(values)*2)
	for k, v := range values {
		oldnew = append(oldnew, "{"+k+"}", v)
	}
	return strings.NewReplacer(oldnew...).Replace(template)
}
