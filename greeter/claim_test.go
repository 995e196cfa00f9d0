package greeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrecheckClaim(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		isGuildMember bool
		raw           string
		wantID        string
		want          ClaimOutcome
	}{
		{"not a member", false, "1234567890", "", ClaimNotGuildMember},
		{"not a member with bad id", false, "abc", "", ClaimNotGuildMember},
		{"missing", true, "", "", ClaimMissingID},
		{"only hash", true, " # ", "", ClaimMissingID},
		{"too short", true, "12345", "12345", ClaimInvalidID},
		{"letters", true, "12345abcde", "12345abcde", ClaimInvalidID},
		{"valid", true, "1234567890", "1234567890", ClaimOK},
		{"valid with hash", true, "#1234567890", "1234567890", ClaimOK},
		{"valid with whitespace", true, "  1234567890 ", "1234567890", ClaimOK},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				id, outcome := PrecheckClaim(tc.isGuildMember, tc.raw, 10)
				assert.Equal(t, tc.want, outcome, outcome.String())
				assert.Equal(t, tc.wantID, id)
			},
		)
	}
}

func TestEvaluateClaim(t *testing.T) {
	t.Parallel()
	const ticketID = "1234567890"
	other := "0987654321"
	same := ticketID
	var memberID int64 = 10
	var otherMemberID int64 = 20

	valid := ClaimState{
		MemberID:    memberID,
		TicketID:    ticketID,
		Reacted:     true,
		TicketFound: true,
	}

	tests := []struct {
		name   string
		mutate func(s *ClaimState)
		want   ClaimOutcome
	}{
		{"ok", func(s *ClaimState) {}, ClaimOK},
		{
			"holder role checked before reaction", func(s *ClaimState) {
				s.HasHolderRole = true
				s.Reacted = false
			}, ClaimAlreadyHolder,
		},
		{
			"not reacted checked before ticket lookup", func(s *ClaimState) {
				s.Reacted = false
				s.TicketFound = false
			}, ClaimCoCNotAccepted,
		},
		{
			"member has other ticket", func(s *ClaimState) {
				s.MemberTicketID = &other
			}, ClaimMemberHasTicket,
		},
		{
			"member has this ticket", func(s *ClaimState) {
				s.MemberTicketID = &same
				s.ClaimantID = &memberID
			}, ClaimDoubleClaim,
		},
		{
			"ticket not found", func(s *ClaimState) {
				s.TicketFound = false
			}, ClaimTicketNotFound,
		},
		{
			"ticket claimed by other", func(s *ClaimState) {
				s.ClaimantID = &otherMemberID
			}, ClaimTicketInUse,
		},
		{
			"ticket claimed by self without member link", func(s *ClaimState) {
				s.ClaimantID = &memberID
			}, ClaimDoubleClaim,
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				s := valid
				tc.mutate(&s)
				got := EvaluateClaim(s)
				assert.Equal(t, tc.want, got, "got %s", got)
			},
		)
	}
}

func TestClaimOutcome_NeedsOrganizer(t *testing.T) {
	t.Parallel()
	needs := []ClaimOutcome{
		ClaimMemberHasTicket,
		ClaimTicketNotFound,
		ClaimTicketInUse,
		ClaimRoleAssignmentFailed,
		ClaimError,
	}
	for outcome := range claimOutcomeNames {
		expected := false
		for _, n := range needs {
			if n == outcome {
				expected = true
			}
		}
		assert.Equal(t, expected, outcome.NeedsOrganizer(), outcome.String())
	}
}

func TestClaimOutcome_Message(t *testing.T) {
	t.Parallel()
	values := map[string]string{
		"name":      "<@1>",
		"organizer": "<@2>",
		"link":      "https://discord.com/channels/1/2/3",
		"command":   "!ticket",
	}
	seen := map[string]ClaimOutcome{}
	for outcome := range claimOutcomeNames {
		msg := outcome.Message(values)
		assert.NotEmpty(t, msg)
		assert.NotContains(t, msg, "{", outcome.String())
		if prev, dup := seen[msg]; dup {
			t.Errorf("%s and %s share a message", prev, outcome)
		}
		seen[msg] = outcome
	}
	assert.Contains(t, ClaimTicketInUse.Message(values), "<@2>")
	assert.Contains(t, ClaimOK.Message(values), "<@1>")
	assert.Equal(t, "unknown", ClaimOutcome(999).String())
}
