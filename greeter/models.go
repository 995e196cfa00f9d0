package greeter

import (
	"log/slog"
)

const (
	columnMemberDMSent   = "dm_sent"
	columnMemberReacted  = "reacted"
	columnMemberTicketID = "ticket_id"

	columnTicketClaimantID = "claimant_id"
	columnTicketClaimedAt  = "claimed_at"

	columnAdminUsername = "username"
)

// ModelUnixTime is an embeddable model with Unix millisecond timestamps
// for creation and update.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// Member is the persisted onboarding state of a guild member, keyed
// by their discord user ID.
//
// A member's row is never deleted when they leave the guild, so a
// returning member is recognized and not greeted twice.
type Member struct {
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	ModelUnixTime

	// DMSent is set once the welcome message has been delivered,
	// by DM or in a private space
	DMSent bool `gorm:"not null;default:false" json:"dm_sent"`

	// Reacted is set once the member has accepted the code of conduct
	Reacted bool `gorm:"not null;default:false" json:"reacted"`

	// TicketID is the conference ticket this member has claimed, if any
	TicketID *string `gorm:"uniqueIndex;size:32" json:"ticket_id,omitempty"`
}

func (m Member) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("id", m.ID),
		slog.Bool(columnMemberDMSent, m.DMSent),
		slog.Bool(columnMemberReacted, m.Reacted),
	}
	if m.TicketID != nil {
		attrs = append(attrs, slog.String(columnMemberTicketID, *m.TicketID))
	}
	return slog.GroupValue(attrs...)
}

// Ticket is a conference ticket ID, imported ahead of time, which can
// be claimed by at most one member.
type Ticket struct {
	ID string `gorm:"primaryKey;size:32" json:"id"`
	ModelUnixTime

	// ClaimantID is the member who claimed this ticket. A member
	// holding this ticket will also have Member.TicketID set to ID.
	ClaimantID *int64 `gorm:"index" json:"claimant_id,string,omitempty"`

	// ClaimedAt is the unix millisecond timestamp of the claim
	ClaimedAt *int64 `json:"claimed_at,omitempty"`
}

func (t Ticket) Claimed() bool {
	return t.ClaimantID != nil
}

func (t Ticket) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("id", t.ID)}
	if t.ClaimantID != nil {
		attrs = append(attrs, slog.Int64(columnTicketClaimantID, *t.ClaimantID))
	}
	return slog.GroupValue(attrs...)
}

// AdminCredential is the login for the admin API, set with `greeter init`
type AdminCredential struct {
	ID uint `gorm:"primaryKey" json:"id"`
	ModelUnixTime
	Username     string `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string `gorm:"not null" json:"-"`
}

// dbModels is every table, in migration order
func dbModels() []any {
	return []any{
		&Ticket{},
		&Member{},
		&AdminCredential{},
	}
}
