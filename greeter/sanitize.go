package greeter

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	displayNameMinLength = 2
	displayNameMaxLength = 32
	displayNameIDPrefix  = 10
)

// channelNamePattern accepts discord-username-style names: lowercase
// alphanumerics and underscores, separated by single dots, with an
// optional leading/trailing dot
var channelNamePattern = regexp.MustCompile(`^\.?[a-z0-9_]+(\.[a-z0-9_]+)*\.?$`)

var reservedNames = map[string]struct{}{
	"everyone": {},
	"here":     {},
}

// SanitizeDisplayName returns name lowercased, if it's safe to use in a
// channel or thread name. Otherwise, the first ten characters of userID
// are returned instead.
func SanitizeDisplayName(name string, userID string) string {
	lowered := strings.ToLower(name)
	if validChannelName(lowered) {
		return lowered
	}

	fallback := userID
	if len(fallback) > displayNameIDPrefix {
		fallback = fallback[:displayNameIDPrefix]
	}
	fallback = strings.Map(
		func(r rune) rune {
			if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || r == '_' {
				return r
			}
			return '_'
		}, strings.ToLower(fallback),
	)
	for len(fallback) < displayNameMinLength {
		fallback += "_"
	}
	return fallback
}

func validChannelName(name string) bool {
	if len(name) < displayNameMinLength || len(name) > displayNameMaxLength {
		return false
	}
	if _, reserved := reservedNames[name]; reserved {
		return false
	}
	return channelNamePattern.MatchString(name)
}

// SanitizeTicketID strips surrounding whitespace and a leading '#'
func SanitizeTicketID(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "#")
	return strings.TrimSpace(s)
}

// isValidTicketID reports whether id is exactly length ASCII digits
func isValidTicketID(id string, length int) bool {
	if len(id) != length {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// NormalizeTicketIDs sanitizes each raw ticket ID and drops duplicates,
// keeping the first occurrence. An error is returned for the first ID
// that isn't exactly length digits.
func NormalizeTicketIDs(raw []string, length int) ([]string, error) {
	ids := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		id := SanitizeTicketID(r)
		if !isValidTicketID(id, length) {
			return nil, fmt.Errorf("invalid ticket id: %q", r)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
