package greeter

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeDisplayName(t *testing.T) {
	t.Parallel()
	const userID = "123456789012345678"

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple", "alice", "alice"},
		{"uppercase", "Alice", "alice"},
		{"dots and underscores", ".bob_the.builder.", ".bob_the.builder."},
		{"empty", "", "1234567890"},
		{"single char", "a", "1234567890"},
		{"too long", strings.Repeat("a", 33), "1234567890"},
		{"max length", strings.Repeat("a", 32), strings.Repeat("a", 32)},
		{"everyone", "everyone", "1234567890"},
		{"here", "HERE", "1234567890"},
		{"spaces", "alice smith", "1234567890"},
		{"double dot", "a..b", "1234567890"},
		{"unicode", "Γιώργος", "1234567890"},
		{"emoji", "🐍python", "1234567890"},
		{"hyphen", "py-greece", "1234567890"},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, SanitizeDisplayName(tc.input, userID))
			},
		)
	}
}

func TestSanitizeDisplayName_ShortID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "111", SanitizeDisplayName("", "111"))
	assert.Equal(t, "7_", SanitizeDisplayName("", "7"))
	assert.Equal(t, "__", SanitizeDisplayName("", ""))
}

func TestSanitizeDisplayName_AlwaysValid(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"", " ", "everyone", "here", "..", "a", "Ω", "名前",
		strings.Repeat("x", 100), "@everyone", "#general", "a.b.c", "_",
	}
	ids := []string{"", "1", "123456789012345678", "abc"}
	for _, id := range ids {
		for _, in := range inputs {
			out := SanitizeDisplayName(in, id)
			assert.True(
				t,
				validChannelName(out),
				fmt.Sprintf("SanitizeDisplayName(%q, %q) = %q", in, id, out),
			)
		}
	}
}

func TestSanitizeTicketID(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"1234567890":       "1234567890",
		"#1234567890":      "1234567890",
		"  #1234567890  ":  "1234567890",
		"# 1234567890":     "1234567890",
		"":                 "",
		"##1234567890":     "#1234567890",
		"\t1234567890\n":   "1234567890",
		"12345 67890":      "12345 67890",
		"abc":              "abc",
		"#":                "",
		" # 0000000001 \n": "0000000001",
	}
	for input, expected := range tests {
		assert.Equal(t, expected, SanitizeTicketID(input), "input: %q", input)
	}
}

func TestIsValidTicketID(t *testing.T) {
	t.Parallel()
	assert.True(t, isValidTicketID("1234567890", 10))
	assert.True(t, isValidTicketID("0000000000", 10))
	assert.False(t, isValidTicketID("123456789", 10))
	assert.False(t, isValidTicketID("12345678901", 10))
	assert.False(t, isValidTicketID("12345a7890", 10))
	assert.False(t, isValidTicketID("", 10))
	assert.False(t, isValidTicketID("１２３４５６７８９０", 10))
	assert.True(t, isValidTicketID("123", 3))
}

func TestNormalizeTicketIDs(t *testing.T) {
	t.Parallel()
	ids, err := NormalizeTicketIDs([]string{" 0123456789", "#0123456789", "9876543210"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"0123456789", "9876543210"}, ids)

	_, err = NormalizeTicketIDs([]string{"0123456789", "abc"}, 10)
	assert.EqualError(t, err, `invalid ticket id: "abc"`)
}
