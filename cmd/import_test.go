package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportTicketsCommand(t *testing.T) {
	isolateEnv(t)
	dbPath := useTempDatabase(t)
	t.Cleanup(
		func() {
			ticketIDs = nil
		},
	)

	ticketFile := filepath.Join(t.TempDir(), "tickets.txt")
	content := strings.Join(
		[]string{
			"# exported from the ticketing system",
			"",
			"0123456789",
			" #1111111111 ",
			"0123456789",
		},
		"\n",
	)
	require.NoError(t, os.WriteFile(ticketFile, []byte(content), 0o644))

	output := executeCommand(t, "", "import-tickets", ticketFile, "--id=2222222222")
	assert.Contains(t, output, "Imported 3 tickets, skipped 1.")

	ticketIDs = nil
	output = executeCommand(t, "", "import-tickets", ticketFile)
	assert.Contains(t, output, "Imported 0 tickets, skipped 3.")

	output = executeCommand(t, "3333333333\n", "import-tickets", "-")
	assert.Contains(t, output, "Imported 1 tickets, skipped 0.")

	store := openStore(t, dbPath)
	for _, id := range []string{"0123456789", "1111111111", "2222222222", "3333333333"} {
		ticket, err := store.GetTicket(context.Background(), id)
		require.NoError(t, err, id)
		assert.Nil(t, ticket.ClaimantID)
	}
}

func TestReadTicketFile(t *testing.T) {
	ids, err := readTicketFile(strings.NewReader("# header\n1\n\n 2 \n#3\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "#3"}, ids)

	_, err = readTicketFile(nil, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
