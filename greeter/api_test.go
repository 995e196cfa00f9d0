package greeter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
)

func newTestAPI(t testing.TB) (*Greeter, *mockDiscordSession) {
	t.Helper()
	g, session := newTestGreeter(t, nil)
	require.NotNil(t, g.api)
	g.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 0)

	hash, err := HashPassword(testAdminPassword)
	require.NoError(t, err)
	require.NoError(t, g.store.SetAdminCredential(context.Background(), testAdminUsername, hash))
	return g, session
}

// doAPIRequest sends a request straight to the API's gin engine, with
// the given cookies. body is JSON-encoded if not nil.
func doAPIRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
	body any,
	cookies ...*http.Cookie,
) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w.Result()
}

func decodeBody(t testing.TB, resp *http.Response, v any) {
	t.Helper()
	defer func() {
		_ = resp.Body.Close()
	}()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func apiLogin(t testing.TB, api *API) []*http.Cookie {
	t.Helper()
	resp := doAPIRequest(
		t, api, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)

	resp := doAPIRequest(t, g.api, http.MethodGet, apiHealthCheck, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(xRequestIDHeader))

	var health healthCheckResponse
	decodeBody(t, resp, &health)
	assert.True(t, health.DatabaseOK)
	assert.False(t, health.DiscordConnected)
	assert.Equal(t, "memory", health.CooldownBackend)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)

	for _, path := range []string{apiPathMembers, apiPathTickets, apiPathLoggedIn} {
		resp := doAPIRequest(t, g.api, http.MethodGet, apiPrefix+path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
	resp := doAPIRequest(t, g.api, http.MethodPost, apiPrefix+apiPathQuit, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	select {
	case <-g.signalStop:
		t.Fatal("unauthorized quit sent a stop signal")
	default:
	}
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)

	resp := doAPIRequest(
		t, g.api, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: "wrong"},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doAPIRequest(
		t, g.api, http.MethodPost, apiPathLogin,
		userLogin{Username: "nobody", Password: testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doAPIRequest(t, g.api, http.MethodPost, apiPathLogin, map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	cookies := apiLogin(t, g.api)
	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loggedIn loggedInResponse
	decodeBody(t, resp, &loggedIn)
	assert.Equal(t, testAdminUsername, loggedIn.Username)

	resp = doAPIRequest(t, g.api, http.MethodPost, apiPathLogout, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	loggedOut := resp.Cookies()
	require.NotEmpty(t, loggedOut)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, loggedOut...)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPILoginRateLimit(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)
	g.api.loginRequestLimiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	login := func() int {
		resp := doAPIRequest(
			t, g.api, http.MethodPost, apiPathLogin,
			userLogin{Username: testAdminUsername, Password: testAdminPassword},
		)
		_ = resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, login())

	codes := make(chan int, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- login()
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, http.StatusTooManyRequests, code)
	}
}

func TestAPI_Members(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newTestAPI(t)
	cookies := apiLogin(t, g.api)

	resp := doAPIRequest(t, g.api, http.MethodGet, apiPrefix+"/member/300000000000000001", nil, cookies...)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+"/member/abc", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	for i := 1; i <= 3; i++ {
		_, _, err := g.store.GetOrCreateMember(ctx, int64(300000000000000000+i))
		require.NoError(t, err)
	}
	_, err := g.store.MarkReacted(ctx, 300000000000000001)
	require.NoError(t, err)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+"/member/300000000000000001", nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var member Member
	decodeBody(t, resp, &member)
	assert.Equal(t, int64(300000000000000001), member.ID)
	assert.True(t, member.Reacted)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathMembers+"?limit=2&order=desc", nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var members []Member
	decodeBody(t, resp, &members)
	require.Len(t, members, 2)
	assert.Equal(t, int64(300000000000000003), members[0].ID)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathMembers+"?limit=500", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathMembers+"?order=sideways", nil, cookies...)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_Tickets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, _ := newTestAPI(t)
	cookies := apiLogin(t, g.api)

	resp := doAPIRequest(
		t, g.api, http.MethodPost, apiPrefix+apiPathImportTickets,
		map[string][]string{"ids": {"1234567890", " 0987654321 ", "1234567890"}},
		cookies...,
	)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported importTicketsResponse
	decodeBody(t, resp, &imported)
	assert.Equal(t, int64(2), imported.Imported)
	assert.Equal(t, int64(1), imported.Skipped)

	resp = doAPIRequest(
		t, g.api, http.MethodPost, apiPrefix+apiPathImportTickets,
		map[string][]string{"ids": {"12"}},
		cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doAPIRequest(
		t, g.api, http.MethodPost, apiPrefix+apiPathImportTickets,
		map[string][]string{"ids": {}},
		cookies...,
	)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, _, err := g.store.GetOrCreateMember(ctx, 300000000000000001)
	require.NoError(t, err)
	_, err = g.store.MarkReacted(ctx, 300000000000000001)
	require.NoError(t, err)
	_, err = g.store.ClaimTicket(ctx, "1234567890", 300000000000000001)
	require.NoError(t, err)

	var tickets []Ticket
	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathTickets, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tickets)
	assert.Len(t, tickets, 2)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathTickets+"?claimed=true", nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, "1234567890", tickets[0].ID)
	require.NotNil(t, tickets[0].ClaimantID)
	assert.Equal(t, int64(300000000000000001), *tickets[0].ClaimantID)

	resp = doAPIRequest(t, g.api, http.MethodGet, apiPrefix+apiPathTickets+"?claimed=false", nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &tickets)
	require.Len(t, tickets, 1)
	assert.Equal(t, "0987654321", tickets[0].ID)
}

func TestAPI_Reconcile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, session := newTestAPI(t)
	cookies := apiLogin(t, g.api)

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("30000000000000000%d", i)
		m := session.addMember(id, fmt.Sprintf("user%d", i))
		session.addReaction(testCoCMessageID, DefaultAcceptableEmoji, m.User)
	}
	session.addReaction(testCoCMessageID, DefaultAcceptableEmoji, &discordgo.User{ID: "300000000000000009", Bot: true})

	resp := doAPIRequest(t, g.api, http.MethodPost, apiPrefix+apiPathReconcileCoC, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report reconcileResponse
	decodeBody(t, resp, &report)
	assert.Equal(t, 3, report.Updated)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, report.Error)

	session.addMember("300000000000000004", "user4", testMemberRoleID)
	resp = doAPIRequest(t, g.api, http.MethodPost, apiPrefix+apiPathReconcileMemberRole, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &report)
	assert.Equal(t, 1, report.Updated)

	m, err := g.store.GetMember(ctx, 300000000000000004)
	require.NoError(t, err)
	assert.True(t, m.Reacted)

	// only one sync at a time
	g.reconciler.running.Lock()
	resp = doAPIRequest(t, g.api, http.MethodPost, apiPrefix+apiPathReconcileCoC, nil, cookies...)
	g.reconciler.running.Unlock()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_RegisterCommands(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)
	cookies := apiLogin(t, g.api)

	resp := doAPIRequest(t, g.api, http.MethodPost, apiPrefix+apiPathRegisterCommands, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Commands []string `json:"commands"`
	}
	decodeBody(t, resp, &body)
	assert.ElementsMatch(t, []string{commandHealth, commandSyncCoCReactions, commandSyncMemberRole}, body.Commands)
}

func TestAPIHandlers_botQuit(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)
	cookies := apiLogin(t, g.api)

	resp := doAPIRequest(t, g.api, http.MethodPost, apiPrefix+apiPathQuit, nil, cookies...)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-g.signalStop:
	case <-time.After(time.Second):
		t.Fatal("expected stop signal")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	g, _ := newTestAPI(t)

	first := doAPIRequest(t, g.api, http.MethodGet, apiHealthCheck, nil)
	second := doAPIRequest(t, g.api, http.MethodGet, apiHealthCheck, nil)
	id := first.Header.Get(xRequestIDHeader)
	assert.Len(t, id, apiRequestIDLength)
	assert.NotEqual(t, id, second.Header.Get(xRequestIDHeader))
}

func TestPagination_Apply(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := setupTestStore(t)
	for i := 1; i <= 30; i++ {
		_, _, err := store.GetOrCreateMember(ctx, int64(i))
		require.NoError(t, err)
	}

	members, err := store.ListMembers(ctx, Pagination{})
	require.NoError(t, err)
	require.Len(t, members, defaultPaginationLimit)
	assert.Equal(t, int64(1), members[0].ID)

	members, err = store.ListMembers(ctx, Pagination{Limit: 5, Offset: 5, Order: Descending})
	require.NoError(t, err)
	require.Len(t, members, 5)
	assert.Equal(t, int64(25), members[0].ID)
}
