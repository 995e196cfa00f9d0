package greeter

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"time"
)

const (
	pprofPrefix                 = "/debug"
	apiPrefix                   = "/api"
	apiPathQuit                 = "/quit"
	apiPathLogin                = "/login"
	apiPathLogout               = "/logout"
	apiPathLoggedIn             = "/logged_in"
	apiHealthCheck              = "/healthz"
	apiPathMembers              = "/members"
	apiPathMember               = "/member/:id"
	apiPathTickets              = "/tickets"
	apiPathImportTickets        = "/tickets/import"
	apiPathReconcileCoC         = "/reconcile/coc_reactions"
	apiPathReconcileMemberRole  = "/reconcile/member_role"
	apiPathRegisterCommands     = "/discord/register_commands"
	defaultPaginationLimit      = 25
	apiQuitTimeout              = 30 * time.Second
	apiLoginRequestsPerSecond   = 1
	apiLoginRequestsBurst       = 3
	apiRequestIDLength          = 32
	selfSignedCertValidDuration = 365 * 24 * time.Hour
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. It exposes health, member and ticket
// records, ticket import and the reconciliation commands.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(g *Greeter, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	if !config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		loginRequestLimiter: rate.NewLimiter(
			rate.Limit(apiLoginRequestsPerSecond),
			apiLoginRequestsBurst,
		),
		logger: logger,
	}
	apiHandlers := newAPIHandlers(g, api, logger)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && config.Development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathMembers, apiHandlers.getMembers)
	protected.GET(apiPathMember, apiHandlers.getMember)
	protected.GET(apiPathTickets, apiHandlers.getTickets)
	protected.POST(apiPathImportTickets, apiHandlers.importTickets)
	protected.POST(apiPathReconcileCoC, apiHandlers.reconcileCoCReactions)
	protected.POST(apiPathReconcileMemberRole, apiHandlers.reconcileMemberRole)
	protected.POST(apiPathRegisterCommands, apiHandlers.registerCommands)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

// Serve listens on the configured address (with TLS, if certs are
// configured) and serves until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	g      *Greeter
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func newAPIHandlers(g *Greeter, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(api.sessionOptions())
	return &APIHandlers{g: g, api: api, logger: logger, store: store}
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		HttpOnly: true,
		Secure:   true,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// loginHandler checks the given credentials against the admin
// credentials set with `greeter init`, and starts a session
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: wrong username or password
//   - 429 Too Many Requests: rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	if h.g.store == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	cred, err := h.g.store.GetAdminCredential(c.Request.Context(), login.Username)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("error getting admin credential", tint.Err(err))
		}
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := verifyPassword(cred.PasswordHash, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session, err := h.store.New(c.Request, sessionVarName)
	if err != nil || session == nil {
		logger.Error("error creating session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	opts := h.api.sessionOptions()
	session.Options = opts.ToGorillaOptions()
	session.Values[sessionVarField] = login.Username
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	if err = session.Save(c.Request, c.Writer); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, _ := c.Get(sessionVarField)
	name, _ := username.(string)
	c.JSON(http.StatusOK, loggedInResponse{Username: name})
}

// healthCheck reports the gateway connection, database status and
// uptime. 503 is returned if the database is unavailable.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	status := h.g.Health(c.Request.Context())
	code := http.StatusOK
	if !status.DatabaseOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(
		code, healthCheckResponse{
			DiscordConnected: status.DiscordConnected,
			DatabaseOK:       status.DatabaseOK,
			Uptime:           status.Uptime.Truncate(time.Second).String(),
			CooldownBackend:  status.CooldownBackend,
		},
	)
}

func (h *APIHandlers) getMembers(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	members, err := h.g.store.ListMembers(c.Request.Context(), pagination)
	if err != nil {
		ginContextLogger(c).Error("error getting members", tint.Err(err))
		ginReplyError(c, "error getting members")
		return
	}
	if members == nil {
		members = []Member{}
	}
	c.JSON(http.StatusOK, members)
}

func (h *APIHandlers) getMember(c *gin.Context) {
	memberID, err := parseSnowflake(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid member id"})
		return
	}
	member, err := h.g.store.GetMember(c.Request.Context(), memberID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "member not found"})
			return
		}
		ginContextLogger(c).Error("error getting member", tint.Err(err))
		ginReplyError(c, "error getting member")
		return
	}
	c.JSON(http.StatusOK, member)
}

func (h *APIHandlers) getTickets(c *gin.Context) {
	var query GetTicketsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	tickets, err := h.g.store.ListTickets(c.Request.Context(), query.Pagination, query.Claimed)
	if err != nil {
		ginContextLogger(c).Error("error getting tickets", tint.Err(err))
		ginReplyError(c, "error getting tickets")
		return
	}
	if tickets == nil {
		tickets = []Ticket{}
	}
	c.JSON(http.StatusOK, tickets)
}

// importTickets adds the given ticket IDs. IDs which already exist are
// skipped.
//
// Responses:
//   - 200 OK: returns the number of tickets imported and skipped
//   - 400 Bad Request: missing or invalid ticket IDs
func (h *APIHandlers) importTickets(c *gin.Context) {
	var payload importTicketsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ids, err := NormalizeTicketIDs(payload.IDs, h.g.config.Tickets.IDLength)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	inserted, err := h.g.store.ImportTickets(c.Request.Context(), ids)
	if err != nil {
		ginContextLogger(c).Error("error importing tickets", tint.Err(err))
		ginReplyError(c, "error importing tickets")
		return
	}
	c.JSON(
		http.StatusOK, importTicketsResponse{
			Imported: inserted,
			Skipped:  int64(len(payload.IDs)) - inserted,
		},
	)
}

func (h *APIHandlers) reconcile(
	c *gin.Context,
	sync func(r *Reconciler, ctx context.Context) (ReconcileReport, error),
) {
	if h.g.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	report, err := sync(h.g.reconciler, c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrReconcileInProgress) {
			c.JSON(http.StatusConflict, httpError{Error: err.Error()})
			return
		}
		ginContextLogger(c).Error("error syncing", tint.Err(err))
		c.JSON(http.StatusInternalServerError, reconcileResponse{ReconcileReport: report, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, reconcileResponse{ReconcileReport: report})
}

func (h *APIHandlers) reconcileCoCReactions(c *gin.Context) {
	h.reconcile(c, (*Reconciler).SyncCoCReactions)
}

func (h *APIHandlers) reconcileMemberRole(c *gin.Context) {
	h.reconcile(c, (*Reconciler).SyncMemberRole)
}

func (h *APIHandlers) registerCommands(c *gin.Context) {
	commands, err := h.g.RegisterSlashCommands(discordgo.WithContext(c.Request.Context()))
	if err != nil {
		ginContextLogger(c).Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	names := make([]string, 0, len(commands))
	for _, cmd := range commands {
		names = append(names, cmd.Name)
	}
	c.JSON(http.StatusOK, gin.H{"commands": names})
}

// botQuit sends a stop signal to every bot instance
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	if h.g.dbNotifier == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), apiQuitTimeout)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.g.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// Pagination is the limit/offset/order of a list request
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// apply adds the limit, offset and ID order to the query
func (p Pagination) apply(q *gorm.DB) *gorm.DB {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultPaginationLimit
	}
	order := "id asc"
	if p.Order == Descending {
		order = "id desc"
	}
	return q.Limit(limit).Offset(p.Offset).Order(order)
}

// GetTicketsQuery filters tickets by whether they've been claimed
type GetTicketsQuery struct {
	Pagination
	Claimed *bool `form:"claimed"`
}

// Sort is the order of a list request, by ID
type Sort string

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	DiscordConnected bool   `json:"discord_connected"`
	DatabaseOK       bool   `json:"database_ok"`
	Uptime           string `json:"uptime"`
	CooldownBackend  string `json:"cooldown_backend"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type importTicketsPayload struct {
	IDs []string `json:"ids" binding:"required,min=1,dive,required"`
}

type importTicketsResponse struct {
	Imported int64 `json:"imported"`
	Skipped  int64 `json:"skipped"`
}

type reconcileResponse struct {
	ReconcileReport
	Error string `json:"error,omitempty"`
}

// authMiddleware aborts with 401 unless the session has a username
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		session, err := a.store.Get(c.Request, sessionVarName)
		if err != nil || session == nil {
			logger.Warn("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		username, ok := session.Values[sessionVarField].(string)
		if !ok || username == "" {
			logger.Warn("username not found in session")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(sessionVarField, username)
		c.Next()
	}
}

// requestIDMiddleware sets a random X-Request-ID on each request and
// its response
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(apiRequestIDLength)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating it (with the
// request's details) on first use
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	base := slog.Default()
	if logger, ok := c.Get(loggerNameKey); ok {
		if l, ok := logger.(*slog.Logger); ok {
			base = l
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path, status and
// duration, along with any errors
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(loggerNameKey, logger)
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a 500 and the given message
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert writes a self-signed TLS certificate and
// private key, valid from the current time for 1 year
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"greeter"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(selfSignedCertValidDuration),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()
	if err = pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateConfig, Config{})
}
