package cortex

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	pprofPrefix             = "/debug"
	apiPrefix               = "/api"
	apiPathQuit             = "/quit"
	apiPathLogin            = "/login"
	apiPathLogout           = "/logout"
	apiPathUpdateUser       = "/user/:id"
	apiPathUserConversation = "/user/:id/conversations"
	apiPathUsers            = "/users"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathLoggedIn         = "/logged_in"
	apiHealthCheck          = "/healthz"
	apiPathConfig           = "/config"
	apiListChatCommands     = "/chat_commands"
	apiPathGetChatCommand   = "/chat_command/:id"
	apiPathChannels         = "/channels"
	apiPathUpdateChannel    = "/channel/:id"
	apiPathConversations    = "/conversations"
	apiPathConversationMsgs = "/conversation/:id/messages"
	apiPathCompletionLogs   = "/completion_logs"
	apiPathDiscordMessages  = "/discord_messages"
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

// API is the admin HTTP server: login-gated endpoints for inspecting
// users, channels, conversations and command history, and for updating
// the runtime config.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the admin API: session store, TLS, middleware and
// routes.
func newAPI(c *Cortex, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(c)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		api.httpServer = &http.Server{TLSConfig: tlsCfg}
	} else {
		api.httpServer = &http.Server{}
	}

	api.httpServer.Addr = config.Listen
	api.httpServer.Handler = r
	api.httpServer.WriteTimeout = config.WriteTimeout
	api.httpServer.IdleTimeout = config.IdleTimeout
	api.httpServer.ReadTimeout = config.ReadTimeout
	api.httpServer.ReadHeaderTimeout = config.ReadHeaderTimeout
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(c))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.PATCH(apiPathUpdateUser, apiHandlers.updateUser)
	protected.GET(apiPathUserConversation, apiHandlers.getUserConversations)
	protected.GET(apiPathChannels, apiHandlers.getChannels)
	protected.PATCH(apiPathUpdateChannel, apiHandlers.updateChannel)
	protected.GET(apiPathConversations, apiHandlers.getConversations)
	protected.GET(apiPathConversationMsgs, apiHandlers.getConversationMessages)
	protected.GET(apiListChatCommands, apiHandlers.getChatCommands)
	protected.GET(apiPathGetChatCommand, apiHandlers.getChatCommandDetail)
	protected.GET(apiPathCompletionLogs, apiHandlers.getCompletionLogs)
	protected.GET(apiPathDiscordMessages, apiHandlers.getDiscordMessages)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return e
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
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

// APIHandlers contains the handlers for the admin API endpoints.
type APIHandlers struct {
	c      *Cortex
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the handler struct, deriving the session
// cookie key from the configured secret.
func NewAPIHandlers(c *Cortex) *APIHandlers {
	logger := c.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := c.config.API.Secret; {
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
	sameSite := http.SameSiteStrictMode
	if c.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(c.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{c: c, logger: logger, store: store}
}

// loginHandler handles the HTTP POST request to log in the admin user.
//
// Responses:
//   - 200 OK: If the user was successfully logged in.
//   - 400 Bad Request: If the request payload is invalid.
//   - 401 Unauthorized: If the credentials are incorrect or not set.
//   - 429 Too Many Requests: If the login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.c.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.c.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.c.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := verifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.c.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.c.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.c.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.c.RuntimeConfig().Paused,
			DiscordGatewayConnected: h.c.discord.connected.Load(),
		},
	)
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
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.c.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// discordRegisterCommands re-registers the bot's slash commands with
// Discord.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.c.discord.registerCommands(h.c.RuntimeConfig())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// getUsers returns all known users, with per-user command counts.
func (h *APIHandlers) getUsers(c *gin.Context) {
	log := ginContextLogger(c)

	var query GetUsersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	query.setDefaults()

	var users []User
	err := h.c.db.DB().WithContext(c).Order(
		fmt.Sprintf("%s %s", query.OrderBy, query.Sort),
	).Limit(query.Limit).Offset(query.Offset).Find(&users).Error
	if err != nil {
		log.Error("error listing users", tint.Err(err))
		ginReplyError(c, "error listing users")
		return
	}

	result := make([]userWithStats, 0, len(users))
	for n := range users {
		u := users[n]
		stats, statErr := u.getStats(c, h.c.db.DB())
		if statErr != nil {
			log.Error("error getting user stats", tint.Err(statErr))
		}
		result = append(result, userWithStats{User: u, Stats: stats})
	}
	c.JSON(http.StatusOK, result)
}

// updateUser applies a partial update to a user record.
//
// Responses:
//   - 202 Accepted: Returns the updated user.
//   - 400 Bad Request: If the payload is invalid.
//   - 404 Not Found: If the user does not exist.
func (h *APIHandlers) updateUser(c *gin.Context) {
	log := ginContextLogger(c)

	var update UserSettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	userID := c.Param("id")
	user, err := h.c.db.GetUser(c, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "User not found"})
			return
		}
		log.Error("error getting user", tint.Err(err))
		ginReplyError(c, "error getting user")
		return
	}

	log.Info("updating user", "user", user)
	if err = update.ApplyTo(c, h.c.db, user); err != nil {
		log.Error("error updating user", tint.Err(err))
		ginReplyError(c, "error updating user")
		return
	}
	c.JSON(http.StatusAccepted, user)
}

// getUserConversations returns a user's conversations.
func (h *APIHandlers) getUserConversations(c *gin.Context) {
	log := ginContextLogger(c)
	userID := c.Param("id")

	var conversations []Conversation
	err := h.c.db.DB().WithContext(c).Where(
		"user_id = ?", userID,
	).Order("id").Find(&conversations).Error
	if err != nil {
		log.Error("error listing conversations", tint.Err(err))
		ginReplyError(c, "error listing conversations")
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// getChannels returns all configured AI channels.
func (h *APIHandlers) getChannels(c *gin.Context) {
	log := ginContextLogger(c)

	var channels []Channel
	err := h.c.db.DB().WithContext(c).Order("id").Find(&channels).Error
	if err != nil {
		log.Error("error listing channels", tint.Err(err))
		ginReplyError(c, "error listing channels")
		return
	}
	c.JSON(http.StatusOK, channels)
}

type apiPatchChannel struct {
	AIModel      *string `json:"ai_model,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// updateChannel applies a partial update to a channel's generation
// settings.
func (h *APIHandlers) updateChannel(c *gin.Context) {
	log := ginContextLogger(c)

	var update apiPatchChannel
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	var channel Channel
	if err := h.c.db.DB().WithContext(c).First(
		&channel, c.Param("id"),
	).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "Channel not found"})
			return
		}
		log.Error("error getting channel", tint.Err(err))
		ginReplyError(c, "error getting channel")
		return
	}

	updates := map[string]any{}
	if update.AIModel != nil {
		updates[columnChannelAIModel] = *update.AIModel
	}
	if update.SystemPrompt != nil {
		updates[columnChannelSystemPrompt] = *update.SystemPrompt
	}
	if len(updates) == 0 {
		c.JSON(http.StatusAccepted, channel)
		return
	}

	if _, err := h.c.db.Updates(c, &channel, updates); err != nil {
		log.Error("error updating channel", tint.Err(err))
		ginReplyError(c, "error updating channel")
		return
	}
	c.JSON(http.StatusAccepted, channel)
}

// getConversations returns conversation records, optionally filtered
// by user and/or channel.
func (h *APIHandlers) getConversations(c *gin.Context) {
	log := ginContextLogger(c)

	var query GetConversationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	query.setDefaults()

	stmt := h.c.db.DB().WithContext(c)
	if query.UserID != "" {
		stmt = stmt.Where("user_id = ?", query.UserID)
	}
	if query.ChannelID != "" {
		stmt = stmt.Where("channel_id = ?", query.ChannelID)
	}

	var conversations []Conversation
	err := stmt.Order("id desc").Limit(query.Limit).Offset(
		query.Offset,
	).Find(&conversations).Error
	if err != nil {
		log.Error("error listing conversations", tint.Err(err))
		ginReplyError(c, "error listing conversations")
		return
	}
	c.JSON(http.StatusOK, conversations)
}

// getConversationMessages returns a conversation's messages, oldest
// first.
func (h *APIHandlers) getConversationMessages(c *gin.Context) {
	log := ginContextLogger(c)

	var messages []ConversationMessage
	err := h.c.db.DB().WithContext(c).Where(
		"conversation_id = ?", c.Param("id"),
	).Order("id").Find(&messages).Error
	if err != nil {
		log.Error("error listing messages", tint.Err(err))
		ginReplyError(c, "error listing messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

// getChatCommands returns /chat command history.
func (h *APIHandlers) getChatCommands(c *gin.Context) {
	log := ginContextLogger(c)

	var query GetChatCommandsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	query.setDefaults()

	stmt := h.c.db.DB().WithContext(c)
	if query.UserID != "" {
		stmt = stmt.Where("user_id = ?", query.UserID)
	}
	if query.State != "" {
		stmt = stmt.Where("state = ?", query.State)
	}

	var commands []ChatCommand
	err := stmt.Order("id desc").Limit(query.Limit).Offset(
		query.Offset,
	).Find(&commands).Error
	if err != nil {
		log.Error("error listing chat commands", tint.Err(err))
		ginReplyError(c, "error listing chat commands")
		return
	}
	c.JSON(http.StatusOK, commands)
}

// getChatCommandDetail returns a single ChatCommand with its completion
// API logs.
func (h *APIHandlers) getChatCommandDetail(c *gin.Context) {
	log := ginContextLogger(c)

	var command ChatCommand
	if err := h.c.db.DB().WithContext(c).First(
		&command, c.Param("id"),
	).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, httpError{Error: "not found"})
			return
		}
		log.Error("error getting chat command", tint.Err(err))
		ginReplyError(c, "error getting chat command")
		return
	}

	var logs []CompletionLog
	if err := h.c.db.DB().WithContext(c).Where(
		"chat_command_id = ?", command.ID,
	).Order("id").Find(&logs).Error; err != nil {
		log.Error("error getting completion logs", tint.Err(err))
	}
	c.JSON(
		http.StatusOK, ChatCommandDetail{
			ChatCommand:    command,
			CompletionLogs: logs,
		},
	)
}

// getCompletionLogs returns completion API request/response logs.
func (h *APIHandlers) getCompletionLogs(c *gin.Context) {
	log := ginContextLogger(c)

	var query Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	query.setDefaults()

	var logs []CompletionLog
	err := h.c.db.DB().WithContext(c).Order("id desc").Limit(
		query.Limit,
	).Offset(query.Offset).Find(&logs).Error
	if err != nil {
		log.Error("error listing completion logs", tint.Err(err))
		ginReplyError(c, "error listing completion logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// getDiscordMessages returns logged channel messages.
func (h *APIHandlers) getDiscordMessages(c *gin.Context) {
	log := ginContextLogger(c)

	var query Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	query.setDefaults()

	var messages []DiscordMessage
	err := h.c.db.DB().WithContext(c).Order("id desc").Limit(
		query.Limit,
	).Offset(query.Offset).Find(&messages).Error
	if err != nil {
		log.Error("error listing discord messages", tint.Err(err))
		ginReplyError(c, "error listing discord messages")
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	botState := h.c.RuntimeConfig()
	c.JSON(http.StatusOK, botState)
}

// updateRuntimeConfig handles the HTTP PATCH request to update the
// bot's runtime configuration.
//
// The update is applied in a transaction and validated before being
// accepted. On success, log levels, the request rate limiter, the
// bot's custom status and slash commands are refreshed, and user
// records still carrying old generation defaults are migrated.
//
// Responses:
//   - 202 Accepted: Returns the updated runtime configuration.
//   - 400 Bad Request: If the request payload is invalid.
//   - 500 Internal Server Error: If there is an error updating the configuration.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := h.c.RuntimeConfig()
	rollbackConfig := existingConfig

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "Error marshaling update request", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Error marshaling update request"})
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "Error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "Applying updates", "updates", updates)

	var updateError error
	var statusCode int
	var ginResponse gin.H

	_ = h.c.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			updateError = tx.Model(&existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "Error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "Error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		logger.ErrorContext(c, "Error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	h.c.setRuntimeConfig(existingConfig)
	h.c.setRuntimeLevels(existingConfig)

	switch {
	case rollbackConfig.Paused && !existingConfig.Paused:
		logger.Info("unpaused bot")
	case existingConfig.Paused && !rollbackConfig.Paused:
		logger.Warn("paused bot")
	}

	updateDiscordBotStatus(h.c, logger, rollbackConfig, existingConfig)

	if existingConfig.DiscordNotificationChannelID != rollbackConfig.DiscordNotificationChannelID {
		go sendStartupMessage(h.c.discord, logger, existingConfig)
	}

	// any change in slash command parameters means we need to overwrite
	// the commands so the changes take effect
	g := new(errgroup.Group)

	g.Go(
		func() error {
			e := overwriteDiscordCommands(
				h.c.discord,
				logger,
				rollbackConfig,
				existingConfig,
			)
			if e != nil {
				e = fmt.Errorf("error overwriting commands: %w", e)
			}
			return e
		},
	)

	g.Go(
		func() error {
			e := updateUsersFromRuntimeConfig(
				ctx,
				h.c.db,
				updateRequest,
				&rollbackConfig,
			)
			if e != nil {
				e = fmt.Errorf("error updating users: %w", e)
			}
			return e
		},
	)

	if updErr := g.Wait(); updErr != nil {
		logger.Error("error processing update(s)", tint.Err(updErr))
	}

	c.JSON(http.StatusAccepted, existingConfig)
}

// botQuit sends a stop signal to the bot, initiating a graceful
// shutdown.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")

	select {
	case h.c.signalStop <- struct{}{}:
		ginReplyMessage(c, "stop signal sent")
	default:
		ginReplyError(c, "stop signal already pending")
	}
}

type GetChatCommandsQuery struct {
	Pagination
	UserID string `form:"user_id"`
	State  string `form:"state"`
}

type GetConversationsQuery struct {
	Pagination
	UserID    string `form:"user_id"`
	ChannelID string `form:"channel_id"`
}

type Pagination struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

func (p *Pagination) setDefaults() {
	if p.Limit == 0 {
		p.Limit = 100
	}
}

type GetUsersQuery struct {
	Pagination
	OrderBy string `form:"order_by" binding:"omitempty,oneof=id username last_seen"`
	Sort    Sort   `form:"sort" binding:"omitempty,oneof=asc desc"`
}

func (q *GetUsersQuery) setDefaults() {
	q.Pagination.setDefaults()
	if q.OrderBy == "" {
		q.OrderBy = "id"
	}
	if q.Sort == "" {
		q.Sort = Ascending
	}
}

type Sort string

type ChatCommandDetail struct {
	ChatCommand    ChatCommand     `json:"chat_command"`
	CompletionLogs []CompletionLog `json:"completion_logs"`
}

type userWithStats struct {
	User  User      `json:"user"`
	Stats UserStats `json:"stats"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
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

// authMiddleware rejects requests without a valid admin session.
func authMiddleware(cortex *Cortex) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := cortex.api.store
		logger := cortex.logger
		if logger == nil {
			logger = slog.Default()
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in both the gin context and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request's method, path and duration,
// along with any private gin errors.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

func init() {
	structValidator.SetTagName("binding")
}

// sendStartupMessage sends the configured startup message to the
// notification channel.
func sendStartupMessage(d *Discord, logger *slog.Logger, config RuntimeConfig) {
	if config.DiscordNotificationChannelID == "" {
		return
	}
	if err := d.channelMessageSend(
		config.DiscordNotificationChannelID,
		d.config.StartupMessage,
		discordgo.WithRetryOnRatelimit(false),
		discordgo.WithRestRetries(1),
	); err != nil {
		logger.Error("unable to send startup message", tint.Err(err))
	}
}

// overwriteDiscordCommands re-registers the slash commands if any of
// their parameters changed in a runtime config update.
func overwriteDiscordCommands(
	d *Discord,
	logger *slog.Logger,
	previous RuntimeConfig,
	current RuntimeConfig,
) error {
	if previous.ChatCommandDescription == current.ChatCommandDescription &&
		previous.ChatCommandOptionDescription == current.ChatCommandOptionDescription &&
		previous.ChatCommandMaxLength == current.ChatCommandMaxLength {
		return nil
	}
	logger.Info("command parameters changed, re-registering commands")
	_, err := d.registerCommands(current)
	return err
}

// updateDiscordBotStatus applies a custom status change from a runtime
// config update.
func updateDiscordBotStatus(
	cortex *Cortex,
	logger *slog.Logger,
	previous RuntimeConfig,
	current RuntimeConfig,
) {
	if previous.DiscordCustomStatus == current.DiscordCustomStatus {
		return
	}
	if err := cortex.discord.updateCustomStatus(
		current.DiscordCustomStatus,
	); err != nil {
		logger.Error("error updating custom status", tint.Err(err))
	}
}
