package cortex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Set at build time via:
//
//	-ldflags "-X github.com/cortex-realm/cortex/cortex.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Cortex is the main application struct. It wires together the Discord
// session, the Groq completion client, the database, the image cache
// and the admin API.
type Cortex struct {
	config *Config

	db DBI

	logger     *slog.Logger
	logHandler slog.Handler

	discord *Discord
	groq    *Groq
	api     *API

	imageCache *ImageCache

	// runtimeConfig is the state loaded from (and persisted to) the
	// `config` DB table, guarded by cfgMu
	runtimeConfig *RuntimeConfig
	cfgMu         sync.RWMutex

	runMu     sync.Mutex
	startedAt time.Time

	// signalStop triggers a graceful shutdown when signaled, used by
	// the /api/quit endpoint
	signalStop  chan struct{}
	signalReady chan struct{}

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates and initializes a new Cortex instance from the given
// config. Call [Cortex.Run] on the returned instance to connect and
// begin handling commands.
func New(config *Config) (*Cortex, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	c := &Cortex{
		config:      config,
		signalReady: make(chan struct{}, 1),
		imageCache:  NewImageCache(config.ImageCacheTTL),
	}

	c.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.LogLevel,
			AddSource: true,
		},
	)

	c.logger = slog.New(c.logHandler)
	slog.SetDefault(c.logger)

	c.groq = newGroq(c, c.config.HTTPClient)

	c.config.Discord.httpClient = c.config.HTTPClient

	disc, err := newDiscord(c.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     c.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	c.discord = disc
	disc.c = c

	api, err := newAPI(c, config.API)
	errs = append(errs, err)
	c.api = api

	return c, errors.Join(errs...)
}

func (c *Cortex) ValidateConfig() error {
	return structValidator.Struct(c.config)
}

// RuntimeConfig returns a copy of the current runtime configuration
func (c *Cortex) RuntimeConfig() RuntimeConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return *c.runtimeConfig
}

// setRuntimeConfig replaces the in-memory runtime config, used after
// an admin API update.
func (c *Cortex) setRuntimeConfig(state RuntimeConfig) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.runtimeConfig = &state
}

// RegisterSlashCommands registers the bot's slash commands with
// Discord.
func (c *Cortex) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return c.discord.registerCommands(c.RuntimeConfig(), options...)
}

// setRuntimeLevels applies the log levels and rate limit from the
// runtime config.
func (c *Cortex) setRuntimeLevels(state RuntimeConfig) {
	c.config.LogLevel.Set(state.LogLevel.Level())
	c.config.Groq.LogLevel.Set(state.GroqLogLevel.Level())
	c.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	c.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	c.config.API.LogLevel.Set(state.APILogLevel.Level())
	c.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())

	c.groq.mu.RLock()
	limiter := c.groq.requestLimiter
	c.groq.mu.RUnlock()
	if limiter == nil {
		c.groq.setRequestLimiter(
			rate.NewLimiter(rate.Limit(state.GroqMaxRequestsPerSecond), 1),
		)
	} else {
		limiter.SetLimit(rate.Limit(state.GroqMaxRequestsPerSecond))
	}
}

func (c *Cortex) initDB(ctx context.Context) error {
	db, err := CreateDB(ctx, c.config.DatabaseType, c.config.Database)
	if err != nil {
		return err
	}
	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     c.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db.Logger = newGORMLogger(handler, c.config.DatabaseSlowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "db")
	c.db = NewDatabase(db, dbLogger, c.config.DatabaseType == dbTypePostgres)
	return nil
}

// initRun initializes the database and loads (or creates) the persisted
// runtime config.
func (c *Cortex) initRun(startCtx context.Context) error {
	c.logger.Debug("initializing DB...")
	if err := c.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	c.logger.Debug("finished initializing DB")

	// Load or create the DB state config. Keeping Paused in the DB
	// avoids a crash/restart silently resuming a paused bot.
	var botState RuntimeConfig

	getStateErr := c.db.DB().WithContext(startCtx).Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			botState = DefaultRuntimeConfig()
			if _, err := c.db.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	c.setRuntimeLevels(botState)
	c.runtimeConfig = &botState

	return nil
}

func (c *Cortex) initDiscordSession(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	logger := c.logger.With(loggerNameKey, "discord_session")

	if c.discord.session == nil {
		disc, discErr := c.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		c.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(c.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range c.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	runtimeCfg := c.RuntimeConfig()
	identify := discordgo.Identify{Intents: c.config.Discord.GatewayIntents}
	if runtimeCfg.Paused {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: runtimeCfg.DiscordCustomStatus,
		}
	}
	c.discord.session.SetIdentify(identify)

	c.discord.discordgoRemoveHandlerFuncs = []func(){
		c.discord.session.AddHandler(c.discord.handlerConnect()),
		c.discord.session.AddHandler(c.discord.handlerDisconnect()),
		c.discord.session.AddHandler(c.discord.handlerReady()),
		c.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := c.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					c.handleInteraction(ctx, handler)
				}()
			},
		),
		c.discord.session.AddHandler(c.discord.handlerMessageCreate()),
	}

	if c.getInteractionHandlerFunc == nil {
		c.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     c.discord.session,
				interaction: i,
				config:      c.RuntimeConfig().CommandOptions,
				mu:          &sync.RWMutex{},
				logger: c.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// Run starts the bot: it initializes the database and runtime config,
// starts the admin API, connects to the Discord gateway and registers
// the slash commands, then blocks until the given context is canceled
// or a stop signal is received.
func (c *Cortex) Run(ctx context.Context) error {
	// prevents concurrent runs
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.signalStop = make(chan struct{}, 1)
	c.startedAt = time.Now()
	logger := c.logger

	if err := c.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", c.config))

	runtimeWG := &sync.WaitGroup{}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.signalStop:
			c.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			c.logger.Warn("context canceled, sending stop signal")
			c.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := c.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			c.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- c.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := c.initDiscordSession(ctx, runtimeWG); discErr != nil {
		c.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := c.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err := c.RegisterSlashCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	c.signalReady <- struct{}{}
	c.logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return c.shutdown(context.Background(), runtimeWG)
}

// shutdown disconnects from Discord, stops the API server and waits
// for in-flight handlers, bounded by the configured shutdown timeout.
func (c *Cortex) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	c.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.ShutdownTimeout)
	defer cancel()

	var errs []error

	if c.discord.session != nil {
		if err := c.discord.session.Close(); err != nil {
			c.logger.Error("error closing discord session", tint.Err(err))
			errs = append(errs, err)
		}
	}

	if c.api != nil && c.api.httpServer != nil {
		if err := c.api.httpServer.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("error shutting down api server", tint.Err(err))
			errs = append(errs, err)
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()
	select {
	case <-done:
		c.logger.Info("all handlers finished")
	case <-shutdownCtx.Done():
		c.logger.Warn("shutdown timed out waiting for handlers")
	}

	return errors.Join(errs...)
}

// handleInteraction routes an incoming Discord interaction to the
// appropriate command, component or modal handler.
func (c *Cortex) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	config := c.RuntimeConfig()
	if config.RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				logger.Error("recovered from panic", "panic", rc)
			}
		}()
	}

	u := getDiscordUser(i)
	if u == nil {
		logger.Warn("no user attached to interaction")
		return
	}

	interactionLog, logErr := newInteractionLog(i, u)
	if logErr != nil {
		logger.Error("error creating interaction log", tint.Err(logErr))
	} else if _, err := c.db.Create(ctx, interactionLog); err != nil {
		logger.Error("error saving interaction log", tint.Err(err))
	}

	switch i.Type {
	case discordgo.InteractionPing:
		handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		c.handleApplicationCommand(ctx, u, i, handler)
	case discordgo.InteractionMessageComponent:
		c.handleMessageComponent(ctx, u, i, handler)
	case discordgo.InteractionModalSubmit:
		c.handleModalSubmit(ctx, u, i, handler)
	default:
		logger.Warn("unhandled interaction type", "type", i.Type.String())
	}
}

func (c *Cortex) handleApplicationCommand(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	data := i.ApplicationCommandData()
	switch data.Name {
	case DiscordSlashCommandChat:
		c.chatCommand(ctx, u, i, handler)
	case DiscordSlashCommandClear:
		c.clearCommand(ctx, u, i, handler)
	case DiscordSlashCommandSettings:
		c.settingsCommand(ctx, u, i, handler)
	case DiscordSlashCommandSetupChannel:
		c.setupChannelCommand(ctx, u, i, handler)
	case DiscordSlashCommandRemoveChannel:
		c.removeChannelCommand(ctx, u, i, handler)
	case DiscordSlashCommandListChannels:
		c.listChannelsCommand(ctx, u, i, handler)
	case DiscordSlashCommandHelp:
		c.helpCommand(ctx, u, i, handler)
	case DiscordSlashCommandCaption:
		c.captionCommand(ctx, u, i, handler)
	default:
		handler.Logger().Warn("unknown command", "command", data.Name)
	}
}

func (c *Cortex) handleMessageComponent(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	customID := i.MessageComponentData().CustomID
	switch customID {
	case regenerateButtonCustomID:
		c.regenerateComponent(ctx, u, i, handler)
	case selectModelCustomID:
		c.selectModelComponent(ctx, u, i, handler)
	case selectTemperatureCustomID:
		c.selectTemperatureComponent(ctx, u, i, handler)
	case toggleHistoryCustomID:
		c.toggleHistoryComponent(ctx, u, i, handler)
	case resetSettingsCustomID:
		c.resetSettingsComponent(ctx, u, i, handler)
	default:
		handler.Logger().Warn("unknown component", "custom_id", customID)
	}
}

func (c *Cortex) handleModalSubmit(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	customID := i.ModalSubmitData().CustomID
	if strings.HasPrefix(customID, captionModalCustomID) {
		c.captionModalSubmit(ctx, u, i, handler)
		return
	}
	handler.Logger().Warn("unknown modal", "custom_id", customID)
}

// InteractionHandler abstracts responding to a Discord interaction, so
// command handlers can be tested without a gateway connection.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response. Errors are logged
	// and result in a nil message.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) *discordgo.Message

	// Followup sends a followup message for an interaction. Errors are
	// logged and result in a nil message.
	Followup(
		ctx context.Context,
		params *discordgo.WebhookParams,
		opts ...discordgo.RequestOption,
	) *discordgo.Message

	// Delete removes an interaction response.
	Delete(ctx context.Context, opts ...discordgo.RequestOption)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger

	// Config returns the command options for this handler.
	Config() CommandOptions
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
	config      CommandOptions
	mu          *sync.RWMutex
}

func (w GatewayHandler) Config() CommandOptions {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) *discordgo.Message {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
		return nil
	}
	w.logger.InfoContext(ctx, "edited interaction")
	return msg
}

func (w GatewayHandler) Followup(
	ctx context.Context,
	params *discordgo.WebhookParams,
	opts ...discordgo.RequestOption,
) *discordgo.Message {
	msg, err := w.session.FollowupMessageCreate(
		w.interaction.Interaction,
		true,
		params,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error sending followup", tint.Err(err))
		return nil
	}
	return msg
}

func (w GatewayHandler) Delete(ctx context.Context, opts ...discordgo.RequestOption) {
	err := w.session.InteractionResponseDelete(
		w.interaction.Interaction,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error deleting interaction response", tint.Err(err))
	}
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}
