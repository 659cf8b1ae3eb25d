package cortex

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	DiscordSlashCommandChat          = "chat"
	DiscordSlashCommandClear         = "clear"
	DiscordSlashCommandSettings      = "settings"
	DiscordSlashCommandSetupChannel  = "setup-channel"
	DiscordSlashCommandRemoveChannel = "remove-channel"
	DiscordSlashCommandListChannels  = "list-channels"
	DiscordSlashCommandHelp          = "help"
	DiscordSlashCommandCaption       = "caption"

	// discordInteractionTokenLifespan defines the lifespan of a Discord interaction token.
	// Discord interaction tokens currently expire after 15 minutes.
	discordInteractionTokenLifespan = 15 * time.Minute

	// chatCommandMessageOption is the option name used for the chat
	// command message in Discord interactions.
	chatCommandMessageOption = "message"

	// setupChannelModelOption and setupChannelPromptOption are the
	// option names for the setup-channel command.
	setupChannelModelOption   = "model"
	setupChannelPromptOption  = "prompt"
	setupChannelChannelOption = "channel"

	// captionImageOption is the attachment option name for the caption
	// command.
	captionImageOption = "image"

	// regenerateButtonCustomID identifies the 'regenerate' button under
	// the bot's most recent response.
	regenerateButtonCustomID = "regenerate"

	// selectModelCustomID and selectTemperatureCustomID identify the
	// select menus attached to the /settings response.
	selectModelCustomID       = "select_model"
	selectTemperatureCustomID = "select_temperature"

	// toggleHistoryCustomID and resetSettingsCustomID identify the
	// buttons attached to the /settings response.
	toggleHistoryCustomID = "toggle_history"
	resetSettingsCustomID = "reset_settings"

	// captionModalCustomID prefixes the custom ID of the caption text
	// modal. The image cache token follows, joined by customIDFormat.
	captionModalCustomID = "caption_modal"

	// captionTextInputCustomID identifies the text input inside the
	// caption modal.
	captionTextInputCustomID = "caption_text"

	// imageCacheKeyLength is the length of the random hex token keying
	// cached attachment URLs.
	imageCacheKeyLength = 16
)

// modelChoices are the completion models offered in the /settings and
// /setup-channel select menus.
var modelChoices = []struct {
	Name  string
	Value string
}{
	{Name: "Llama-3.3 70B (Default)", Value: "llama-3.3-70b-versatile"},
	{Name: "Llama-3 70B", Value: "llama3-70b-8192"},
	{Name: "Llama-3 8B (Faster)", Value: "llama3-8b-8192"},
	{Name: "Mixtral 8x7B", Value: "mixtral-8x7b-32768"},
}

// temperatureChoices are the temperatures offered in the /settings
// select menu.
var temperatureChoices = []struct {
	Name  string
	Value string
}{
	{Name: "0.2 (Focused)", Value: "0.2"},
	{Name: "0.5", Value: "0.5"},
	{Name: "1.0 (Default)", Value: "1.0"},
	{Name: "1.5 (Creative)", Value: "1.5"},
}

// Discord represents the Discord integration for Cortex.
//
// It manages the Discord session, handles interactions, and provides
// methods for interacting with the Discord API.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	metricMessagesHandled       atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	c                           *Cortex
}

// ackResponseFlag returns the appropriate discordgo.MessageFlags based on the given command.
func (*Discord) ackResponseFlag(command string) discordgo.MessageFlags {
	switch command {
	case DiscordSlashCommandChat:
		return discordgo.MessageFlagsLoading
	case DiscordSlashCommandCaption:
		return discordgo.MessageFlagsLoading
	default:
		return discordgo.MessageFlagsEphemeral
	}
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

// appCommandChat creates a new ApplicationCommand for the "chat" command.
// This command is used to initiate a chat interaction in Discord.
func (*Discord) appCommandChat(config RuntimeConfig) *discordgo.ApplicationCommand {
	minLength := 1
	var maxLength int
	if config.ChatCommandMaxLength > 0 {
		maxLength = config.ChatCommandMaxLength
	}
	dmPerm := true

	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}

	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}

	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandChat,
		Description:      config.ChatCommandDescription,
		DMPermission:     &dmPerm,
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        chatCommandMessageOption,
				Description: config.ChatCommandOptionDescription,
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   maxLength,
			},
		},
	}
}

// appCommandClear creates a new ApplicationCommand for the "clear" command.
func (*Discord) appCommandClear() *discordgo.ApplicationCommand {
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextPrivateChannel,
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}

	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationUserInstall,
		discordgo.ApplicationIntegrationGuildInstall,
	}

	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandClear,
		Type:             discordgo.ChatApplicationCommand,
		Description:      "Clear your conversation history in this channel",
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
	}
}

// appCommandSettings creates a new ApplicationCommand for the "settings"
// command, which shows the user's current generation settings with
// select menus to change them.
func (*Discord) appCommandSettings() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandSettings,
		Type:        discordgo.ChatApplicationCommand,
		Description: "View and change your AI assistant settings",
	}
}

// appCommandSetupChannel creates the "setup-channel" command, which
// marks a channel for automatic responses. Restricted to members with
// the Manage Channels permission.
func (*Discord) appCommandSetupChannel() *discordgo.ApplicationCommand {
	perms := int64(discordgo.PermissionManageChannels)
	choices := make(
		[]*discordgo.ApplicationCommandOptionChoice, 0, len(modelChoices),
	)
	for _, mc := range modelChoices {
		choices = append(
			choices, &discordgo.ApplicationCommandOptionChoice{
				Name:  mc.Name,
				Value: mc.Value,
			},
		)
	}
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandSetupChannel,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Set up a channel for automatic AI responses",
		DefaultMemberPermissions: &perms,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        setupChannelChannelOption,
				Description: "Channel to set up (defaults to the current channel)",
				Required:    false,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        setupChannelModelOption,
				Description: "Select AI model to use in this channel",
				Required:    false,
				Choices:     choices,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        setupChannelPromptOption,
				Description: "Custom system prompt for this channel",
				Required:    false,
			},
		},
	}
}

// appCommandRemoveChannel creates the "remove-channel" command.
func (*Discord) appCommandRemoveChannel() *discordgo.ApplicationCommand {
	perms := int64(discordgo.PermissionManageChannels)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandRemoveChannel,
		Type:                     discordgo.ChatApplicationCommand,
		Description:              "Stop automatic AI responses in a channel",
		DefaultMemberPermissions: &perms,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        setupChannelChannelOption,
				Description: "Channel to remove (defaults to the current channel)",
				Required:    false,
				ChannelTypes: []discordgo.ChannelType{
					discordgo.ChannelTypeGuildText,
				},
			},
		},
	}
}

// appCommandListChannels creates the "list-channels" command.
func (*Discord) appCommandListChannels() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandListChannels,
		Type:        discordgo.ChatApplicationCommand,
		Description: "List this server's AI channels",
	}
}

// appCommandHelp creates the "help" command.
func (*Discord) appCommandHelp() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandHelp,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Show available commands",
	}
}

// appCommandCaption creates the "caption" command, which takes an image
// attachment and opens a modal for the caption text.
func (*Discord) appCommandCaption() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandCaption,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Add caption text to an image",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionAttachment,
				Name:        captionImageOption,
				Description: "Image to caption",
				Required:    true,
			},
		},
	}
}

// regenerateComponents returns the action row holding the 'regenerate'
// button attached to the bot's most recent response.
func regenerateComponents() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Regenerate",
					Style:    discordgo.SecondaryButton,
					CustomID: regenerateButtonCustomID,
					Emoji:    &discordgo.ComponentEmoji{Name: "🔄"},
				},
			},
		},
	}
}

// settingsComponents returns the components attached to the /settings
// response: a select menu for the model, one for the temperature, and
// buttons toggling history and resetting to defaults.
func settingsComponents(user *User) []discordgo.MessageComponent {
	modelOptions := make(
		[]discordgo.SelectMenuOption, 0, len(modelChoices),
	)
	for _, mc := range modelChoices {
		modelOptions = append(
			modelOptions, discordgo.SelectMenuOption{
				Label:   mc.Name,
				Value:   mc.Value,
				Default: user.AIModel == mc.Value,
			},
		)
	}
	temperatureOptions := make(
		[]discordgo.SelectMenuOption, 0, len(temperatureChoices),
	)
	for _, tc := range temperatureChoices {
		temperatureOptions = append(
			temperatureOptions, discordgo.SelectMenuOption{
				Label: tc.Name,
				Value: tc.Value,
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    selectModelCustomID,
					Placeholder: "Select AI model",
					Options:     modelOptions,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    selectTemperatureCustomID,
					Placeholder: "Select temperature",
					Options:     temperatureOptions,
				},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				historyToggleButton(user),
				discordgo.Button{
					Label:    "Reset to Default",
					Style:    discordgo.SecondaryButton,
					CustomID: resetSettingsCustomID,
				},
			},
		},
	}
}

func historyToggleButton(user *User) discordgo.Button {
	if user.SaveHistory {
		return discordgo.Button{
			Label:    "Disable History",
			Style:    discordgo.DangerButton,
			CustomID: toggleHistoryCustomID,
		}
	}
	return discordgo.Button{
		Label:    "Enable History",
		Style:    discordgo.SuccessButton,
		CustomID: toggleHistoryCustomID,
	}
}

// captionModal builds the modal shown after /caption, carrying the
// image cache token in its custom ID.
func captionModal(
	config RuntimeConfig,
	cacheKey string,
) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: fmt.Sprintf(
				customIDFormat, captionModalCustomID, cacheKey,
			),
			Title: config.CaptionModalTitle,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:  captionTextInputCustomID,
							Label:     config.CaptionModalInputLabel,
							Style:     discordgo.TextInputParagraph,
							Required:  true,
							MaxLength: config.CaptionModalMaxLength,
						},
					},
				},
			},
		},
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		config := d.c.RuntimeConfig()
		if config.DiscordNotificationChannelID != "" {
			d.logger.Info("sending notification")
			if sendErr := d.channelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	runtimeConfig RuntimeConfig,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandChat(runtimeConfig),
		d.appCommandClear(),
		d.appCommandSettings(),
		d.appCommandSetupChannel(),
		d.appCommandRemoveChannel(),
		d.appCommandListChannels(),
		d.appCommandHelp(),
		d.appCommandCaption(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands to create")
		panic("no commands to create")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d *Discord) ackResponse(commandName string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: d.ackResponseFlag(commandName),
		},
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with components and/or
	// embeds to a specified channel.
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageEditComplex edits an existing message, used to strip
	// components from the bot's previous response.
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelTyping shows a typing indicator in the given channel.
	ChannelTyping(
		channelID string,
		options ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse gets the response to an interaction
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate creates a followup message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	GatewayBot(options ...discordgo.RequestOption) (st *discordgo.GatewayBotResponse, err error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) GatewayBot(options ...discordgo.RequestOption) (
	st *discordgo.GatewayBotResponse,
	err error,
) {
	d.logger.Info("retrieving gateway bot")
	gb, err := d.session.GatewayBot(options...)
	if err != nil {
		d.logger.Error("error retrieving gateway bot", tint.Err(err))
	} else {
		d.logger.Info("retrieved gateway bot", "gateway_bot", structToSlogValue(gb))
	}
	return gb, err
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"content", content,
			"reference", reference,
		)
	} else {
		d.logger.Info(
			"sent message reply",
			"channel_id", channelID,
			"content", content,
			"reference", reference,
			"msg", msg,
		)
	}
	return msg, err
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponse(interaction, options...)
	if err != nil {
		d.logger.Error("error getting interaction response", tint.Err(err))
	} else {
		d.logger.Info("got interaction response", "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.FollowupMessageCreate(interaction, wait, data, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) ChannelTyping(
	channelID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(
	status string,
) error {
	return d.session.UpdateCustomStatus(status)
}

// DiscordMessage is a DB model which logs details about an incoming
// discord message received via the discordgo.MessageCreate handler.
// These are limited to messages seen in configured AI channels.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID           string `json:"message_id"`
	Content             string `json:"content"`
	ChannelID           string `json:"channel_id"`
	GuildID             string `json:"guild_id"`
	UserID              string `json:"user_id"`
	Username            string `json:"username"`
	GlobalName          string `json:"global_name"`
	InteractionID       string `json:"interaction_id"`
	ReferencedMessageID string `json:"referenced_message_id"`
	Payload             string `json:"payload"`
}

func NewDiscordMessage(m *discordgo.Message) DiscordMessage {
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	dm := DiscordMessage{
		MessageID: m.ID,
		Content:   m.Content,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
	}

	if user != nil {
		dm.UserID = user.ID
		dm.Username = user.Username
		dm.GlobalName = user.GlobalName
	}

	if m.MessageReference != nil {
		dm.ReferencedMessageID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		dm.ReferencedMessageID = m.ReferencedMessage.ID
	}

	if m.Interaction != nil {
		dm.InteractionID = m.Interaction.ID
	}
	if dm.InteractionID == "" && m.ReferencedMessage != nil && m.ReferencedMessage.Interaction != nil {
		dm.InteractionID = m.ReferencedMessage.Interaction.ID
	}
	data, err := json.Marshal(m)
	if err == nil {
		dm.Payload = string(data)
	}
	return dm
}

// getDiscordUser returns the discord user attached to an interaction,
// whether it arrived from a guild (Member) or a DM (User).
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.User != nil {
		return i.User
	}
	if i.Member != nil {
		return i.Member.User
	}
	return nil
}
