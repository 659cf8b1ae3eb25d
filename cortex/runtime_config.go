package cortex

import (
	"context"
	"log/slog"
	"reflect"

	"gorm.io/gorm"
)

const (
	DefaultAIModel                  = "llama-3.3-70b-versatile"
	DefaultTemperature              = float32(1)
	DefaultMaxTokens                = 1024
	DefaultSystemPrompt             = "You are a helpful AI assistant powered by Groq and integrated with Discord. You provide concise and accurate responses."
	DefaultGroqMaxRequestsPerSecond = 1

	DefaultChatCommandDescription       = "Chat with me!"
	DefaultChatCommandOptionDescription = "What would you like to say or ask?"
	DefaultChatCommandMaxLength         = 2000
	DefaultDiscordErrorMessage          = "sorry, something went wrong!"
	DefaultCaptionModalTitle            = "Add text to image"
	DefaultCaptionModalInputLabel       = "Chatlog"
	DefaultCaptionModalMaxLength        = 4000
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigPaused        = "paused"
)

// CommandOptions holds the options applied while executing user commands:
// the generation defaults seeded into new user records, the default
// system prompt, and user-facing option strings.
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	// Generation settings used as defaults for new users, and for
	// channel responses where the channel has no model override
	UserSettings

	// SystemPrompt seeds new conversations
	SystemPrompt string `json:"system_prompt" gorm:"type:string"`

	// RecoverPanic determines whether the bot should recover from panics
	// while processing user commands
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message to send to the user if an error is encountered during
	// their command execution, which prevents the command from finishing normally
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// If specified, the bot will send certain events to the specified channel,
	// such as errors and gateway connects
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`

	// CaptionModalTitle is the title of the caption text modal.
	CaptionModalTitle string `json:"caption_modal_title" gorm:"default:Add text to image"`

	// CaptionModalInputLabel is the label for the caption input in the modal.
	CaptionModalInputLabel string `json:"caption_modal_input_label" gorm:"default:Chatlog;size:45" binding:"min=0,max=45"`

	// CaptionModalMaxLength is the maximum length for caption text.
	CaptionModalMaxLength int `json:"caption_modal_max_length" gorm:"default:4000" binding:"min=0,max=4000"`
}

// RuntimeConfig represents the runtime configuration of the Cortex bot.
// It stores settings that can be modified during runtime and persisted
// across restarts. This struct is used to manage the 'live' application
// state for states we would want to maintain across restarts (e.g.,
// being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused indicates whether the bot is currently paused.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// ChatCommandDescription is the description for the 'chat' command.
	ChatCommandDescription string `json:"chat_command_description" gorm:"default:Chat with me!" binding:"min=1,max=100"`

	// ChatCommandOptionDescription is the description for the 'chat' command's option.
	ChatCommandOptionDescription string `json:"chat_command_option_description" gorm:"default:What would you like to say or ask?" binding:"min=1,max=100"`

	// ChatCommandMaxLength is the maximum length for a 'chat' command prompt.
	ChatCommandMaxLength int `json:"chat_command_max_length" gorm:"default:2000" binding:"omitempty,min=1,max=6000"`

	// GroqMaxRequestsPerSecond is the rate limit for how many completion
	// API requests can be made per second
	GroqMaxRequestsPerSecond int `gorm:"column:groq_max_requests_per_second;default:1" json:"groq_max_requests_per_second" binding:"min=1"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// GroqLogLevel is the logging level for completion API operations.
	GroqLogLevel DBLogLevel `gorm:"default:INFO;column:groq_log_level;type:string;check:groq_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"groq_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

// DefaultUserSettings returns the generation settings seeded into new
// user records.
func (c RuntimeConfig) DefaultUserSettings() UserSettings {
	return c.UserSettings
}

func DefaultRuntimeConfig() RuntimeConfig {
	b := RuntimeConfig{
		CommandOptions: CommandOptions{
			UserSettings: UserSettings{
				AIModel:     DefaultAIModel,
				Temperature: DefaultTemperature,
				MaxTokens:   DefaultMaxTokens,
				SaveHistory: true,
			},
			SystemPrompt:           DefaultSystemPrompt,
			RecoverPanic:           false,
			DiscordErrorMessage:    DefaultDiscordErrorMessage,
			CaptionModalTitle:      DefaultCaptionModalTitle,
			CaptionModalInputLabel: DefaultCaptionModalInputLabel,
			CaptionModalMaxLength:  DefaultCaptionModalMaxLength,
		},
		ChatCommandDescription:       DefaultChatCommandDescription,
		ChatCommandOptionDescription: DefaultChatCommandOptionDescription,
		ChatCommandMaxLength:         DefaultChatCommandMaxLength,
		GroqMaxRequestsPerSecond:     DefaultGroqMaxRequestsPerSecond,
		DiscordCustomStatus:          DefaultDiscordCustomStatus,
		LogLevel:                     DBLogLevel(slog.LevelInfo.String()),
		GroqLogLevel:                 DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:              DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:            DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:             DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:                  DBLogLevel(slog.LevelInfo.String()),
	}
	return b
}

// RuntimeConfigUpdate is a partial update of [RuntimeConfig]. Nil fields
// are left unchanged.
//
//nolint:lll // struct tags can't be split
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	ChatCommandDescription       *string `json:"chat_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	ChatCommandOptionDescription *string `json:"chat_command_option_description,omitempty" binding:"omitnil,min=1,max=100"`
	ChatCommandMaxLength         *int    `json:"chat_command_max_length,omitempty" binding:"omitnil,min=1,max=6000"`

	CaptionModalTitle      *string `json:"caption_modal_title,omitempty"`
	CaptionModalInputLabel *string `json:"caption_modal_input_label,omitempty" binding:"omitnil,min=0,max=45"`
	CaptionModalMaxLength  *int    `json:"caption_modal_max_length,omitempty" binding:"omitnil,min=0,max=4000"`

	AIModel      *string  `json:"ai_model,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty"`
	Temperature  *float32 `json:"temperature,omitempty" binding:"omitnil,min=0,max=2"`
	MaxTokens    *int     `json:"max_tokens,omitempty" binding:"omitnil,min=1"`
	SaveHistory  *bool    `json:"save_history,omitempty"`

	GroqMaxRequestsPerSecond *int `json:"groq_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=30000"`

	LogLevel          *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	GroqLogLevel      *DBLogLevel `json:"groq_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel   *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel  *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel       *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

// runtimeConfigValueChanged accepts two interface{} values,
// where runtimeConfigVal should be the value of a field from RuntimeConfig,
// and runtimeConfigUpdateVal should be the value of a field from
// RuntimeConfigUpdate.
// A boolean is returned, where `true` indicates that runtimeConfigUpdateVal
// is non-nil, and its dereferenced value is different from runtimeConfigVal.
func runtimeConfigValueChanged(runtimeConfigVal, runtimeConfigUpdateVal any) bool {
	newValRef := reflect.ValueOf(runtimeConfigUpdateVal)
	if newValRef.Kind() != reflect.Ptr {
		return false
	}

	if newValRef.IsNil() {
		return false
	}

	updateValDereferenced := newValRef.Elem().Interface()

	return !reflect.DeepEqual(runtimeConfigVal, updateValDereferenced)
}

// updateUsersFromRuntimeConfig determines which generation defaults have
// changed between the current RuntimeConfig and an update payload. For
// each changed default, user records still carrying the old default are
// updated to the new value, without overwriting user-specific settings.
func updateUsersFromRuntimeConfig(
	ctx context.Context,
	db DBI,
	update RuntimeConfigUpdate,
	currentConfig *RuntimeConfig,
) error {
	log, ok := ContextLogger(ctx)
	if !ok || log == nil {
		log = slog.Default()
	}

	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			updateField := func(
				updateVal any,
				currentVal any,
				column string,
				newVal any,
			) error {
				if !runtimeConfigValueChanged(currentVal, updateVal) {
					return nil
				}
				log.InfoContext(
					ctx,
					"globally updating user field",
					"field", column,
					"current", currentVal,
					"new", newVal,
				)
				return tx.Model(&User{}).Where(
					column+" = ?", currentVal,
				).Update(column, newVal).Error
			}

			if update.AIModel != nil {
				if err := updateField(
					update.AIModel,
					currentConfig.AIModel,
					columnUserAIModel,
					*update.AIModel,
				); err != nil {
					return err
				}
			}
			if update.Temperature != nil {
				if err := updateField(
					update.Temperature,
					currentConfig.Temperature,
					columnUserTemperature,
					*update.Temperature,
				); err != nil {
					return err
				}
			}
			if update.MaxTokens != nil {
				if err := updateField(
					update.MaxTokens,
					currentConfig.MaxTokens,
					columnUserMaxTokens,
					*update.MaxTokens,
				); err != nil {
					return err
				}
			}
			return nil
		},
	)
}
