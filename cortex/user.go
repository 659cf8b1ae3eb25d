package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnUserIgnored     = "ignored"
	columnUserContent     = "content"
	columnUserUsername    = "username"
	columnUserGlobalName  = "global_name"
	columnUserLastSeen    = "last_seen"
	columnUserAIModel     = "ai_model"
	columnUserTemperature = "temperature"
	columnUserMaxTokens   = "max_tokens"
	columnUserSaveHistory = "save_history"
)

// UserSettings holds the per-user generation settings applied to direct
// chat requests. Embedded in [User], seeded from the runtime config
// defaults when a user record is first created.
//
//nolint:lll // struct tags can't be split
type UserSettings struct {
	// AIModel is the completion model used for this user's requests
	AIModel string `json:"ai_model" gorm:"column:ai_model"`

	// Temperature used for this user's completion requests
	Temperature float32 `json:"temperature" gorm:"column:temperature"`

	// MaxTokens caps the completion length for this user's requests
	MaxTokens int `json:"max_tokens" gorm:"column:max_tokens"`

	// SaveHistory indicates whether this user's conversation history is
	// persisted between requests. When false, each request is answered
	// with only the system prompt and the new message.
	SaveHistory bool `json:"save_history" gorm:"column:save_history"`
}

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots will be ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are Cortex-specific
	//

	// If true, requests from this user will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user was seen in a Discord interaction
	// (whether it was from a slash command, clicking a button, etc.)
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	// User-specific generation settings
	UserSettings

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	content, _ := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Ignored:    false,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("id", u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
		slog.String("ai_model", u.AIModel),
		slog.Bool("save_history", u.SaveHistory),
	)
}

// userChangedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns a bool indicating whether either
// field has changed (true) or not (false). This helps avoid 'drift'
// if the user updates their Discord profile.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// UserSettingsUpdate is a partial update of [UserSettings]. Nil fields are
// left unchanged, so a user can adjust one setting without clobbering the
// rest.
//
//nolint:lll // struct tags can't be split
type UserSettingsUpdate struct {
	AIModel     *string  `json:"ai_model,omitempty" mapstructure:"ai_model,omitempty"`
	Temperature *float32 `json:"temperature,omitempty" mapstructure:"temperature,omitempty" binding:"omitnil,min=0,max=2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" mapstructure:"max_tokens,omitempty" binding:"omitnil,min=1"`
	SaveHistory *bool    `json:"save_history,omitempty" mapstructure:"save_history,omitempty"`
	Ignored     *bool    `json:"ignored,omitempty" mapstructure:"ignored,omitempty"`
}

// columnUpdates returns a column-to-value map with only the fields that
// are set, suitable for passing to [DBI.Updates].
func (u UserSettingsUpdate) columnUpdates() map[string]any {
	updates := map[string]any{}
	if u.AIModel != nil {
		updates[columnUserAIModel] = *u.AIModel
	}
	if u.Temperature != nil {
		updates[columnUserTemperature] = *u.Temperature
	}
	if u.MaxTokens != nil {
		updates[columnUserMaxTokens] = *u.MaxTokens
	}
	if u.SaveHistory != nil {
		updates[columnUserSaveHistory] = *u.SaveHistory
	}
	if u.Ignored != nil {
		updates[columnUserIgnored] = *u.Ignored
	}
	return updates
}

// ApplyTo applies the set fields to the given user record, persisting
// only the changed columns.
func (u UserSettingsUpdate) ApplyTo(
	ctx context.Context,
	db DBI,
	user *User,
) error {
	updates := u.columnUpdates()
	if len(updates) == 0 {
		return nil
	}
	if u.AIModel != nil {
		user.AIModel = *u.AIModel
	}
	if u.Temperature != nil {
		user.Temperature = *u.Temperature
	}
	if u.MaxTokens != nil {
		user.MaxTokens = *u.MaxTokens
	}
	if u.SaveHistory != nil {
		user.SaveHistory = *u.SaveHistory
	}
	if u.Ignored != nil {
		user.Ignored = *u.Ignored
	}
	if _, err := db.Updates(ctx, user, updates); err != nil {
		return newPersistenceError("update user settings", err)
	}
	return nil
}

// UserStats summarizes a user's command activity, for the admin API.
type UserStats struct {
	ChatCommands  int64 `json:"chat_commands"`
	ClearCommands int64 `json:"clear_commands"`
}

func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	var s UserStats

	if err := db.WithContext(ctx).Model(&ChatCommand{}).Where(
		"user_id = ?", u.ID,
	).Count(&s.ChatCommands).Error; err != nil {
		return s, err
	}
	err := db.WithContext(ctx).Model(&ClearCommand{}).Where(
		"user_id = ?", u.ID,
	).Count(&s.ClearCommands).Error
	return s, err
}
