package cortex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnChannelAIModel      = "ai_model"
	columnChannelSystemPrompt = "system_prompt"
)

// ChannelSettings holds the generation settings applied to automatic
// responses in a configured channel. Embedded in [Channel].
//
//nolint:lll // struct tags can't be split
type ChannelSettings struct {
	// AIModel is the completion model used for this channel's responses
	AIModel string `json:"ai_model" gorm:"column:ai_model"`

	// SystemPrompt is the persona prompt seeding this channel's
	// conversation
	SystemPrompt string `json:"system_prompt" gorm:"column:system_prompt"`
}

// Channel is a record of a guild channel the bot automatically responds
// in. Messages sent in a configured channel are answered without a slash
// command, using the channel's shared conversation.
//
//nolint:lll // struct tags can't be split
type Channel struct {
	ModelUintID

	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"uniqueIndex:idx_guild_channel;not null"`

	// ChannelID is the Discord channel ID
	ChannelID string `json:"channel_id" gorm:"uniqueIndex:idx_guild_channel;not null"`

	// CreatedBy is the Discord user ID of whoever ran /setup-channel
	CreatedBy string `json:"created_by" gorm:"not null"`

	ChannelSettings

	ModelUnixTime
}

func (c *Channel) String() string {
	return fmt.Sprintf("channel %s (guild %s)", c.ChannelID, c.GuildID)
}

func (c *Channel) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.String("guild_id", c.GuildID),
		slog.String("channel_id", c.ChannelID),
		slog.String("created_by", c.CreatedBy),
		slog.String("ai_model", c.AIModel),
	)
}

// GetChannel returns the channel record for the given guild/channel pair,
// or gorm.ErrRecordNotFound via the error if the channel has not been
// set up.
func (d *database) GetChannel(
	ctx context.Context,
	guildID string,
	channelID string,
) (*Channel, error) {
	var channel Channel
	err := d.db.WithContext(ctx).Where(
		"guild_id = ? AND channel_id = ?", guildID, channelID,
	).First(&channel).Error
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

// GetOrCreateChannel retrieves a channel record, creating one if it does
// not exist. Concurrent /setup-channel invocations for the same channel
// result in a single row, with the loser of the race re-reading the
// winner's record.
func (d *database) GetOrCreateChannel(
	ctx context.Context,
	guildID string,
	channelID string,
	createdBy string,
	settings ChannelSettings,
) (*Channel, bool, error) {
	existing, err := d.GetChannel(ctx, guildID, channelID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, newPersistenceError("get channel", err)
	}

	channel := &Channel{
		GuildID:         guildID,
		ChannelID:       channelID,
		CreatedBy:       createdBy,
		ChannelSettings: settings,
	}
	if !d.enableConcurrentWrites {
		d.mu.Lock()
	}
	createErr := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{DoNothing: true},
	).Create(channel).Error
	if !d.enableConcurrentWrites {
		d.mu.Unlock()
	}
	if createErr != nil {
		return nil, false, newPersistenceError("create channel", createErr)
	}

	created, err := d.GetChannel(ctx, guildID, channelID)
	if err != nil {
		return nil, false, newPersistenceError("get channel", err)
	}
	return created, created.CreatedBy == createdBy, nil
}

// GuildChannels returns all configured channels for the given guild.
func GuildChannels(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) ([]Channel, error) {
	var channels []Channel
	err := db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("id").Find(&channels).Error
	return channels, err
}

// RemoveChannel deletes the channel record, so the bot stops responding
// automatically in the channel. Conversations are left intact - they
// belong to (user, channel) pairs and remain usable via /chat.
func RemoveChannel(
	ctx context.Context,
	db DBI,
	channel *Channel,
) error {
	if _, err := db.Delete(channel); err != nil {
		return newPersistenceError("remove channel", err)
	}
	return nil
}
