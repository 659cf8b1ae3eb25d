package cortex

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestGetOrCreateChannel(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	settings := ChannelSettings{
		AIModel:      "llama-3.3-70b-versatile",
		SystemPrompt: "You are a pirate.",
	}
	channel, isNew, err := db.GetOrCreateChannel(
		ctx, "guild-1", "channel-1", "user-1", settings,
	)
	require.NoError(t, err)
	require.NotNil(t, channel)
	assert.True(t, isNew)
	assert.Equal(t, "user-1", channel.CreatedBy)
	assert.Equal(t, settings, channel.ChannelSettings)

	// A second setup attempt by another user returns the existing record
	again, isNew, err := db.GetOrCreateChannel(
		ctx, "guild-1", "channel-1", "user-2", ChannelSettings{},
	)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, channel.ID, again.ID)
	assert.Equal(t, "user-1", again.CreatedBy)
	assert.Equal(t, settings, again.ChannelSettings)
}

func TestGetChannel_NotFound(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, err := db.GetChannel(ctx, "guild-1", "channel-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestGuildChannels(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	_, _, err := db.GetOrCreateChannel(
		ctx, "guild-1", "channel-1", "user-1", ChannelSettings{},
	)
	require.NoError(t, err)
	_, _, err = db.GetOrCreateChannel(
		ctx, "guild-1", "channel-2", "user-1", ChannelSettings{},
	)
	require.NoError(t, err)
	_, _, err = db.GetOrCreateChannel(
		ctx, "guild-2", "channel-3", "user-1", ChannelSettings{},
	)
	require.NoError(t, err)

	channels, err := GuildChannels(ctx, db.DB(), "guild-1")
	require.NoError(t, err)
	require.Equal(t, 2, len(channels))
	assert.Equal(t, "channel-1", channels[0].ChannelID)
	assert.Equal(t, "channel-2", channels[1].ChannelID)

	channels, err = GuildChannels(ctx, db.DB(), "guild-3")
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestRemoveChannel_LeavesConversations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	channel, _, err := db.GetOrCreateChannel(
		ctx, "guild-1", "channel-1", "user-1", ChannelSettings{},
	)
	require.NoError(t, err)

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	require.NoError(t, RemoveChannel(ctx, db, channel))

	_, err = db.GetChannel(ctx, "guild-1", "channel-1")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))

	// The conversation survives channel removal
	reloaded, isNew, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, conv.ID, reloaded.ID)
}
