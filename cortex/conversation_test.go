package cortex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, isNew, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "You are a helpful assistant.",
	)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.True(t, isNew)
	assert.Equal(t, "user-1", conv.UserID)
	assert.Equal(t, "channel-1", conv.ChannelID)

	messages, err := conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	require.Equal(t, 1, len(messages))
	assert.Equal(t, MessageRoleSystem, messages[0].Role)
	assert.Equal(t, "You are a helpful assistant.", messages[0].Content)

	// Second call returns the same conversation, without re-seeding
	again, isNew, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "A different prompt.",
	)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, conv.ID, again.ID)

	messages, err = again.Messages(ctx, db.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, len(messages))
	assert.Equal(t, "You are a helpful assistant.", messages[0].Content)
}

func TestGetOrCreateConversation_DistinctPerChannel(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "prompt",
	)
	require.NoError(t, err)
	second, isNew, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-2", "prompt",
	)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestConversation_AddMessageOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	err = conv.AddMessage(ctx, db, MessageRoleUser, "hello")
	require.NoError(t, err)
	err = conv.AddMessage(ctx, db, MessageRoleAssistant, "hi there")
	require.NoError(t, err)
	err = conv.AddMessage(ctx, db, MessageRoleUser, "how are you?")
	require.NoError(t, err)

	messages, err := conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	require.Equal(t, 4, len(messages))
	assert.Equal(t, MessageRoleSystem, messages[0].Role)
	assert.Equal(t, "hello", messages[1].Content)
	assert.Equal(t, "hi there", messages[2].Content)
	assert.Equal(t, "how are you?", messages[3].Content)
}

func TestConversation_CompletionMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	err = conv.AddMessage(ctx, db, MessageRoleUser, "hello")
	require.NoError(t, err)

	completionMessages, err := conv.CompletionMessages(ctx, db.DB())
	require.NoError(t, err)
	assert.Equal(
		t,
		[]CompletionMessage{
			{Role: MessageRoleSystem, Content: "system prompt"},
			{Role: MessageRoleUser, Content: "hello"},
		},
		completionMessages,
	)
}

func TestConversation_PopLastAssistant(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	err = conv.AddMessage(ctx, db, MessageRoleUser, "hello")
	require.NoError(t, err)
	err = conv.AddMessage(ctx, db, MessageRoleAssistant, "hi there")
	require.NoError(t, err)

	popped, err := conv.PopLastAssistant(ctx, db)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, "hi there", popped.Content)

	messages, err := conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	require.Equal(t, 2, len(messages))
	assert.Equal(t, MessageRoleUser, messages[1].Role)

	// Last message is now from the user, so nothing is popped
	popped, err = conv.PopLastAssistant(ctx, db)
	require.NoError(t, err)
	assert.Nil(t, popped)

	messages, err = conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	assert.Equal(t, 2, len(messages))
}

func TestConversation_PopLastAssistant_SystemOnly(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	popped, err := conv.PopLastAssistant(ctx, db)
	require.NoError(t, err)
	assert.Nil(t, popped)

	messages, err := conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, len(messages))
}

func TestConversation_Clear(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	err = conv.AddMessage(ctx, db, MessageRoleUser, "hello")
	require.NoError(t, err)
	err = conv.AddMessage(ctx, db, MessageRoleAssistant, "hi there")
	require.NoError(t, err)

	require.NoError(t, conv.Clear(ctx, db))

	messages, err := conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	require.Equal(t, 1, len(messages))
	assert.Equal(t, MessageRoleSystem, messages[0].Role)
	assert.Equal(t, "system prompt", messages[0].Content)

	// Clearing an already-clear conversation is a no-op
	require.NoError(t, conv.Clear(ctx, db))
	messages, err = conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	assert.Equal(t, 1, len(messages))
}

func TestConversation_Clear_KeepsAllSystemMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)

	err = conv.AddMessage(ctx, db, MessageRoleUser, "hello")
	require.NoError(t, err)
	err = conv.AddMessage(ctx, db, MessageRoleSystem, "addendum")
	require.NoError(t, err)
	err = conv.AddMessage(ctx, db, MessageRoleAssistant, "hi there")
	require.NoError(t, err)

	require.NoError(t, conv.Clear(ctx, db))

	messages, err := conv.Messages(ctx, db.DB())
	require.NoError(t, err)
	require.Equal(t, 2, len(messages))
	assert.Equal(t, "system prompt", messages[0].Content)
	assert.Equal(t, "addendum", messages[1].Content)
}

func TestConversation_SetLastMessageID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)
	assert.Empty(t, conv.LastMessageID)

	require.NoError(t, conv.SetLastMessageID(ctx, db, "msg-123"))
	assert.Equal(t, "msg-123", conv.LastMessageID)

	reloaded, _, err := db.GetOrCreateConversation(
		ctx, "user-1", "channel-1", "system prompt",
	)
	require.NoError(t, err)
	assert.Equal(t, "msg-123", reloaded.LastMessageID)
}
