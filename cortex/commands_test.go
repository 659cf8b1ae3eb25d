package cortex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubInteractionHandler records interaction responses instead of
// calling the Discord API.
type stubInteractionHandler struct {
	i         *discordgo.InteractionCreate
	config    CommandOptions
	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	followups []*discordgo.WebhookParams
	deleted   bool

	messageCounter int
}

func newStubHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		i:      i,
		config: DefaultRuntimeConfig().CommandOptions,
	}
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.responses = append(s.responses, i)
	return nil
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) *discordgo.Message {
	s.edits = append(s.edits, e)
	s.messageCounter++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", s.messageCounter)}
}

func (s *stubInteractionHandler) Followup(
	_ context.Context,
	params *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) *discordgo.Message {
	s.followups = append(s.followups, params)
	s.messageCounter++
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", s.messageCounter)}
}

func (s *stubInteractionHandler) Delete(
	_ context.Context,
	_ ...discordgo.RequestOption,
) {
	s.deleted = true
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.i
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return slog.Default()
}

func (s *stubInteractionHandler) Config() CommandOptions {
	return s.config
}

func (s *stubInteractionHandler) lastEditContent(t testing.TB) string {
	t.Helper()
	require.NotEmpty(t, s.edits)
	edit := s.edits[len(s.edits)-1]
	require.NotNil(t, edit.Content)
	return *edit.Content
}

// testCortex assembles a Cortex with a real sqlite database and a faked
// completion client, without any Discord or HTTP connectivity.
func testCortex(t testing.TB, client CompletionClient) *Cortex {
	t.Helper()

	c := &Cortex{
		config:     DefaultConfig(),
		db:         testDB(t),
		logger:     slog.Default(),
		imageCache: NewImageCache(time.Minute),
	}
	runtimeConfig := DefaultRuntimeConfig()
	c.runtimeConfig = &runtimeConfig

	c.discord = &Discord{
		config: c.config.Discord,
		logger: slog.Default(),
		c:      c,
	}
	c.groq = newTestGroq(client)
	return c
}

func chatInteraction(t testing.TB, prompt string) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("i_%s", t.Name()),
			ChannelID: "channel-1",
			User: &discordgo.User{
				ID:       fmt.Sprintf("userid_%s", t.Name()),
				Username: fmt.Sprintf("user_%s", t.Name()),
			},
			Context: discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandChat,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  chatCommandMessageOption,
						Type:  discordgo.ApplicationCommandOptionString,
						Value: prompt,
					},
				},
			},
		},
	}
}

func TestChatCommand(t *testing.T) {
	client := &fakeCompletionClient{response: completionResponse("ahoy there!")}
	c := testCortex(t, client)
	ctx := context.Background()

	i := chatInteraction(t, "hello bot")
	handler := newStubHandler(i)

	c.chatCommand(ctx, i.User, i, handler)

	// Deferred ack, then the response delivered via edit
	require.Equal(t, 1, len(handler.responses))
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		handler.responses[0].Type,
	)
	assert.Equal(t, "ahoy there!", handler.lastEditContent(t))

	// Final chunk carries the regenerate button
	finalEdit := handler.edits[len(handler.edits)-1]
	require.NotNil(t, finalEdit.Components)
	assert.Equal(t, 1, len(*finalEdit.Components))

	var rec ChatCommand
	require.NoError(t, c.db.DB().Last(&rec).Error)
	assert.Equal(t, ChatCommandStateCompleted, rec.State)
	assert.Equal(t, "hello bot", rec.Prompt)
	assert.Equal(t, i.User.ID, rec.UserID)
	assert.Equal(t, 15, rec.TotalTokens)
	require.NotNil(t, rec.FinishedAt)

	conversation, isNew, err := c.db.GetOrCreateConversation(
		ctx, i.User.ID, "channel-1", "unused",
	)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.NotEmpty(t, conversation.LastMessageID)

	messages, err := conversation.Messages(ctx, c.db.DB())
	require.NoError(t, err)
	require.Equal(t, 3, len(messages))
	assert.Equal(t, MessageRoleSystem, messages[0].Role)
	assert.Equal(t, "hello bot", messages[1].Content)
	assert.Equal(t, "ahoy there!", messages[2].Content)

	var logCount int64
	require.NoError(
		t, c.db.DB().Model(&CompletionLog{}).Count(&logCount).Error,
	)
	assert.Equal(t, int64(1), logCount)
}

func TestChatCommand_HistoryDisabled(t *testing.T) {
	client := &fakeCompletionClient{response: completionResponse("just this once")}
	c := testCortex(t, client)
	ctx := context.Background()

	i := chatInteraction(t, "no memory please")
	user, _, err := c.db.GetOrCreateUser(ctx, nil, *i.User)
	require.NoError(t, err)
	saveHistory := false
	update := UserSettingsUpdate{SaveHistory: &saveHistory}
	require.NoError(t, update.ApplyTo(ctx, c.db, user))

	handler := newStubHandler(i)
	c.chatCommand(ctx, i.User, i, handler)

	assert.Equal(t, "just this once", handler.lastEditContent(t))

	// Upstream sees only the system prompt and the new message
	require.Equal(t, 1, len(client.requests))
	payload := client.requests[0].Messages
	require.Equal(t, 2, len(payload))
	assert.Equal(t, openai.ChatMessageRoleSystem, payload[0].Role)
	assert.Equal(t, "no memory please", payload[1].Content)

	// Neither turn is persisted
	conversation, isNew, err := c.db.GetOrCreateConversation(
		ctx, i.User.ID, "channel-1", "unused",
	)
	require.NoError(t, err)
	assert.False(t, isNew)

	messages, err := conversation.Messages(ctx, c.db.DB())
	require.NoError(t, err)
	require.Equal(t, 1, len(messages))
	assert.Equal(t, MessageRoleSystem, messages[0].Role)
}

func TestChatCommand_IgnoredUser(t *testing.T) {
	client := &fakeCompletionClient{response: completionResponse("unused")}
	c := testCortex(t, client)
	ctx := context.Background()

	i := chatInteraction(t, "hello bot")

	// Pre-create the user as ignored
	user, _, err := c.db.GetOrCreateUser(ctx, c, *i.User)
	require.NoError(t, err)
	ignored := true
	require.NoError(
		t, UserSettingsUpdate{Ignored: &ignored}.ApplyTo(ctx, c.db, user),
	)

	handler := newStubHandler(i)
	c.chatCommand(ctx, i.User, i, handler)

	assert.True(t, handler.deleted)
	assert.Empty(t, handler.edits)
	assert.Empty(t, client.requests)

	var rec ChatCommand
	require.NoError(t, c.db.DB().Last(&rec).Error)
	assert.Equal(t, ChatCommandStateIgnored, rec.State)
}

func TestChatCommand_Paused(t *testing.T) {
	client := &fakeCompletionClient{response: completionResponse("unused")}
	c := testCortex(t, client)
	ctx := context.Background()

	paused := c.RuntimeConfig()
	paused.Paused = true
	c.setRuntimeConfig(paused)

	i := chatInteraction(t, "hello bot")
	handler := newStubHandler(i)
	c.chatCommand(ctx, i.User, i, handler)

	assert.True(t, handler.deleted)
	assert.Empty(t, client.requests)
}

func TestChatCommand_PromptTooLong(t *testing.T) {
	client := &fakeCompletionClient{response: completionResponse("unused")}
	c := testCortex(t, client)
	ctx := context.Background()

	config := c.RuntimeConfig()
	config.ChatCommandMaxLength = 5
	c.setRuntimeConfig(config)

	i := chatInteraction(t, "this prompt is far too long")
	handler := newStubHandler(i)
	c.chatCommand(ctx, i.User, i, handler)

	assert.Contains(t, handler.lastEditContent(t), "message too long")
	assert.Empty(t, client.requests)

	var rec ChatCommand
	require.NoError(t, c.db.DB().Last(&rec).Error)
	assert.Equal(t, ChatCommandStateFailed, rec.State)
	assert.NotEmpty(t, rec.Error)
}

func TestChatCommand_GenerationError(t *testing.T) {
	client := &fakeCompletionClient{err: errors.New("api down")}
	c := testCortex(t, client)
	ctx := context.Background()

	i := chatInteraction(t, "hello bot")
	handler := newStubHandler(i)
	c.chatCommand(ctx, i.User, i, handler)

	// The upstream error is not shown to the user
	assert.Equal(
		t, DefaultDiscordErrorMessage, handler.lastEditContent(t),
	)

	var rec ChatCommand
	require.NoError(t, c.db.DB().Last(&rec).Error)
	assert.Equal(t, ChatCommandStateFailed, rec.State)
	assert.Contains(t, string(rec.Error), "api down")
}

func TestChatCommand_ChunkedResponse(t *testing.T) {
	long := ""
	for len(long) <= discordMaxMessageLength {
		long += "a lengthy sentence to pad out the response.\n"
	}
	client := &fakeCompletionClient{response: completionResponse(long)}
	c := testCortex(t, client)
	ctx := context.Background()

	i := chatInteraction(t, "tell me everything")
	handler := newStubHandler(i)
	c.chatCommand(ctx, i.User, i, handler)

	// First chunk edits the deferred response, the rest follow up
	require.NotEmpty(t, handler.edits)
	require.NotEmpty(t, handler.followups)

	// Only the final message carries components
	for _, edit := range handler.edits[1:] {
		assert.Nil(t, edit.Components)
	}
	for n, followup := range handler.followups {
		if n == len(handler.followups)-1 {
			assert.NotEmpty(t, followup.Components)
		} else {
			assert.Empty(t, followup.Components)
		}
	}
}

func TestClearCommand(t *testing.T) {
	client := &fakeCompletionClient{response: completionResponse("hi!")}
	c := testCortex(t, client)
	ctx := context.Background()

	i := chatInteraction(t, "hello bot")
	c.chatCommand(ctx, i.User, i, newStubHandler(i))

	clearInteraction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("clear_%s", t.Name()),
			ChannelID: "channel-1",
			User:      i.User,
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandClear,
			},
		},
	}
	handler := newStubHandler(clearInteraction)
	c.clearCommand(ctx, clearInteraction.User, clearInteraction, handler)

	assert.Contains(t, handler.lastEditContent(t), "cleared")

	conversation, _, err := c.db.GetOrCreateConversation(
		ctx, i.User.ID, "channel-1", "unused",
	)
	require.NoError(t, err)
	messages, err := conversation.Messages(ctx, c.db.DB())
	require.NoError(t, err)
	require.Equal(t, 1, len(messages))
	assert.Equal(t, MessageRoleSystem, messages[0].Role)

	var rec ClearCommand
	require.NoError(t, c.db.DB().Last(&rec).Error)
	require.NotNil(t, rec.ConversationID)
	assert.Equal(t, conversation.ID, *rec.ConversationID)
}

func TestClearCommand_NoHistory(t *testing.T) {
	c := testCortex(t, &fakeCompletionClient{})
	ctx := context.Background()

	i := chatInteraction(t, "unused")
	clearInteraction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("clear_%s", t.Name()),
			ChannelID: "channel-1",
			User:      i.User,
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandClear,
			},
		},
	}
	handler := newStubHandler(clearInteraction)
	c.clearCommand(ctx, clearInteraction.User, clearInteraction, handler)

	assert.Equal(
		t,
		"No conversation history to clear here yet.",
		handler.lastEditContent(t),
	)
}

func TestCaptionCommand(t *testing.T) {
	c := testCortex(t, &fakeCompletionClient{})
	ctx := context.Background()

	attachmentID := "attachment-1"
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("i_%s", t.Name()),
			ChannelID: "channel-1",
			User:      &discordgo.User{ID: "user-1", Username: "somebody"},
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandCaption,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  captionImageOption,
						Type:  discordgo.ApplicationCommandOptionAttachment,
						Value: attachmentID,
					},
				},
				Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
					Attachments: map[string]*discordgo.MessageAttachment{
						attachmentID: {
							ID:          attachmentID,
							URL:         "https://cdn.example.com/image.png",
							ContentType: "image/png",
						},
					},
				},
			},
		},
	}

	handler := newStubHandler(i)
	c.captionCommand(ctx, i.User, i, handler)

	require.Equal(t, 1, len(handler.responses))
	response := handler.responses[0]
	assert.Equal(t, discordgo.InteractionResponseModal, response.Type)

	// The image URL is cached under the token in the modal's custom ID
	require.Equal(t, 1, c.imageCache.Len())

	_, cacheKey, found := strings.Cut(response.Data.CustomID, ":")
	require.True(t, found)
	cached, ok := c.imageCache.Get(cacheKey)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/image.png", cached)
}

func TestCaptionCommand_NotAnImage(t *testing.T) {
	c := testCortex(t, &fakeCompletionClient{})
	ctx := context.Background()

	attachmentID := "attachment-1"
	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionApplicationCommand,
			ID:        fmt.Sprintf("i_%s", t.Name()),
			ChannelID: "channel-1",
			User:      &discordgo.User{ID: "user-1", Username: "somebody"},
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandCaption,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  captionImageOption,
						Type:  discordgo.ApplicationCommandOptionAttachment,
						Value: attachmentID,
					},
				},
				Resolved: &discordgo.ApplicationCommandInteractionDataResolved{
					Attachments: map[string]*discordgo.MessageAttachment{
						attachmentID: {
							ID:          attachmentID,
							URL:         "https://cdn.example.com/notes.txt",
							ContentType: "text/plain",
						},
					},
				},
			},
		},
	}

	handler := newStubHandler(i)
	c.captionCommand(ctx, i.User, i, handler)

	require.Equal(t, 1, len(handler.responses))
	assert.Equal(
		t,
		"Please upload an image file.",
		handler.responses[0].Data.Content,
	)
	assert.Zero(t, c.imageCache.Len())
}

func TestCaptionModalSubmit(t *testing.T) {
	c := testCortex(t, &fakeCompletionClient{})
	ctx := context.Background()

	c.imageCache.Put("cachekey12345678", "https://cdn.example.com/image.png", 0)

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionModalSubmit,
			ID:        fmt.Sprintf("i_%s", t.Name()),
			ChannelID: "channel-1",
			User:      &discordgo.User{ID: "user-1", Username: "somebody"},
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ModalSubmitInteractionData{
				CustomID: fmt.Sprintf(
					"%s:%s", captionModalCustomID, "cachekey12345678",
				),
				Components: []discordgo.MessageComponent{
					&discordgo.ActionsRow{
						Components: []discordgo.MessageComponent{
							&discordgo.TextInput{
								CustomID: captionTextInputCustomID,
								Value:    "someone said this",
							},
						},
					},
				},
			},
		},
	}

	handler := newStubHandler(i)
	c.captionModalSubmit(ctx, i.User, i, handler)

	require.Equal(t, 1, len(handler.responses))
	require.Equal(t, 1, len(handler.edits))

	edit := handler.edits[0]
	require.NotNil(t, edit.Embeds)
	require.Equal(t, 1, len(*edit.Embeds))
	embed := (*edit.Embeds)[0]
	assert.Contains(t, embed.Description, "someone said this")
	require.NotNil(t, embed.Image)
	assert.Equal(t, "https://cdn.example.com/image.png", embed.Image.URL)

	// The cache entry is consumed
	assert.Zero(t, c.imageCache.Len())
}

func TestCaptionModalSubmit_ExpiredEntry(t *testing.T) {
	c := testCortex(t, &fakeCompletionClient{})
	ctx := context.Background()

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:      discordgo.InteractionModalSubmit,
			ID:        fmt.Sprintf("i_%s", t.Name()),
			ChannelID: "channel-1",
			User:      &discordgo.User{ID: "user-1", Username: "somebody"},
			Context:   discordgo.InteractionContextBotDM,
			Data: discordgo.ModalSubmitInteractionData{
				CustomID: fmt.Sprintf(
					"%s:%s", captionModalCustomID, "missingkey123456",
				),
			},
		},
	}

	handler := newStubHandler(i)
	c.captionModalSubmit(ctx, i.User, i, handler)

	require.Equal(t, 1, len(handler.responses))
	assert.Contains(t, handler.responses[0].Data.Content, "expired")
	assert.Empty(t, handler.edits)
}
