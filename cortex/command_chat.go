package cortex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ChatCommandState is the lifecycle state of a [ChatCommand].
type ChatCommandState string

const (
	// ChatCommandStateReceived is the initial state of a newly created
	// ChatCommand
	ChatCommandStateReceived ChatCommandState = "received"

	// ChatCommandStateInProgress indicates the completion request is in
	// flight
	ChatCommandStateInProgress ChatCommandState = "in_progress"

	// ChatCommandStateCompleted indicates the user received a response
	ChatCommandStateCompleted ChatCommandState = "completed"

	// ChatCommandStateFailed indicates the command failed and the user
	// received an error message
	ChatCommandStateFailed ChatCommandState = "failed"

	// ChatCommandStateIgnored indicates the command was dropped because
	// the user is ignored or the bot is paused
	ChatCommandStateIgnored ChatCommandState = "ignored"
)

var (
	columnChatCommandState    = "state"
	columnChatCommandResponse = "response"
	columnChatCommandError    = "error"
	columnChatCommandUsage    = "prompt_tokens"
)

// ChatCommand represents a /chat command invocation and its outcome.
type ChatCommand struct {
	Interaction
	ModelUintID
	ModelUnixTime
	State            ChatCommandState `json:"state" gorm:"type:string"`
	Prompt           string           `json:"prompt"`
	ConversationID   *uint            `json:"conversation_id" gorm:"index"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	TotalTokens      int              `json:"total_tokens"`
}

func (ChatCommand) TableName() string {
	return "chat_commands"
}

func (c ChatCommand) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Uint64("id", uint64(c.ID)),
		slog.String("user_id", c.UserID),
		slog.String("interaction_id", c.InteractionID),
		slog.String("state", string(c.State)),
	}
	return slog.GroupValue(attrs...)
}

// NewChatCommand creates a ChatCommand from an incoming /chat
// interaction.
func NewChatCommand(
	u *discordgo.User,
	i *discordgo.InteractionCreate,
) (*ChatCommand, error) {
	optionMap := discordInteractionOptions(i)
	prompt, ok := optionMap[chatCommandMessageOption]
	if !ok {
		return nil, fmt.Errorf(
			"interaction missing '%s' option", chatCommandMessageOption,
		)
	}
	interaction := NewUserInteraction(i, nil)
	interaction.UserID = u.ID
	rec := &ChatCommand{
		Interaction: *interaction,
		State:       ChatCommandStateReceived,
		Prompt:      prompt.StringValue(),
	}
	return rec, nil
}

// finalizeWithError transitions the command to the failed state and
// shows the user either the validation reason or the configured generic
// error message.
func (c *Cortex) finalizeWithError(
	ctx context.Context,
	rec *ChatCommand,
	handler InteractionHandler,
	err error,
) {
	logger := contextLogger(ctx)
	logger.Error("chat command failed", tint.Err(err), "chat_command", rec)

	content := c.RuntimeConfig().DiscordErrorMessage
	if IsValidationError(err) {
		content = err.Error()
	}
	handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})

	rec.State = ChatCommandStateFailed
	rec.Error = NullableString(err.Error())
	if _, updErr := c.db.Updates(
		ctx, rec, map[string]any{
			columnChatCommandState: rec.State,
			columnChatCommandError: rec.Error,
		},
	); updErr != nil {
		logger.Error("error updating chat command", tint.Err(updErr))
	}
}

// chatCommand handles a /chat interaction end to end: resolve the
// user and conversation, append the prompt, request a completion, and
// deliver the (possibly chunked) response.
func (c *Cortex) chatCommand(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandChat))

	rec, err := NewChatCommand(u, i)
	if err != nil {
		logger.Error("invalid chat interaction", tint.Err(err))
		return
	}
	rec.Acknowledged = true

	user, _, err := c.db.GetOrCreateUser(ctx, c, *u)
	if err != nil {
		c.finalizeWithError(ctx, rec, handler, newPersistenceError("get user", err))
		return
	}

	rec.User = user

	config := c.RuntimeConfig()

	if user.Ignored || config.Paused {
		logger.Info(
			"ignoring chat command",
			"user_ignored", user.Ignored,
			"paused", config.Paused,
		)
		rec.State = ChatCommandStateIgnored
		if _, createErr := c.db.Create(ctx, rec); createErr != nil {
			logger.Error("error saving chat command", tint.Err(createErr))
		}
		handler.Delete(ctx)
		return
	}

	if config.ChatCommandMaxLength > 0 && len(rec.Prompt) > config.ChatCommandMaxLength {
		if _, createErr := c.db.Create(ctx, rec); createErr != nil {
			logger.Error("error saving chat command", tint.Err(createErr))
		}
		c.finalizeWithError(
			ctx, rec, handler, &ValidationError{
				Field: chatCommandMessageOption,
				Reason: fmt.Sprintf(
					"message too long (max %d characters)",
					config.ChatCommandMaxLength,
				),
			},
		)
		return
	}

	conversation, _, err := c.db.GetOrCreateConversation(
		ctx, user.ID, i.ChannelID, config.SystemPrompt,
	)
	if err != nil {
		c.finalizeWithError(
			ctx, rec, handler, newPersistenceError("get conversation", err),
		)
		return
	}
	rec.ConversationID = &conversation.ID
	rec.State = ChatCommandStateInProgress
	if _, err = c.db.Create(ctx, rec); err != nil {
		logger.Error("error saving chat command", tint.Err(err))
	}

	c.stripMessageComponents(ctx, conversation)

	var messages []CompletionMessage
	if user.SaveHistory {
		if err = conversation.AddMessage(
			ctx, c.db, MessageRoleUser, rec.Prompt,
		); err != nil {
			c.finalizeWithError(
				ctx, rec, handler, newPersistenceError("save message", err),
			)
			return
		}

		messages, err = conversation.CompletionMessages(ctx, c.db.DB())
		if err != nil {
			c.finalizeWithError(
				ctx, rec, handler, newPersistenceError("load messages", err),
			)
			return
		}
	} else {
		messages = singleTurnMessages(config.SystemPrompt, rec.Prompt)
	}

	chatID := rec.ID
	response, usage, err := c.groq.Complete(
		ctx, c.db, CompletionRequest{
			Model:         user.AIModel,
			Messages:      messages,
			Temperature:   user.Temperature,
			MaxTokens:     user.MaxTokens,
			ChatCommandID: &chatID,
		},
	)
	if err != nil {
		c.finalizeWithError(ctx, rec, handler, err)
		return
	}

	if user.SaveHistory {
		if err = conversation.AddMessage(
			ctx, c.db, MessageRoleAssistant, response,
		); err != nil {
			logger.Error("error saving assistant message", tint.Err(err))
		}
	}

	lastMessageID := c.deliverResponse(ctx, response, handler)
	if lastMessageID != "" {
		if err = conversation.SetLastMessageID(ctx, c.db, lastMessageID); err != nil {
			logger.Error("error saving last message id", tint.Err(err))
		}
	}

	rec.State = ChatCommandStateCompleted
	rec.Response = &response
	rec.PromptTokens = usage.PromptTokens
	rec.CompletionTokens = usage.CompletionTokens
	rec.TotalTokens = usage.TotalTokens
	now := time.Now()
	rec.FinishedAt = &now
	if _, err = c.db.Updates(
		ctx, rec, map[string]any{
			columnChatCommandState:    rec.State,
			columnChatCommandResponse: response,
			columnChatCommandUsage:    rec.PromptTokens,
			"completion_tokens":       rec.CompletionTokens,
			"total_tokens":            rec.TotalTokens,
			"finished_at":             rec.FinishedAt,
		},
	); err != nil {
		logger.Error("error updating chat command", tint.Err(err))
	}
}

// deliverResponse splits a completion into Discord-sized chunks, edits
// the deferred reply with the first chunk, sends the rest as followups,
// and attaches the regenerate button to the final chunk only. Returns
// the ID of the final message sent, or "" if delivery failed.
func (c *Cortex) deliverResponse(
	ctx context.Context,
	response string,
	handler InteractionHandler,
) string {
	logger := contextLogger(ctx)

	chunks, err := splitMessage(response, discordMaxMessageLength)
	if err != nil {
		logger.Error("error splitting response", tint.Err(err))
		chunks = []string{truncate(response, discordMaxMessageLength)}
	}

	var lastMessageID string
	for n, chunk := range chunks {
		final := n == len(chunks)-1
		edit := &discordgo.WebhookEdit{Content: &chunks[n]}
		if final {
			components := regenerateComponents()
			edit.Components = &components
		}
		var msg *discordgo.Message
		if n == 0 {
			msg = handler.Edit(ctx, edit)
		} else {
			params := &discordgo.WebhookParams{Content: chunk}
			if final {
				params.Components = regenerateComponents()
			}
			msg = handler.Followup(ctx, params)
		}
		if msg != nil {
			lastMessageID = msg.ID
		}
	}
	return lastMessageID
}

// stripMessageComponents removes the regenerate button from the bot's
// previous response in this conversation, so only the latest response
// can be regenerated.
func (c *Cortex) stripMessageComponents(
	ctx context.Context,
	conversation *Conversation,
) {
	if conversation.LastMessageID == "" {
		return
	}
	logger := contextLogger(ctx)
	empty := []discordgo.MessageComponent{}
	_, err := c.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         conversation.LastMessageID,
			Channel:    conversation.ChannelID,
			Components: &empty,
		},
	)
	if err != nil {
		// The previous message may have been deleted. Not fatal.
		logger.Warn(
			"unable to strip components from previous message",
			tint.Err(err),
			"message_id", conversation.LastMessageID,
		)
	}
}
