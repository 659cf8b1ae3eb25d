package cortex

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// regenerateTemperatureBoost is added to the user's temperature when
// regenerating, so repeated attempts diverge from the original answer.
const regenerateTemperatureBoost = float32(0.2)

// regenerateComponent handles the 'regenerate' button under the bot's
// most recent response: discard the trailing assistant message, request
// a fresh completion at a slightly higher temperature, and edit the
// message in place.
func (c *Cortex) regenerateComponent(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(
		ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		},
	)

	user, _, err := c.db.GetOrCreateUser(ctx, c, *u)
	if err != nil {
		logger.Error("error getting user", tint.Err(err))
		return
	}

	config := c.RuntimeConfig()
	if user.Ignored || config.Paused {
		logger.Info(
			"ignoring regenerate",
			"user_ignored", user.Ignored,
			"paused", config.Paused,
		)
		return
	}

	conversation, isNew, err := c.db.GetOrCreateConversation(
		ctx, user.ID, i.ChannelID, config.SystemPrompt,
	)
	if err != nil {
		logger.Error("error getting conversation", tint.Err(err))
		return
	}
	if isNew {
		// Button from a conversation that no longer exists.
		logger.Warn("regenerate with no conversation history")
		return
	}

	if _, err = conversation.PopLastAssistant(ctx, c.db); err != nil {
		logger.Error("error removing previous response", tint.Err(err))
		return
	}

	messages, err := conversation.CompletionMessages(ctx, c.db.DB())
	if err != nil {
		logger.Error("error loading messages", tint.Err(err))
		return
	}
	if len(messages) == 0 {
		logger.Warn("no messages to regenerate from")
		return
	}

	temperature := user.Temperature + regenerateTemperatureBoost
	if temperature > 2 {
		temperature = 2
	}

	response, _, err := c.groq.Complete(
		ctx, c.db, CompletionRequest{
			Model:       user.AIModel,
			Messages:    messages,
			Temperature: temperature,
			MaxTokens:   user.MaxTokens,
		},
	)
	if err != nil {
		logger.Error("error regenerating response", tint.Err(err))
		c.componentFollowup(ctx, handler, config.DiscordErrorMessage)
		return
	}

	if user.SaveHistory {
		if err = conversation.AddMessage(
			ctx, c.db, MessageRoleAssistant, response,
		); err != nil {
			logger.Error("error saving assistant message", tint.Err(err))
		}
	}

	content := truncate(response, discordMaxMessageLength)
	components := regenerateComponents()
	if _, err = c.discord.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         i.Message.ID,
			Channel:    i.ChannelID,
			Content:    &content,
			Components: &components,
		},
	); err != nil {
		logger.Error("error editing regenerated message", tint.Err(err))
	}
}
