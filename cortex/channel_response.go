package cortex

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// handlerMessageCreate returns the discordgo handler for incoming
// messages. Messages in configured AI channels are answered
// automatically, without a slash command.
func (d *Discord) handlerMessageCreate() func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if m.GuildID == "" || m.Content == "" {
			return
		}
		d.metricMessagesHandled.Add(1)
		ctx := WithLogger(
			context.Background(),
			d.logger.With(
				"message_id", m.ID,
				"channel_id", m.ChannelID,
				"user_id", m.Author.ID,
			),
		)
		d.c.channelMessage(ctx, m)
	}
}

// channelMessage answers a message sent in a configured AI channel,
// using the author's conversation in that channel and the channel's
// model and system prompt.
func (c *Cortex) channelMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	logger := contextLogger(ctx)

	channel, err := c.db.GetChannel(ctx, m.GuildID, m.ChannelID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Error("error getting channel", tint.Err(err))
		}
		return
	}

	rec := NewDiscordMessage(m.Message)
	if _, err = c.db.Create(ctx, &rec); err != nil {
		logger.Error("error saving discord message", tint.Err(err))
	}

	user, _, err := c.db.GetOrCreateUser(ctx, c, *m.Author)
	if err != nil {
		logger.Error("error getting user", tint.Err(err))
		return
	}

	config := c.RuntimeConfig()
	if user.Ignored || config.Paused {
		logger.Info(
			"ignoring channel message",
			"user_ignored", user.Ignored,
			"paused", config.Paused,
		)
		return
	}

	conversation, _, err := c.db.GetOrCreateConversation(
		ctx, user.ID, m.ChannelID, channel.SystemPrompt,
	)
	if err != nil {
		logger.Error("error getting conversation", tint.Err(err))
		return
	}

	c.stripMessageComponents(ctx, conversation)

	if err = c.discord.session.ChannelTyping(m.ChannelID); err != nil {
		logger.Warn("unable to send typing indicator", tint.Err(err))
	}

	var messages []CompletionMessage
	if user.SaveHistory {
		if err = conversation.AddMessage(
			ctx, c.db, MessageRoleUser, m.Content,
		); err != nil {
			logger.Error("error saving message", tint.Err(err))
			return
		}
		messages, err = conversation.CompletionMessages(ctx, c.db.DB())
		if err != nil {
			logger.Error("error loading messages", tint.Err(err))
			return
		}
	} else {
		messages = singleTurnMessages(channel.SystemPrompt, m.Content)
	}

	// The channel's model takes precedence over the author's.
	model := user.AIModel
	if channel.AIModel != "" {
		model = channel.AIModel
	}
	response, _, err := c.groq.Complete(
		ctx, c.db, CompletionRequest{
			Model:       model,
			Messages:    messages,
			Temperature: user.Temperature,
			MaxTokens:   user.MaxTokens,
		},
	)
	if err != nil {
		logger.Error("error generating response", tint.Err(err))
		if _, sendErr := c.discord.session.ChannelMessageSendReply(
			m.ChannelID,
			config.DiscordErrorMessage,
			m.Reference(),
		); sendErr != nil {
			logger.Error("error sending error message", tint.Err(sendErr))
		}
		return
	}

	if user.SaveHistory {
		if err = conversation.AddMessage(
			ctx, c.db, MessageRoleAssistant, response,
		); err != nil {
			logger.Error("error saving assistant message", tint.Err(err))
		}
	}

	lastMessageID := c.sendChannelResponse(ctx, m, response)
	if lastMessageID != "" {
		if err = conversation.SetLastMessageID(ctx, c.db, lastMessageID); err != nil {
			logger.Error("error saving last message id", tint.Err(err))
		}
	}
}

// sendChannelResponse delivers a completion to a channel, chunked to
// Discord's message length limit. The first chunk replies to the
// triggering message, the final chunk carries the regenerate button.
// Returns the ID of the final message sent, or "" if delivery failed.
func (c *Cortex) sendChannelResponse(
	ctx context.Context,
	m *discordgo.MessageCreate,
	response string,
) string {
	logger := contextLogger(ctx)

	chunks, err := splitMessage(response, discordMaxMessageLength)
	if err != nil {
		logger.Error("error splitting response", tint.Err(err))
		chunks = []string{truncate(response, discordMaxMessageLength)}
	}

	var lastMessageID string
	for n, chunk := range chunks {
		data := &discordgo.MessageSend{Content: chunk}
		if n == 0 {
			data.Reference = m.Reference()
		}
		if n == len(chunks)-1 {
			data.Components = regenerateComponents()
		}
		msg, sendErr := c.discord.session.ChannelMessageSendComplex(
			m.ChannelID, data,
		)
		if sendErr != nil {
			logger.Error("error sending response chunk", tint.Err(sendErr), "chunk", n)
			return lastMessageID
		}
		lastMessageID = msg.ID
	}
	return lastMessageID
}
