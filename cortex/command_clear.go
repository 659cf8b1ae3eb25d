package cortex

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ClearCommand represents a /clear command invocation: it discards the
// invoking user's conversation history in the current channel, keeping
// the system prompt.
type ClearCommand struct {
	Interaction
	ModelUintID
	ModelUnixTime
	ConversationID *uint `json:"conversation_id" gorm:"index"`
}

func (ClearCommand) TableName() string {
	return "clear_commands"
}

// NewClearCommand creates a ClearCommand from an incoming /clear
// interaction.
func NewClearCommand(
	u *discordgo.User,
	i *discordgo.InteractionCreate,
) *ClearCommand {
	interaction := NewUserInteraction(i, nil)
	interaction.UserID = u.ID
	return &ClearCommand{Interaction: *interaction}
}

// clearCommand handles a /clear interaction. The response is always
// ephemeral.
func (c *Cortex) clearCommand(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandClear))

	rec := NewClearCommand(u, i)
	rec.Acknowledged = true

	user, _, err := c.db.GetOrCreateUser(ctx, c, *u)
	if err != nil {
		logger.Error("error getting user", tint.Err(err))
		content := c.RuntimeConfig().DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}
	rec.User = user

	config := c.RuntimeConfig()

	conversation, isNew, err := c.db.GetOrCreateConversation(
		ctx, user.ID, i.ChannelID, config.SystemPrompt,
	)
	if err != nil {
		logger.Error("error getting conversation", tint.Err(err))
		rec.Error = NullableString(err.Error())
		if _, createErr := c.db.Create(ctx, rec); createErr != nil {
			logger.Error("error saving clear command", tint.Err(createErr))
		}
		content := config.DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}
	rec.ConversationID = &conversation.ID

	content := "Conversation history cleared! Starting fresh. 🌱"
	if isNew {
		content = "No conversation history to clear here yet."
	} else if err = conversation.Clear(ctx, c.db); err != nil {
		logger.Error("error clearing conversation", tint.Err(err))
		rec.Error = NullableString(err.Error())
		content = config.DiscordErrorMessage
	}

	now := time.Now()
	rec.FinishedAt = &now
	rec.Response = &content
	if _, err = c.db.Create(ctx, rec); err != nil {
		logger.Error("error saving clear command", tint.Err(err))
	}

	handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}
