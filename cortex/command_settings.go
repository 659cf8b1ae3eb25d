package cortex

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// settingsCommand handles a /settings interaction, showing the user's
// current generation settings with select menus to change them. Always
// ephemeral.
func (c *Cortex) settingsCommand(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandSettings))

	user, _, err := c.db.GetOrCreateUser(ctx, c, *u)
	if err != nil {
		logger.Error("error getting user", tint.Err(err))
		content := c.RuntimeConfig().DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	embed := settingsEmbed(user)
	components := settingsComponents(user)
	handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Embeds:     &[]*discordgo.MessageEmbed{embed},
			Components: &components,
		},
	)
}

func settingsEmbed(user *User) *discordgo.MessageEmbed {
	modelName := user.AIModel
	for _, mc := range modelChoices {
		if mc.Value == user.AIModel {
			modelName = mc.Name
			break
		}
	}
	return &discordgo.MessageEmbed{
		Title: "⚙️ Your Settings",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Model",
				Value:  modelName,
				Inline: true,
			},
			{
				Name:   "Temperature",
				Value:  fmt.Sprintf("%.1f", user.Temperature),
				Inline: true,
			},
			{
				Name:   "Max tokens",
				Value:  strconv.Itoa(user.MaxTokens),
				Inline: true,
			},
			{
				Name:   "Save history",
				Value:  historyStateName(user.SaveHistory),
				Inline: true,
			},
		},
	}
}

func historyStateName(enabled bool) string {
	if enabled {
		return "Enabled"
	}
	return "Disabled"
}

// selectMenuValue returns the selected value from a message component
// interaction, or "" if nothing was selected.
func selectMenuValue(i *discordgo.InteractionCreate) string {
	data := i.MessageComponentData()
	if len(data.Values) == 0 {
		return ""
	}
	return data.Values[0]
}

// selectModelComponent handles the model select menu attached to the
// /settings response.
func (c *Cortex) selectModelComponent(
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

	model := selectMenuValue(i)
	if model == "" {
		logger.Warn("model selection was empty")
		return
	}

	user, _, err := c.db.GetOrCreateUser(ctx, c, *u)
	if err != nil {
		logger.Error("error getting user", tint.Err(err))
		return
	}

	update := UserSettingsUpdate{AIModel: &model}
	if err = update.ApplyTo(ctx, c.db, user); err != nil {
		logger.Error("error updating user model", tint.Err(err))
		c.componentFollowup(ctx, handler, c.RuntimeConfig().DiscordErrorMessage)
		return
	}

	modelName := model
	for _, mc := range modelChoices {
		if mc.Value == model {
			modelName = mc.Name
			break
		}
	}
	c.componentFollowup(
		ctx, handler, fmt.Sprintf("✅ Model updated to **%s**", modelName),
	)
}

// selectTemperatureComponent handles the temperature select menu
// attached to the /settings response.
func (c *Cortex) selectTemperatureComponent(
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

	value := selectMenuValue(i)
	if value == "" {
		logger.Warn("temperature selection was empty")
		return
	}
	temperature, err := strconv.ParseFloat(value, 32)
	if err != nil {
		logger.Error("invalid temperature selection", tint.Err(err), "value", value)
		return
	}

	user, _, err := c.db.GetOrCreateUser(ctx, c, *u)
	if err != nil {
		logger.Error("error getting user", tint.Err(err))
		return
	}

	t := float32(temperature)
	update := UserSettingsUpdate{Temperature: &t}
	if err = update.ApplyTo(ctx, c.db, user); err != nil {
		logger.Error("error updating user temperature", tint.Err(err))
		c.componentFollowup(ctx, handler, c.RuntimeConfig().DiscordErrorMessage)
		return
	}

	c.componentFollowup(
		ctx, handler, fmt.Sprintf("✅ Temperature updated to **%s**", value),
	)
}

// toggleHistoryComponent handles the history button attached to the
// /settings response, flipping whether conversation history is saved.
func (c *Cortex) toggleHistoryComponent(
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

	enabled := !user.SaveHistory
	update := UserSettingsUpdate{SaveHistory: &enabled}
	if err = update.ApplyTo(ctx, c.db, user); err != nil {
		logger.Error("error toggling user history", tint.Err(err))
		c.componentFollowup(ctx, handler, c.RuntimeConfig().DiscordErrorMessage)
		return
	}

	c.componentFollowup(
		ctx, handler, fmt.Sprintf(
			"✅ Conversation history **%s**",
			strings.ToLower(historyStateName(enabled)),
		),
	)
}

// resetSettingsComponent handles the reset button attached to the
// /settings response, restoring the runtime defaults.
func (c *Cortex) resetSettingsComponent(
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

	defaults := c.RuntimeConfig().DefaultUserSettings()
	update := UserSettingsUpdate{
		AIModel:     &defaults.AIModel,
		Temperature: &defaults.Temperature,
		MaxTokens:   &defaults.MaxTokens,
		SaveHistory: &defaults.SaveHistory,
	}
	if err = update.ApplyTo(ctx, c.db, user); err != nil {
		logger.Error("error resetting user settings", tint.Err(err))
		c.componentFollowup(ctx, handler, c.RuntimeConfig().DiscordErrorMessage)
		return
	}

	c.componentFollowup(ctx, handler, "✅ Settings reset to defaults")
}

// componentFollowup sends an ephemeral followup message after a
// component interaction.
func (c *Cortex) componentFollowup(
	ctx context.Context,
	handler InteractionHandler,
	content string,
) {
	handler.Followup(
		ctx, &discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	)
}
