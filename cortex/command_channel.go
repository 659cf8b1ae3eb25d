package cortex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// targetChannelID resolves the channel a setup-channel or
// remove-channel command applies to: the explicit channel option if
// given, otherwise the channel the command was invoked in.
func targetChannelID(i *discordgo.InteractionCreate) string {
	optionMap := discordInteractionOptions(i)
	if opt, ok := optionMap[setupChannelChannelOption]; ok {
		return opt.Value.(string)
	}
	return i.ChannelID
}

// setupChannelCommand handles /setup-channel, marking a channel for
// automatic responses. Discord enforces the Manage Channels permission
// via the command's default member permissions.
func (c *Cortex) setupChannelCommand(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandSetupChannel))

	if i.GuildID == "" {
		content := "This command can only be used in a server."
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	config := c.RuntimeConfig()

	settings := ChannelSettings{
		AIModel:      config.AIModel,
		SystemPrompt: config.SystemPrompt,
	}
	optionMap := discordInteractionOptions(i)
	if opt, ok := optionMap[setupChannelModelOption]; ok {
		settings.AIModel = opt.StringValue()
	}
	if opt, ok := optionMap[setupChannelPromptOption]; ok {
		settings.SystemPrompt = opt.StringValue()
	}

	channelID := targetChannelID(i)
	channel, isNew, err := c.db.GetOrCreateChannel(
		ctx, i.GuildID, channelID, u.ID, settings,
	)
	if err != nil {
		logger.Error("error creating channel", tint.Err(err))
		content := config.DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	var content string
	if isNew {
		content = fmt.Sprintf(
			"✅ <#%s> is now an AI channel! I'll respond to every message there.",
			channel.ChannelID,
		)
	} else {
		content = fmt.Sprintf(
			"<#%s> is already set up. Use /remove-channel first to change its settings.",
			channel.ChannelID,
		)
	}
	handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// removeChannelCommand handles /remove-channel, stopping automatic
// responses in a channel. Conversations in the channel are left intact.
func (c *Cortex) removeChannelCommand(
	ctx context.Context,
	_ *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandRemoveChannel))

	if i.GuildID == "" {
		content := "This command can only be used in a server."
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	channelID := targetChannelID(i)
	channel, err := c.db.GetChannel(ctx, i.GuildID, channelID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			content := fmt.Sprintf("<#%s> isn't set up as an AI channel.", channelID)
			handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
			return
		}
		logger.Error("error getting channel", tint.Err(err))
		content := c.RuntimeConfig().DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	if err = RemoveChannel(ctx, c.db, channel); err != nil {
		logger.Error("error removing channel", tint.Err(err))
		content := c.RuntimeConfig().DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	content := fmt.Sprintf(
		"✅ <#%s> is no longer an AI channel.", channelID,
	)
	handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// listChannelsCommand handles /list-channels, showing this guild's
// configured AI channels.
func (c *Cortex) listChannelsCommand(
	ctx context.Context,
	_ *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandListChannels))

	if i.GuildID == "" {
		content := "This command can only be used in a server."
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	channels, err := GuildChannels(ctx, c.db.DB(), i.GuildID)
	if err != nil {
		logger.Error("error listing channels", tint.Err(err))
		content := c.RuntimeConfig().DiscordErrorMessage
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	if len(channels) == 0 {
		content := "No AI channels set up yet. Use /setup-channel to create one."
		handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
		return
	}

	fields := make([]*discordgo.MessageEmbedField, 0, len(channels))
	for _, ch := range channels {
		fields = append(
			fields, &discordgo.MessageEmbedField{
				Name: fmt.Sprintf("<#%s>", ch.ChannelID),
				Value: fmt.Sprintf(
					"Model: `%s`\nSetup by <@%s>", ch.AIModel, ch.CreatedBy,
				),
			},
		)
	}
	embed := &discordgo.MessageEmbed{
		Title:  "🤖 AI Channels",
		Color:  0x5865F2,
		Fields: fields,
	}
	handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Embeds: &[]*discordgo.MessageEmbed{embed},
		},
	)
}

// helpCommand handles /help.
func (c *Cortex) helpCommand(
	ctx context.Context,
	_ *discordgo.User,
	_ *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandHelp))

	lines := []string{
		"**/chat** - Chat with me",
		"**/clear** - Clear your conversation history in this channel",
		"**/settings** - View and change your AI settings",
		"**/caption** - Add caption text to an image",
		"**/setup-channel** - Set up automatic responses in a channel",
		"**/remove-channel** - Stop automatic responses in a channel",
		"**/list-channels** - List this server's AI channels",
	}
	embed := &discordgo.MessageEmbed{
		Title:       "📖 Commands",
		Color:       0x5865F2,
		Description: strings.Join(lines, "\n"),
	}
	handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Embeds: &[]*discordgo.MessageEmbed{embed},
		},
	)
}
