package cortex

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// captionAttachment resolves the image attachment from a /caption
// interaction.
func captionAttachment(
	i *discordgo.InteractionCreate,
) (*discordgo.MessageAttachment, error) {
	data := i.ApplicationCommandData()
	optionMap := discordInteractionOptions(i)
	opt, ok := optionMap[captionImageOption]
	if !ok {
		return nil, fmt.Errorf(
			"interaction missing '%s' option", captionImageOption,
		)
	}
	attachmentID, ok := opt.Value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected attachment option value: %v", opt.Value)
	}
	attachment, ok := data.Resolved.Attachments[attachmentID]
	if !ok {
		return nil, fmt.Errorf("attachment %s not resolved", attachmentID)
	}
	return attachment, nil
}

// captionCommand handles /caption: validate the attachment is an image,
// stash its URL in the image cache under a random token, and open the
// caption text modal carrying the token.
func (c *Cortex) captionCommand(
	ctx context.Context,
	_ *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	attachment, err := captionAttachment(i)
	if err != nil {
		logger.Error("invalid caption interaction", tint.Err(err))
		handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: c.RuntimeConfig().DiscordErrorMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	if !strings.HasPrefix(attachment.ContentType, "image/") {
		handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "Please upload an image file.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	cacheKey, err := generateRandomHexString(imageCacheKeyLength)
	if err != nil {
		logger.Error("error generating cache key", tint.Err(err))
		handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: c.RuntimeConfig().DiscordErrorMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}
	c.imageCache.Put(cacheKey, attachment.URL, c.config.ImageCacheTTL)

	handler.Respond(ctx, captionModal(c.RuntimeConfig(), cacheKey))
}

// captionModalSubmit handles the caption modal: look up the cached
// image URL by the token in the modal's custom ID and post the image
// with the caption text.
func (c *Cortex) captionModalSubmit(
	ctx context.Context,
	u *discordgo.User,
	i *discordgo.InteractionCreate,
	handler InteractionHandler,
) {
	logger := contextLogger(ctx)

	data := i.ModalSubmitData()
	_, cacheKey, found := strings.Cut(data.CustomID, ":")
	if !found {
		logger.Error("modal custom id missing cache key", "custom_id", data.CustomID)
		return
	}

	imageURL, ok := c.imageCache.Get(cacheKey)
	if !ok {
		handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "That image expired. Please run /caption again.",
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	captionText := modalTextInput(data, captionTextInputCustomID)

	handler.Respond(ctx, c.discord.ackResponse(DiscordSlashCommandCaption))

	embed := &discordgo.MessageEmbed{
		Color:       0x5865F2,
		Description: fmt.Sprintf("```\n%s\n```", captionText),
		Image:       &discordgo.MessageEmbedImage{URL: imageURL},
	}
	if u != nil {
		embed.Author = &discordgo.MessageEmbedAuthor{Name: u.Username}
	}
	handler.Edit(
		ctx, &discordgo.WebhookEdit{
			Embeds: &[]*discordgo.MessageEmbed{embed},
		},
	)

	c.imageCache.Delete(cacheKey)
}

// modalTextInput returns the value of the named text input from a modal
// submission, or "" if absent.
func modalTextInput(
	data discordgo.ModalSubmitInteractionData,
	customID string,
) string {
	for _, row := range data.Components {
		actionsRow, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, component := range actionsRow.Components {
			input, ok := component.(*discordgo.TextInput)
			if ok && input.CustomID == customID {
				return input.Value
			}
		}
	}
	return ""
}
