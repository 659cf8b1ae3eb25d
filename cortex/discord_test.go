package cortex

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAckResponseFlag(t *testing.T) {
	d := &Discord{}

	assert.Equal(
		t,
		discordgo.MessageFlagsLoading,
		d.ackResponseFlag(DiscordSlashCommandChat),
	)
	assert.Equal(
		t,
		discordgo.MessageFlagsLoading,
		d.ackResponseFlag(DiscordSlashCommandCaption),
	)
	assert.Equal(
		t,
		discordgo.MessageFlagsEphemeral,
		d.ackResponseFlag(DiscordSlashCommandClear),
	)
	assert.Equal(
		t,
		discordgo.MessageFlagsEphemeral,
		d.ackResponseFlag(DiscordSlashCommandSettings),
	)
}

func TestAppCommandChat(t *testing.T) {
	d := &Discord{}
	config := DefaultRuntimeConfig()

	cmd := d.appCommandChat(config)
	assert.Equal(t, DiscordSlashCommandChat, cmd.Name)
	assert.Equal(t, DefaultChatCommandDescription, cmd.Description)

	require.Equal(t, 1, len(cmd.Options))
	opt := cmd.Options[0]
	assert.Equal(t, chatCommandMessageOption, opt.Name)
	assert.Equal(t, DefaultChatCommandOptionDescription, opt.Description)
	assert.True(t, opt.Required)
	require.NotNil(t, opt.MinLength)
	assert.Equal(t, 1, *opt.MinLength)
	assert.Equal(t, DefaultChatCommandMaxLength, opt.MaxLength)
}

func TestRegenerateComponents(t *testing.T) {
	components := regenerateComponents()
	require.Equal(t, 1, len(components))

	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Equal(t, 1, len(row.Components))

	button, ok := row.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, regenerateButtonCustomID, button.CustomID)
}

func TestSettingsComponents(t *testing.T) {
	user := &User{
		ID:           "user-1",
		UserSettings: UserSettings{AIModel: DefaultAIModel},
	}
	components := settingsComponents(user)
	require.Equal(t, 3, len(components))

	modelRow, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	modelMenu, ok := modelRow.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, selectModelCustomID, modelMenu.CustomID)
	assert.Equal(t, len(modelChoices), len(modelMenu.Options))

	var defaulted int
	for _, option := range modelMenu.Options {
		if option.Default {
			defaulted++
			assert.Equal(t, user.AIModel, option.Value)
		}
	}
	assert.Equal(t, 1, defaulted)

	temperatureRow, ok := components[1].(discordgo.ActionsRow)
	require.True(t, ok)
	temperatureMenu, ok := temperatureRow.Components[0].(discordgo.SelectMenu)
	require.True(t, ok)
	assert.Equal(t, selectTemperatureCustomID, temperatureMenu.CustomID)
	assert.Equal(t, len(temperatureChoices), len(temperatureMenu.Options))

	buttonRow, ok := components[2].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Equal(t, 2, len(buttonRow.Components))

	historyButton, ok := buttonRow.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, toggleHistoryCustomID, historyButton.CustomID)
	assert.Equal(t, "Enable History", historyButton.Label)
	assert.Equal(t, discordgo.SuccessButton, historyButton.Style)

	resetButton, ok := buttonRow.Components[1].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, resetSettingsCustomID, resetButton.CustomID)
	assert.Equal(t, "Reset to Default", resetButton.Label)
}

func TestHistoryToggleButton(t *testing.T) {
	button := historyToggleButton(
		&User{UserSettings: UserSettings{SaveHistory: true}},
	)
	assert.Equal(t, "Disable History", button.Label)
	assert.Equal(t, discordgo.DangerButton, button.Style)
	assert.Equal(t, toggleHistoryCustomID, button.CustomID)
}

func TestCaptionModal(t *testing.T) {
	config := DefaultRuntimeConfig()
	cacheKey := "0123456789abcdef"

	response := captionModal(config, cacheKey)
	assert.Equal(t, discordgo.InteractionResponseModal, response.Type)
	assert.Equal(
		t,
		fmt.Sprintf("%s:%s", captionModalCustomID, cacheKey),
		response.Data.CustomID,
	)
	assert.Equal(t, DefaultCaptionModalTitle, response.Data.Title)

	row, ok := response.Data.Components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	input, ok := row.Components[0].(discordgo.TextInput)
	require.True(t, ok)
	assert.Equal(t, captionTextInputCustomID, input.CustomID)
	assert.Equal(t, DefaultCaptionModalInputLabel, input.Label)
	assert.True(t, input.Required)
	assert.Equal(t, DefaultCaptionModalMaxLength, input.MaxLength)
}

func TestModalTextInput(t *testing.T) {
	data := discordgo.ModalSubmitInteractionData{
		Components: []discordgo.MessageComponent{
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{
						CustomID: captionTextInputCustomID,
						Value:    "some caption text",
					},
				},
			},
		},
	}
	assert.Equal(
		t, "some caption text", modalTextInput(data, captionTextInputCustomID),
	)
	assert.Equal(t, "", modalTextInput(data, "other_input"))
	assert.Equal(
		t,
		"",
		modalTextInput(
			discordgo.ModalSubmitInteractionData{}, captionTextInputCustomID,
		),
	)
}

func TestGetDiscordUser(t *testing.T) {
	direct := &discordgo.User{ID: "user-1"}
	member := &discordgo.User{ID: "user-2"}

	i := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: direct},
	}
	assert.Equal(t, direct, getDiscordUser(i))

	i = &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: member},
		},
	}
	assert.Equal(t, member, getDiscordUser(i))

	i = &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}
	assert.Nil(t, getDiscordUser(i))
}

func TestRegisterableCommands(t *testing.T) {
	d := &Discord{}
	config := DefaultRuntimeConfig()

	commands := []*discordgo.ApplicationCommand{
		d.appCommandChat(config),
		d.appCommandClear(),
		d.appCommandSettings(),
		d.appCommandSetupChannel(),
		d.appCommandRemoveChannel(),
		d.appCommandListChannels(),
		d.appCommandHelp(),
		d.appCommandCaption(),
	}

	names := map[string]bool{}
	for _, cmd := range commands {
		require.NotEmpty(t, cmd.Name)
		require.NotEmpty(t, cmd.Description)
		assert.False(t, names[cmd.Name], "duplicate command name: %s", cmd.Name)
		names[cmd.Name] = true
	}
	assert.True(t, names[DiscordSlashCommandChat])
	assert.True(t, names[DiscordSlashCommandCaption])
}
