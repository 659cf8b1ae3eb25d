package cortex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfig(t *testing.T) {
	config := DefaultRuntimeConfig()

	require.NoError(t, structValidator.Struct(config))

	assert.Equal(t, DefaultAIModel, config.AIModel)
	assert.Equal(t, DefaultTemperature, config.Temperature)
	assert.Equal(t, DefaultMaxTokens, config.MaxTokens)
	assert.True(t, config.SaveHistory)
	assert.False(t, config.Paused)
	assert.Equal(t, DefaultSystemPrompt, config.SystemPrompt)

	settings := config.DefaultUserSettings()
	assert.Equal(t, config.UserSettings, settings)
}

func TestRuntimeConfigValueChanged(t *testing.T) {
	model := "llama3-8b-8192"
	sameModel := DefaultAIModel

	assert.True(t, runtimeConfigValueChanged(DefaultAIModel, &model))
	assert.False(t, runtimeConfigValueChanged(DefaultAIModel, &sameModel))
	assert.False(t, runtimeConfigValueChanged(DefaultAIModel, (*string)(nil)))
	assert.False(t, runtimeConfigValueChanged(DefaultAIModel, "not a pointer"))
}

func TestUpdateUsersFromRuntimeConfig(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	currentConfig := DefaultRuntimeConfig()

	// One user on the current default, one with a personal override
	onDefault := &User{
		ID:           "user-1",
		Username:     "defaults",
		UserSettings: currentConfig.DefaultUserSettings(),
	}
	_, err := db.Create(ctx, onDefault)
	require.NoError(t, err)

	custom := &User{
		ID:       "user-2",
		Username: "custom",
		UserSettings: UserSettings{
			AIModel:     "mixtral-8x7b-32768",
			Temperature: currentConfig.Temperature,
			MaxTokens:   currentConfig.MaxTokens,
		},
	}
	_, err = db.Create(ctx, custom)
	require.NoError(t, err)

	newModel := "llama3-70b-8192"
	err = updateUsersFromRuntimeConfig(
		ctx,
		db,
		RuntimeConfigUpdate{AIModel: &newModel},
		&currentConfig,
	)
	require.NoError(t, err)

	updated, err := db.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, newModel, updated.AIModel)

	untouched, err := db.GetUser(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, "mixtral-8x7b-32768", untouched.AIModel)
}
