package cortex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeCompletionClient struct {
	response openai.ChatCompletionResponse
	err      error

	requests []openai.ChatCompletionRequest
}

func (f *fakeCompletionClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, request)
	return f.response, f.err
}

func newTestGroq(client CompletionClient) *Groq {
	g := &Groq{
		client: client,
		config: &GroqConfig{
			LogLevel:       &slog.LevelVar{},
			RequestTimeout: time.Minute,
		},
		logger: slog.Default(),
		mu:     &sync.RWMutex{},
	}
	g.setRequestLimiter(rate.NewLimiter(rate.Inf, 1))
	return g
}

func completionResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
			},
		},
		Usage: openai.Usage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
	}
}

func testCompletionRequest() CompletionRequest {
	return CompletionRequest{
		Model: "llama-3.3-70b-versatile",
		Messages: []CompletionMessage{
			{Role: MessageRoleSystem, Content: "system prompt"},
			{Role: MessageRoleUser, Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   512,
	}
}

func TestCompletionRequestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(r *CompletionRequest)
		field  string
	}{
		{
			name:   "missing model",
			mutate: func(r *CompletionRequest) { r.Model = "" },
			field:  "model",
		},
		{
			name:   "no messages",
			mutate: func(r *CompletionRequest) { r.Messages = nil },
			field:  "messages",
		},
		{
			name:   "negative temperature",
			mutate: func(r *CompletionRequest) { r.Temperature = -0.1 },
			field:  "temperature",
		},
		{
			name:   "temperature too high",
			mutate: func(r *CompletionRequest) { r.Temperature = 2.5 },
			field:  "temperature",
		},
		{
			name:   "zero max tokens",
			mutate: func(r *CompletionRequest) { r.MaxTokens = 0 },
			field:  "max_tokens",
		},
		{
			name: "unknown message role",
			mutate: func(r *CompletionRequest) {
				r.Messages[1].Role = "narrator"
			},
			field: "messages[1].role",
		},
		{
			name: "empty message content",
			mutate: func(r *CompletionRequest) {
				r.Messages[0].Content = ""
			},
			field: "messages[0].content",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				req := testCompletionRequest()
				tc.mutate(&req)
				err := req.validate()
				require.Error(t, err)

				var ve *ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Equal(t, tc.field, ve.Field)
			},
		)
	}

	assert.NoError(t, testCompletionRequest().validate())
}

func TestGroqComplete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	client := &fakeCompletionClient{response: completionResponse("ahoy!")}
	g := newTestGroq(client)

	content, usage, err := g.Complete(ctx, db, testCompletionRequest())
	require.NoError(t, err)
	assert.Equal(t, "ahoy!", content)
	assert.Equal(t, 15, usage.TotalTokens)

	require.Equal(t, 1, len(client.requests))
	sent := client.requests[0]
	assert.Equal(t, "llama-3.3-70b-versatile", sent.Model)
	assert.Equal(t, float32(0.7), sent.Temperature)
	assert.Equal(t, 512, sent.MaxTokens)
	require.Equal(t, 2, len(sent.Messages))
	assert.Equal(t, "system", sent.Messages[0].Role)

	var logs []CompletionLog
	require.NoError(t, db.DB().Find(&logs).Error)
	require.Equal(t, 1, len(logs))
	assert.Equal(t, "llama-3.3-70b-versatile", logs[0].Model)
	assert.Equal(t, 15, logs[0].TotalTokens)
	assert.Empty(t, logs[0].Error)
	assert.NotEmpty(t, logs[0].RequestBody)
	assert.NotEmpty(t, logs[0].ResponseBody)
}

func TestGroqComplete_APIError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	client := &fakeCompletionClient{err: errors.New("upstream exploded")}
	g := newTestGroq(client)

	_, _, err := g.Complete(ctx, db, testCompletionRequest())
	require.Error(t, err)
	assert.True(t, IsGenerationError(err))

	var logs []CompletionLog
	require.NoError(t, db.DB().Find(&logs).Error)
	require.Equal(t, 1, len(logs))
	assert.Contains(t, logs[0].Error, "upstream exploded")
}

func TestGroqComplete_EmptyChoices(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	client := &fakeCompletionClient{
		response: openai.ChatCompletionResponse{
			Usage: openai.Usage{TotalTokens: 3},
		},
	}
	g := newTestGroq(client)

	_, usage, err := g.Complete(ctx, db, testCompletionRequest())
	require.Error(t, err)
	assert.True(t, IsGenerationError(err))
	assert.True(t, errors.Is(err, errEmptyCompletionResponse))
	assert.Equal(t, 3, usage.TotalTokens)
}

func TestGroqComplete_InvalidRequest(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	client := &fakeCompletionClient{response: completionResponse("hi")}
	g := newTestGroq(client)

	req := testCompletionRequest()
	req.Model = ""
	_, _, err := g.Complete(ctx, db, req)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	// Nothing was sent or logged
	assert.Empty(t, client.requests)
	var count int64
	require.NoError(t, db.DB().Model(&CompletionLog{}).Count(&count).Error)
	assert.Zero(t, count)
}
