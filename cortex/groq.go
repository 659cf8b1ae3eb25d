package cortex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// CompletionMessage is a single message in a completion request, in the
// chat completion API's role/content shape.
type CompletionMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// CompletionRequest is a request for a chat completion.
type CompletionRequest struct {
	// Model is the completion model to use. Required.
	Model string `json:"model"`

	// Messages is the full message history to complete, starting with
	// the system message. Required.
	Messages []CompletionMessage `json:"messages"`

	// Temperature for the completion. Must be in [0, 2].
	Temperature float32 `json:"temperature"`

	// MaxTokens caps the completion length. Must be positive.
	MaxTokens int `json:"max_tokens"`

	// ChatCommandID links the resulting CompletionLog row to the
	// originating command, if any.
	ChatCommandID *uint `json:"chat_command_id,omitempty"`
}

// CompletionUsage reports token usage for a single completion.
type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionLog is a record of a single chat completion API request and
// response, including timing, payloads, token usage, and any error.
//
//nolint:lll // struct tags can't be split
type CompletionLog struct {
	ModelUintID
	ModelUnixTime

	ChatCommandID *uint        `json:"chat_command_id"`
	ChatCommand   *ChatCommand `json:"-" gorm:"-"`

	Model string `json:"model" gorm:"type:string"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody  string `json:"request_payload" gorm:"type:string"`
	ResponseBody string `json:"response_payload" gorm:"type:string"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	Error string `json:"error" gorm:"type:string"`
}

func (CompletionLog) TableName() string {
	return "completion_log"
}

// CompletionClient defines the subset of the completion API used by the
// bot. It abstracts the underlying client so tests can substitute a mock.
type CompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// Groq manages the Groq chat completion integration: the API client,
// request rate limiting, and per-request logging. Groq's API is
// OpenAI-compatible, so the client is the OpenAI client pointed at the
// Groq base URL.
type Groq struct {
	client         CompletionClient
	config         *GroqConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	c              *Cortex

	mu *sync.RWMutex // primarily just protects requestLimiter
}

func newGroq(
	c *Cortex,
	httpClient *http.Client,
) *Groq {
	config := c.config.Groq
	g := &Groq{
		config: config,
		c:      c,
		mu:     &sync.RWMutex{},
	}
	g.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "groq")

	clientCfg := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientCfg.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}

	g.client = openai.NewClientWithConfig(clientCfg)

	return g
}

// setRequestLimiter swaps the request rate limiter, used when the
// runtime config's requests-per-second setting changes.
func (g *Groq) setRequestLimiter(limiter *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requestLimiter = limiter
}

// waitOnRequestLimiter waits for the request limiter to allow the next
// request, returning any error from the limiter itself
func (g *Groq) waitOnRequestLimiter(ctx context.Context) error {
	// RUnlock isn't deferred here- if we try to update the limiter via
	// API, it'd end up waiting on the current limiter to be released,
	// which isn't great under high load.
	// `rate.Limiter` does not specify that it's safe to concurrently call
	// `Wait` and `SetLimit`.
	g.mu.RLock()
	requestLimiter := g.requestLimiter
	g.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// singleTurnMessages builds the payload for users with history saving
// disabled: the system prompt and the new message, with nothing read
// from the stored conversation.
func singleTurnMessages(systemPrompt, prompt string) []CompletionMessage {
	return []CompletionMessage{
		{Role: MessageRoleSystem, Content: systemPrompt},
		{Role: MessageRoleUser, Content: prompt},
	}
}

// validate checks the request preconditions, returning a
// ValidationError naming the first offending field.
func (r CompletionRequest) validate() error {
	if r.Model == "" {
		return &ValidationError{Field: "model", Reason: "must not be empty"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	for n, m := range r.Messages {
		switch m.Role {
		case MessageRoleSystem, MessageRoleUser, MessageRoleAssistant:
		default:
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].role", n),
				Reason: fmt.Sprintf("unknown role %q", m.Role),
			}
		}
		if m.Content == "" {
			return &ValidationError{
				Field:  fmt.Sprintf("messages[%d].content", n),
				Reason: "must not be empty",
			}
		}
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return &ValidationError{
			Field:  "temperature",
			Reason: "must be between 0 and 2",
		}
	}
	if r.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	return nil
}

// Complete sends the given message history to the completion API and
// returns the assistant's response. Every request is recorded as a
// CompletionLog row, whether it succeeds or fails. API failures and
// empty responses are returned as a GenerationError.
func (g *Groq) Complete(
	ctx context.Context,
	db DBI,
	req CompletionRequest,
) (string, CompletionUsage, error) {
	var usage CompletionUsage

	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = g.logger
		ctx = WithLogger(ctx, logger)
	}

	if err := req.validate(); err != nil {
		return "", usage, err
	}

	apiMessages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		apiMessages = append(
			apiMessages, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			},
		)
	}
	apiRequest := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    apiMessages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	rec := &CompletionLog{
		ChatCommandID:  req.ChatCommandID,
		Model:          req.Model,
		RequestStarted: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(apiRequest)
	if err != nil {
		return "", usage, err
	}
	rec.RequestBody = string(data)

	if err = g.waitOnRequestLimiter(ctx); err != nil {
		rec.Error = err.Error()
		if _, e := db.Create(context.TODO(), rec); e != nil {
			logger.ErrorContext(ctx, "error adding record", tint.Err(e))
		}
		return "", usage, &GenerationError{Err: err}
	}

	requestCtx := ctx
	if g.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		requestCtx, cancel = context.WithTimeout(ctx, g.config.RequestTimeout)
		defer cancel()
	}

	rec.RequestStarted = time.Now().UnixMilli()
	response, completionErr := g.client.CreateChatCompletion(
		requestCtx,
		apiRequest,
	)
	rec.RequestEnded = time.Now().UnixMilli()

	if completionErr != nil {
		rec.Error = completionErr.Error()
		if _, e := db.Create(context.TODO(), rec); e != nil {
			logger.ErrorContext(ctx, "error adding record", tint.Err(e))
		}
		return "", usage, &GenerationError{Err: completionErr}
	}

	data, err = json.Marshal(response)
	if err == nil {
		rec.ResponseBody = string(data)
	}
	usage = CompletionUsage{
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		TotalTokens:      response.Usage.TotalTokens,
	}
	rec.PromptTokens = usage.PromptTokens
	rec.CompletionTokens = usage.CompletionTokens
	rec.TotalTokens = usage.TotalTokens

	if len(response.Choices) == 0 {
		rec.Error = "no choices in response"
		if _, e := db.Create(context.TODO(), rec); e != nil {
			logger.ErrorContext(ctx, "error adding record", tint.Err(e))
		}
		return "", usage, &GenerationError{
			Err: errEmptyCompletionResponse,
		}
	}

	if _, e := db.Create(context.TODO(), rec); e != nil {
		logger.ErrorContext(ctx, "error adding record", tint.Err(e))
	}

	content := response.Choices[0].Message.Content
	logger.InfoContext(
		ctx,
		"completion finished",
		"model", req.Model,
		"total_tokens", usage.TotalTokens,
		"elapsed_ms", rec.RequestEnded-rec.RequestStarted,
	)
	return content, usage, nil
}
