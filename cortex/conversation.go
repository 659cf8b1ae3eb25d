package cortex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var columnConversationLastMessageID = "last_message_id"

// MessageRole identifies the author of a [ConversationMessage], using
// the chat completion API's role names.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Conversation is a persisted message history for one (user, channel)
// pair. The first message is always the system prompt, seeded when the
// conversation is created.
//
//nolint:lll // struct tags can't be split
type Conversation struct {
	ModelUintID

	// UserID is the Discord user ID
	UserID string `json:"user_id" gorm:"uniqueIndex:idx_conversation_key;not null"`

	// ChannelID is the Discord channel ID
	ChannelID string `json:"channel_id" gorm:"uniqueIndex:idx_conversation_key;not null"`

	// LastMessageID is the Discord message ID of the bot's most recent
	// response in this conversation. Used to strip the regenerate button
	// from the previous response before sending a new one.
	LastMessageID string `json:"last_message_id" gorm:"column:last_message_id"`

	ModelUnixTime
}

// ConversationMessage is a single message in a [Conversation]. Ordering
// within a conversation follows the auto-incremented primary key.
type ConversationMessage struct {
	ModelUintID

	ConversationID uint        `json:"conversation_id" gorm:"index;not null"`
	Role           MessageRole `json:"role" gorm:"not null"`
	Content        string      `json:"content" gorm:"not null"`

	ModelUnixTime
}

func (c *Conversation) String() string {
	return fmt.Sprintf("conversation %s/%s", c.UserID, c.ChannelID)
}

func (c *Conversation) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("user_id", c.UserID),
		slog.String("channel_id", c.ChannelID),
	)
}

// GetOrCreateConversation retrieves the conversation for the given
// (user, channel) pair, creating it (seeded with a single system
// message) if it does not exist. The create uses ON CONFLICT DO NOTHING,
// so two concurrent first requests for the same pair never produce two
// conversations or two system messages - 'record already exists' is a
// normal outcome of the create attempt, not an error.
func (d *database) GetOrCreateConversation(
	ctx context.Context,
	userID string,
	channelID string,
	systemPrompt string,
) (*Conversation, bool, error) {
	var existing Conversation
	err := d.db.WithContext(ctx).Where(
		"user_id = ? AND channel_id = ?", userID, channelID,
	).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, newPersistenceError("get conversation", err)
	}

	conv := &Conversation{UserID: userID, ChannelID: channelID}
	created := false
	txErr := d.Transaction(
		ctx, func(tx *gorm.DB) error {
			if createErr := tx.Clauses(
				clause.OnConflict{DoNothing: true},
			).Create(conv).Error; createErr != nil {
				return createErr
			}
			if findErr := tx.Where(
				"user_id = ? AND channel_id = ?", userID, channelID,
			).First(conv).Error; findErr != nil {
				return findErr
			}
			var systemCount int64
			if countErr := tx.Model(&ConversationMessage{}).Where(
				"conversation_id = ? AND role = ?",
				conv.ID, MessageRoleSystem,
			).Count(&systemCount).Error; countErr != nil {
				return countErr
			}
			if systemCount == 0 {
				created = true
				return tx.Create(
					&ConversationMessage{
						ConversationID: conv.ID,
						Role:           MessageRoleSystem,
						Content:        systemPrompt,
					},
				).Error
			}
			return nil
		},
	)
	if txErr != nil {
		return nil, false, newPersistenceError("create conversation", txErr)
	}
	return conv, created, nil
}

// Messages returns the conversation's messages in order, starting with
// the system message.
func (c *Conversation) Messages(
	ctx context.Context,
	db *gorm.DB,
) ([]ConversationMessage, error) {
	var messages []ConversationMessage
	err := db.WithContext(ctx).Where(
		"conversation_id = ?", c.ID,
	).Order("id").Find(&messages).Error
	if err != nil {
		return nil, newPersistenceError("list messages", err)
	}
	return messages, nil
}

// AddMessage appends a message to the conversation.
func (c *Conversation) AddMessage(
	ctx context.Context,
	db DBI,
	role MessageRole,
	content string,
) error {
	msg := &ConversationMessage{
		ConversationID: c.ID,
		Role:           role,
		Content:        content,
	}
	if _, err := db.Create(ctx, msg); err != nil {
		return newPersistenceError("add message", err)
	}
	return nil
}

// PopLastAssistant removes and returns the conversation's trailing
// message if it is an assistant message. Returns nil if the history is
// empty or the last message is not from the assistant, so a regenerate
// after /clear cannot eat the system prompt or a user message.
func (c *Conversation) PopLastAssistant(
	ctx context.Context,
	db DBI,
) (*ConversationMessage, error) {
	var popped *ConversationMessage
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var last ConversationMessage
			findErr := tx.Where(
				"conversation_id = ?", c.ID,
			).Order("id desc").First(&last).Error
			if findErr != nil {
				if errors.Is(findErr, gorm.ErrRecordNotFound) {
					return nil
				}
				return findErr
			}
			if last.Role != MessageRoleAssistant {
				return nil
			}
			if delErr := tx.Unscoped().Delete(&last).Error; delErr != nil {
				return delErr
			}
			popped = &last
			return nil
		},
	)
	if err != nil {
		return nil, newPersistenceError("pop last assistant message", err)
	}
	return popped, nil
}

// Clear deletes all messages except system messages, leaving the
// conversation as if it had just been created.
func (c *Conversation) Clear(ctx context.Context, db DBI) error {
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Unscoped().Where(
				"conversation_id = ? AND role != ?",
				c.ID, MessageRoleSystem,
			).Delete(&ConversationMessage{}).Error
		},
	)
	if err != nil {
		return newPersistenceError("clear conversation", err)
	}
	return nil
}

// SetLastMessageID records the Discord message ID of the bot's most
// recent response in this conversation.
func (c *Conversation) SetLastMessageID(
	ctx context.Context,
	db DBI,
	messageID string,
) error {
	c.LastMessageID = messageID
	if _, err := db.Update(
		ctx, c, columnConversationLastMessageID, messageID,
	); err != nil {
		return newPersistenceError("set last message id", err)
	}
	return nil
}

// CompletionMessages projects the conversation history into the message
// list sent to the completion API.
func (c *Conversation) CompletionMessages(
	ctx context.Context,
	db *gorm.DB,
) ([]CompletionMessage, error) {
	messages, err := c.Messages(ctx, db)
	if err != nil {
		return nil, err
	}
	completionMessages := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		completionMessages = append(
			completionMessages,
			CompletionMessage{Role: m.Role, Content: m.Content},
		)
	}
	return completionMessages, nil
}
