// Package cortex implements a Discord bot that relays user messages to a
// Groq-compatible chat completion API and persists per-user, per-channel
// conversation history.
//
// Cortex receives slash commands, message component interactions and plain
// channel messages through the Discord gateway, maintains ordered message
// histories in a SQL database, and renders model responses back to Discord,
// splitting oversized answers across multiple messages.
//
// Key components of the package include:
//
//   - Cortex: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the Discord session and interaction routing.
//   - Groq: Wraps the chat completion API.
//   - API: Provides a backend API for bot management and monitoring.
//   - database: Handles data persistence and retrieval.
//   - ImageCache: An in-memory TTL cache bridging the /caption upload to its
//     modal submission.
//
// The bot supports various commands:
//
//   - /chat: Send a message to the assistant and get a reply.
//   - /clear: Clear the conversation history for the current channel.
//   - /settings: Configure the per-user model, temperature and token budget.
//   - /setup-channel, /remove-channel, /list-channels: Manage channels where
//     the bot answers every message.
//   - /caption: Attach text to an uploaded image via a modal.
//
// Conversation history for a (user, channel) pair is seeded with a single
// system message and grows by appending user and assistant turns; the
// regenerate button replaces the most recent assistant turn rather than
// appending after it.
package cortex
