// Package transcript implements the durable conversation model: ordered
// message sequences persisted per owner and conversation id, plus the
// derived conversation summaries used for listings.
package transcript

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single transcript entry. Content may be empty only for an
// assistant turn that was cancelled before its first delta.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Summary is the derived listing entry for a conversation. It is computed
// from the stored messages, never persisted.
type Summary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// DefaultTitle is used for conversations without a user message yet.
const DefaultTitle = "New Chat"

// TitleMaxLength is the maximum rune length for a derived title.
const TitleMaxLength = 50

// Preamble texts. The plain preamble steers a bare conversation; the
// augmented one tells the model how to use injected web context.
const (
	preamblePlain = "You are a helpful, concise assistant. Answer in the " +
		"language the user writes in."
	preambleAugmented = "You are a helpful, concise assistant. Answer in the " +
		"language the user writes in. When a message labelled \"Web context\" " +
		"is present, ground your answer in it and mention the sources you used."
)

// Preamble returns the system preamble for a conversation. The augmented
// variant is selected when the turn requested context augmentation.
func Preamble(augmented bool) string {
	if augmented {
		return preambleAugmented
	}
	return preamblePlain
}

// TitleFor derives a conversation title from its messages: the first user
// message truncated to TitleMaxLength runes, preferring a word boundary,
// or DefaultTitle when no user message exists.
func TitleFor(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser {
			return TruncateTitle(m.Content)
		}
	}
	return DefaultTitle
}

// TruncateTitle shortens a message into title form. Rune-based so UTF-8
// content survives; truncation prefers the last word boundary past the
// halfway mark.
func TruncateTitle(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return DefaultTitle
	}
	runes := []rune(message)
	if len(runes) <= TitleMaxLength {
		return message
	}

	truncated := string(runes[:TitleMaxLength])
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > TitleMaxLength/2 {
		truncated = truncated[:lastSpace]
	}
	return strings.TrimSpace(truncated) + "..."
}
