package chat

import "fmt"

// SentinelTitle is the placeholder every new session starts with. It is
// replaced by a title derived from the first user message.
const SentinelTitle = "New Chat"

const (
	titleMaxLen    = 30
	titleTruncMark = "..."
)

// DeriveTitle builds a session title from the first user message: the first
// 30 characters, with a truncation marker when the text is longer.
func DeriveTitle(text string) string {
	r := []rune(text)
	if len(r) <= titleMaxLen {
		return text
	}
	return string(r[:titleMaxLen]) + titleTruncMark
}

// ErrorReplyText is shown (but never persisted) when the user's own message
// could not be stored.
const ErrorReplyText = "Sorry, I encountered an error. Please try again."

// FallbackReply is the assistant message substituted when the AI responder
// fails or returns an empty answer. It is persisted like a real reply so the
// conversation history stays continuous.
func FallbackReply(userText string) string {
	return fmt.Sprintf("I received your message: %q, but I'm having trouble reaching the AI service right now. "+
		"This is usually a connectivity or configuration problem on our side, not something you did. "+
		"Your message has been saved and the conversation history is being maintained, so please try again in a moment.",
		userText)
}
