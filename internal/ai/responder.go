package ai

import "context"

// Message is one turn of conversation content passed to a responder.
type Message struct {
	Role    string
	Content string
}

// Reply is a responder answer. Handle identifies the server-side (or
// responder-local) conversation context; stateless responders return "".
type Reply struct {
	Text   string
	Handle string
}

// Responder generates assistant reply text for a single user turn. When
// conversationHandle is empty the call is stateless: the responder sees only
// this turn. With a handle obtained from CreateConversation, the responder is
// expected to track the accumulated transcript itself.
type Responder interface {
	SendMessage(ctx context.Context, content string, conversationHandle string) (Reply, error)
	CreateConversation(ctx context.Context) (string, error)
}

// StreamResponder is an optional interface. Responders may stream reply
// chunks; the accumulated text is the reply.
type StreamResponder interface {
	StreamMessage(ctx context.Context, content string, conversationHandle string) (<-chan string, <-chan error)
}
