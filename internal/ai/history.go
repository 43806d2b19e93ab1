package ai

import (
	"sync"

	"github.com/gopherchat/gopherchat/internal/common"
)

// transcripts tracks per-handle conversation history for responders whose
// backing API has no server-side conversation concept (Ollama, OpenRouter).
// The handle contract is still honored: callers create a handle once and the
// responder replays the accumulated transcript on every turn.
type transcripts struct {
	mu    sync.Mutex
	convs map[string][]Message
}

func newTranscripts() *transcripts {
	return &transcripts{convs: make(map[string][]Message)}
}

func (t *transcripts) create() (string, error) {
	h, err := common.NewULID()
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.convs[h] = nil
	t.mu.Unlock()
	return h, nil
}

// turn returns the transcript for handle with the new user message appended.
// An unknown or empty handle yields just the single turn (stateless call).
func (t *transcripts) turn(handle, content string) []Message {
	user := Message{Role: "user", Content: content}
	if handle == "" {
		return []Message{user}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	hist, ok := t.convs[handle]
	if !ok {
		return []Message{user}
	}
	out := make([]Message, 0, len(hist)+1)
	out = append(out, hist...)
	out = append(out, user)
	return out
}

// record appends the completed exchange to the handle's transcript.
func (t *transcripts) record(handle, content, replyText string) {
	if handle == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.convs[handle]; !ok {
		return
	}
	t.convs[handle] = append(t.convs[handle],
		Message{Role: "user", Content: content},
		Message{Role: "assistant", Content: replyText},
	)
}
