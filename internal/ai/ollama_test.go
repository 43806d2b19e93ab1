package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Resolves the responder through the registry once per turn, the way the
// request handlers do, and checks the second turn still carries the first
// exchange: one message on the first call, three on the second.
func TestConversationContextSurvivesRegistryLookups(t *testing.T) {
	var (
		mu     sync.Mutex
		counts []int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		counts = append(counts, len(req.Messages))
		mu.Unlock()
		require.NoError(t, json.NewEncoder(w).Encode(ollamaChatResp{
			Message: ollamaMsg{Role: "assistant", Content: "ok"},
		}))
	}))
	defer srv.Close()

	built := 0
	reg := NewRegistry()
	reg.Register("ollama", Memoize(func(ctx context.Context, model string) (Responder, error) {
		built++
		return NewOllamaResponder(srv.URL, model), nil
	}))

	ctx := context.Background()

	r1, err := reg.Get(ctx, "ollama", "m")
	require.NoError(t, err)
	handle, err := r1.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = r1.SendMessage(ctx, "first", handle)
	require.NoError(t, err)

	r2, err := reg.Get(ctx, "ollama", "m")
	require.NoError(t, err)
	_, err = r2.SendMessage(ctx, "second", handle)
	require.NoError(t, err)

	require.Equal(t, 1, built)
	require.Equal(t, []int{1, 3}, counts)
}

func TestOllamaStreamLeavesSharedClientUntouched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		require.NoError(t, enc.Encode(ollamaStreamResp{Message: ollamaMsg{Role: "assistant", Content: "hel"}}))
		require.NoError(t, enc.Encode(ollamaStreamResp{Message: ollamaMsg{Role: "assistant", Content: "lo"}, Done: true}))
	}))
	defer srv.Close()

	p := NewOllamaResponder(srv.URL, "m")
	before := p.Client.Timeout

	chunks, errs := p.StreamMessage(context.Background(), "hi", "")
	var got string
	for c := range chunks {
		got += c
	}
	require.NoError(t, <-errs)
	require.Equal(t, "hello", got)
	require.Equal(t, before, p.Client.Timeout)
}
