package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type nopResponder struct{}

func (nopResponder) SendMessage(ctx context.Context, content string, conversationHandle string) (Reply, error) {
	return Reply{Text: "nop"}, nil
}

func (nopResponder) CreateConversation(ctx context.Context) (string, error) {
	return "", nil
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Fake", func(ctx context.Context, model string) (Responder, error) {
		return nopResponder{}, nil
	})

	r, err := reg.Get(context.Background(), "  fake ", "m")
	require.NoError(t, err)
	require.NotNil(t, r)

	_, err = reg.Get(context.Background(), "unknown", "m")
	require.Error(t, err)
}

func TestMemoizeReturnsOneResponderPerModel(t *testing.T) {
	calls := 0
	f := Memoize(func(ctx context.Context, model string) (Responder, error) {
		calls++
		return NewOllamaResponder("http://unused.invalid", model), nil
	})

	a, err := f(context.Background(), "m1")
	require.NoError(t, err)
	b, err := f(context.Background(), "m1")
	require.NoError(t, err)
	require.Same(t, a, b)

	c, err := f(context.Background(), "m2")
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Equal(t, 2, calls)
}

func TestTranscriptsTrackHistoryPerHandle(t *testing.T) {
	tr := newTranscripts()

	h, err := tr.create()
	require.NoError(t, err)
	require.NotEmpty(t, h)

	// stateless turn: unknown/empty handle sees only itself
	turn := tr.turn("", "hello")
	require.Len(t, turn, 1)

	turn = tr.turn(h, "hello")
	require.Len(t, turn, 1)
	tr.record(h, "hello", "hi there")

	turn = tr.turn(h, "second")
	require.Len(t, turn, 3)
	require.Equal(t, "hello", turn[0].Content)
	require.Equal(t, "hi there", turn[1].Content)
	require.Equal(t, "second", turn[2].Content)

	// a foreign handle never sees that history
	turn = tr.turn("missing", "x")
	require.Len(t, turn, 1)
}
