package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveTitle(t *testing.T) {
	long := strings.Repeat("abcde", 9) // 45 chars
	got := DeriveTitle(long)
	require.Len(t, []rune(got), 33)
	require.Equal(t, long[:30]+"...", got)

	require.Equal(t, "short text", DeriveTitle("short text"))

	exact := strings.Repeat("x", 30)
	require.Equal(t, exact, DeriveTitle(exact))
}

func TestDeriveTitleCountsRunesNotBytes(t *testing.T) {
	text := strings.Repeat("日", 31)
	got := DeriveTitle(text)
	require.Equal(t, strings.Repeat("日", 30)+"...", got)
}

func TestFallbackReplyMentionsUserText(t *testing.T) {
	got := FallbackReply("what is the weather")
	require.Contains(t, got, `"what is the weather"`)
	require.Contains(t, got, "trouble reaching the AI service")
}
