package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestReplier(t *testing.T, db *gorm.DB, resp *scriptedResponder) *Replier {
	t.Helper()
	return NewReplier(NewRepo(db), registryWith(t, resp), newMemHandles(), zerolog.Nop())
}

func TestReplierGenerateAndInsert(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	sess := &Session{Title: SentinelTitle, Owner: "worker-user", Provider: "fake", Model: "default"}
	require.NoError(t, repo.CreateSession(context.Background(), sess))

	resp := &scriptedResponder{reply: "generated async"}
	r := newTestReplier(t, db, resp)

	require.NoError(t, r.InsertUserMessage(context.Background(), "worker-user", sess.ID, "async question"))

	content, msgID, err := r.GenerateAndInsert(context.Background(), "worker-user", sess.ID, "async question")
	require.NoError(t, err)
	require.Equal(t, "generated async", content)
	require.NotZero(t, msgID)

	// same title side effect as the interactive path
	stored, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "async question", stored.Title)

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestReplierPersistsFallbackOnResponderFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	sess := &Session{Title: SentinelTitle, Owner: "worker-user", Provider: "fake", Model: "default"}
	require.NoError(t, repo.CreateSession(context.Background(), sess))

	resp := &scriptedResponder{err: errors.New("model offline")}
	r := newTestReplier(t, db, resp)

	content, msgID, err := r.GenerateAndInsert(context.Background(), "worker-user", sess.ID, "hello")
	require.NoError(t, err, "responder failure is not a job failure")
	require.Contains(t, content, "trouble reaching the AI service")
	require.NotZero(t, msgID)

	msgs, err := repo.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, RoleAssistant, msgs[0].Role)
	require.Contains(t, msgs[0].Content, "trouble reaching the AI service")
}

func TestReplierHidesForeignSessions(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	sess := &Session{Title: SentinelTitle, Owner: "owner-a", Provider: "fake", Model: "default"}
	require.NoError(t, repo.CreateSession(context.Background(), sess))

	r := newTestReplier(t, db, &scriptedResponder{reply: "ok"})

	_, _, err := r.GenerateAndInsert(context.Background(), "owner-b", sess.ID, "hi")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	err = r.InsertUserMessage(context.Background(), "owner-b", sess.ID, "hi")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
