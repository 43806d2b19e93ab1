package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gopherchat/gopherchat/internal/ai"
)

// scriptedResponder answers with a fixed reply, error or empty text and
// records what it was called with.
type scriptedResponder struct {
	reply string
	err   error

	mu          sync.Mutex
	lastContent string
	lastHandle  string
	handles     int
	calls       int
}

func (r *scriptedResponder) SendMessage(ctx context.Context, content string, conversationHandle string) (ai.Reply, error) {
	r.mu.Lock()
	r.lastContent = content
	r.lastHandle = conversationHandle
	r.calls++
	r.mu.Unlock()
	if r.err != nil {
		return ai.Reply{}, r.err
	}
	return ai.Reply{Text: r.reply, Handle: conversationHandle}, nil
}

func (r *scriptedResponder) CreateConversation(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles++
	return fmt.Sprintf("conv-%d", r.handles), nil
}

// blockingResponder parks every SendMessage until release is closed.
type blockingResponder struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingResponder) SendMessage(ctx context.Context, content string, conversationHandle string) (ai.Reply, error) {
	r.entered <- struct{}{}
	<-r.release
	return ai.Reply{Text: "done waiting"}, nil
}

func (r *blockingResponder) CreateConversation(ctx context.Context) (string, error) {
	return "", nil
}

type memHandles struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemHandles() *memHandles { return &memHandles{m: make(map[string]string)} }

func (s *memHandles) GetHandle(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[sessionID], nil
}

func (s *memHandles) PutHandle(ctx context.Context, sessionID, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[sessionID] = handle
	return nil
}

func (s *memHandles) DeleteHandle(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, sessionID)
	return nil
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Session{}, &Message{}, &Job{}))
	return db
}

func registryWith(t *testing.T, r ai.Responder) *ai.Registry {
	t.Helper()
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Responder, error) {
		return r, nil
	})
	return reg
}

func newTestController(t *testing.T, db *gorm.DB, r ai.Responder, owner string) *Controller {
	t.Helper()
	return NewController(NewRepo(db), registryWith(t, r), newMemHandles(), owner, zerolog.Nop())
}

func createTestSession(t *testing.T, ctrl *Controller) *Session {
	t.Helper()
	sess, err := ctrl.CreateSession(context.Background(), "fake", "default")
	require.NoError(t, err)
	return sess
}

func TestLoadMessagesSortsByTimestamp(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctrl := newTestController(t, db, &scriptedResponder{reply: "ok"}, "alice")
	sess := createTestSession(t, ctrl)

	// insert in reverse chronological order so store order differs from
	// timestamp order
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 4; i >= 0; i-- {
		require.NoError(t, repo.InsertMessage(context.Background(), &Message{
			SessionID: sess.ID,
			Role:      RoleUser,
			Content:   fmt.Sprintf("msg-%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	ctrl.SelectSession(context.Background(), sess.ID)

	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf("msg-%d", i), m.Content)
	}
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
}

func TestSendMessagePersistsBothTurnsAndDerivesTitle(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "Hello! How can I help?"}
	ctrl := newTestController(t, db, resp, "alice")
	sess := createTestSession(t, ctrl)

	require.NoError(t, ctrl.SendMessage(context.Background(), "Hi"))

	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "Hi", msgs[0].Content)
	require.Equal(t, RoleAssistant, msgs[1].Role)
	require.Equal(t, "Hello! How can I help?", msgs[1].Content)
	require.False(t, ctrl.Pending())

	// first exchange replaces the sentinel title, locally and in the store
	require.Equal(t, "Hi", ctrl.Sessions()[0].Title)
	stored, err := NewRepo(db).GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Hi", stored.Title)

	// both turns are durable
	var count int64
	require.NoError(t, db.Model(&Message{}).Where("session_id = ?", sess.ID).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestSendMessageFallbackIsPersisted(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{err: errors.New("bedrock unreachable")}
	ctrl := newTestController(t, db, resp, "bob")
	sess := createTestSession(t, ctrl)

	require.NoError(t, ctrl.SendMessage(context.Background(), "Tell me a joke"))

	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, RoleAssistant, msgs[1].Role)
	require.Contains(t, msgs[1].Content, "trouble reaching the AI service")
	require.False(t, ctrl.Pending())

	// the fallback derives the title too
	require.Equal(t, "Tell me a joke", ctrl.Sessions()[0].Title)

	// fallback text survives a reload: it is history, not a UI artifact
	ctrl.LoadMessages(context.Background(), sess.ID)
	reloaded := ctrl.ActiveMessages()
	require.Len(t, reloaded, 2)
	require.Contains(t, reloaded[1].Content, "trouble reaching the AI service")
}

func TestSendMessageEmptyReplyTreatedAsFailure(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "   "}
	ctrl := newTestController(t, db, resp, "carol")
	createTestSession(t, ctrl)

	require.NoError(t, ctrl.SendMessage(context.Background(), "hello?"))

	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[1].Content, "trouble reaching the AI service")
}

func TestTitleDerivedOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "sure"}
	ctrl := newTestController(t, db, resp, "dave")
	sess := createTestSession(t, ctrl)

	require.NoError(t, ctrl.SendMessage(context.Background(), "first question"))
	require.Equal(t, "first question", ctrl.Sessions()[0].Title)

	require.NoError(t, ctrl.SendMessage(context.Background(), "a completely different second question"))
	require.Equal(t, "first question", ctrl.Sessions()[0].Title)

	stored, err := NewRepo(db).GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "first question", stored.Title)
}

func TestTitleSurvivesSessionReadFailure(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	ctrl := newTestController(t, db, &scriptedResponder{reply: "ok"}, "alice")
	sess := createTestSession(t, ctrl)
	require.NoError(t, repo.UpdateSessionTitle(context.Background(), sess.ID, "already titled"))

	// a send that cannot read the session record works with a titleless
	// copy; that copy must never count as untitled and overwrite the store
	got := deriveTitleIfSentinel(context.Background(), repo, zerolog.Nop(), &Session{ID: sess.ID}, "a much later message")
	require.Empty(t, got)

	stored, err := repo.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Equal(t, "already titled", stored.Title)

	// and a failed lookup produces exactly that titleless copy
	other := newTestController(t, db, &scriptedResponder{reply: "ok"}, "alice")
	require.NoError(t, db.Migrator().DropTable(&Session{}))
	fallback := other.sessionByID(context.Background(), sess.ID)
	require.Equal(t, sess.ID, fallback.ID)
	require.Empty(t, fallback.Title)
}

func TestSendMessageUserPersistFailure(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "never sent"}
	ctrl := newTestController(t, db, resp, "erin")
	createTestSession(t, ctrl)

	// make the message store reject writes
	require.NoError(t, db.Migrator().DropTable(&Message{}))

	require.NoError(t, ctrl.SendMessage(context.Background(), "doomed"))

	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, RoleAssistant, msgs[0].Role)
	require.Equal(t, ErrorReplyText, msgs[0].Content)
	require.False(t, ctrl.Pending())

	// the responder was never consulted
	require.Equal(t, 0, resp.calls)
}

func TestSendMessagePreconditions(t *testing.T) {
	db := openTestDB(t)
	ctrl := newTestController(t, db, &scriptedResponder{reply: "ok"}, "frank")

	require.ErrorIs(t, ctrl.SendMessage(context.Background(), "   "), ErrEmptyMessage)
	require.ErrorIs(t, ctrl.SendMessage(context.Background(), "hello"), ErrNoActiveSession)
}

func TestSendMessageAdmissionGate(t *testing.T) {
	db := openTestDB(t)
	resp := &blockingResponder{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ctrl := newTestController(t, db, resp, "grace")
	createTestSession(t, ctrl)

	done := make(chan error, 1)
	go func() {
		done <- ctrl.SendMessage(context.Background(), "slow one")
	}()

	<-resp.entered
	require.True(t, ctrl.Pending())
	require.ErrorIs(t, ctrl.SendMessage(context.Background(), "overlapping"), ErrBusy)

	close(resp.release)
	require.NoError(t, <-done)
	require.False(t, ctrl.Pending())
}

func TestSessionSwitchDuringSendDoesNotLeakIntoNewView(t *testing.T) {
	db := openTestDB(t)
	resp := &blockingResponder{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ctrl := newTestController(t, db, resp, "heidi")
	first := createTestSession(t, ctrl)
	second := createTestSession(t, ctrl)

	ctrl.SelectSession(context.Background(), first.ID)

	done := make(chan error, 1)
	go func() {
		done <- ctrl.SendMessage(context.Background(), "for the first session")
	}()

	<-resp.entered
	ctrl.SelectSession(context.Background(), second.ID)
	close(resp.release)
	require.NoError(t, <-done)

	// the in-flight reply went to the first session's store, not the
	// second session's view
	for _, m := range ctrl.ActiveMessages() {
		require.NotEqual(t, "done waiting", m.Content)
	}

	ctrl.SelectSession(context.Background(), first.ID)
	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, "done waiting", msgs[1].Content)
}

func TestLoadSessionsAutoSelectsNewest(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)

	old := &Session{Title: SentinelTitle, Owner: "ivan", Provider: "fake", Model: "default"}
	require.NoError(t, repo.CreateSession(context.Background(), old))
	require.NoError(t, db.Model(old).Update("created_at", time.Now().Add(-time.Hour)).Error)
	newest := &Session{Title: SentinelTitle, Owner: "ivan", Provider: "fake", Model: "default"}
	require.NoError(t, repo.CreateSession(context.Background(), newest))

	ctrl := newTestController(t, db, &scriptedResponder{reply: "ok"}, "ivan")
	ctrl.LoadSessions(context.Background())

	sessions := ctrl.Sessions()
	require.Len(t, sessions, 2)
	require.Equal(t, newest.ID, sessions[0].ID)
	require.Equal(t, newest.ID, ctrl.ActiveSessionID())
}

func TestLoadSessionsDegradesToEmpty(t *testing.T) {
	db := openTestDB(t)
	ctrl := newTestController(t, db, &scriptedResponder{reply: "ok"}, "judy")
	createTestSession(t, ctrl)

	require.NoError(t, db.Migrator().DropTable(&Session{}))

	ctrl.LoadSessions(context.Background())
	require.Empty(t, ctrl.Sessions())
}

func TestLoadMessagesDegradesToEmpty(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "ok"}
	ctrl := newTestController(t, db, resp, "kim")
	sess := createTestSession(t, ctrl)
	require.NoError(t, ctrl.SendMessage(context.Background(), "hello"))
	require.Len(t, ctrl.ActiveMessages(), 2)

	require.NoError(t, db.Migrator().DropTable(&Message{}))

	ctrl.LoadMessages(context.Background(), sess.ID)
	require.Empty(t, ctrl.ActiveMessages())
}

func TestCreateSessionResetsView(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "ok"}
	ctrl := newTestController(t, db, resp, "leo")
	first := createTestSession(t, ctrl)
	require.NoError(t, ctrl.SendMessage(context.Background(), "hello"))
	require.NotEmpty(t, ctrl.ActiveMessages())

	second := createTestSession(t, ctrl)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, second.ID, ctrl.ActiveSessionID())
	require.Empty(t, ctrl.ActiveMessages())
	require.Equal(t, second.ID, ctrl.Sessions()[0].ID)
}

func TestConversationHandleCreatedLazilyAndReused(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "ok"}
	ctrl := newTestController(t, db, resp, "mallory")
	createTestSession(t, ctrl)

	require.NoError(t, ctrl.SendMessage(context.Background(), "first"))
	require.Equal(t, 1, resp.handles)
	require.Equal(t, "conv-1", resp.lastHandle)

	require.NoError(t, ctrl.SendMessage(context.Background(), "second"))
	require.Equal(t, 1, resp.handles, "handle is created once per session")
	require.Equal(t, "conv-1", resp.lastHandle)
}

func TestSendMessageStreamFallsBackWithoutStreamSupport(t *testing.T) {
	db := openTestDB(t)
	resp := &scriptedResponder{reply: "streamed answer"}
	ctrl := newTestController(t, db, resp, "nina")
	sess := createTestSession(t, ctrl)

	chunks, errs := ctrl.SendMessageStream(context.Background(), "stream this")

	var b strings.Builder
	for c := range chunks {
		b.WriteString(c)
	}
	require.NoError(t, <-errs)
	require.Equal(t, "streamed answer", b.String())
	require.False(t, ctrl.Pending())

	ctrl.LoadMessages(context.Background(), sess.ID)
	msgs := ctrl.ActiveMessages()
	require.Len(t, msgs, 2)
	require.Equal(t, "streamed answer", msgs[1].Content)
}
