package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gopherchat/gopherchat/internal/ai"
)

// stubbed in tests
var timeNow = time.Now

var (
	// ErrEmptyMessage is returned when the trimmed message text is empty.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrNoActiveSession is returned when no session is selected.
	ErrNoActiveSession = errors.New("chat: no active session")
	// ErrBusy is returned when a SendMessage is already in flight; the
	// pending flag is a single-slot admission gate, not a queue.
	ErrBusy = errors.New("chat: send already in progress")
)

// Controller owns the in-memory conversation view of one user: the session
// list (newest first), the active session id, the active message list and the
// pending flag. Durable records belong to the stores; the controller only
// appends to its local view from a write's own confirmed result, never from
// an unconfirmed write.
//
// Store reads degrade to empty collections. A send whose user turn cannot be
// persisted aborts with a synthetic, unpersisted error message. A responder
// failure is answered with a persisted fallback reply so history stays
// continuous. Nothing here is fatal.
type Controller struct {
	repo  *Repo
	owner string
	replier

	mu              sync.Mutex
	sessions        []Session
	activeSessionID string
	activeMessages  []Message
	pending         bool
}

func NewController(repo *Repo, registry *ai.Registry, handles HandleStore, owner string, log zerolog.Logger) *Controller {
	return &Controller{
		repo:  repo,
		owner: owner,
		replier: replier{
			registry: registry,
			handles:  handles,
			log:      log.With().Str("component", "chat_controller").Str("owner", owner).Logger(),
		},
	}
}

// LoadSessions fetches the caller's sessions and replaces the local list
// wholesale. When nothing is selected yet, the newest session becomes active
// and its messages are loaded. A fetch error degrades to an empty list.
func (c *Controller) LoadSessions(ctx context.Context) {
	sessions, err := c.repo.ListSessionsByOwner(ctx, c.owner)
	if err != nil {
		c.log.Warn().Err(err).Msg("load sessions failed, degrading to empty list")
		c.mu.Lock()
		c.sessions = []Session{}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.sessions = sessions
	autoSelect := ""
	if c.activeSessionID == "" && len(sessions) > 0 {
		c.activeSessionID = sessions[0].ID
		autoSelect = sessions[0].ID
	}
	c.mu.Unlock()

	if autoSelect != "" {
		c.LoadMessages(ctx, autoSelect)
	}
}

// SelectSession makes id the active session and loads its messages. The
// previous message list is discarded before the new one arrives; a stale view
// is never shown across a switch.
func (c *Controller) SelectSession(ctx context.Context, id string) {
	c.mu.Lock()
	c.activeSessionID = id
	c.activeMessages = nil
	c.mu.Unlock()

	c.LoadMessages(ctx, id)
}

// LoadMessages fetches all messages of a session, sorts them ascending by
// timestamp (store order is not relied upon) and replaces the active list —
// unless the session was switched away from in the meantime. A fetch error
// degrades to an empty list.
func (c *Controller) LoadMessages(ctx context.Context, sessionID string) {
	msgs, err := c.repo.ListMessages(ctx, sessionID)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("load messages failed, degrading to empty list")
		msgs = []Message{}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})

	c.mu.Lock()
	if c.activeSessionID == sessionID {
		c.activeMessages = msgs
	}
	c.mu.Unlock()
}

// CreateSession persists a new session with the sentinel title, prepends it
// to the list and makes it active with an empty message view. On a store
// error nothing changes locally.
func (c *Controller) CreateSession(ctx context.Context, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	sess := &Session{
		Title:    SentinelTitle,
		Owner:    c.owner,
		Provider: provider,
		Model:    model,
	}
	if err := c.repo.CreateSession(ctx, sess); err != nil {
		c.log.Error().Err(err).Msg("create session failed")
		return nil, err
	}

	c.mu.Lock()
	c.sessions = append([]Session{*sess}, c.sessions...)
	c.activeSessionID = sess.ID
	c.activeMessages = nil
	c.mu.Unlock()

	// conversation handle, if any, is recreated lazily on first send
	if c.handles != nil {
		if err := c.handles.DeleteHandle(ctx, sess.ID); err != nil {
			c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("handle store delete failed")
		}
	}

	return sess, nil
}

// SendMessage runs one turn against the active session:
//
//  1. persist the user message, appending it to the view only once confirmed;
//  2. ask the responder for a reply (conversation handle created lazily),
//     substituting the persisted fallback apology on failure or empty answer;
//  3. replace the sentinel title with one derived from the user text, once.
//
// If step 1 fails, a single synthetic assistant error message is shown and
// never persisted, and steps 2-3 are skipped. The pending flag is cleared on
// every exit path. The session id is captured at call start and re-validated
// before each view mutation, so an in-flight send never leaks messages into
// another session's view.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.activeSessionID == "" {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	if c.pending {
		c.mu.Unlock()
		return ErrBusy
	}
	c.pending = true
	sessionID := c.activeSessionID
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.pending = false
		c.mu.Unlock()
	}()

	userMsg := &Message{
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   text,
		Timestamp: timeNow(),
	}
	if err := c.repo.InsertMessage(ctx, userMsg); err != nil {
		c.log.Error().Err(err).Str("session_id", sessionID).Msg("user message write failed")
		c.appendIfActive(sessionID, Message{
			SessionID: sessionID,
			Role:      RoleAssistant,
			Content:   ErrorReplyText,
			Timestamp: timeNow(),
		})
		return nil
	}
	c.appendIfActive(sessionID, *userMsg)

	sess := c.sessionByID(ctx, sessionID)
	content := c.resolveReply(ctx, sess, text)

	assistantMsg := &Message{
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: timeNow(),
	}
	if err := c.repo.InsertMessage(ctx, assistantMsg); err != nil {
		c.log.Error().Err(err).Str("session_id", sessionID).Msg("assistant message write failed")
		c.appendIfActive(sessionID, Message{
			SessionID: sessionID,
			Role:      RoleAssistant,
			Content:   ErrorReplyText,
			Timestamp: timeNow(),
		})
		return nil
	}
	c.appendIfActive(sessionID, *assistantMsg)

	if title := deriveTitleIfSentinel(ctx, c.repo, c.log, sess, text); title != "" {
		c.setLocalTitle(sessionID, title)
	}

	return nil
}

// SendMessageStream is SendMessage with the reply streamed chunk by chunk.
// Precondition failures arrive on the error channel; everything downstream
// degrades the same way as the non-streaming path, with fallback text
// delivered as a single chunk. Both channels close when the turn is done.
func (c *Controller) SendMessageStream(ctx context.Context, text string) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	text = strings.TrimSpace(text)
	if text == "" {
		errs <- ErrEmptyMessage
		close(chunks)
		close(errs)
		return chunks, errs
	}

	c.mu.Lock()
	if c.activeSessionID == "" {
		c.mu.Unlock()
		errs <- ErrNoActiveSession
		close(chunks)
		close(errs)
		return chunks, errs
	}
	if c.pending {
		c.mu.Unlock()
		errs <- ErrBusy
		close(chunks)
		close(errs)
		return chunks, errs
	}
	c.pending = true
	sessionID := c.activeSessionID
	c.mu.Unlock()

	go func() {
		defer close(chunks)
		defer close(errs)
		defer func() {
			c.mu.Lock()
			c.pending = false
			c.mu.Unlock()
		}()

		userMsg := &Message{
			SessionID: sessionID,
			Role:      RoleUser,
			Content:   text,
			Timestamp: timeNow(),
		}
		if err := c.repo.InsertMessage(ctx, userMsg); err != nil {
			c.log.Error().Err(err).Str("session_id", sessionID).Msg("user message write failed")
			c.appendIfActive(sessionID, Message{
				SessionID: sessionID,
				Role:      RoleAssistant,
				Content:   ErrorReplyText,
				Timestamp: timeNow(),
			})
			chunks <- ErrorReplyText
			return
		}
		c.appendIfActive(sessionID, *userMsg)

		sess := c.sessionByID(ctx, sessionID)
		content := c.streamReply(ctx, sess, text, chunks)

		assistantMsg := &Message{
			SessionID: sessionID,
			Role:      RoleAssistant,
			Content:   content,
			Timestamp: timeNow(),
		}
		if err := c.repo.InsertMessage(ctx, assistantMsg); err != nil {
			c.log.Error().Err(err).Str("session_id", sessionID).Msg("assistant message write failed")
			c.appendIfActive(sessionID, Message{
				SessionID: sessionID,
				Role:      RoleAssistant,
				Content:   ErrorReplyText,
				Timestamp: timeNow(),
			})
			chunks <- ErrorReplyText
			return
		}
		c.appendIfActive(sessionID, *assistantMsg)

		if title := deriveTitleIfSentinel(ctx, c.repo, c.log, sess, text); title != "" {
			c.setLocalTitle(sessionID, title)
		}
	}()

	return chunks, errs
}

// streamReply streams the responder's answer into out and returns the full
// text, or the fallback (also written to out) when the responder streams
// nothing useful. Responders without streaming support answer in one chunk.
func (c *Controller) streamReply(ctx context.Context, sess *Session, text string, out chan<- string) string {
	responder, err := c.responderFor(ctx, sess)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("no responder for session")
		fb := FallbackReply(text)
		out <- fb
		return fb
	}

	sr, ok := responder.(ai.StreamResponder)
	if !ok {
		content := c.resolveReply(ctx, sess, text)
		out <- content
		return content
	}

	handle := c.ensureHandle(ctx, responder, sess.ID)
	pChunks, pErrs := sr.StreamMessage(ctx, text, handle)

	var b strings.Builder
	for chunk := range pChunks {
		b.WriteString(chunk)
		out <- chunk
	}

	select {
	case err := <-pErrs:
		if err != nil {
			c.log.Warn().Err(err).Str("session_id", sess.ID).Msg("responder stream failed, substituting fallback reply")
			fb := FallbackReply(text)
			out <- fb
			return fb
		}
	default:
	}

	if strings.TrimSpace(b.String()) == "" {
		c.log.Warn().Str("session_id", sess.ID).Msg("responder streamed empty answer, substituting fallback reply")
		fb := FallbackReply(text)
		out <- fb
		return fb
	}
	return b.String()
}

// sessionByID prefers the local list; a session sent to before LoadSessions
// ran is fetched from the store. When even that fails the returned session
// has an empty title, so the send keeps resolveReply on defaults without
// ever looking like an untitled session: a title may already be derived in
// the store, and only an actual sentinel read may trigger derivation.
func (c *Controller) sessionByID(ctx context.Context, id string) *Session {
	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			s := c.sessions[i]
			c.mu.Unlock()
			return &s
		}
	}
	c.mu.Unlock()

	sess, err := c.repo.GetSession(ctx, id)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", id).Msg("session lookup failed")
		return &Session{ID: id}
	}
	return sess
}

func (c *Controller) appendIfActive(sessionID string, msg Message) {
	c.mu.Lock()
	if c.activeSessionID == sessionID {
		c.activeMessages = append(c.activeMessages, msg)
	}
	c.mu.Unlock()
}

func (c *Controller) setLocalTitle(sessionID, title string) {
	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == sessionID {
			c.sessions[i].Title = title
			break
		}
	}
	c.mu.Unlock()
}

// Sessions returns a copy of the session list, newest first.
func (c *Controller) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Session(nil), c.sessions...)
}

// ActiveMessages returns a copy of the active session's message view.
func (c *Controller) ActiveMessages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.activeMessages...)
}

func (c *Controller) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSessionID
}

func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}
