package chat

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/gopherchat/gopherchat/internal/ai"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

// HandleStore persists the per-session AI conversation handle. A nil or
// failing store is non-fatal: the responder is then called statelessly.
type HandleStore interface {
	GetHandle(ctx context.Context, sessionID string) (string, error)
	PutHandle(ctx context.Context, sessionID, handle string) error
	DeleteHandle(ctx context.Context, sessionID string) error
}

// replier resolves a responder for a session and produces reply content that
// never fails: responder errors and empty answers both degrade to the
// persisted fallback apology.
type replier struct {
	registry *ai.Registry
	handles  HandleStore
	log      zerolog.Logger
}

func (r *replier) responderFor(ctx context.Context, sess *Session) (ai.Responder, error) {
	p := sess.Provider
	m := sess.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}
	return r.registry.Get(ctx, p, m)
}

// ensureHandle returns the session's conversation handle, creating one
// lazily on first use. Any failure degrades to "" (stateless call).
func (r *replier) ensureHandle(ctx context.Context, responder ai.Responder, sessionID string) string {
	if r.handles == nil {
		return ""
	}
	h, err := r.handles.GetHandle(ctx, sessionID)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("handle store read failed, calling responder statelessly")
		return ""
	}
	if h != "" {
		return h
	}
	h, err = responder.CreateConversation(ctx)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("create conversation failed, calling responder statelessly")
		return ""
	}
	if h == "" {
		// stateless responder
		return ""
	}
	if err := r.handles.PutHandle(ctx, sessionID, h); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("handle store write failed")
	}
	return h
}

// resolveReply returns the assistant content for one user turn. An error or
// an empty answer from the responder are handled identically: the fallback
// text becomes the reply.
func (r *replier) resolveReply(ctx context.Context, sess *Session, text string) string {
	responder, err := r.responderFor(ctx, sess)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", sess.ID).Msg("no responder for session")
		return FallbackReply(text)
	}

	handle := r.ensureHandle(ctx, responder, sess.ID)
	reply, err := responder.SendMessage(ctx, text, handle)
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		if err != nil {
			r.log.Warn().Err(err).Str("session_id", sess.ID).Msg("responder failed, substituting fallback reply")
		} else {
			r.log.Warn().Str("session_id", sess.ID).Msg("responder returned empty answer, substituting fallback reply")
		}
		return FallbackReply(text)
	}

	if r.handles != nil && reply.Handle != "" && reply.Handle != handle {
		if err := r.handles.PutHandle(ctx, sess.ID, reply.Handle); err != nil {
			r.log.Warn().Err(err).Str("session_id", sess.ID).Msg("handle store write failed")
		}
	}
	return reply.Text
}

// deriveTitleIfSentinel replaces the sentinel title with one derived from the
// user's text. Returns the new title when the store update succeeded, ""
// otherwise. Update failure is non-fatal; the title stays unsynchronized
// until the next successful exchange.
func deriveTitleIfSentinel(ctx context.Context, repo *Repo, log zerolog.Logger, sess *Session, userText string) string {
	if sess.Title != SentinelTitle {
		return ""
	}
	title := DeriveTitle(userText)
	if err := repo.UpdateSessionTitle(ctx, sess.ID, title); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("title update failed")
		return ""
	}
	return title
}

// Replier generates and stores assistant replies outside a controller; the
// async worker uses it. Same degrade semantics as Controller.SendMessage:
// responder failure persists the fallback, the first exchange derives the
// session title.
type Replier struct {
	repo *Repo
	replier
}

func NewReplier(repo *Repo, registry *ai.Registry, handles HandleStore, log zerolog.Logger) *Replier {
	return &Replier{
		repo: repo,
		replier: replier{
			registry: registry,
			handles:  handles,
			log:      log.With().Str("component", "chat_replier").Logger(),
		},
	}
}

// GenerateAndInsert produces the assistant turn for an already-persisted user
// message and stores it. The owner check hides other users' sessions behind
// gorm.ErrRecordNotFound, like every other lookup.
func (r *Replier) GenerateAndInsert(ctx context.Context, owner, sessionID, userText string) (string, uint64, error) {
	sess, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", 0, err
	}
	if sess.Owner != owner {
		return "", 0, gorm.ErrRecordNotFound
	}

	content := r.resolveReply(ctx, sess, userText)

	msg := &Message{
		SessionID: sessionID,
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: timeNow(),
	}
	if err := r.repo.InsertMessage(ctx, msg); err != nil {
		return "", 0, err
	}

	deriveTitleIfSentinel(ctx, r.repo, r.log, sess, userText)
	return content, msg.ID, nil
}

// InsertUserMessage validates ownership and stores the user turn. Used by the
// async send path before a job is enqueued.
func (r *Replier) InsertUserMessage(ctx context.Context, owner, sessionID, content string) error {
	sess, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Owner != owner {
		return gorm.ErrRecordNotFound
	}
	if strings.TrimSpace(content) == "" {
		return errors.New("empty message")
	}
	return r.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		Timestamp: timeNow(),
	})
}
