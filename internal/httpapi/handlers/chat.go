package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/gopherchat/gopherchat/internal/chat"
	"github.com/gopherchat/gopherchat/internal/common"
	"github.com/gopherchat/gopherchat/internal/httpapi/middleware"
)

func ownerFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.UsernameKey)
	if !ok {
		return "", false
	}
	owner, ok := v.(string)
	return owner, ok && owner != ""
}

// ownsSession hides other users' sessions: a foreign or unknown id is
// indistinguishable from a missing one.
func (h *Handler) ownsSession(c *gin.Context, owner, sessionID string) bool {
	sess, err := h.Repo.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40004, "session not found")
			return false
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return false
	}
	if sess.Owner != owner {
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
		return false
	}
	return true
}

type createSessionReq struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	ctrl := h.controllerFor(owner)
	sess, err := ctrl.CreateSession(c.Request.Context(), req.Provider, req.Model)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create session")
		return
	}

	common.OK(c, gin.H{"session": sess})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ctrl := h.controllerFor(owner)
	ctrl.LoadSessions(c.Request.Context())

	common.OK(c, gin.H{
		"sessions":          ctrl.Sessions(),
		"active_session_id": ctrl.ActiveSessionID(),
	})
}

// ListChatMessages selects the session and returns its reloaded message
// view, sorted ascending by timestamp. This is the dashboard's "click a
// chat" operation.
func (h *Handler) ListChatMessages(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	sessionID := c.Param("session_id")
	if !h.ownsSession(c, owner, sessionID) {
		return
	}

	ctrl := h.controllerFor(owner)
	ctrl.SelectSession(c.Request.Context(), sessionID)

	common.OK(c, gin.H{
		"session_id": sessionID,
		"messages":   ctrl.ActiveMessages(),
	})
}

type sendMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !h.ownsSession(c, owner, req.SessionID) {
		return
	}

	ctrl := h.controllerFor(owner)
	if ctrl.ActiveSessionID() != req.SessionID {
		ctrl.SelectSession(c.Request.Context(), req.SessionID)
	}

	if err := ctrl.SendMessage(c.Request.Context(), req.Message); err != nil {
		switch {
		case errors.Is(err, chat.ErrBusy):
			common.Fail(c, http.StatusConflict, 40901, "a message is already being processed")
		case errors.Is(err, chat.ErrEmptyMessage):
			common.Fail(c, http.StatusBadRequest, 10005, "message must not be empty")
		case errors.Is(err, chat.ErrNoActiveSession):
			common.Fail(c, http.StatusBadRequest, 10006, "no active session")
		default:
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to send message")
		}
		return
	}

	msgs := ctrl.ActiveMessages()
	var reply *chat.Message
	if len(msgs) > 0 && msgs[len(msgs)-1].Role == chat.RoleAssistant {
		reply = &msgs[len(msgs)-1]
	}

	common.OK(c, gin.H{
		"session_id": req.SessionID,
		"reply":      reply,
		"messages":   msgs,
	})
}

func (h *Handler) SendChatMessageStream(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if !h.ownsSession(c, owner, req.SessionID) {
		return
	}

	ctrl := h.controllerFor(owner)
	if ctrl.ActiveSessionID() != req.SessionID {
		ctrl.SelectSession(c.Request.Context(), req.SessionID)
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx

	// avoid gin writing a JSON response later
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, errs := ctrl.SendMessageStream(ctx, req.Message)

	// heartbeat ticker (keeps connections alive)
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		// can't stream
		fmt.Fprintf(c.Writer, "event: error\ndata: flusher not supported\n\n")
		return
	}

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			// last-resort: send a simple error that won't break SSE framing
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		if event != "" {
			fmt.Fprintf(c.Writer, "event: %s\n", event)
		}
		fmt.Fprintf(c.Writer, "data: %s\n\n", string(b))
		flusher.Flush()
	}

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				writeJSON("done", gin.H{"type": "done"})
				return
			}
			writeJSON("chunk", gin.H{
				"type":  "chunk",
				"delta": ch,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			writeJSON("error", gin.H{
				"type":    "error",
				"message": err.Error(),
			})
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "async send is disabled")
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10003, "idempotency key too long")
		return
	}

	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	// Insert user message immediately; the worker only produces the reply.
	if err := h.Replier.InsertUserMessage(c.Request.Context(), owner, req.SessionID, req.Message); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "session not found")
			return
		}
		h.Log.Error().Err(err).Str("session_id", req.SessionID).Msg("insert user message failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		h.Log.Error().Err(err).Msg("ulid generation failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j := &chat.Job{
		ID:             jobID,
		Owner:          owner,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: idempoKeyPtr,
		Status:         chat.JobQueued,
	}

	j, created, err := h.Repo.CreateJobOrGetExisting(c.Request.Context(), j)
	if err != nil {
		h.Log.Error().Err(err).Str("session_id", req.SessionID).Str("job_id", jobID).Msg("create job failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.Log.Error().Err(err).Str("job_id", j.ID).Msg("publish job failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	owner, okk := ownerFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.Repo.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if j.Owner != owner {
		// hide existence
		common.Fail(c, http.StatusNotFound, 40402, "job not found")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"session_id":        j.SessionID,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
