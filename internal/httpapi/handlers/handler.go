package handlers

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/gopherchat/gopherchat/internal/ai"
	"github.com/gopherchat/gopherchat/internal/chat"
	"github.com/gopherchat/gopherchat/internal/config"
	"github.com/gopherchat/gopherchat/internal/store/rabbitmq"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	Repo    *chat.Repo
	Reg     *ai.Registry
	Handles chat.HandleStore
	Replier *chat.Replier
	Rabbit  *rabbitmq.Publisher // nil when the async send path is disabled
	Log     zerolog.Logger

	mu          sync.Mutex
	controllers map[string]*chat.Controller
}

func NewHandler(db *gorm.DB, cfg config.Config, handles chat.HandleStore, rabbit *rabbitmq.Publisher, log zerolog.Logger) *Handler {
	repo := chat.NewRepo(db)

	// responders are memoized: conversation handles only work when the same
	// instance serves every turn of a session
	reg := ai.NewRegistry()
	reg.Register("ollama", ai.Memoize(func(ctx context.Context, model string) (ai.Responder, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaResponder(cfg.OllamaBaseURL, m), nil
	}))
	reg.Register("openrouter", ai.Memoize(func(ctx context.Context, model string) (ai.Responder, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterResponder(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	}))

	return &Handler{
		DB:          db,
		Cfg:         cfg,
		Repo:        repo,
		Reg:         reg,
		Handles:     handles,
		Replier:     chat.NewReplier(repo, reg, handles, log),
		Rabbit:      rabbit,
		Log:         log,
		controllers: make(map[string]*chat.Controller),
	}
}

// controllerFor returns the caller's conversation controller, creating it on
// first use. One controller per authenticated user.
func (h *Handler) controllerFor(owner string) *chat.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctrl, ok := h.controllers[owner]
	if !ok {
		ctrl = chat.NewController(h.Repo, h.Reg, h.Handles, owner, h.Log)
		h.controllers[owner] = ctrl
	}
	return ctrl
}
