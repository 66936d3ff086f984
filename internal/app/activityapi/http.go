package activityapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/collabhq/activity/internal/app/bubble"
	"github.com/collabhq/activity/internal/app/event"
	"github.com/collabhq/activity/internal/app/identity"
	"github.com/collabhq/activity/internal/app/notify"
	"github.com/collabhq/activity/internal/app/recorder"
	"github.com/collabhq/activity/internal/app/rollup"
	platformauth "github.com/collabhq/activity/internal/platform/auth"
	"github.com/go-chi/chi/v5"
)

type EventReader interface {
	Chronological(ctx context.Context, bubbleID string) ([]event.Event, error)
}

type BodyReader interface {
	Body(ctx context.Context, summaryID string) (string, error)
}

type NotificationReader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]notify.Notification, error)
}

type Handler struct {
	Identity      *identity.Service
	Bubbles       *bubble.Service
	Events        EventReader
	Rollups       BodyReader
	Notifications NotificationReader
}

func NewHandler(identitySvc *identity.Service, bubbles *bubble.Service, events EventReader, rollups BodyReader, notifications NotificationReader) *Handler {
	return &Handler{
		Identity:      identitySvc,
		Bubbles:       bubbles,
		Events:        events,
		Rollups:       rollups,
		Notifications: notifications,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/bubbles", h.handleCreateBubble)
		authR.Get("/api/v1/bubbles/{bubbleID}", h.handleGetBubble)
		authR.Get("/api/v1/bubbles/{bubbleID}/timeline", h.handleTimeline)
		authR.Post("/api/v1/bubbles/{bubbleID}/assignments", h.handleAssign)
		authR.Put("/api/v1/bubbles/{bubbleID}/stage", h.handleStage)
		authR.Delete("/api/v1/bubbles/{bubbleID}/stage", h.handleUnstage)
		authR.Post("/api/v1/bubbles/{bubbleID}/boosts", h.handleBoost)
		authR.Post("/api/v1/bubbles/{bubbleID}/postponement", h.handlePostpone)
		authR.Delete("/api/v1/bubbles/{bubbleID}/postponement", h.handleResume)
		authR.Get("/api/v1/rollups/{rollupID}", h.handleRollupBody)
		authR.Get("/api/v1/notifications", h.handleNotifications)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type createBubbleRequest struct {
	Title string `json:"title"`
}

type assignRequest struct {
	// Assignees are user ids or "@handle" mentions.
	Assignees []string `json:"assignees"`
}

type stageRequest struct {
	StageName string `json:"stage_name"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrUsernameTaken):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreateBubble(w http.ResponseWriter, r *http.Request) {
	var req createBubbleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	b, err := h.Bubbles.Create(r.Context(), req.Title)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) handleGetBubble(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bubbles.Get(r.Context(), chi.URLParam(r, "bubbleID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	bubbleID := chi.URLParam(r, "bubbleID")
	if _, err := h.Bubbles.Get(r.Context(), bubbleID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	events, err := h.Events.Chronological(r.Context(), bubbleID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	assigneeIDs, err := h.Identity.ResolveAssignees(r.Context(), req.Assignees)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	ev, err := h.Bubbles.Assign(r.Context(), chi.URLParam(r, "bubbleID"), assigneeIDs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	ev, err := h.Bubbles.Stage(r.Context(), chi.URLParam(r, "bubbleID"), req.StageName)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) handleUnstage(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Bubbles.Unstage(r.Context(), chi.URLParam(r, "bubbleID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) handleBoost(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Bubbles.Boost(r.Context(), chi.URLParam(r, "bubbleID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ev)
}

func (h *Handler) handlePostpone(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bubbles.Postpone(r.Context(), chi.URLParam(r, "bubbleID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bubbles.Resume(r.Context(), chi.URLParam(r, "bubbleID"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, b)
}

func (h *Handler) handleRollupBody(w http.ResponseWriter, r *http.Request) {
	rollupID := chi.URLParam(r, "rollupID")
	body, err := h.Rollups.Body(r.Context(), rollupID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": rollupID, "body": body})
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := recorder.ActorFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "missing actor")
		return
	}
	notifications, err := h.Notifications.ListForUser(r.Context(), actor.ID, 50)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bubble.ErrTitleRequired),
		errors.Is(err, bubble.ErrStageRequired),
		errors.Is(err, bubble.ErrNotStaged),
		errors.Is(err, bubble.ErrNoAssignees),
		errors.Is(err, event.ErrUnknownAction):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recorder.ErrNoActor):
		h.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, bubble.ErrBubbleNotFound),
		errors.Is(err, rollup.ErrRollupNotFound),
		errors.Is(err, event.ErrEventNotFound),
		errors.Is(err, identity.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		name := claims.Name
		if name == "" {
			name = claims.Username
		}
		ctx := recorder.WithActor(r.Context(), recorder.Actor{ID: claims.Subject, Name: name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
