package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pixalio/dm-service/internal/domain"
	"github.com/pixalio/dm-service/internal/service"
	httpmw "github.com/pixalio/dm-service/internal/transport/http/middleware"
	"github.com/pixalio/dm-service/pkg/logger"
)

const HeaderNextCursor = "X-Next-Cursor"

type Messenger interface {
	Send(ctx context.Context, sender, recipient domain.UserID, in service.SendInput) (*domain.Message, error)
	FetchThread(ctx context.Context, viewer, correspondent domain.UserID, q service.ThreadQuery) (service.ThreadPage, error)
	FetchConversations(ctx context.Context, viewer domain.UserID) ([]domain.Conversation, error)
	MarkRead(ctx context.Context, viewer, correspondent domain.UserID) (int64, error)
}

type Handler struct {
	msgs Messenger
}

func NewHandler(msgs Messenger) *Handler {
	return &Handler{msgs: msgs}
}

type SendMessageRequest struct {
	Text     string `json:"text"`
	MediaURL string `json:"mediaUrl"`
	PostID   string `json:"postId"`
	ClientID string `json:"clientId"`
}

type MarkReadResponse struct {
	Modified int64 `json:"modified"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит доменные ошибки в HTTP-статусы.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCursor):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_cursor"})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthenticated"})
	default:
		logger.FromContext(r.Context()).Error("handler."+op, "err", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// GET /api/messages/conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	me := httpmw.UserIDFromCtx(r.Context())

	convs, err := h.msgs.FetchConversations(r.Context(), me)
	if err != nil {
		writeError(w, r, "ListConversations", err)
		return
	}

	writeJSON(w, http.StatusOK, convs)
}

// GET /api/messages/{otherUserId}?limit=&before=
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	me := httpmw.UserIDFromCtx(r.Context())
	other := chi.URLParam(r, "otherUserId")

	q := service.ThreadQuery{Before: r.URL.Query().Get("before")}
	// без limit берётся страница по умолчанию, явный limit обязан быть > 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		q.Limit = n
	}

	page, err := h.msgs.FetchThread(r.Context(), me, other, q)
	if err != nil {
		writeError(w, r, "GetThread", err)
		return
	}
	if page.Next != "" {
		w.Header().Set(HeaderNextCursor, page.Next)
	}

	writeJSON(w, http.StatusOK, page.Messages)
}

// POST /api/messages/{otherUserId}
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	me := httpmw.UserIDFromCtx(r.Context())
	other := chi.URLParam(r, "otherUserId")

	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json"})
		return
	}

	m, err := h.msgs.Send(r.Context(), me, other, service.SendInput{
		Text:     req.Text,
		MediaURL: req.MediaURL,
		PostID:   req.PostID,
		ClientID: req.ClientID,
	})
	if err != nil {
		writeError(w, r, "SendMessage", err)
		return
	}

	writeJSON(w, http.StatusCreated, m)
}

// POST /api/messages/{otherUserId}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	me := httpmw.UserIDFromCtx(r.Context())
	other := chi.URLParam(r, "otherUserId")

	n, err := h.msgs.MarkRead(r.Context(), me, other)
	if err != nil {
		writeError(w, r, "MarkRead", err)
		return
	}

	writeJSON(w, http.StatusOK, MarkReadResponse{Modified: n})
}
