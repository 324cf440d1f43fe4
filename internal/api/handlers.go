package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"gwi.com/chat-history/internal/apperrors"
	"gwi.com/chat-history/internal/auth"
	"gwi.com/chat-history/internal/core"
	"gwi.com/chat-history/internal/observability"
	"gwi.com/chat-history/internal/store"
)

const contentTypeJSONLines = "application/json-lines"

// FrontendSettings is served as-is to the chat UI.
type FrontendSettings struct {
	AuthEnabled     bool       `json:"auth_enabled"`
	FeedbackEnabled bool       `json:"feedback_enabled"`
	UI              UISettings `json:"ui"`
	SanitizeAnswer  bool       `json:"sanitize_answer"`
}

type UISettings struct {
	Title string `json:"title"`
}

type APIHandler struct {
	history  *core.HistoryService
	resolver *auth.Resolver
	settings FrontendSettings
	logger   *slog.Logger
}

func NewAPIHandler(history *core.HistoryService, resolver *auth.Resolver, settings FrontendSettings, logger *slog.Logger) *APIHandler {
	return &APIHandler{history: history, resolver: resolver, settings: settings, logger: logger}
}

type identityKey struct{}

// IdentityMiddleware resolves the caller once per request.
func (h *APIHandler) IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.resolver.Resolve(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

func (h *APIHandler) FrontendSettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings)
}

func (h *APIHandler) ConversationHandler(w http.ResponseWriter, r *http.Request) {
	var payload core.ChatPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.history.Converse(r.Context(), payload, identityFrom(r.Context()), r.Header)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

func (h *APIHandler) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	var payload core.ChatPayload
	if err := decodeJSON(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.history.StartOrContinue(r.Context(), payload, identityFrom(r.Context()), r.Header)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, r, res)
}

func (h *APIHandler) UpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := identityFrom(r.Context()).UserID
	if err := h.history.AppendTurn(r.Context(), userID, req.ConversationID, req.Messages); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *APIHandler) MessageFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := identityFrom(r.Context()).UserID
	if _, err := h.history.UpdateFeedback(r.Context(), userID, req.MessageID, req.MessageFeedback); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Successfully updated message with feedback " + req.MessageFeedback,
		"message_id": req.MessageID,
	})
}

func (h *APIHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := identityFrom(r.Context()).UserID
	if err := h.history.DeleteConversation(r.Context(), userID, req.ConversationID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":         "Successfully deleted conversation and messages",
		"conversation_id": req.ConversationID,
	})
}

func (h *APIHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, r, apperrors.Validation("offset must be a non-negative integer"))
			return
		}
		offset = n
	}
	userID := identityFrom(r.Context()).UserID
	convs, err := h.history.List(r.Context(), userID, offset, core.DefaultListLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

type readMessage struct {
	ID        string     `json:"id"`
	Role      store.Role `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	Feedback  *string    `json:"feedback"`
}

type readResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []readMessage `json:"messages"`
}

func (h *APIHandler) ReadHandler(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := identityFrom(r.Context()).UserID
	conv, msgs, err := h.history.Read(r.Context(), userID, req.ConversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := readResponse{ConversationID: conv.ID, Messages: make([]readMessage, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, readMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Feedback:  m.Feedback,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) RenameHandler(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := identityFrom(r.Context()).UserID
	conv, err := h.history.Rename(r.Context(), userID, req.ConversationID, req.Title)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *APIHandler) DeleteAllHandler(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r.Context()).UserID
	if _, err := h.history.DeleteAll(r.Context(), userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Successfully deleted conversation and messages for user " + userID,
	})
}

func (h *APIHandler) ClearHandler(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	userID := identityFrom(r.Context()).UserID
	if _, err := h.history.ClearMessages(r.Context(), userID, req.ConversationID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":         "Successfully deleted messages in conversation",
		"conversation_id": req.ConversationID,
	})
}

// EnsureHandler reports store health: 404 when history is disabled, the
// classified status (422 or 401) when misconfigured, 500 when unreachable.
func (h *APIHandler) EnsureHandler(w http.ResponseWriter, r *http.Request) {
	health, err := h.history.EnsureStoreHealthy(r.Context())
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	switch {
	case health == core.StoreHealthy:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Chat history store is configured and working"})
	case errors.Is(err, core.ErrHistoryNotConfigured):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Chat history store is not configured"})
	case health == core.StoreMisconfigured:
		logger.Warn("chat history store misconfigured", "error", err)
		writeJSON(w, apperrors.HTTPStatus(err), map[string]string{"error": clientMessage(err)})
	default:
		logger.Error("chat history store unreachable", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Chat history store is not working"})
	}
}

// writeResult sends a single envelope as JSON or relays a line stream,
// flushing after every line.
func (h *APIHandler) writeResult(w http.ResponseWriter, r *http.Request, res *core.Result) {
	if res.Stream == nil {
		writeJSON(w, http.StatusOK, res.Single)
		return
	}

	stream := res.Stream
	defer stream.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", contentTypeJSONLines)
	w.WriteHeader(http.StatusOK)

	logger := observability.LoggerFromContext(r.Context(), h.logger)
	for line := range stream.Lines() {
		if _, err := w.Write(line); err != nil {
			logger.Info("client went away mid-stream", "error", err)
			return
		}
		if err := rc.Flush(); err != nil {
			logger.Debug("flush not supported", "error", err)
		}
	}
	if err := stream.Err(); err != nil {
		logger.Warn("stream ended early", "apim_request_id", stream.RequestID(), "error", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logger.Info("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": clientMessage(err)})
}

// clientMessage is the error text safe to show to the caller.
func clientMessage(err error) string {
	var e *apperrors.Error
	if !errors.As(err, &e) {
		return http.StatusText(http.StatusInternalServerError)
	}
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Kind == apperrors.KindProvider && e.Err != nil:
		return e.Err.Error()
	default:
		return http.StatusText(apperrors.HTTPStatus(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
