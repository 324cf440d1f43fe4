package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gwi.com/chat-history/internal/apperrors"
	"gwi.com/chat-history/internal/core"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type conversationRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// updateRequest leaves conversation_id unvalidated so the service can
// report the history-specific message.
type updateRequest struct {
	ConversationID string             `json:"conversation_id"`
	Messages       []core.ChatMessage `json:"messages" validate:"required,min=1,dive"`
}

type feedbackRequest struct {
	MessageID       string `json:"message_id" validate:"required"`
	MessageFeedback string `json:"message_feedback" validate:"required"`
}

type renameRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	Title          string `json:"title" validate:"required"`
}

// decodeJSON reads a JSON body into v and validates it. Non-JSON content
// types are rejected before the body is read.
func decodeJSON(r *http.Request, v any) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return apperrors.UnsupportedMedia("request must be json")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Validation("Invalid request body: %v", err)
	}
	if err := validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.Validation("Invalid request body: %v", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "min":
		return apperrors.Validation("%s is required", fieldPath(fe))
	default:
		return apperrors.Validation("%s is invalid", fieldPath(fe))
	}
}

// fieldPath turns "ChatPayload.messages[0].role" into "messages[0].role".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return fe.Field()
}
