package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("conversation_id is required"), http.StatusBadRequest},
		{"media", UnsupportedMedia("request must be json"), http.StatusUnsupportedMediaType},
		{"not found", NotFound("Conversation %s was not found", "c1"), http.StatusNotFound},
		{"configuration", Configuration("Invalid container name %q", "x"), http.StatusUnprocessableEntity},
		{"auth", New(KindAuth, "open", "Invalid credentials"), http.StatusUnauthorized},
		{"provider status kept", Provider(http.StatusTooManyRequests, errors.New("rate limited")), http.StatusTooManyRequests},
		{"provider without status", Provider(0, errors.New("reset")), http.StatusInternalServerError},
		{"unavailable", Wrap(KindUnavailable, "ping", errors.New("timeout")), http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("reading: %w", NotFound("gone")), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(KindUnavailable, "ping", errors.New("timeout")))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "ping: timeout", Wrap(KindUnavailable, "ping", errors.New("timeout")).Error())
	assert.Equal(t, "Invalid credentials", New(KindAuth, "", "Invalid credentials").Error())
	assert.Equal(t, "open: bad file: denied", (&Error{Kind: KindAuth, Op: "open", Msg: "bad file", Err: errors.New("denied")}).Error())
	assert.Nil(t, Wrap(KindUnknown, "noop", nil))
}
