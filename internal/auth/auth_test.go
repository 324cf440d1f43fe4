package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gwi.com/chat-history/internal/apperrors"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("top-secret", time.Hour)
	token, err := m.Generate("user-1", "Ada")
	require.NoError(t, err)

	sub, name, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)
	assert.Equal(t, "Ada", name)

	_, _, err = NewJWTManager("other-secret", time.Hour).Validate(token)
	assert.Error(t, err)
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager("top-secret", -time.Minute)
	token, err := m.Generate("user-1", "")
	require.NoError(t, err)

	_, _, err = m.Validate(token)
	assert.Error(t, err)
}

func TestResolver(t *testing.T) {
	jwtm := NewJWTManager("top-secret", time.Hour)
	token, err := jwtm.Generate("jwt-user", "")
	require.NoError(t, err)

	tests := []struct {
		name        string
		authEnabled bool
		headers     map[string]string
		wantUser    string
		wantAuthed  bool
		wantErr     bool
	}{
		{"bearer token", true, map[string]string{"Authorization": "Bearer " + token}, "jwt-user", true, false},
		{"bad bearer token", true, map[string]string{"Authorization": "Bearer nope"}, "", false, true},
		{"platform headers", true, map[string]string{HeaderPrincipalID: "p-1", HeaderPrincipalIdp: "aad"}, "p-1", true, false},
		{"anonymous with auth", true, nil, "", false, true},
		{"anonymous without auth", false, nil, SampleUser.UserID, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			id, err := NewResolver(tt.authEnabled, jwtm).Resolve(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, apperrors.ErrAuth)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, id.UserID)
			assert.Equal(t, tt.wantAuthed, id.Authenticated)
		})
	}
}

func TestDefenderUserJSON(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "10.1.2.3:5555")
	h.Set("User-Agent", "test-agent")

	raw := DefenderUserJSON(Identity{UserID: "u1", Provider: "aad"}, h, "conv-1", "Contoso")

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, "u1", got["EndUserId"])
	assert.Equal(t, "EntraId", got["EndUserIdType"])
	assert.Equal(t, "10.1.2.3", got["SourceIp"])
	assert.Equal(t, map[string]any{"User-Agent": "test-agent"}, got["SourceRequestHeaders"])
	assert.Equal(t, "conv-1", got["ConversationId"])
	assert.Equal(t, "Contoso", got["ApplicationName"])
}
