package auth

import (
	"net/http"
	"strings"

	"gwi.com/chat-history/internal/apperrors"
)

// Platform identity headers set by the hosting front door.
const (
	HeaderPrincipalID   = "X-Ms-Client-Principal-Id"
	HeaderPrincipalName = "X-Ms-Client-Principal-Name"
	HeaderPrincipalIdp  = "X-Ms-Client-Principal-Idp"
	HeaderAADIDToken    = "X-Ms-Token-Aad-Id-Token"
	HeaderPrincipal     = "X-Ms-Client-Principal"
)

// SampleUser is the identity used for every request when authentication
// is disabled and no identity headers are present.
var SampleUser = Identity{
	UserID:   "00000000-0000-0000-0000-000000000000",
	Name:     "testusername@contoso.com",
	Provider: "aad",
}

type Identity struct {
	UserID          string
	Name            string
	Provider        string
	IDToken         string
	ClientPrincipal string
	Authenticated   bool
}

// Resolver extracts the caller's identity from request headers.
type Resolver struct {
	authEnabled bool
	jwt         *JWTManager
}

// NewResolver builds a Resolver. jwt may be nil, in which case bearer
// tokens are ignored.
func NewResolver(authEnabled bool, jwt *JWTManager) *Resolver {
	return &Resolver{authEnabled: authEnabled, jwt: jwt}
}

// Resolve checks, in order, a bearer token, the platform identity headers
// and finally falls back to SampleUser when authentication is disabled.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	if r.jwt != nil {
		if token, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer "); ok && token != "" {
			sub, name, err := r.jwt.Validate(token)
			if err != nil {
				return Identity{}, &apperrors.Error{Kind: apperrors.KindAuth, Msg: "Invalid token", Err: err}
			}
			return Identity{UserID: sub, Name: name, Provider: "jwt", Authenticated: true}, nil
		}
	}

	if id := req.Header.Get(HeaderPrincipalID); id != "" {
		return Identity{
			UserID:          id,
			Name:            req.Header.Get(HeaderPrincipalName),
			Provider:        req.Header.Get(HeaderPrincipalIdp),
			IDToken:         req.Header.Get(HeaderAADIDToken),
			ClientPrincipal: req.Header.Get(HeaderPrincipal),
			Authenticated:   true,
		}, nil
	}

	if !r.authEnabled {
		return SampleUser, nil
	}
	return Identity{}, apperrors.New(apperrors.KindAuth, "", "authentication required")
}
