package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/marketchat/internal/platform/errors"
	"github.com/louisbranch/marketchat/internal/services/chat/auth"
	"github.com/louisbranch/marketchat/internal/services/chat/domain"
	"github.com/louisbranch/marketchat/internal/services/chat/storage"
)

const (
	tokenCookieName = "mc_token"
	tokenQueryParam = "token"
	bearerPrefix    = "bearer "
)

var (
	errAuthenticationRequired = apperrors.New(apperrors.CodeUnauthenticated, "authentication required")
	errUnknownUser            = apperrors.New(apperrors.CodeUnauthenticated, "unknown user")
)

// wsAuthorizer resolves an access token to a user id.
type wsAuthorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

type tokenAuthorizer struct {
	verifier auth.Verifier
}

func newTokenAuthorizer(verifier auth.Verifier) *tokenAuthorizer {
	return &tokenAuthorizer{verifier: verifier}
}

func (a *tokenAuthorizer) Authenticate(ctx context.Context, accessToken string) (string, error) {
	if a == nil || a.verifier == nil {
		return "", errors.New("token verifier is not configured")
	}
	claims, err := a.verifier.Verify(ctx, accessToken)
	if err != nil {
		return "", err
	}
	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		return "", errAuthenticationRequired
	}
	return userID, nil
}

// accessTokenFromRequest reads the bearer header, then the session cookie,
// then the token query parameter.
func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); len(header) > len(bearerPrefix) {
		if strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
				return token
			}
		}
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get(tokenQueryParam))
}

// authenticateRequest verifies the request token and returns its user id.
func authenticateRequest(r *http.Request, authorizer wsAuthorizer) (string, error) {
	if authorizer == nil {
		return "", errors.New("auth is not configured")
	}
	accessToken := accessTokenFromRequest(r)
	if accessToken == "" {
		return "", errAuthenticationRequired
	}
	userID, err := authorizer.Authenticate(r.Context(), accessToken)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeUnauthenticated {
			return "", err
		}
		return "", apperrors.Wrap(apperrors.CodeUnauthenticated, "authentication required", err)
	}
	return userID, nil
}

// lookupUser loads the directory entry for an authenticated user. A verified
// token for a user the directory does not know is rejected.
func lookupUser(ctx context.Context, users domain.UserLookup, userID string) (storage.UserRecord, error) {
	user, err := users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.UserRecord{}, errUnknownUser
		}
		return storage.UserRecord{}, apperrors.Wrap(apperrors.CodeInternal, "load user", err)
	}
	return user, nil
}
