package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/internal/auth"
	pkgmw "github.com/discosat/satop-platform/pkg/middleware"
	"github.com/discosat/satop-platform/pkg/models"
)

// BearerToken extracts the bearer credential from an Authorization
// header. Returns "" when the header is absent or not a bearer scheme.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	scheme, credential, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}

// RequireLogin authenticates the request with a bearer access token and
// stores the validated payload in the context. Missing credentials give
// 401 missing_credentials; a bad token gives the validation error.
func RequireLogin(a *auth.Authorization) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := BearerToken(r)
			if raw == "" {
				apierror.Write(w, apierror.MissingCredentials)
				return
			}

			payload, err := a.Validate(raw, models.TokenAccess)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
				apierror.Write(w, err)
				return
			}

			ctx := pkgmw.SetTokenPayload(r.Context(), payload)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope authorizes the authenticated principal against needed
// scopes. Must be mounted inside RequireLogin.
func RequireScope(a *auth.Authorization, needed ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			payload := pkgmw.GetTokenPayload(r.Context())
			if payload == nil {
				apierror.Write(w, apierror.MissingCredentials)
				return
			}
			if err := a.CheckScopes(r.Context(), payload, needed...); err != nil {
				apierror.Write(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
