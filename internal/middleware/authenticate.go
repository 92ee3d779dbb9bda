package middleware

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-crm-pipeline/internal/auth"
)

// Authenticate validates the bearer token and stores the actor on the
// request context. Paths in public skip authentication.
func Authenticate(v *auth.Validator, log *zerolog.Logger, public ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(public))
	for _, p := range public {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
				return
			}
			actor, err := v.Validate(token)
			if err != nil {
				log.Debug().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("Rejected bearer token")
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithActor(r.Context(), actor)))
		})
	}
}
