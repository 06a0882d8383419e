package session

import (
	"net/http"
	"strings"
)

// Middleware authorizes each request from its bearer token. Authorized requests
// carry the UserSession in their context; everything else is redirected to
// loginPath with 303 and no body text.
func (g *Guard) Middleware(resolver CredentialResolver, loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := g.Authorize(r.Context(), g.identify(r, resolver))
			if decision.Kind != Authorized {
				g.redirect(w, r, loginPath, decision.Reason)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), *decision.Session)))
		})
	}
}

// CredentialMiddleware admits any request with a resolvable credential,
// profile or not, and puts its Identity in the context. It gates registration,
// the one step a subject takes before it has a profile.
func (g *Guard) CredentialMiddleware(resolver CredentialResolver, loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := g.identify(r, resolver)
			if identity == nil || identity.UID == "" {
				g.redirect(w, r, loginPath, NoCredential)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *identity)))
		})
	}
}

func (g *Guard) identify(r *http.Request, resolver CredentialResolver) *Identity {
	credential := bearerToken(r)
	if credential == "" {
		return nil
	}
	identity, err := resolver.Resolve(r.Context(), credential)
	if err != nil {
		g.logger.Warn().Err(err).Msg("Credential resolution failed")
		return nil
	}
	return identity
}

func (g *Guard) redirect(w http.ResponseWriter, r *http.Request, loginPath string, reason Reason) {
	g.logger.Debug().
		Str("path", r.URL.Path).
		Str("reason", string(reason)).
		Msg("Unauthorized request redirected to login")
	w.Header().Set("Location", loginPath)
	w.WriteHeader(http.StatusSeeOther)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
