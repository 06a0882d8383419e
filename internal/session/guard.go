package session

import (
	"context"

	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/rs/zerolog"
)

// ProfileStore answers whether a subject has a user profile.
type ProfileStore interface {
	ProfileExists(ctx context.Context, uid string) (bool, error)
}

// DecisionKind is the outcome of an authorization check.
type DecisionKind string

const (
	Pending      DecisionKind = "pending"
	Authorized   DecisionKind = "authorized"
	Unauthorized DecisionKind = "unauthorized"
)

// Reason explains an Unauthorized decision.
type Reason string

const (
	NoCredential        Reason = "no_credential"
	NoProfile           Reason = "no_profile"
	ProfileLookupFailed Reason = "profile_lookup_failed"
)

// Decision is the guard's verdict. Session is set only when Authorized.
type Decision struct {
	Kind    DecisionKind
	Session *models.UserSession
	Reason  Reason
}

// Decide is the authorization rule: an identity with a profile is authorized.
func Decide(identity *Identity, profileExists bool) Decision {
	if identity == nil || identity.UID == "" {
		return Decision{Kind: Unauthorized, Reason: NoCredential}
	}
	if !profileExists {
		return Decision{Kind: Unauthorized, Reason: NoProfile}
	}
	return Decision{
		Kind:    Authorized,
		Session: &models.UserSession{UID: identity.UID, ProfileExists: true},
	}
}

// Guard gates every protected operation.
type Guard struct {
	profiles ProfileStore
	logger   zerolog.Logger
}

// NewGuard creates a Guard backed by profiles.
func NewGuard(profiles ProfileStore, logger zerolog.Logger) *Guard {
	return &Guard{
		profiles: profiles,
		logger:   logger.With().Str("component", "SessionGuard").Logger(),
	}
}

// Authorize checks identity against the profile store. A failed lookup denies.
func (g *Guard) Authorize(ctx context.Context, identity *Identity) Decision {
	if identity == nil || identity.UID == "" {
		return Decide(nil, false)
	}

	exists, err := g.profiles.ProfileExists(ctx, identity.UID)
	if err != nil {
		g.logger.Warn().Err(err).Str("uid", identity.UID).Msg("Profile lookup failed, denying access")
		return Decision{Kind: Unauthorized, Reason: ProfileLookupFailed}
	}
	return Decide(identity, exists)
}

// Watch emits Pending, then a fresh decision for every identity change from
// watcher. It unsubscribes and closes the returned channel when ctx ends.
func (g *Guard) Watch(ctx context.Context, watcher IdentityWatcher) <-chan Decision {
	decisions := make(chan Decision, 1)
	decisions <- Decision{Kind: Pending}

	updates, unsubscribe := watcher.Subscribe()
	go func() {
		defer close(decisions)
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case identity, ok := <-updates:
				if !ok {
					return
				}
				decision := g.Authorize(ctx, identity)
				select {
				case decisions <- decision:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return decisions
}
