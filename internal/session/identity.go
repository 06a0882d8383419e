package session

import (
	"context"
	"sync"
)

// Identity is what the external identity provider vouches for. Token mechanics
// stay with the provider; only the subject id is used here.
type Identity struct {
	UID string
}

// CredentialResolver maps a request credential to an identity. A nil identity
// with a nil error means the credential is unknown.
type CredentialResolver interface {
	Resolve(ctx context.Context, credential string) (*Identity, error)
}

// IdentityWatcher streams the signed-in identity. The current identity (nil when
// signed out) is delivered first, then one value per change until unsubscribe.
type IdentityWatcher interface {
	Subscribe() (updates <-chan *Identity, unsubscribe func())
}

// StaticTokenResolver resolves bearer tokens from a fixed token -> uid table.
type StaticTokenResolver struct {
	tokens map[string]string
}

// NewStaticTokenResolver copies tokens.
func NewStaticTokenResolver(tokens map[string]string) *StaticTokenResolver {
	copied := make(map[string]string, len(tokens))
	for token, uid := range tokens {
		copied[token] = uid
	}
	return &StaticTokenResolver{tokens: copied}
}

func (r *StaticTokenResolver) Resolve(_ context.Context, credential string) (*Identity, error) {
	uid, ok := r.tokens[credential]
	if !ok || credential == "" {
		return nil, nil
	}
	return &Identity{UID: uid}, nil
}

// MemoryIdentityProvider holds one signed-in identity and notifies subscribers
// when it changes.
type MemoryIdentityProvider struct {
	mu          sync.Mutex
	current     *Identity
	subscribers map[int]chan *Identity
	nextID      int
}

// NewMemoryIdentityProvider starts signed out.
func NewMemoryIdentityProvider() *MemoryIdentityProvider {
	return &MemoryIdentityProvider{subscribers: make(map[int]chan *Identity)}
}

// SignIn sets the current identity.
func (p *MemoryIdentityProvider) SignIn(uid string) {
	p.set(&Identity{UID: uid})
}

// SignOut clears the current identity.
func (p *MemoryIdentityProvider) SignOut() {
	p.set(nil)
}

func (p *MemoryIdentityProvider) set(identity *Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = identity
	for _, ch := range p.subscribers {
		publish(ch, identity)
	}
}

// publish replaces any undelivered value so a slow subscriber only sees the latest identity.
func publish(ch chan *Identity, identity *Identity) {
	select {
	case <-ch:
	default:
	}
	ch <- identity
}

func (p *MemoryIdentityProvider) Subscribe() (<-chan *Identity, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan *Identity, 1)
	ch <- p.current
	p.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (p *MemoryIdentityProvider) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
