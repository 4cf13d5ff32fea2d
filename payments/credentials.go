package payments

import (
	"context"
	"sync"

	"bitbucket.org/mmdatafocus/shop_backend/models"
)

// Credentials is the decrypted, in-memory view of one provider's gateway row.
type Credentials struct {
	Enabled       bool
	ApiKey        string
	ApiSecret     string
	WebhookSecret string
	Sandbox       bool
}

// CredentialCache lazily loads each provider's credentials on first use and
// keeps them until reset. It is an explicit object passed by reference —
// constructed once in main — so its lifetime and invalidation trigger are
// visible and testable rather than hidden in package globals. Admin gateway
// updates call Reset so key rotation takes effect without a restart.
type CredentialCache struct {
	mu         sync.RWMutex
	byProvider map[ProviderKey]*Credentials

	// loader is swappable for tests; defaults to the gateway config table.
	loader func(ctx context.Context, provider string) (*models.PaymentGatewayConfig, error)
}

func NewCredentialCache() *CredentialCache {
	return &CredentialCache{
		byProvider: map[ProviderKey]*Credentials{},
		loader:     models.GetPaymentGatewayConfig,
	}
}

func NewCredentialCacheWithLoader(loader func(ctx context.Context, provider string) (*models.PaymentGatewayConfig, error)) *CredentialCache {
	return &CredentialCache{
		byProvider: map[ProviderKey]*Credentials{},
		loader:     loader,
	}
}

// Get returns the cached credentials, loading them on first use.
// A missing gateway row is not an error here; it yields disabled credentials
// (IsConfigured handles the rejection).
func (c *CredentialCache) Get(ctx context.Context, key ProviderKey) (*Credentials, error) {
	c.mu.RLock()
	cached := c.byProvider[key]
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	gw, err := c.loader(ctx, string(key))
	if err != nil {
		return &Credentials{Enabled: false}, nil
	}

	creds := &Credentials{
		Enabled:       gw.Enabled != nil && *gw.Enabled,
		ApiKey:        gw.ApiKey,
		ApiSecret:     gw.ApiSecret,
		WebhookSecret: gw.WebhookSecret,
		Sandbox:       gw.Sandbox == nil || *gw.Sandbox,
	}

	c.mu.Lock()
	c.byProvider[key] = creds
	c.mu.Unlock()
	return creds, nil
}

// Reset drops one provider's cached credentials; the next Get reloads them.
func (c *CredentialCache) Reset(key ProviderKey) {
	c.mu.Lock()
	delete(c.byProvider, key)
	c.mu.Unlock()
}

func (c *CredentialCache) ResetAll() {
	c.mu.Lock()
	c.byProvider = map[ProviderKey]*Credentials{}
	c.mu.Unlock()
}
