package exchange

import (
	"context"
	"fmt"
	"sync"
)

// Credentials holds one tenant's exchange API key pair.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// CredentialsSource resolves per-tenant exchange credentials. The vault
// client implements it; tests use a func adapter.
type CredentialsSource interface {
	ExchangeCredentials(ctx context.Context, tenantID string) (Credentials, error)
}

// CredentialsFunc adapts a function to CredentialsSource.
type CredentialsFunc func(ctx context.Context, tenantID string) (Credentials, error)

func (f CredentialsFunc) ExchangeCredentials(ctx context.Context, tenantID string) (Credentials, error) {
	return f(ctx, tenantID)
}

// Factory builds and memoizes one immutable client per tenant. The testnet
// switch is fixed at construction; flipping it requires a process restart or
// an explicit Reset.
type Factory struct {
	mu          sync.Mutex
	useTestnet  bool
	credentials CredentialsSource
	clients     map[string]Port
}

// NewFactory creates a client factory.
func NewFactory(useTestnet bool, credentials CredentialsSource) *Factory {
	return &Factory{
		useTestnet:  useTestnet,
		credentials: credentials,
		clients:     make(map[string]Port),
	}
}

// BaseURL returns the endpoint the factory builds clients against.
func (f *Factory) BaseURL() string {
	if f.useTestnet {
		return TestnetBaseURL
	}
	return ProductionBaseURL
}

// ForTenant returns the tenant's client, constructing it on first use.
func (f *Factory) ForTenant(ctx context.Context, tenantID string) (Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[tenantID]; ok {
		return client, nil
	}

	creds, err := f.credentials.ExchangeCredentials(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolving exchange credentials: %w", err)
	}

	client := NewClient(creds.APIKey, creds.SecretKey, f.BaseURL())
	f.clients[tenantID] = client
	return client, nil
}

// Reset drops all memoized clients, forcing credential re-resolution.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients = make(map[string]Port)
}
