// Package vault stores per-tenant exchange API keys in HashiCorp Vault
// (KV v2). When Vault is disabled the client falls back to an in-memory
// store seeded from the environment, which is what local development and
// the test suite use.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"risk-trader/internal/exchange"
)

// Config controls the Vault connection.
type Config struct {
	Enabled    bool
	Address    string
	Token      string
	MountPath  string
	SecretPath string
	TLSEnabled bool
	CACert     string
}

// KeyData is the credential record stored per tenant.
type KeyData struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client with a read-through cache.
type Client struct {
	client       *api.Client
	config       Config
	mu           sync.RWMutex
	cache        map[string]*KeyData // tenantID -> KeyData
	cacheEnabled bool
}

var _ exchange.CredentialsSource = (*Client)(nil)

// NewClient creates a Vault client. A disabled config yields a purely
// in-memory client.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config:       cfg,
			cache:        make(map[string]*KeyData),
			cacheEnabled: true,
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client:       client,
		config:       cfg,
		cache:        make(map[string]*KeyData),
		cacheEnabled: true,
	}, nil
}

// NewMemoryClient builds a disabled-vault client, optionally pre-seeded
// with shared credentials applied to any tenant that has no stored key.
func NewMemoryClient() *Client {
	return &Client{
		config:       Config{Enabled: false},
		cache:        make(map[string]*KeyData),
		cacheEnabled: true,
	}
}

// StoreKey stores a tenant's exchange credentials.
func (c *Client) StoreKey(ctx context.Context, tenantID string, data KeyData) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cache[tenantID] = &data
		c.mu.Unlock()
		return nil
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key":    data.APIKey,
			"secret_key": data.SecretKey,
			"is_testnet": data.IsTestnet,
		},
	}

	_, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(tenantID), secretData)
	if err != nil {
		return fmt.Errorf("failed to store API key in vault: %w", err)
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[tenantID] = &data
		c.mu.Unlock()
	}

	return nil
}

// GetKey retrieves a tenant's exchange credentials.
func (c *Client) GetKey(ctx context.Context, tenantID string) (*KeyData, error) {
	if c.cacheEnabled {
		c.mu.RLock()
		if cached, ok := c.cache[tenantID]; ok {
			c.mu.RUnlock()
			return cached, nil
		}
		c.mu.RUnlock()
	}

	if !c.config.Enabled {
		return nil, fmt.Errorf("no exchange credentials stored for tenant %s", tenantID)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(tenantID))
	if err != nil {
		return nil, fmt.Errorf("failed to read API key from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no exchange credentials stored for tenant %s", tenantID)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format")
	}

	keyData := &KeyData{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	if c.cacheEnabled {
		c.mu.Lock()
		c.cache[tenantID] = keyData
		c.mu.Unlock()
	}

	return keyData, nil
}

// DeleteKey removes a tenant's exchange credentials.
func (c *Client) DeleteKey(ctx context.Context, tenantID string) error {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	_, err := c.client.Logical().DeleteWithContext(ctx, c.metadataPath(tenantID))
	if err != nil {
		return fmt.Errorf("failed to delete API key from vault: %w", err)
	}

	return nil
}

// RotateKey replaces a tenant's credentials in place.
func (c *Client) RotateKey(ctx context.Context, tenantID string, newData KeyData) error {
	return c.StoreKey(ctx, tenantID, newData)
}

// ExchangeCredentials implements exchange.CredentialsSource.
func (c *Client) ExchangeCredentials(ctx context.Context, tenantID string) (exchange.Credentials, error) {
	key, err := c.GetKey(ctx, tenantID)
	if err != nil {
		return exchange.Credentials{}, err
	}
	return exchange.Credentials{APIKey: key.APIKey, SecretKey: key.SecretKey}, nil
}

// InvalidateTenant drops a tenant's cached key so the next read hits Vault.
func (c *Client) InvalidateTenant(tenantID string) {
	c.mu.Lock()
	delete(c.cache, tenantID)
	c.mu.Unlock()
}

// ClearCache drops all cached keys.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*KeyData)
	c.mu.Unlock()
}

// SetCacheEnabled enables or disables caching.
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	c.cacheEnabled = enabled
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func (c *Client) secretPath(tenantID string) string {
	return fmt.Sprintf("%s/data/%s/%s/binance", c.config.MountPath, c.config.SecretPath, tenantID)
}

func (c *Client) metadataPath(tenantID string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/binance", c.config.MountPath, c.config.SecretPath, tenantID)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		case json.Number:
			n, _ := v.Int64()
			return n != 0
		}
	}
	return false
}
