// Package vault reads the notifier credentials from a KV-v2 mount at
// startup. The engine never writes secrets; environment values always win
// over what the mount holds.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"binance-signal-engine/config"
)

// SinkCredentials are the delivery secrets the mount may hold.
type SinkCredentials struct {
	TelegramBotToken string
	TelegramChatID   string
	PostbackURL      string
}

// Client wraps the HashiCorp Vault client. A disabled client is valid and
// returns empty credentials.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient builds the client. With Enabled false no connection is made.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{cfg: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// IsEnabled reports whether the mount is consulted at all.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled
}

// ReadSinkCredentials fetches the notifier secrets from the KV-v2 path
// <mount>/data/<secret-path>. A missing secret is not an error; callers
// fall back to the environment.
func (c *Client) ReadSinkCredentials(ctx context.Context) (SinkCredentials, error) {
	if !c.cfg.Enabled {
		return SinkCredentials{}, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return SinkCredentials{}, fmt.Errorf("error reading sink credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return SinkCredentials{}, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return SinkCredentials{}, fmt.Errorf("unexpected secret format at %s", path)
	}

	return SinkCredentials{
		TelegramBotToken: getString(data, "telegram_bot_token"),
		TelegramChatID:   getString(data, "telegram_chat_id"),
		PostbackURL:      getString(data, "postback_url"),
	}, nil
}

// Health checks the connection and seal state.
func (c *Client) Health(ctx context.Context) error {
	if !c.cfg.Enabled {
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

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
