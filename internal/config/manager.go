package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Keys for AppSettings in DB
const (
	KeyThrottleMode          = "throttle_mode"
	KeyOutstandingLimitGroup = "outstanding_limit_group"
	KeyCoalescePeriod        = "coalesce_period"
	KeyAPIToken              = "api_token"
)

// SettingStore is the key/value table overrides are kept in.
type SettingStore interface {
	GetString(key string) (string, error)
	SetString(key, value string) error
}

// ConfigManager keeps operator overrides in the settings table so they
// survive restarts and win over the config file.
type ConfigManager struct {
	storage SettingStore
}

func NewConfigManager(s SettingStore) *ConfigManager {
	return &ConfigManager{storage: s}
}

// Apply overlays persisted overrides onto s and fills in the API token,
// generating and persisting one if neither s nor the store has it.
func (c *ConfigManager) Apply(s *Settings) error {
	if v, err := c.storage.GetString(KeyThrottleMode); err != nil {
		return err
	} else if v != "" {
		mode, err := ParseThrottleMode(v)
		if err != nil {
			return fmt.Errorf("stored %s: %w", KeyThrottleMode, err)
		}
		s.ThrottleMode = mode
	}

	if v, err := c.storage.GetString(KeyOutstandingLimitGroup); err != nil {
		return err
	} else if v != "" {
		if _, err := ParseOutstandingLimit(v); err != nil {
			return fmt.Errorf("stored %s: %w", KeyOutstandingLimitGroup, err)
		}
		s.OutstandingLimitGroup = v
	}

	if v, err := c.storage.GetString(KeyCoalescePeriod); err != nil {
		return err
	} else if v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("stored %s %q is not a positive duration", KeyCoalescePeriod, v)
		}
		s.CoalescePeriod = d
	}

	if s.APIToken == "" {
		token, err := c.APIToken()
		if err != nil {
			return err
		}
		s.APIToken = token
	}
	return nil
}

func (c *ConfigManager) SetThrottleMode(mode ThrottleMode) error {
	if _, err := ParseThrottleMode(string(mode)); err != nil {
		return err
	}
	if mode == ThrottleOff {
		// An empty value means "no override", so store the explicit name.
		return c.storage.SetString(KeyThrottleMode, "off")
	}
	return c.storage.SetString(KeyThrottleMode, string(mode))
}

func (c *ConfigManager) SetOutstandingLimitGroup(group string) error {
	if _, err := ParseOutstandingLimit(group); err != nil {
		return err
	}
	return c.storage.SetString(KeyOutstandingLimitGroup, group)
}

func (c *ConfigManager) SetCoalescePeriod(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("coalesce period must be positive, got %s", d)
	}
	return c.storage.SetString(KeyCoalescePeriod, d.String())
}

// APIToken returns the persisted control token, generating one on first use.
func (c *ConfigManager) APIToken() (string, error) {
	val, err := c.storage.GetString(KeyAPIToken)
	if err != nil {
		return "", err
	}
	if val != "" {
		return val, nil
	}
	token, err := generateSecureToken()
	if err != nil {
		return "", err
	}
	if err := c.storage.SetString(KeyAPIToken, token); err != nil {
		return "", err
	}
	return token, nil
}

func generateSecureToken() (string, error) {
	b := make([]byte, 16) // 16 bytes = 32 hex chars
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
