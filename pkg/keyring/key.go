package keyring

import (
	"fmt"
	"time"
)

// ErrorKind classifies a provider failure for key health accounting
type ErrorKind string

const (
	// ErrorPermanent means the credential itself is bad (revoked, quota gone)
	ErrorPermanent ErrorKind = "permanent"
	// ErrorTemporary means the failure should pass (rate limit, 5xx, network)
	ErrorTemporary ErrorKind = "temporary"
)

// Key represents one stored LLM API credential
type Key struct {
	Provider            string     `json:"provider"`
	APIKey              string     `json:"api_key"`
	Model               string     `json:"model,omitempty"`
	BaseURL             string     `json:"base_url,omitempty"`
	Priority            int        `json:"priority,omitempty"` // lower wins; 0 = unset, sorts last
	LastUsed            time.Time  `json:"last_used,omitempty"`
	UseCount            int64      `json:"use_count,omitempty"`
	ErrorCount          int        `json:"error_count,omitempty"`
	PermanentlyDisabled bool       `json:"permanently_disabled,omitempty"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
}

// Fingerprint identifies a key for dedup and priority persistence
func (k *Key) Fingerprint() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.Provider, k.APIKey, k.Model, k.BaseURL)
}

// Usable reports whether the key may be handed out at the given instant
func (k *Key) Usable(now time.Time) bool {
	if k.PermanentlyDisabled {
		return false
	}
	if k.DisabledUntil != nil && now.Before(*k.DisabledUntil) {
		return false
	}
	return true
}

// effectivePriority maps the unset priority to the end of the order
func (k *Key) effectivePriority() int {
	if k.Priority == 0 {
		return int(^uint(0) >> 1)
	}
	return k.Priority
}
