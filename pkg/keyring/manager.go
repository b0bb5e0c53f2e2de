package keyring

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/rs/zerolog"
)

// Manager owns the key store. Selection and health updates are serialized
// under one lock so two workers cannot claim the same least-recently-used
// key.
type Manager struct {
	mu     sync.Mutex
	keys   []*Key
	path   string
	logger zerolog.Logger
	now    func() time.Time

	tempErrorThreshold int
	cooldown           time.Duration
}

// Config holds manager configuration
type Config struct {
	// Path is the persistence file; empty keeps the store in memory only
	Path   string
	Logger zerolog.Logger

	// TempErrorThreshold is the consecutive temporary-error count that
	// triggers a cooldown window. The historical default of 999 means the
	// counter alone effectively never disables a key; provider adapters
	// use DisableTemporarily for the cases that should act fast.
	TempErrorThreshold int
	Cooldown           time.Duration
}

// persistedStore is the on-disk layout: the ordered key list plus a
// fingerprint-to-priority map.
type persistedStore struct {
	Keys       []*Key         `json:"keys"`
	Priorities map[string]int `json:"priorities,omitempty"`
}

// New creates a key manager, loading any persisted keys
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	m := &Manager{
		path:               cfg.Path,
		logger:             cfg.Logger,
		now:                time.Now,
		tempErrorThreshold: cfg.TempErrorThreshold,
		cooldown:           cfg.Cooldown,
	}
	if m.tempErrorThreshold <= 0 {
		m.tempErrorThreshold = 999
	}
	if m.cooldown <= 0 {
		m.cooldown = 30 * time.Second
	}

	if m.path != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// AddKey inserts a key, updating the existing entry when the
// (provider, apiKey, model, baseURL) tuple is already stored
func (m *Manager) AddKey(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := key.Fingerprint()
	for _, existing := range m.keys {
		if existing.Fingerprint() == fp {
			if key.Priority != 0 {
				existing.Priority = key.Priority
			}
			return
		}
	}

	k := key
	m.keys = append(m.keys, &k)
	m.logger.Info().
		Str("provider", key.Provider).
		Str("model", key.Model).
		Int("priority", key.Priority).
		Msg("Key added")
	m.updateAvailabilityMetrics()
}

// RemoveKey deletes a key by provider and API key value
func (m *Manager) RemoveKey(provider, apiKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, k := range m.keys {
		if k.Provider == provider && k.APIKey == apiKey {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			m.updateAvailabilityMetrics()
			return true
		}
	}
	return false
}

// NextAvailableKey returns the best usable key for a provider and stamps
// its last-used time. Eligible keys are ordered by explicit priority
// (lower first, unset last) and tie-broken least-recently-used. The
// second return is false when no key qualifies.
func (m *Manager) NextAvailableKey(provider, model string) (Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var eligible []*Key
	for _, k := range m.keys {
		if k.Provider != provider {
			continue
		}
		if model != "" && k.Model != "" && k.Model != model {
			continue
		}
		if !k.Usable(now) {
			continue
		}
		eligible = append(eligible, k)
	}

	if len(eligible) == 0 {
		return Key{}, false
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := eligible[i].effectivePriority(), eligible[j].effectivePriority()
		if pi != pj {
			return pi < pj
		}
		return eligible[i].LastUsed.Before(eligible[j].LastUsed)
	})

	chosen := eligible[0]
	chosen.LastUsed = now
	chosen.UseCount++

	observability.RecordKeyUse(provider)

	return *chosen, true
}

// HasAvailableKey reports whether any key is currently usable for a provider
func (m *Manager) HasAvailableKey(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, k := range m.keys {
		if k.Provider == provider && k.Usable(now) {
			return true
		}
	}
	return false
}

// MarkKeyBad records a classified failure against a key. Permanent errors
// disable the key outright; temporary errors count toward the cooldown
// threshold.
func (m *Manager) MarkKeyBad(provider, apiKey string, kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.find(provider, apiKey)
	if k == nil {
		return
	}

	switch kind {
	case ErrorPermanent:
		k.PermanentlyDisabled = true
		k.ErrorCount = 0
		k.DisabledUntil = nil
		m.logger.Warn().
			Str("provider", provider).
			Msg("Key permanently disabled")
	case ErrorTemporary:
		k.ErrorCount++
		if k.ErrorCount >= m.tempErrorThreshold {
			until := m.now().Add(m.cooldown)
			k.DisabledUntil = &until
			m.logger.Warn().
				Str("provider", provider).
				Int("errorCount", k.ErrorCount).
				Time("until", until).
				Msg("Key cooling down")
		}
	}

	m.updateAvailabilityMetrics()
}

// DisableTemporarily puts a key straight into a cooldown window,
// bypassing the error counter. Used for provider-specific shortcuts such
// as repeated gateway 502/504 responses.
func (m *Manager) DisableTemporarily(provider, apiKey string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.find(provider, apiKey)
	if k == nil {
		return
	}

	if d <= 0 {
		d = m.cooldown
	}
	until := m.now().Add(d)
	k.DisabledUntil = &until
	m.logger.Warn().
		Str("provider", provider).
		Dur("cooldown", d).
		Msg("Key disabled temporarily")
	m.updateAvailabilityMetrics()
}

// ResetKeyStatus clears disablement and error counters after a success
func (m *Manager) ResetKeyStatus(provider, apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.find(provider, apiKey)
	if k == nil {
		return
	}

	k.ErrorCount = 0
	k.PermanentlyDisabled = false
	k.DisabledUntil = nil
	m.updateAvailabilityMetrics()
}

// Deduplicate collapses keys identical on (provider, apiKey, model,
// baseURL) and returns the number removed. The first occurrence wins so
// the stored order is preserved.
func (m *Manager) Deduplicate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dedupLocked()
}

// dedupLocked does the collapse. Caller holds the lock.
func (m *Manager) dedupLocked() int {
	seen := make(map[string]bool, len(m.keys))
	kept := m.keys[:0]
	removed := 0

	for _, k := range m.keys {
		fp := k.Fingerprint()
		if seen[fp] {
			removed++
			continue
		}
		seen[fp] = true
		kept = append(kept, k)
	}

	m.keys = kept
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("Duplicate keys removed")
	}
	m.updateAvailabilityMetrics()
	return removed
}

// SyncMasterKey ensures the configured fallback key is present, enabled
// and ordered first, without ever duplicating it
func (m *Manager) SyncMasterKey(master Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if master.Priority == 0 {
		master.Priority = 1
	}

	fp := master.Fingerprint()
	for i, k := range m.keys {
		if k.Fingerprint() == fp {
			k.Priority = master.Priority
			k.PermanentlyDisabled = false
			k.DisabledUntil = nil
			k.ErrorCount = 0
			if i != 0 {
				m.keys = append(m.keys[:i], m.keys[i+1:]...)
				m.keys = append([]*Key{k}, m.keys...)
			}
			m.updateAvailabilityMetrics()
			return
		}
	}

	k := master
	m.keys = append([]*Key{&k}, m.keys...)
	m.logger.Info().Str("provider", master.Provider).Msg("Master key synced")
	m.updateAvailabilityMetrics()
}

// Keys returns a snapshot copy of all stored keys in order
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Key, len(m.keys))
	for i, k := range m.keys {
		out[i] = *k
	}
	return out
}

// Flush persists the store to disk
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist()
}

func (m *Manager) find(provider, apiKey string) *Key {
	for _, k := range m.keys {
		if k.Provider == provider && k.APIKey == apiKey {
			return k
		}
	}
	return nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read key store: %w", err)
	}

	var store persistedStore
	if err := json.Unmarshal(data, &store); err != nil {
		return fmt.Errorf("failed to parse key store: %w", err)
	}

	m.keys = store.Keys
	for _, k := range m.keys {
		if p, ok := store.Priorities[k.Fingerprint()]; ok {
			k.Priority = p
		}
	}

	m.logger.Info().Int("keys", len(m.keys)).Str("path", m.path).Msg("Key store loaded")
	m.updateAvailabilityMetrics()
	return nil
}

// persist writes the ordered list plus the priority map atomically.
// Caller holds the lock.
func (m *Manager) persist() error {
	if m.path == "" {
		return nil
	}

	store := persistedStore{
		Keys:       m.keys,
		Priorities: make(map[string]int),
	}
	for _, k := range m.keys {
		if k.Priority != 0 {
			store.Priorities[k.Fingerprint()] = k.Priority
		}
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("failed to create key store directory: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tempPath, m.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace key store: %w", err)
	}

	return nil
}

// updateAvailabilityMetrics recomputes per-provider gauges. Caller holds
// the lock.
func (m *Manager) updateAvailabilityMetrics() {
	now := m.now()
	available := make(map[string]int)
	cooling := make(map[string]int)
	providers := make(map[string]bool)

	for _, k := range m.keys {
		providers[k.Provider] = true
		if k.Usable(now) {
			available[k.Provider]++
		} else if !k.PermanentlyDisabled {
			cooling[k.Provider]++
		}
	}

	for provider := range providers {
		observability.SetKeysAvailable(provider, available[provider])
		observability.SetKeyCooldownCount(provider, cooling[provider])
	}
}
