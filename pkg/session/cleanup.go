package session

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultCleanupAge  = 7 * 24 * time.Hour
	DefaultMaxMessages = 500
)

// Cleanup removes stale sessions and compacts oversized ones
type Cleanup struct {
	store       *Store
	cleanupAge  time.Duration
	maxMessages int
	stopCh      chan struct{}
	running     bool
}

// NewCleanup creates a new session cleanup handler
func NewCleanup(store *Store, cleanupAge time.Duration) *Cleanup {
	if cleanupAge == 0 {
		cleanupAge = DefaultCleanupAge
	}
	return &Cleanup{
		store:       store,
		cleanupAge:  cleanupAge,
		maxMessages: DefaultMaxMessages,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the cleanup handler
func (c *Cleanup) Start() error {
	if c.running {
		return fmt.Errorf("cleanup is already running")
	}
	c.running = true
	go c.run()

	log.Info().
		Dur("cleanup_age", c.cleanupAge).
		Msg("Session cleanup started")
	return nil
}

// Stop stops the cleanup handler
func (c *Cleanup) Stop() error {
	if !c.running {
		return fmt.Errorf("cleanup is not running")
	}
	close(c.stopCh)
	c.running = false
	return nil
}

func (c *Cleanup) run() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Sweep(); err != nil {
				log.Error().Err(err).Msg("Session cleanup sweep failed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// Sweep runs one cleanup pass: sessions untouched for longer than the
// cleanup age are deleted, the rest are compacted to the message cap
func (c *Cleanup) Sweep() error {
	keys, err := c.store.List()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(-c.cleanupAge)
	removed := 0
	for _, key := range keys {
		info, err := os.Stat(c.store.sessionPath(key))
		if err != nil {
			continue
		}
		if info.ModTime().Before(deadline) {
			if err := c.store.Delete(key); err != nil {
				log.Warn().Str("sessionKey", key).Err(err).Msg("Failed to delete stale session")
				continue
			}
			removed++
			continue
		}
		if err := c.store.Compact(key, c.maxMessages); err != nil {
			log.Warn().Str("sessionKey", key).Err(err).Msg("Failed to compact session")
		}
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Stale sessions removed")
	}
	return nil
}
