package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Message kinds. The kind drives how the agent loop renders an entry
// back into the prompt.
const (
	KindUser         = "user"
	KindAgentResp    = "agent_response"
	KindAgentThought = "agent_thought"
	KindAgentCanvas  = "agent_canvas_output"
	KindToolCall     = "tool_call"
	KindToolResult   = "tool_result"
	KindError        = "error"
)

// Message is a single conversation turn, tagged by kind
type Message struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Content     string          `json:"content"`
	Tool        string          `json:"tool,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	ContentType string          `json:"contentType,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// meta is the per-session sidecar state that is not part of history
type meta struct {
	ActiveProvider string `json:"activeProvider,omitempty"`
}

// Store manages conversation persistence using JSONL format, one file
// per session plus a small sidecar for non-history state.
type Store struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex
}

// New creates a session store rooted at sessionsDir
func New(sessionsDir string) (*Store, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".kestrel", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", sessionsDir).Msg("Session store initialized")
	return s, nil
}

// validateKey validates the session key for security
func (s *Store) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (s *Store) sessionPath(key string) string {
	return filepath.Join(s.sessionsDir, key+".jsonl")
}

func (s *Store) metaPath(key string) string {
	return filepath.Join(s.sessionsDir, key+".meta.json")
}

// getWriteLock gets or creates a write lock for a session
func (s *Store) getWriteLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

func (s *Store) releaseWriteLock(key string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, key)
}

// Append appends a message to a session, assigning an id and timestamp
// when the caller left them empty
func (s *Store) Append(key string, msg Message) error {
	return s.AppendWithContext(context.Background(), key, msg)
}

// AppendWithContext appends a message with tracing context.
func (s *Store) AppendWithContext(ctx context.Context, key string, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"kestrel.session",
		"session.append",
		attribute.String("session_key", key),
		attribute.String("kind", msg.Kind),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if msg.Kind == "" {
		return fmt.Errorf("message kind cannot be empty")
	}
	if msg.Content == "" && msg.Tool == "" {
		return fmt.Errorf("message must carry content or a tool reference")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.sessionPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger.Debug().
		Str("sessionKey", key).
		Str("kind", msg.Kind).
		Msg("Message appended")

	return nil
}

// Load loads all messages from a session in conversation order
func (s *Store) Load(key string) ([]Message, error) {
	return s.LoadWithContext(context.Background(), key)
}

// LoadWithContext loads all messages with tracing context. Corrupted
// lines are skipped rather than failing the whole session.
func (s *Store) LoadWithContext(ctx context.Context, key string) ([]Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"kestrel.session",
		"session.load",
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := s.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	path := s.sessionPath(key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []Message{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn().
				Str("sessionKey", key).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}
		if msg.Kind == "" {
			logger.Warn().
				Str("sessionKey", key).
				Int("line", lineNum).
				Msg("Invalid entry, skipping")
			continue
		}

		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	logger.Debug().
		Str("sessionKey", key).
		Int("messages", len(messages)).
		Msg("Session loaded")

	return messages, nil
}

// SaveActiveProvider records which provider answered last so the next
// job for this session starts its failover rotation there
func (s *Store) SaveActiveProvider(key, provider string) error {
	if err := s.validateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(meta{ActiveProvider: provider})
	if err != nil {
		return fmt.Errorf("failed to marshal session meta: %w", err)
	}

	tempPath := s.metaPath(key) + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write session meta: %w", err)
	}
	if err := os.Rename(tempPath, s.metaPath(key)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session meta: %w", err)
	}
	return nil
}

// ActiveProvider returns the provider recorded by SaveActiveProvider,
// or empty when the session has none
func (s *Store) ActiveProvider(key string) string {
	if err := s.validateKey(key); err != nil {
		return ""
	}
	data, err := os.ReadFile(s.metaPath(key))
	if err != nil {
		return ""
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	return m.ActiveProvider
}

// Delete removes a session's history and sidecar state
func (s *Store) Delete(key string) error {
	if err := s.validateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	if err := os.Remove(s.metaPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session meta: %w", err)
	}

	s.releaseWriteLock(key)
	log.Info().Str("sessionKey", key).Msg("Session deleted")
	return nil
}

// List lists all session keys
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}
	return sessions, nil
}

// Repair rewrites a session file keeping only parseable lines
func (s *Store) Repair(key string) error {
	messages, err := s.Load(key)
	if err != nil {
		return err
	}
	return s.rewrite(key, messages)
}

// Compact shrinks history to maxLen messages. The oldest non-user
// messages are dropped and replaced by a single summary marker so the
// model knows context was elided; user messages survive compaction.
func (s *Store) Compact(key string, maxLen int) error {
	if maxLen <= 0 {
		return nil
	}
	messages, err := s.Load(key)
	if err != nil {
		return err
	}
	if len(messages) <= maxLen {
		return nil
	}

	// everything past the cutoff is kept verbatim
	cutoff := len(messages) - maxLen + 1
	dropped := 0
	kept := make([]Message, 0, maxLen)
	for i, msg := range messages {
		if i >= cutoff || msg.Kind == KindUser {
			kept = append(kept, msg)
			continue
		}
		dropped++
	}
	if dropped == 0 {
		return nil
	}

	marker := Message{
		ID:        uuid.NewString(),
		Kind:      KindError,
		Content:   fmt.Sprintf("[%d earlier messages elided to fit the context window]", dropped),
		Timestamp: time.Now(),
	}
	compacted := append([]Message{marker}, kept...)

	log.Info().
		Str("sessionKey", key).
		Int("dropped", dropped).
		Int("kept", len(kept)).
		Msg("Session compacted")

	return s.rewrite(key, compacted)
}

// rewrite atomically replaces a session file with the given messages
func (s *Store) rewrite(key string, messages []Message) error {
	if err := s.validateKey(key); err != nil {
		return err
	}

	lock := s.getWriteLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := s.sessionPath(key)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// Info returns metadata about a session
func (s *Store) Info(key string) (map[string]interface{}, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}

	info, err := os.Stat(s.sessionPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session does not exist")
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	messages, err := s.Load(key)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"sessionKey":   key,
		"size":         info.Size(),
		"lastModified": info.ModTime(),
		"messageCount": len(messages),
	}, nil
}

// Close releases all per-session locks
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
