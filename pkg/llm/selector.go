package llm

import (
	"context"
	"errors"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/pkg/keyring"
	"github.com/rs/zerolog"
)

const (
	defaultProviderAttempts = 3
	defaultRetryCap         = 10 * time.Second
	defaultCallTimeout      = 30 * time.Second

	// cooldown applied when a gateway answers 502/504, which DashScope
	// does in bursts that outlast a normal retry window
	gatewayCooldown = 30 * time.Second
)

// SelectorConfig wires the failover selector
type SelectorConfig struct {
	Registry *Registry
	Keys     *keyring.Manager
	Logger   zerolog.Logger

	// Hierarchy is the ordered provider preference list
	Hierarchy []string

	// ProviderAttempts bounds transient retries per provider (default 3)
	ProviderAttempts int

	// RetryCap bounds the exponential retry delay (default 10s)
	RetryCap time.Duration

	// CallTimeout bounds one provider call (default 30s)
	CallTimeout time.Duration
}

// CallOptions tunes one Complete call
type CallOptions struct {
	// StartProvider rotates the hierarchy so this provider is tried
	// first. Empty means the configured order.
	StartProvider string

	// Key pins the call to one explicit credential, bypassing rotation
	Key *keyring.Key
}

// Result is a successful completion plus where it came from
type Result struct {
	Response
	Provider string
	Model    string
}

// Selector walks the provider hierarchy until one call succeeds. It owns
// key health reporting: successes reset a key, classified failures mark
// it bad before the error moves on.
type Selector struct {
	registry    *Registry
	keys        *keyring.Manager
	logger      zerolog.Logger
	hierarchy   []string
	attempts    int
	retryCap    time.Duration
	callTimeout time.Duration

	// sleep is swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSelector creates a selector from config, applying defaults
func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.ProviderAttempts <= 0 {
		cfg.ProviderAttempts = defaultProviderAttempts
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = defaultRetryCap
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Selector{
		registry:    cfg.Registry,
		keys:        cfg.Keys,
		logger:      cfg.Logger.With().Str("component", "llm-selector").Logger(),
		hierarchy:   cfg.Hierarchy,
		attempts:    cfg.ProviderAttempts,
		retryCap:    cfg.RetryCap,
		callTimeout: cfg.CallTimeout,
		sleep:       sleepCtx,
	}
}

// Hierarchy returns the configured provider order
func (s *Selector) Hierarchy() []string {
	out := make([]string, len(s.hierarchy))
	copy(out, s.hierarchy)
	return out
}

// Complete tries providers in rotated hierarchy order until one returns
// a valid response. Transient failures retry the same provider with an
// exponential delay; permanent failures and missing keys move to the
// next provider; when every provider fails the caller gets an
// ExhaustedError wrapping the last failure.
func (s *Selector) Complete(ctx context.Context, req Request, opts CallOptions) (*Result, error) {
	if opts.Key != nil {
		return s.completeWithProvider(ctx, opts.Key.Provider, req, opts.Key)
	}

	order := rotateHierarchy(s.hierarchy, opts.StartProvider)
	if len(order) == 0 {
		return nil, &ExhaustedError{LastErr: errors.New("provider hierarchy is empty")}
	}

	var lastErr error
	attempted := make([]string, 0, len(order))

	for _, name := range order {
		attempted = append(attempted, name)

		result, err := s.completeWithProvider(ctx, name, req, nil)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.logger.Warn().
			Str("provider", name).
			Err(err).
			Msg("provider failed, moving to next in hierarchy")
	}

	return nil, &ExhaustedError{Attempted: attempted, LastErr: lastErr}
}

// completeWithProvider runs the bounded retry loop against one provider.
// pinned is non-nil when the caller supplied an explicit credential.
func (s *Selector) completeWithProvider(ctx context.Context, name string, req Request, pinned *keyring.Key) (*Result, error) {
	adapter, ok := s.registry.Get(name)
	if !ok {
		return nil, permanent(name, 0, errors.New("unknown provider"))
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, retryDelay(attempt, s.retryCap)); err != nil {
				return nil, err
			}
		}

		var key keyring.Key
		if pinned != nil {
			key = *pinned
			// selection via the keyring records key use itself; pinned
			// keys bypass it
			observability.RecordKeyUse(name)
		} else {
			selected, found := s.keys.NextAvailableKey(name, req.Model)
			if !found {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, ErrNoKeyAvailable
			}
			key = selected
		}

		result, err := s.callOnce(ctx, adapter, key, req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsPermanent(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// callOnce performs a single timed call and settles the key's health
func (s *Selector) callOnce(ctx context.Context, adapter Provider, key keyring.Key, req Request) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	name := adapter.Name()
	start := time.Now()
	resp, err := adapter.Complete(callCtx, key, req)
	duration := time.Since(start)
	observability.RecordProviderCall(name, duration, err == nil)

	if err != nil {
		s.reportFailure(name, key, err)
		return nil, err
	}

	if !ValidateResponse(resp.Text) {
		// the key worked; only the output is unusable
		s.keys.ResetKeyStatus(name, key.APIKey)
		truncErr := temporary(name, 0, errors.New("response empty or truncated"))
		s.reportFailureMetrics(name, truncErr)
		return nil, truncErr
	}

	s.keys.ResetKeyStatus(name, key.APIKey)

	model := req.Model
	if model == "" {
		model = key.Model
	}
	return &Result{Response: *resp, Provider: name, Model: model}, nil
}

// reportFailure marks the key according to the classified error before
// the error propagates to the rotation logic
func (s *Selector) reportFailure(name string, key keyring.Key, err error) {
	s.reportFailureMetrics(name, err)

	var pe *ProviderError
	if !errors.As(err, &pe) {
		return
	}

	// gateway-level 502/504 bursts cool the key down without counting
	// toward its temporary error budget
	if pe.StatusCode == 502 || pe.StatusCode == 504 {
		s.keys.DisableTemporarily(name, key.APIKey, gatewayCooldown)
		s.logger.Warn().
			Str("provider", name).
			Int("status", pe.StatusCode).
			Msg("gateway error, cooling key down")
		return
	}

	s.keys.MarkKeyBad(name, key.APIKey, pe.Kind)
}

func (s *Selector) reportFailureMetrics(name string, err error) {
	kind := "unknown"
	var pe *ProviderError
	if errors.As(err, &pe) {
		kind = string(pe.Kind)
	}
	observability.RecordProviderError(name, kind)
}

// rotateHierarchy returns the hierarchy rotated so start comes first.
// An empty or unknown start leaves the order unchanged.
func rotateHierarchy(hierarchy []string, start string) []string {
	out := make([]string, len(hierarchy))
	copy(out, hierarchy)
	if start == "" {
		return out
	}
	for i, name := range out {
		if name == start {
			return append(out[i:], out[:i]...)
		}
	}
	return out
}

// retryDelay doubles from one second per attempt, capped
func retryDelay(attempt int, ceiling time.Duration) time.Duration {
	d := time.Second << (attempt - 1)
	if d > ceiling {
		return ceiling
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
