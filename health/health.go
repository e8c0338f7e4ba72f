// Package health implements the Provider Health Manager (§4.3): a
// process-wide, per-provider three-state machine (Healthy/Degraded/
// Unhealthy) with cooldowns and a shadow-probe admission gate.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayforge/polyllm/types"
)

// Status is one of the three health states a provider can be in.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// GaugeValue renders the state as the 0/1/2 scale the metrics sink expects
// (§6: provider_health{provider} in {0=unhealthy,1=degraded,2=healthy}).
func (s Status) GaugeValue() float64 {
	switch s {
	case Healthy:
		return 2
	case Degraded:
		return 1
	default:
		return 0
	}
}

const (
	// DefaultDegradedCooldown is T_deg, applied on the first transient
	// failure.
	DefaultDegradedCooldown = 120 * time.Second
	// DefaultUnhealthyCooldown is T_unh, applied after K_unhealthy
	// consecutive transient failures.
	DefaultUnhealthyCooldown = 300 * time.Second
	// DefaultPersistentCooldown is applied on a persistent failure
	// (AuthFailed, ModelNotFound, BadRequest). Once it elapses the
	// provider is admitted for a single shadow probe like any other
	// Unhealthy provider, and a successful probe returns it to Healthy.
	DefaultPersistentCooldown = 24 * time.Hour
	// DefaultUnhealthyThreshold is K_unhealthy.
	DefaultUnhealthyThreshold = 3
)

// record is the mutable per-provider health state.
type record struct {
	status         Status
	failureCount   int
	lastFailureAt  time.Time
	cooldownUntil  time.Time
	probeInFlight  bool
}

// Manager tracks health for every provider the registry knows about.
// Records are created lazily on first interaction and never destroyed, per
// the data model's lifecycle note.
type Manager struct {
	mu                sync.Mutex
	records           map[string]*record
	unhealthyThreshold int
	degradedCooldown   time.Duration
	unhealthyCooldown  time.Duration
	persistentCooldown time.Duration
	logger             *zap.Logger
}

// Config tunes the Manager's thresholds and cooldowns; zero values fall
// back to the spec's defaults.
type Config struct {
	UnhealthyThreshold int
	DegradedCooldown   time.Duration
	UnhealthyCooldown  time.Duration
	PersistentCooldown time.Duration
}

// NewManager builds an empty Manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if cfg.DegradedCooldown <= 0 {
		cfg.DegradedCooldown = DefaultDegradedCooldown
	}
	if cfg.UnhealthyCooldown <= 0 {
		cfg.UnhealthyCooldown = DefaultUnhealthyCooldown
	}
	if cfg.PersistentCooldown <= 0 {
		cfg.PersistentCooldown = DefaultPersistentCooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records:            make(map[string]*record),
		unhealthyThreshold: cfg.UnhealthyThreshold,
		degradedCooldown:   cfg.DegradedCooldown,
		unhealthyCooldown:  cfg.UnhealthyCooldown,
		persistentCooldown: cfg.PersistentCooldown,
		logger:             logger,
	}
}

func (m *Manager) get(provider string) *record {
	r, ok := m.records[provider]
	if !ok {
		r = &record{status: Healthy}
		m.records[provider] = r
	}
	return r
}

// Status returns the current health status of provider, defaulting to
// Healthy if it has never been observed.
func (m *Manager) Status(provider string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(provider).status
}

func isTransient(code types.ErrorCode) bool {
	switch code {
	case types.ErrTimeout, types.ErrRateLimited, types.ErrServiceUnavailable, types.ErrNetwork:
		return true
	default:
		return false
	}
}

func isPersistent(code types.ErrorCode) bool {
	switch code {
	case types.ErrAuthFailed, types.ErrModelNotFound, types.ErrBadRequest:
		return true
	default:
		return false
	}
}

// RecordSuccess transitions provider back to Healthy and resets its
// failure counter, per the Success transition rule.
func (m *Manager) RecordSuccess(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.get(provider)
	r.probeInFlight = false
	if r.status != Healthy {
		m.logger.Info("provider recovered", zap.String("provider", provider), zap.String("from", r.status.String()))
	}
	r.status = Healthy
	r.failureCount = 0
	r.cooldownUntil = time.Time{}
}

// RecordFailure applies the Transient/Persistent failure transition rules
// for a classified adapter error.
func (m *Manager) RecordFailure(provider string, errCode types.ErrorCode, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.get(provider)
	r.probeInFlight = false
	r.lastFailureAt = time.Now()

	switch {
	case isPersistent(errCode):
		r.status = Unhealthy
		r.cooldownUntil = r.lastFailureAt.Add(m.persistentCooldown)
		m.logger.Warn("provider unhealthy (persistent failure)",
			zap.String("provider", provider), zap.String("error_code", string(errCode)))

	case isTransient(errCode):
		r.failureCount++
		if r.failureCount >= m.unhealthyThreshold {
			cooldown := m.unhealthyCooldown
			if errCode == types.ErrRateLimited && retryAfter > cooldown {
				cooldown = retryAfter
			}
			r.status = Unhealthy
			r.cooldownUntil = r.lastFailureAt.Add(cooldown)
			m.logger.Warn("provider unhealthy (transient failure threshold)",
				zap.String("provider", provider), zap.Int("failures", r.failureCount))
		} else if r.status == Healthy {
			r.status = Degraded
			r.cooldownUntil = r.lastFailureAt.Add(m.degradedCooldown)
			m.logger.Info("provider degraded", zap.String("provider", provider))
		}

	default:
		// Unknown classification: the failure is counted toward the
		// consecutive-failure counter, but status and cooldown are left
		// unchanged, so it never escalates to Degraded or Unhealthy here.
		r.failureCount++
	}
}

// Eligible reports whether provider may be dispatched to for a normal
// (non-forced) request, per §4.3's admission rule. When it returns true for
// an Unhealthy provider past its cooldown, it has reserved the single
// concurrent shadow-probe slot for that provider — the caller MUST follow
// through with exactly one Generate call and report its outcome via
// RecordSuccess/RecordFailure. Call this immediately before dispatch, not
// for up-front membership filtering (use Reachable for that), or the
// reserved slot leaks until some unrelated later call clears it.
func (m *Manager) Eligible(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.get(provider)
	now := time.Now()

	switch r.status {
	case Healthy:
		return true
	case Degraded:
		return now.After(r.cooldownUntil) || now.Equal(r.cooldownUntil)
	case Unhealthy:
		if r.probeInFlight {
			return false
		}
		if now.Before(r.cooldownUntil) {
			return false
		}
		r.probeInFlight = true
		return true
	default:
		return false
	}
}

// Reachable reports the same admission rule as Eligible but never claims
// the Unhealthy shadow-probe slot, for building an up-front candidate set
// (e.g. resolving which providers a request may fan out to) where not
// every candidate is guaranteed to actually be dispatched.
func (m *Manager) Reachable(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.get(provider)
	now := time.Now()

	switch r.status {
	case Healthy:
		return true
	case Degraded:
		return now.After(r.cooldownUntil) || now.Equal(r.cooldownUntil)
	case Unhealthy:
		return !r.probeInFlight && !now.Before(r.cooldownUntil)
	default:
		return false
	}
}

// Snapshot is a read-only view of one provider's health, used for metrics
// export and diagnostics.
type Snapshot struct {
	Provider      string
	Status        Status
	FailureCount  int
	CooldownUntil time.Time
}

// Snapshots returns the current state of every provider the Manager has
// ever observed.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.records))
	for provider, r := range m.records {
		out = append(out, Snapshot{
			Provider:      provider,
			Status:        r.status,
			FailureCount:  r.failureCount,
			CooldownUntil: r.cooldownUntil,
		})
	}
	return out
}
