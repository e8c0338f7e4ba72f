package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/relayforge/polyllm/types"
)

func testManager(cfg Config) *Manager {
	return NewManager(cfg, zap.NewNop())
}

func TestManager_DefaultsToHealthy(t *testing.T) {
	m := testManager(Config{})
	assert.Equal(t, Healthy, m.Status("openai"))
	assert.True(t, m.Eligible("openai"))
}

func TestManager_RecordSuccess_ResetsFailures(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 3})
	m.RecordFailure("openai", types.ErrTimeout, 0)
	m.RecordSuccess("openai")
	assert.Equal(t, Healthy, m.Status("openai"))
}

func TestManager_TransientFailure_DegradesThenUnhealthy(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 3, DegradedCooldown: time.Millisecond, UnhealthyCooldown: time.Hour})

	m.RecordFailure("openai", types.ErrTimeout, 0)
	assert.Equal(t, Degraded, m.Status("openai"))

	m.RecordFailure("openai", types.ErrTimeout, 0)
	assert.Equal(t, Degraded, m.Status("openai"))

	m.RecordFailure("openai", types.ErrTimeout, 0)
	assert.Equal(t, Unhealthy, m.Status("openai"))
}

func TestManager_PersistentFailure_GoesUnhealthyImmediately(t *testing.T) {
	m := testManager(Config{UnhealthyCooldown: time.Hour, PersistentCooldown: time.Hour})
	m.RecordFailure("openai", types.ErrAuthFailed, 0)
	assert.Equal(t, Unhealthy, m.Status("openai"))
	assert.False(t, m.Eligible("openai"))
}

func TestManager_Eligible_DegradedPastCooldownIsEligible(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 3, DegradedCooldown: time.Millisecond})
	m.RecordFailure("openai", types.ErrTimeout, 0)
	assert.Equal(t, Degraded, m.Status("openai"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.Eligible("openai"))
}

func TestManager_Eligible_UnhealthyReservesSingleProbeSlot(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 1, UnhealthyCooldown: time.Millisecond})
	m.RecordFailure("openai", types.ErrTimeout, 0)
	assert.Equal(t, Unhealthy, m.Status("openai"))
	time.Sleep(5 * time.Millisecond)

	assert.True(t, m.Eligible("openai"))
	assert.False(t, m.Eligible("openai"), "second concurrent probe must be rejected")

	m.RecordFailure("openai", types.ErrTimeout, 0)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.Eligible("openai"), "probe slot released after outcome reported")
}

func TestManager_Reachable_NeverClaimsProbeSlot(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 1, UnhealthyCooldown: time.Millisecond})
	m.RecordFailure("openai", types.ErrTimeout, 0)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, m.Reachable("openai"))
	assert.True(t, m.Reachable("openai"), "repeated reads never claim the shadow-probe slot")
	assert.True(t, m.Reachable("openai"))

	assert.True(t, m.Eligible("openai"), "the slot is still free for the call that actually dispatches")
	assert.False(t, m.Eligible("openai"), "now claimed, a second concurrent call is rejected")
}

func TestManager_Reachable_ReflectsInFlightProbeClaimedByEligible(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 1, UnhealthyCooldown: time.Millisecond})
	m.RecordFailure("openai", types.ErrTimeout, 0)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, m.Eligible("openai"), "claims the slot")
	assert.False(t, m.Reachable("openai"), "a read during an in-flight probe reports not reachable")
}

func TestManager_RateLimitedRetryAfterExtendsCooldown(t *testing.T) {
	m := testManager(Config{UnhealthyThreshold: 1, UnhealthyCooldown: time.Millisecond})
	m.RecordFailure("openai", types.ErrRateLimited, time.Hour)
	assert.Equal(t, Unhealthy, m.Status("openai"))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, m.Eligible("openai"), "retry-after longer than default cooldown must still gate")
}

func TestStatus_GaugeValue(t *testing.T) {
	assert.Equal(t, 2.0, Healthy.GaugeValue())
	assert.Equal(t, 1.0, Degraded.GaugeValue())
	assert.Equal(t, 0.0, Unhealthy.GaugeValue())
}

func TestManager_Snapshots(t *testing.T) {
	m := testManager(Config{})
	m.RecordFailure("openai", types.ErrTimeout, 0)
	m.Status("anthropic") // observe without failing, to create a lazy record

	snaps := m.Snapshots()
	assert.Len(t, snaps, 2)
}
