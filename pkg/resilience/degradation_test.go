package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDegradation(clock *fakeClock) *DegradationManager {
	dm := NewDegradationManager(DegradationConfig{
		HealthCheckInterval: 30 * time.Second,
		AutoRecover:         true,
	})
	dm.now = clock.Now
	return dm
}

func TestModeOrdering(t *testing.T) {
	assert.True(t, ModeFull < ModeDegraded)
	assert.True(t, ModeDegraded < ModeReadOnly)
	assert.True(t, ModeReadOnly < ModeOffline)
}

func TestDegradationStepsDownOnUnhealthyEdge(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api")

	require.Equal(t, ModeFull, dm.Mode("remote-api"))

	dm.ReportHealth("remote-api", false, "connection refused")
	assert.Equal(t, ModeDegraded, dm.Mode("remote-api"))

	// Repeated unhealthy reports are not edges; the mode holds.
	dm.ReportHealth("remote-api", false, "connection refused")
	assert.Equal(t, ModeDegraded, dm.Mode("remote-api"))

	// Another healthy->unhealthy edge steps down again.
	dm.ReportHealth("remote-api", true, "")
	require.Equal(t, ModeFull, dm.Mode("remote-api"))
	dm.ReportHealth("remote-api", false, "connection refused")
	assert.Equal(t, ModeDegraded, dm.Mode("remote-api"))
}

func TestDegradationRecoversOneStepAtATime(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api")
	dm.ForceMode("remote-api", ModeOffline)
	dm.ReportHealth("remote-api", false, "down")

	dm.ReportHealth("remote-api", true, "")
	assert.Equal(t, ModeReadOnly, dm.Mode("remote-api"))

	dm.ReportHealth("remote-api", false, "flap")
	assert.Equal(t, ModeOffline, dm.Mode("remote-api"))
}

func TestDegradationNoAutoRecoverWhenDisabled(t *testing.T) {
	clock := newFakeClock()
	dm := NewDegradationManager(DegradationConfig{AutoRecover: false})
	dm.now = clock.Now
	dm.RegisterService("remote-api")

	dm.ReportHealth("remote-api", false, "down")
	require.Equal(t, ModeDegraded, dm.Mode("remote-api"))

	dm.ReportHealth("remote-api", true, "")
	assert.Equal(t, ModeDegraded, dm.Mode("remote-api"), "recovery requires ForceMode when auto-recover is off")
}

func TestCanReadCanWriteGates(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api")

	tests := []struct {
		mode     Mode
		canRead  bool
		canWrite bool
	}{
		{ModeFull, true, true},
		{ModeDegraded, true, true},
		{ModeReadOnly, true, false},
		{ModeOffline, false, false},
	}
	for _, tt := range tests {
		dm.ForceMode("remote-api", tt.mode)
		assert.Equal(t, tt.canRead, dm.CanRead("remote-api"), "CanRead in %s", tt.mode)
		assert.Equal(t, tt.canWrite, dm.CanWrite("remote-api"), "CanWrite in %s", tt.mode)
	}
}

func TestStaleHealthTreatedAsFailure(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api")

	clock.Advance(91 * time.Second) // past 3x the 30s interval
	dm.CheckStale()

	assert.Equal(t, ModeDegraded, dm.Mode("remote-api"))
	health, ok := dm.GetServiceHealth("remote-api")
	require.True(t, ok)
	assert.False(t, health.Healthy)
	assert.Equal(t, "health data stale", health.LastError)
}

func TestFreshHealthNotStale(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api")

	clock.Advance(60 * time.Second)
	dm.CheckStale()
	assert.Equal(t, ModeFull, dm.Mode("remote-api"))
}

func TestFeatureFlagsFollowMode(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api",
		Feature{Name: "sync", Critical: true},
		Feature{Name: "attachments", MinMode: ModeFull},
		Feature{Name: "search", MinMode: ModeReadOnly},
	)

	dm.ForceMode("remote-api", ModeDegraded)
	assert.True(t, dm.IsFeatureEnabled("remote-api", "sync"), "critical features survive degradation")
	assert.False(t, dm.IsFeatureEnabled("remote-api", "attachments"))
	assert.True(t, dm.IsFeatureEnabled("remote-api", "search"))

	dm.ForceMode("remote-api", ModeOffline)
	assert.False(t, dm.IsFeatureEnabled("remote-api", "sync"))
}

func TestCriticalFeatureCannotBeForceDisabled(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)
	dm.RegisterService("remote-api",
		Feature{Name: "sync", Critical: true},
		Feature{Name: "search"},
	)

	dm.SetFeature("remote-api", "sync", false)
	assert.True(t, dm.IsFeatureEnabled("remote-api", "sync"))

	dm.SetFeature("remote-api", "search", false)
	assert.False(t, dm.IsFeatureEnabled("remote-api", "search"))
}

func TestUnregisteredServiceDefaultsToFull(t *testing.T) {
	clock := newFakeClock()
	dm := newTestDegradation(clock)

	assert.True(t, dm.CanRead("unknown"))
	assert.True(t, dm.CanWrite("unknown"))
	assert.False(t, dm.IsFeatureEnabled("unknown", "anything"))
}

func TestOnModeChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var calls []string
	dm := NewDegradationManager(DegradationConfig{
		AutoRecover: true,
		OnModeChange: func(service string, from, to Mode) {
			calls = append(calls, service+":"+from.String()+">"+to.String())
		},
	})
	dm.now = clock.Now
	dm.RegisterService("remote-api")

	dm.ReportHealth("remote-api", false, "down")
	dm.ReportHealth("remote-api", true, "")

	assert.Equal(t, []string{
		"remote-api:FULL>DEGRADED",
		"remote-api:DEGRADED>FULL",
	}, calls)
}
