package resilience

import (
	"sync"
	"time"

	"github.com/tasksync/tasksync/pkg/logging"
)

// Mode represents the operating mode of a service, ordered from most
// to least capable.
type Mode int

const (
	// ModeFull - all functionality available
	ModeFull Mode = iota
	// ModeDegraded - writes still allowed, non-critical features reduced
	ModeDegraded
	// ModeReadOnly - reads allowed, writes rejected
	ModeReadOnly
	// ModeOffline - nothing reaches the service
	ModeOffline
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "FULL"
	case ModeDegraded:
		return "DEGRADED"
	case ModeReadOnly:
		return "READ_ONLY"
	case ModeOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// ServiceHealth represents the health status of a service
type ServiceHealth struct {
	Name      string
	Mode      Mode
	Healthy   bool
	LastCheck time.Time
	LastError string
	Features  map[string]bool
}

// Feature describes a gated capability. Critical features stay enabled
// through DEGRADED and can never be force-disabled.
type Feature struct {
	Name     string
	Critical bool
	// MinMode is the least capable mode at which the feature stays on
	MinMode Mode
}

// DegradationConfig holds degradation manager configuration
type DegradationConfig struct {
	// HealthCheckInterval is the expected cadence of health reports;
	// data older than 3x this is treated as a failure report
	HealthCheckInterval time.Duration
	// AutoRecover enables one-step recovery on healthy reports
	AutoRecover bool
	// OnModeChange is called whenever a service changes mode
	OnModeChange func(service string, from, to Mode)
}

// DefaultDegradationConfig returns a default degradation configuration
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		HealthCheckInterval: 30 * time.Second,
		AutoRecover:         true,
	}
}

// DegradationManager tracks per-service health and maps it onto the
// ordered operating modes. Transitions move one step at a time: a
// healthy->unhealthy edge degrades one level, an unhealthy->healthy
// edge recovers one. The hysteresis keeps a single flaky probe from
// classifying a full outage.
type DegradationManager struct {
	mutex    sync.RWMutex
	services map[string]*ServiceHealth
	features map[string][]Feature
	config   DegradationConfig
	now      func() time.Time
	logger   *logging.Logger
}

// NewDegradationManager creates a new degradation manager
func NewDegradationManager(config DegradationConfig) *DegradationManager {
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}
	return &DegradationManager{
		services: make(map[string]*ServiceHealth),
		features: make(map[string][]Feature),
		config:   config,
		now:      time.Now,
		logger:   logging.GetLogger(),
	}
}

// RegisterService registers a service, starting at FULL and healthy
func (dm *DegradationManager) RegisterService(name string, features ...Feature) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	svc := &ServiceHealth{
		Name:      name,
		Mode:      ModeFull,
		Healthy:   true,
		LastCheck: dm.now(),
		Features:  make(map[string]bool),
	}
	for _, f := range features {
		svc.Features[f.Name] = true
	}
	dm.services[name] = svc
	dm.features[name] = features
}

// ReportHealth drives mode transitions from a health report
func (dm *DegradationManager) ReportHealth(service string, healthy bool, errText string) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	svc, exists := dm.services[service]
	if !exists {
		dm.logger.Warn("Health report for unregistered service", "service", service)
		return
	}

	wasHealthy := svc.Healthy
	svc.Healthy = healthy
	svc.LastCheck = dm.now()
	svc.LastError = errText

	switch {
	case wasHealthy && !healthy:
		dm.setMode(svc, stepDown(svc.Mode))
	case !wasHealthy && healthy && dm.config.AutoRecover:
		dm.setMode(svc, stepUp(svc.Mode))
	}
}

// CheckStale treats services without a recent health report as failed.
// Call it periodically, or before consulting CanRead/CanWrite on a
// service whose reporter may have died.
func (dm *DegradationManager) CheckStale() {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	cutoff := dm.now().Add(-3 * dm.config.HealthCheckInterval)
	for _, svc := range dm.services {
		if svc.LastCheck.Before(cutoff) {
			wasHealthy := svc.Healthy
			svc.Healthy = false
			svc.LastError = "health data stale"
			svc.LastCheck = dm.now()
			if wasHealthy {
				dm.setMode(svc, stepDown(svc.Mode))
			}
		}
	}
}

// ForceMode moves a service directly to the given mode
func (dm *DegradationManager) ForceMode(service string, mode Mode) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if svc, exists := dm.services[service]; exists {
		dm.setMode(svc, mode)
	}
}

// CanRead reports whether reads to the service are permitted
func (dm *DegradationManager) CanRead(service string) bool {
	return dm.mode(service) <= ModeReadOnly
}

// CanWrite reports whether writes to the service are permitted
func (dm *DegradationManager) CanWrite(service string) bool {
	return dm.mode(service) <= ModeDegraded
}

// Mode returns the current mode of the service (FULL if unregistered)
func (dm *DegradationManager) Mode(service string) Mode {
	return dm.mode(service)
}

// IsFeatureEnabled reports whether the named feature is currently on
func (dm *DegradationManager) IsFeatureEnabled(service, feature string) bool {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	svc, exists := dm.services[service]
	if !exists {
		return false
	}
	enabled, known := svc.Features[feature]
	return known && enabled
}

// SetFeature overrides a feature flag. Critical features cannot be
// force-disabled.
func (dm *DegradationManager) SetFeature(service, feature string, enabled bool) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	svc, exists := dm.services[service]
	if !exists {
		return
	}
	if !enabled && dm.isCritical(service, feature) {
		dm.logger.Warn("Refusing to disable critical feature",
			"service", service,
			"feature", feature,
		)
		return
	}
	svc.Features[feature] = enabled
}

// GetServiceHealth returns a copy of the health record for a service
func (dm *DegradationManager) GetServiceHealth(service string) (ServiceHealth, bool) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	svc, exists := dm.services[service]
	if !exists {
		return ServiceHealth{}, false
	}

	out := *svc
	out.Features = make(map[string]bool, len(svc.Features))
	for k, v := range svc.Features {
		out.Features[k] = v
	}
	return out, true
}

func (dm *DegradationManager) mode(service string) Mode {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	if svc, exists := dm.services[service]; exists {
		return svc.Mode
	}
	return ModeFull
}

// setMode applies a mode change and recomputes feature flags.
// Callers must hold the write lock.
func (dm *DegradationManager) setMode(svc *ServiceHealth, mode Mode) {
	if svc.Mode == mode {
		return
	}

	prev := svc.Mode
	svc.Mode = mode

	for _, f := range dm.features[svc.Name] {
		switch {
		case f.Critical:
			// Critical features survive every mode but OFFLINE.
			svc.Features[f.Name] = mode < ModeOffline
		default:
			svc.Features[f.Name] = mode <= f.MinMode
		}
	}

	if dm.config.OnModeChange != nil {
		dm.config.OnModeChange(svc.Name, prev, mode)
	}

	dm.logger.Info("Service mode changed",
		"service", svc.Name,
		"from", prev.String(),
		"to", mode.String(),
		"last_error", svc.LastError,
	)
}

func (dm *DegradationManager) isCritical(service, feature string) bool {
	for _, f := range dm.features[service] {
		if f.Name == feature {
			return f.Critical
		}
	}
	return false
}

func stepDown(m Mode) Mode {
	if m >= ModeOffline {
		return ModeOffline
	}
	return m + 1
}

func stepUp(m Mode) Mode {
	if m <= ModeFull {
		return ModeFull
	}
	return m - 1
}
