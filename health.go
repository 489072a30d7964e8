package modhost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultHealthTimeout bounds a single module check.
const DefaultHealthTimeout = 5 * time.Second

// HealthStatus is the health of one module or of the whole registry.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// IsHealthy returns true if the status represents a healthy state
func (s HealthStatus) IsHealthy() bool {
	return s == HealthStatusHealthy
}

func (s HealthStatus) rank() int {
	switch s {
	case HealthStatusHealthy:
		return 0
	case HealthStatusDegraded:
		return 1
	case HealthStatusUnhealthy:
		return 2
	default:
		return 3
	}
}

// HealthChecker is implemented by components that can probe their own
// dependencies. A nil error means healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthReport is the result of checking one module.
type HealthReport struct {
	Module    string       `json:"module"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checkedAt"`

	// Optional reports do not count towards readiness. A module is optional
	// while it is not active.
	Optional bool           `json:"optional"`
	Details  map[string]any `json:"details,omitempty"`
}

// AggregatedHealth combines the reports of every registered module.
// Health is the worst status of all reports, Readiness the worst status of
// the non-optional ones.
type AggregatedHealth struct {
	Readiness   HealthStatus   `json:"readiness"`
	Health      HealthStatus   `json:"health"`
	Reports     []HealthReport `json:"reports"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// Health checks every registered module concurrently.
//
// A module in the error state is unhealthy without being probed. Otherwise
// its component's HealthCheck is used when it has one, then the API client's
// /health probe. A failed client probe is reported as degraded since
// fallback endpoints may still serve. Modules with neither are healthy.
func (r *Registry) Health(ctx context.Context) AggregatedHealth {
	r.mu.RLock()
	targets := make([]ModuleInstance, 0, len(r.order))
	for _, id := range r.order {
		targets = append(targets, r.modules[id].snapshot())
	}
	r.mu.RUnlock()

	reports := make([]HealthReport, len(targets))
	var g errgroup.Group
	for i, inst := range targets {
		i, inst := i, inst
		g.Go(func() error {
			reports[i] = r.checkModule(ctx, inst)
			return nil
		})
	}
	_ = g.Wait()

	agg := AggregatedHealth{
		Readiness:   HealthStatusHealthy,
		Health:      HealthStatusHealthy,
		Reports:     reports,
		GeneratedAt: r.now(),
	}
	for _, rep := range reports {
		agg.Health = worstStatus(agg.Health, rep.Status)
		if !rep.Optional {
			agg.Readiness = worstStatus(agg.Readiness, rep.Status)
		}
	}
	return agg
}

func (r *Registry) checkModule(ctx context.Context, inst ModuleInstance) (report HealthReport) {
	id := inst.Config.ID
	report = HealthReport{
		Module:    id,
		Status:    HealthStatusHealthy,
		CheckedAt: r.now(),
		Optional:  !inst.IsActive,
	}
	defer func() {
		if rec := recover(); rec != nil {
			report.Status = HealthStatusUnhealthy
			report.Message = fmt.Sprintf("health check panicked: %v", rec)
			r.logger.Error("Module health check panicked", "module", id, "panic", rec)
		}
	}()

	if inst.Error != nil {
		report.Status = HealthStatusUnhealthy
		report.Message = inst.Error.Error()
		return report
	}

	cctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	if hc, ok := inst.Component.(HealthChecker); ok {
		if err := hc.HealthCheck(cctx); err != nil {
			report.Status = HealthStatusUnhealthy
			if errors.Is(err, context.DeadlineExceeded) {
				report.Status = HealthStatusUnknown
			}
			report.Message = err.Error()
		}
		return report
	}
	if inst.Client != nil {
		report.Details = map[string]any{"endpoint": inst.Config.Endpoints.Primary}
		if !inst.Client.HealthCheck(cctx) {
			report.Status = HealthStatusDegraded
			report.Message = "health endpoint unreachable"
		}
	}
	return report
}

// worstStatus orders healthy < degraded < unhealthy < unknown.
func worstStatus(a, b HealthStatus) HealthStatus {
	if a.rank() >= b.rank() {
		return a
	}
	return b
}
