// Package health is the readiness/liveness status roll-up.
package health

import "github.com/arcane-ops/sentryrun/internal/kernel"

// Aggregate returns the worst status among statuses: any unhealthy wins,
// else any degraded, else healthy. An empty input is healthy.
func Aggregate(statuses []kernel.HealthStatus) kernel.HealthStatus {
	sawDegraded := false
	for _, s := range statuses {
		if s == kernel.HealthUnhealthy {
			return kernel.HealthUnhealthy
		}
		if s == kernel.HealthDegraded {
			sawDegraded = true
		}
	}
	if sawDegraded {
		return kernel.HealthDegraded
	}
	return kernel.HealthHealthy
}

// Report is a readiness/liveness dump: overall status plus each module's
// individual health.
type Report struct {
	Status  kernel.HealthStatus           `json:"status"`
	Modules map[string]kernel.Health `json:"modules"`
}

// Rollup builds a Report from a module-id-keyed health snapshot. Live is
// independent of the aggregate status: a running process is live even when
// every module reports unhealthy.
func Rollup(modules map[string]kernel.Health) Report {
	statuses := make([]kernel.HealthStatus, 0, len(modules))
	for _, h := range modules {
		statuses = append(statuses, h.Status)
	}
	return Report{Status: Aggregate(statuses), Modules: modules}
}

// Ready reports whether the aggregate status permits serving traffic
// (anything short of unhealthy).
func (r Report) Ready() bool { return r.Status != kernel.HealthUnhealthy }
