package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcane-ops/sentryrun/internal/kernel"
)

func TestAggregateAnyUnhealthyWins(t *testing.T) {
	got := Aggregate([]kernel.HealthStatus{kernel.HealthHealthy, kernel.HealthDegraded, kernel.HealthUnhealthy})
	assert.Equal(t, kernel.HealthUnhealthy, got)
}

func TestAggregateDegradedWithoutUnhealthy(t *testing.T) {
	got := Aggregate([]kernel.HealthStatus{kernel.HealthHealthy, kernel.HealthDegraded})
	assert.Equal(t, kernel.HealthDegraded, got)
}

func TestAggregateAllHealthy(t *testing.T) {
	got := Aggregate([]kernel.HealthStatus{kernel.HealthHealthy, kernel.HealthHealthy})
	assert.Equal(t, kernel.HealthHealthy, got)
}

func TestAggregateEmptyIsHealthy(t *testing.T) {
	assert.Equal(t, kernel.HealthHealthy, Aggregate(nil))
}

func TestRollupReadyReflectsAggregate(t *testing.T) {
	report := Rollup(map[string]kernel.Health{
		"detector.threshold": {Status: kernel.HealthHealthy},
		"enricher.jq":         {Status: kernel.HealthUnhealthy},
	})
	assert.False(t, report.Ready())
	assert.Equal(t, kernel.HealthUnhealthy, report.Status)
}
