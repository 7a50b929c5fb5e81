package types

import (
	"context"
	"time"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnknown   HealthStatus = "unknown"
	StatusUnhealthy HealthStatus = "unhealthy"
)

type HealthManager interface {
	LifecycleManager
	RegisterChecker(name string, checker HealthChecker)
	Check(ctx context.Context) HealthReport
}

// HealthChecker reports on one component. Name and Duration are filled in
// by the manager.
type HealthChecker func(ctx context.Context) HealthCheck

type HealthCheck struct {
	Name     string                 `json:"name"`
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Duration time.Duration          `json:"duration"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// HealthReport carries the worst status among its checks.
type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    time.Duration          `json:"uptime"`
	Service   ServiceInfo            `json:"service"`
	Checks    map[string]HealthCheck `json:"checks"`
}

type ServiceInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
}
