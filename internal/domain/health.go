package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz and GET /readyz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// AuthMetrics is returned by GET /v1/metrics/auth.
type AuthMetrics struct {
	TotalOperations  int64   `json:"totalOperations"`
	FailedOperations int64   `json:"failedOperations"`
	ErrorRate        float64 `json:"errorRate"`
	LegacyFallbacks  int64   `json:"legacyFallbacks"`
	FallbackRate     float64 `json:"fallbackRate"`
	BackendSyncs     int64   `json:"backendSyncs"`
	DegradedSyncs    int64   `json:"degradedSyncs"`
	AvgSyncLatencyMs float64 `json:"avgSyncLatencyMs"`
	EventsApplied    int64   `json:"providerEventsApplied"`
	EventsDiscarded  int64   `json:"providerEventsDiscarded"`
	Phase            string  `json:"phase"`
	Period           string  `json:"period"`
}
