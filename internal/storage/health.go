package storage

import "encoding/json"

// HealthStatus grades a layer's availability. The numeric order matters:
// aggregation takes the worst status across layers.
type HealthStatus int

const (
	StatusHealthy HealthStatus = iota
	StatusDegraded
	StatusUnavailable
)

func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the status as its string form for the health API.
func (s HealthStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// HealthReport is one layer's on-demand health answer.
type HealthReport struct {
	LayerID string            `json:"layer_id"`
	Status  HealthStatus      `json:"status"`
	Message string            `json:"message,omitempty"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// EngineHealth aggregates every layer report under a worst-of overall
// status: one unavailable layer marks the engine unavailable even when the
// rest are fine, which is what a load balancer needs to know.
type EngineHealth struct {
	Overall HealthStatus   `json:"overall"`
	Layers  []HealthReport `json:"layers"`
}

func worstOf(reports []HealthReport) HealthStatus {
	worst := StatusHealthy
	for _, r := range reports {
		if r.Status > worst {
			worst = r.Status
		}
	}
	return worst
}
