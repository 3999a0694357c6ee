package helio

import (
	"context"
	"time"
)

type Monitor struct {
	store Store
}

func NewMonitor(store Store) *Monitor {
	return &Monitor{store: store}
}

func (m *Monitor) GetSummaryStats(ctx context.Context) (*SummaryStats, error) {
	return m.store.GetSummaryStats(ctx)
}

type ActiveInstance struct {
	InstanceID   int64          `json:"instance_id"`
	DefinitionID string         `json:"definition_id"`
	Version      int            `json:"version"`
	Status       InstanceStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	Duration     time.Duration  `json:"duration"`
	ActiveNodes  []string       `json:"active_nodes"`
	WaitingKeys  []string       `json:"waiting_keys,omitempty"`
}

// GetActiveInstances lists instances that are running or paused.
func (m *Monitor) GetActiveInstances(ctx context.Context, limit int) ([]ActiveInstance, error) {
	instances, err := m.store.ListInstances(ctx, InstanceFilter{
		Statuses: []InstanceStatus{StatusRunning, StatusPaused},
		Limit:    limit,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	active := make([]ActiveInstance, 0, len(instances))
	for _, instance := range instances {
		item := ActiveInstance{
			InstanceID:   instance.ID,
			DefinitionID: instance.DefinitionID,
			Version:      instance.DefinitionVersion,
			Status:       instance.Status,
			CreatedAt:    instance.CreatedAt,
			Duration:     now.Sub(instance.CreatedAt),
			ActiveNodes:  instance.State.Active,
		}
		for _, waiting := range instance.State.Waiting {
			item.WaitingKeys = append(item.WaitingKeys, waiting.CorrelationKey)
		}
		active = append(active, item)
	}

	return active, nil
}
