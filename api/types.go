package api

import (
	"context"
	"net/http"

	"github.com/rom8726/helio"
)

type Plugin interface {
	Name() string
	Description() string
	RegisterRoutes(mux *http.ServeMux)
}

type StatsProvider interface {
	GetSummaryStats(ctx context.Context) (*helio.SummaryStats, error)
}

type TriggerResponse struct {
	InstanceID int64 `json:"instance_id"`
}
