package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rom8726/helio"
	"github.com/rom8726/helio/api"
)

var _ api.Plugin = (*Plugin)(nil)

// Plugin resumes instances paused on an approval correlation key with an
// approve or reject decision.
type Plugin struct {
	engine        helio.IEngine
	extractUserFn ExtractUserFn
}

func New(engine helio.IEngine, extractUserFn ExtractUserFn) *Plugin {
	return &Plugin{
		engine:        engine,
		extractUserFn: extractUserFn,
	}
}

func (p *Plugin) Name() string { return "approval" }

func (p *Plugin) Description() string { return "Approve or reject a paused workflow" }

func (p *Plugin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/approvals/{key}/approve", HandleDecision(p.engine, p.extractUserFn, true))
	mux.HandleFunc("POST /api/approvals/{key}/reject", HandleDecision(p.engine, p.extractUserFn, false))
}

func HandleDecision(
	engine helio.IEngine,
	extractUserFn ExtractUserFn,
	approved bool,
) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		if key == "" {
			api.WriteErrorResponse(w, errors.New("correlation key is required"), http.StatusBadRequest)

			return
		}

		var req DecisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			api.WriteErrorResponse(w, fmt.Errorf("decode decision: %w", err), http.StatusBadRequest)

			return
		}

		decision := Decision{Approved: approved, Comment: req.Comment}
		if extractUserFn != nil {
			user, err := extractUserFn(r)
			if err != nil {
				api.WriteError(w, err)

				return
			}
			decision.DecidedBy = user
		}

		event, err := json.Marshal(decision)
		if err != nil {
			api.WriteErrorResponse(w, err, http.StatusInternalServerError)

			return
		}

		result, err := engine.Resume(r.Context(), helio.ResumeRequest{
			CorrelationKey: key,
			Event:          event,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			api.WriteError(w, err)

			return
		}

		api.WriteJSON(w, http.StatusOK, result)
	}
}
