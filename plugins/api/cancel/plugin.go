package cancel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rom8726/helio"
	"github.com/rom8726/helio/api"
)

var _ api.Plugin = (*Plugin)(nil)

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

func (p *Plugin) Name() string { return "cancel" }

func (p *Plugin) Description() string { return "Cancel a workflow instance" }

func (p *Plugin) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/instances/{id}/cancel", HandleCancelInstance(p.engine, p.extractUserFn))
}

func HandleCancelInstance(engine helio.IEngine, extractUserFn ExtractUserFn) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			api.WriteErrorResponse(w, fmt.Errorf("invalid instance id: %w", err), http.StatusBadRequest)

			return
		}

		var req CancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			api.WriteErrorResponse(w, fmt.Errorf("decode cancel request: %w", err), http.StatusBadRequest)

			return
		}

		reason := req.Reason
		if extractUserFn != nil {
			user, err := extractUserFn(r)
			if err != nil {
				api.WriteError(w, err)

				return
			}
			if user != "" {
				reason = fmt.Sprintf("%s (by %s)", reason, user)
			}
		}

		if err := engine.Cancel(r.Context(), instanceID, reason); err != nil {
			api.WriteError(w, err)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}
