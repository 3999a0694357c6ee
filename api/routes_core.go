package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rom8726/helio"
)

const maxBodyBytes = 1 << 20

func RegisterCoreRoutes(mux *http.ServeMux, engine helio.IEngine, stats StatsProvider) {
	// Gateway
	mux.HandleFunc("POST /api/trigger", HandleTrigger(engine))
	mux.HandleFunc("POST /api/resume", HandleResume(engine))

	// Workflow definitions
	mux.HandleFunc("GET /api/workflows", HandleGetWorkflowDefinitions(engine))
	mux.HandleFunc("GET /api/workflows/{id}", HandleGetWorkflowDefinition(engine))

	// Workflow instances
	mux.HandleFunc("GET /api/instances", HandleGetInstances(engine))
	mux.HandleFunc("GET /api/instances/{id}", HandleGetInstance(engine))

	// Statistics
	mux.HandleFunc("GET /api/stats", HandleGetStats(stats))
}

func HandleTrigger(engine helio.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req helio.TriggerRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			WriteErrorResponse(w, fmt.Errorf("decode trigger request: %w", err), http.StatusBadRequest)

			return
		}

		instanceID, err := engine.Trigger(r.Context(), req)
		if err != nil {
			WriteError(w, err)

			return
		}

		WriteJSON(w, http.StatusAccepted, TriggerResponse{InstanceID: instanceID})
	}
}

func HandleResume(engine helio.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var req helio.ResumeRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			WriteErrorResponse(w, fmt.Errorf("decode resume request: %w", err), http.StatusBadRequest)

			return
		}

		result, err := engine.Resume(r.Context(), req)
		if err != nil {
			WriteError(w, err)

			return
		}

		WriteJSON(w, http.StatusOK, result)
	}
}

func HandleGetWorkflowDefinitions(engine helio.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		definitions, err := engine.ListDefinitions(r.Context())
		if err != nil {
			WriteError(w, err)

			return
		}
		if definitions == nil {
			definitions = []*helio.WorkflowDefinition{}
		}

		WriteJSON(w, http.StatusOK, definitions)
	}
}

// HandleGetWorkflowDefinition serves the latest version unless ?version= is given.
func HandleGetWorkflowDefinition(engine helio.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		version := 0
		if raw := r.URL.Query().Get("version"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 1 {
				WriteErrorResponse(w, fmt.Errorf("invalid version %q", raw), http.StatusBadRequest)

				return
			}
			version = v
		}

		definition, err := engine.GetDefinition(r.Context(), r.PathValue("id"), version)
		if err != nil {
			WriteError(w, err)

			return
		}

		WriteJSON(w, http.StatusOK, definition)
	}
}

func HandleGetInstances(engine helio.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		filter := helio.InstanceFilter{DefinitionID: query.Get("definition_id")}

		if raw := query.Get("status"); raw != "" {
			for _, status := range strings.Split(raw, ",") {
				filter.Statuses = append(filter.Statuses, helio.InstanceStatus(strings.TrimSpace(status)))
			}
		}
		if raw := query.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				WriteErrorResponse(w, fmt.Errorf("invalid limit %q", raw), http.StatusBadRequest)

				return
			}
			filter.Limit = limit
		}

		instances, err := engine.ListInstances(r.Context(), filter)
		if err != nil {
			WriteError(w, err)

			return
		}
		if instances == nil {
			instances = []*helio.WorkflowInstance{}
		}

		WriteJSON(w, http.StatusOK, instances)
	}
}

func HandleGetInstance(engine helio.IEngine) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			WriteErrorResponse(w, fmt.Errorf("invalid instance id: %w", err), http.StatusBadRequest)

			return
		}

		view, err := engine.GetInstanceView(r.Context(), instanceID)
		if err != nil {
			WriteError(w, err)

			return
		}

		WriteJSON(w, http.StatusOK, view)
	}
}

func HandleGetStats(stats StatsProvider) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := stats.GetSummaryStats(r.Context())
		if err != nil {
			WriteError(w, err)

			return
		}

		WriteJSON(w, http.StatusOK, summary)
	}
}
