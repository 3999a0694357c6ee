package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rom8726/helio"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

func WriteErrorResponse(writer http.ResponseWriter, err error, statusCode int) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	resp := ErrorResponse{Message: err.Error()}
	_ = json.NewEncoder(writer).Encode(resp)
}

// WriteError maps engine errors to HTTP status codes.
func WriteError(writer http.ResponseWriter, err error) {
	WriteErrorResponse(writer, err, StatusFromError(err))
}

func StatusFromError(err error) int {
	var (
		schemaErr *helio.SchemaMismatchError
		stateErr  *helio.WrongStateError
	)

	switch {
	case errors.As(err, &schemaErr), errors.Is(err, helio.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, helio.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.As(err, &stateErr),
		errors.Is(err, helio.ErrDefinitionExists),
		errors.Is(err, helio.ErrCorrelationKeyInUse),
		errors.Is(err, helio.ErrLeaseBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func WriteJSON(writer http.ResponseWriter, statusCode int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	_ = json.NewEncoder(writer).Encode(v)
}
