package approval

import (
	"net/http"
)

type ExtractUserFn func(req *http.Request) (string, error)

type DecisionRequest struct {
	Comment        string `json:"comment"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Decision is the event delivered to the waiting node.
type Decision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}
