package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Arteon-Labs/vault_layer/internal/apperr"
)

// envelope is the stable response shape. Error is a machine-readable code;
// Message is for humans. Internal diagnostics never leak through this shape.
type envelope struct {
	Success bool              `json:"success"`
	Data    interface{}       `json:"data,omitempty"`
	Error   string            `json:"error,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
	Warning string            `json:"warning,omitempty"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(err, apperr.CodeValidation, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeSuccessWarning(w http.ResponseWriter, status int, data interface{}, warning string) {
	writeJSON(w, status, envelope{Success: true, Data: data, Warning: warning})
}

func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	resp := envelope{Error: string(code)}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		resp.Message = appErr.Message
		resp.Details = appErr.Details
	} else {
		resp.Message = "internal error"
	}
	if code == apperr.CodeChainSubmission {
		// Node logs are operator diagnostics, not API payload.
		delete(resp.Details, "node_logs")
	}
	writeJSON(w, apperr.HTTPStatus(code), resp)
}
