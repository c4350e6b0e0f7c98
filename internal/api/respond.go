package api

import (
	"encoding/json"
	"net/http"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeError maps err onto the taxonomy. Processor details never reach the
// client.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: apperror.UserMessage(err)}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		resp.Kind = string(appErr.Kind)
		resp.Code = appErr.Code
	}
	writeJSON(w, apperror.HTTPStatus(err), resp)
}
