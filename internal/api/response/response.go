// Package response writes the API's JSON envelope. Every body carries a
// success flag; errors add a kind and a human-readable message.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/edvin/certmgr/internal/model"
)

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Kind    model.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteOK writes {"success": true} merged with the payload fields.
func WriteOK(w http.ResponseWriter, status int, payload map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// WriteError maps the error's kind to an HTTP status and writes
// {"success": false, "error": {kind, message}}.
func WriteError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeJSON(w, StatusOf(kind), map[string]any{
		"success": false,
		"error":   ErrorBody{Kind: kind, Message: err.Error()},
	})
}

// WriteBadRequest reports a malformed or invalid request body.
func WriteBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"success": false,
		"error":   ErrorBody{Kind: model.KindInvalidRequest, Message: message},
	})
}

// WriteKind writes an error envelope with an explicit status.
func WriteKind(w http.ResponseWriter, status int, kind model.ErrorKind, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   ErrorBody{Kind: kind, Message: message},
	})
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind model.ErrorKind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAmbiguous, model.KindConflict, model.KindCancelled:
		return http.StatusConflict
	case model.KindInvalidDomain, model.KindInvalidRequest:
		return http.StatusBadRequest
	case model.KindPassphraseRequired:
		return http.StatusLocked
	case model.KindAcme, model.KindDockerUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
