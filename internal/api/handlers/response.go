// Package handlers implements the webhook server's HTTP handlers.
package handlers

import (
	"encoding/json"
	"net/http"
)

// WebhookResponse is the body of every webhook reply, including errors, so
// a delivery's outcome is readable in GitHub's delivery log.
type WebhookResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Delivery outcomes.
const (
	StatusAccepted = "accepted"
	StatusIgnored  = "ignored"
	StatusPong     = "pong"
	StatusError    = "error"
)

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError replies with StatusError and reason.
func WriteError(w http.ResponseWriter, status int, reason string) {
	WriteJSON(w, status, WebhookResponse{Status: StatusError, Reason: reason})
}
