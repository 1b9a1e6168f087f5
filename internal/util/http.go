package util

import (
	"encoding/json"
	"net/http"
	"strconv"
)

type APIError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RequestID         string `json:"request_id,omitempty"`
	RetryAfter        *int   `json:"retry_after,omitempty"`
	RemainingAttempts *int   `json:"remaining_attempts,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg, reqID string) {
	WriteJSON(w, status, APIError{Code: code, Message: msg, RequestID: reqID})
}

// WriteAPIError writes e and mirrors RetryAfter into the Retry-After header.
func WriteAPIError(w http.ResponseWriter, status int, e APIError) {
	if e.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*e.RetryAfter))
	}
	WriteJSON(w, status, e)
}
