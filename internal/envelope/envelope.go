// Package envelope is the JSON wrapper every gateway and plugin response
// travels in.
package envelope

import (
	"encoding/json"
	"net/http"
)

// Envelope wraps a response body.
type Envelope struct {
	Response     interface{} `json:"api_response"`
	ErrorMessage string      `json:"api_error_message"`
	Warning      []string    `json:"api_warning"`
	StatusCode   int         `json:"api_status_code"`
}

// Raw is an Envelope whose response is left undecoded.
type Raw struct {
	Response     json.RawMessage `json:"api_response"`
	ErrorMessage string          `json:"api_error_message"`
	Warning      []string        `json:"api_warning"`
	StatusCode   int             `json:"api_status_code"`
}

// Write sends response wrapped in an envelope with status.
func Write(w http.ResponseWriter, status int, response interface{}, warnings ...string) {
	writeEnvelope(w, Envelope{Response: response, StatusCode: status, Warning: warnings})
}

// Error sends an error envelope. response may carry a structured failure
// alongside the message.
func Error(w http.ResponseWriter, status int, message string, response interface{}) {
	writeEnvelope(w, Envelope{Response: response, ErrorMessage: message, StatusCode: status})
}

// NoContent sends a bare 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	if env.Warning == nil {
		env.Warning = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.StatusCode)
	_ = json.NewEncoder(w).Encode(env)
}
