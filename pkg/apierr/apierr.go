// Package apierr provides the JSON error envelope returned by the HTTP
// boundary.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Additional holds any extra, handler-specific error detail.
type Additional interface{}

// Response is the JSON body written on every non-2xx response.
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Additional must be json serializable or expect errors.
	Additional `json:"additional,omitempty"`
}

// Error works like http.Error but uses Response as the body. Like
// http.Error, callers still need a naked return in the handler.
func Error(w http.ResponseWriter, r *Response, httpcode int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(httpcode)
	b, _ := json.Marshal(r)
	w.Write(b)
}
