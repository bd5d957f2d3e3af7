// Package httputil holds the response and query helpers shared by the
// monitor handlers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/banshee-data/pulse.report/internal/monitoring"
)

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Opsf("failed to encode json response: %v", err)
	}
}

// WriteJSONOK writes a 200 JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

// WriteBody writes a pre-rendered body (chart HTML, PNG, CSV) with its
// content type.
func WriteBody(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write(body); err != nil {
		monitoring.Tracef("write %s response: %v", contentType, err)
	}
}

// GetOnly rejects every method other than GET and HEAD with a 405.
func GetOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

// IntQuery parses a bounded integer query parameter. It returns def when
// the parameter is missing, malformed or outside [lo, hi].
func IntQuery(r *http.Request, name string, def, lo, hi int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return def
	}
	return n
}
