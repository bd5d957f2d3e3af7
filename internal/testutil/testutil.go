// Package testutil provides HTTP helpers shared by handler tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// Serve sends a request for target through h and returns the recorder.
func Serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

// Get is Serve with GET.
func Get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	return Serve(t, h, http.MethodGet, target)
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

// DecodeJSON unmarshals the response body into v, failing the test on error.
func DecodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}
