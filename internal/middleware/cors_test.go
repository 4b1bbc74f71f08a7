package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serve(origins []string, method, origin string, preflight bool) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/api/v1/sessions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORSExplicitOriginGetsCredentials(t *testing.T) {
	rec := serve([]string{"https://app.example"}, http.MethodGet, "https://app.example", false)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	rec := serve([]string{"*"}, http.MethodGet, "https://elsewhere.example", false)
	assert.Equal(t, "https://elsewhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSUnknownOrigin(t *testing.T) {
	rec := serve([]string{"https://app.example"}, http.MethodGet, "https://evil.example", false)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	rec := serve([]string{"https://app.example"}, http.MethodOptions, "https://app.example", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	// A bare OPTIONS without preflight headers reaches the handler.
	rec = serve([]string{"https://app.example"}, http.MethodOptions, "https://app.example", false)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCORSSameOriginUntouched(t *testing.T) {
	rec := serve([]string{"https://app.example"}, http.MethodGet, "", false)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Vary"))
}
