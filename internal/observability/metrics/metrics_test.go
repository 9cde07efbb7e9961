package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/api/v1/verifications", "/api/v1/verifications"},
		{"/api/v1/verifications/", "/api/v1/verifications"},
		{"/api/v1/verifications/6f0a3c2e-1b7d-4c53-9a53-2f8e0f6f2d11", "/api/v1/verifications/{id}"},
		{"/api/v1/verifications/6f0a3c2e-1b7d-4c53-9a53-2f8e0f6f2d11/claim", "/api/v1/verifications/{id}/claim"},
		{"/api/v1/verifications/6f0a3c2e-1b7d-4c53-9a53-2f8e0f6f2d11/plot", "/api/v1/verifications/{id}/plot"},
		{"/other/thing", "/other/thing"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.path))
		})
	}
}

func TestIsLikelyID(t *testing.T) {
	assert.True(t, isLikelyID("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	assert.True(t, isLikelyID("12345"))
	assert.False(t, isLikelyID("claim"))
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	Init(false, "terraverify")

	Submission("created")
	VerifierCall("verified")
	Claim("claimed", time.Second)
	ConsistencyError()
	SweepAction("claimed", 1)
	Sweep(time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	called := false
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
