package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker_HealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.True(t, result.Duration > 0, "expected positive duration")
}

func TestHTTPChecker_UnhealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).Check(context.Background())
	assert.False(t, result.Healthy)
}

func TestHTTPChecker_ExpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithStatus(http.StatusNoContent)
	assert.True(t, checker.Check(context.Background()).Healthy)

	checker = NewHTTPChecker(server.URL).WithStatus(http.StatusOK)
	assert.False(t, checker.Check(context.Background()).Healthy)
}

func TestHTTPChecker_ExpectedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithBody(`"status":"ok"`)
	assert.True(t, checker.Check(context.Background()).Healthy)

	checker = NewHTTPChecker(server.URL).WithBody("ready")
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "expected signal")
}

func TestHTTPChecker_UnreachableEndpoint(t *testing.T) {
	result := NewHTTPChecker("http://127.0.0.1:1/none").Check(context.Background())
	assert.False(t, result.Healthy)
}
