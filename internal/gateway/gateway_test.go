package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderUnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/order", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"example.com"}, req.Domains)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"order_id": "up-1",
				"status":   "pending",
				"authorizations": []map[string]string{
					{"domain": "example.com", "token": "tok-1", "status": "pending"},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	result, err := c.CreateOrder(context.Background(), OrderRequest{RequestID: "cr-1", Domains: []string{"example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "up-1", result.UpstreamID)
	require.Len(t, result.Authorizations, 1)
	assert.Equal(t, "tok-1", result.Authorizations[0].Token)
}

func TestFailureEnvelopeBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "message": "csr key too small"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	_, err := c.FinalizeOrder(context.Background(), "up-1", "bogus")
	require.Error(t, err)

	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "csr key too small", apiErr.Message)
}

func TestFinalizeProcessingFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]string{"status": "processing"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	result, err := c.FinalizeOrder(context.Background(), "up-1", "csr")
	require.NoError(t, err)
	assert.True(t, result.Processing)
}

func TestNonEnvelopeResponseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", time.Second)
	_, err := c.FetchCertificate(context.Background(), "up-1")
	require.Error(t, err)
	_, ok := IsAPIError(err)
	assert.False(t, ok, "transport-level garbage is not an APIError")
}
