package insurancesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetProposalDecodesAndSendsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proposals/abc", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"abc","status":"Approved","insured_amount":"1500.50","created_at":"2024-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.TokenSource = func(context.Context) (string, error) { return "tok-1", nil }
	p, err := c.GetProposal(context.Background(), "abc")
	require.NoError(t, err)
	require.Equal(t, "Approved", p.Status)
	require.Equal(t, "1500.5", p.InsuredAmount.String())
}

func TestAPIErrorParsesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "not_found", "message": "proposal not found"}})
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetProposal(context.Background(), "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "not_found", apiErr.Code)
	require.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestDecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetProposal(context.Background(), "x")
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	require.Zero(t, StatusCode(err))
}
