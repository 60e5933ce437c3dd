package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)

	_, err = NewClient(Config{BaseURL: "not-a-url"})
	require.Error(t, err)

	c, err := NewClient(Config{BaseURL: "https://dbp.example/api"})
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestClient_DoWithClientCredentials(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("POST /api/v1/echo", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["value"]})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL: srv.URL + "/api",
		Auth:    AuthConfig{TokenURL: srv.URL + "/oauth/token", ClientID: "id", ClientSecret: "secret"},
	})
	require.NoError(t, err)

	var out map[string]string
	err = c.Do(context.Background(), http.MethodPost, "v1/echo", url.Values{"a": {"1"}}, map[string]string{"value": "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["echo"])
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/v1/echo", gotPath)
	assert.Equal(t, "a=1", gotQuery)
}

func TestClient_DoErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	})
	mux.HandleFunc("GET /broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	plain, err := NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	err = plain.Do(context.Background(), http.MethodGet, "broken", nil, nil, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)

	authed, err := NewClient(Config{BaseURL: srv.URL, Auth: AuthConfig{TokenURL: srv.URL + "/oauth/token"}})
	require.NoError(t, err)
	err = authed.Do(context.Background(), http.MethodGet, "broken", nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoAuthToken)
}
