package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRequestDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/create_account", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"wallet":"0xabc"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","subaccount_id":7}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{})
	var out struct {
		Status       string `json:"status"`
		SubaccountID int64  `json:"subaccount_id"`
	}
	_, err := c.DoRequest(context.Background(), http.MethodPost, "/create_account",
		&RequestOptions{Data: map[string]string{"wallet": "0xabc"}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, int64(7), out.SubaccountID)
}

func TestDoRequestNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad wallet"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{})
	_, err := c.DoRequest(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Contains(t, se.Body, "bad wallet")
}

func TestDoRequestUnsupportedMethod(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", Options{})
	_, err := c.DoRequest(context.Background(), "PATCH", "/x", nil, nil)
	assert.Error(t, err)
}
