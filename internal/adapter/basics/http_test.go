package basics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"code":"600519","name":"Kweichow Moutai","market_type":"a_share","industry":"beverages"},
			{"code":"","name":"row without code is skipped"},
			{"code":"000001","name":"Ping An Bank","market_type":"a_share"}
		]`))
	}))
	defer srv.Close()

	got, err := NewHTTPProvider(srv.URL).FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "600519", got[0].Code)
	assert.Equal(t, "beverages", got[0].Industry)
	assert.False(t, got[0].UpdatedAt.IsZero())
}

func TestFetchAll_SourceErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPProvider(srv.URL).FetchAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer bad.Close()

	_, err = NewHTTPProvider(bad.URL).FetchAll(context.Background())
	assert.Error(t, err)
}
