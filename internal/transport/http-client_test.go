package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/partdl/internal/utils"
)

func TestClientAppliesHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	client := NewClient(Config{
		UserAgent: "test-agent",
		Headers:   map[string]string{"X-Token": "static", "X-Shared": "static"},
	})
	req, err := NewRequest(context.Background(), http.MethodGet, server.URL, map[string]string{"X-Shared": "per-request", "Range": "bytes=0-9"})
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "test-agent", got.Get("User-Agent"))
	assert.Equal(t, "static", got.Get("X-Token"))
	assert.Equal(t, "per-request", got.Get("X-Shared"))
	assert.Equal(t, "bytes=0-9", got.Get("Range"))
}

func TestClientDefaultUserAgent(t *testing.T) {
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
	}))
	defer server.Close()

	client := NewClient(Config{HighThreadMode: true})
	req, err := NewRequest(context.Background(), http.MethodHead, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, utils.ToolUserAgent, agent)
}

func TestClientCancelledRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := NewRequest(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = NewClient(Config{}).Do(req)
	require.Error(t, err)
	assert.Equal(t, "", utils.ErrorKind(err))
}
