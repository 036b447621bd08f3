package httpexec_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/nodeflow/pkg/httpexec"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T) *httpexec.Pooled {
	t.Helper()

	executor, err := httpexec.NewPooled(httpexec.Config{}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(executor.Close)

	return executor
}

func TestPooled_Execute(t *testing.T) {
	var seen *http.Request

	var seenBody map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r

		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &seenBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	executor := newExecutor(t)

	out, err := executor.Execute(context.Background(), &httpexec.Request{
		Method:  "post",
		URL:     server.URL + "/orders?source=test",
		Headers: map[string]string{"X-Trace": "abc"},
		Query:   map[string]string{"id": "42"},
		Body:    map[string]any{"amount": 10},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, http.MethodPost, seen.Method)
	assert.Equal(t, "/orders", seen.URL.Path)
	assert.Equal(t, "42", seen.URL.Query().Get("id"))
	assert.Equal(t, "test", seen.URL.Query().Get("source"))
	assert.Equal(t, "abc", seen.Header.Get("X-Trace"))
	assert.Equal(t, "application/json", seen.Header.Get("Content-Type"))
	assert.Equal(t, map[string]any{"amount": 10.0}, seenBody)
}

func TestPooled_ResponseBodies(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    any
	}{
		{name: "json object", payload: `{"a":1}`, want: map[string]any{"a": 1.0}},
		{name: "json list", payload: `[1,2]`, want: []any{1.0, 2.0}},
		{name: "plain text", payload: `hello`, want: "hello"},
		{name: "empty", payload: ``, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			out, err := newExecutor(t).Execute(context.Background(), &httpexec.Request{URL: server.URL})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestPooled_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	_, err := newExecutor(t).Execute(context.Background(), &httpexec.Request{URL: server.URL})
	require.Error(t, err)

	var httpErr *httpexec.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, "upstream down", httpErr.Body)
	assert.True(t, httpexec.IsHTTPError(err))
}

func TestPooled_Timeout(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := newExecutor(t).Execute(context.Background(), &httpexec.Request{
		URL:     server.URL + "/slow",
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, models.IsTimeoutError(err))

	var timeoutErr *models.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Duration)
	assert.Contains(t, timeoutErr.Channel, "/slow")
}

func TestPooled_OneClientPerHost(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	first := httptest.NewServer(handler)
	defer first.Close()

	second := httptest.NewServer(handler)
	defer second.Close()

	executor := newExecutor(t)

	for _, u := range []string{first.URL + "/a", first.URL + "/b", second.URL} {
		_, err := executor.Execute(context.Background(), &httpexec.Request{URL: u})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, executor.Hosts())
}

func TestPooled_InvalidURL(t *testing.T) {
	_, err := newExecutor(t).Execute(context.Background(), &httpexec.Request{URL: "not a url"})
	require.ErrorIs(t, err, httpexec.ErrInvalidRequest)
}
