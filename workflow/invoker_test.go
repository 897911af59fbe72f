package workflow

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPInvoker_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/json":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.JSONEq(t, `{"q":1}`, string(body))
			w.Header().Set("X-Trace", "abc")
			_, _ = w.Write([]byte(`{"ok":true}`))
		case "/text":
			_, _ = w.Write([]byte("plain"))
		case "/auth":
			w.WriteHeader(http.StatusUnauthorized)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.Client(), nil)
	call := func(ctx context.Context, node HTTPRequestNode) (any, error) {
		return inv.Invoke(ctx, InvokeRequest{NodeID: "n", Kind: node})
	}

	t.Run("json body", func(t *testing.T) {
		out, err := call(context.Background(), HTTPRequestNode{Method: "post", URL: srv.URL + "/json", Body: `{"q":1}`})
		require.NoError(t, err)
		resp := out.(map[string]any)
		assert.Equal(t, map[string]any{"ok": true}, resp["body"])
		assert.Equal(t, "abc", resp["headers"].(map[string]any)["X-Trace"])
	})

	t.Run("text body", func(t *testing.T) {
		out, err := call(context.Background(), HTTPRequestNode{URL: srv.URL + "/text"})
		require.NoError(t, err)
		assert.Equal(t, "plain", out.(map[string]any)["body"])
	})

	t.Run("status classified", func(t *testing.T) {
		_, err := call(context.Background(), HTTPRequestNode{URL: srv.URL + "/auth"})
		assert.Equal(t, types.ErrAuthentication, types.GetErrorCode(err))
		assert.False(t, types.IsRetryable(err))
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := call(ctx, HTTPRequestNode{URL: srv.URL + "/slow"})
		assert.Equal(t, types.CategoryTimeout, types.CategoryOf(err))
	})

	t.Run("cancel passes through", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := call(ctx, HTTPRequestNode{URL: srv.URL + "/text"})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("wrong kind", func(t *testing.T) {
		_, err := inv.Invoke(context.Background(), InvokeRequest{Kind: JoinNode{}})
		assert.Equal(t, types.ErrInvalidNode, types.GetErrorCode(err))
	})
}

func TestHTTPInvoker_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPInvoker(nil, nil).Invoke(context.Background(), InvokeRequest{Kind: HTTPRequestNode{URL: url}})
	assert.Equal(t, types.ErrNetwork, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestHTTPInvoker_OversizedBodyFails(t *testing.T) {
	old := maxHTTPBody
	maxHTTPBody = 16
	t.Cleanup(func() { maxHTTPBody = old })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/exact" {
			_, _ = w.Write([]byte(strings.Repeat("x", 16)))
			return
		}
		_, _ = w.Write([]byte(strings.Repeat("x", 17)))
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(nil, nil)
	out, err := inv.Invoke(context.Background(), InvokeRequest{Kind: HTTPRequestNode{URL: srv.URL + "/exact"}})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 16), out.(map[string]any)["body"])

	_, err = inv.Invoke(context.Background(), InvokeRequest{Kind: HTTPRequestNode{URL: srv.URL + "/big"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrExecution, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}
