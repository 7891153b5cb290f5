package pushclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmdatafocus/vendsync/appctx"
	"github.com/mmdatafocus/vendsync/reconcile"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPush(t *testing.T) {
	var gotPath, gotKey, gotCorrelation, gotMethod string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.EscapedPath()
		gotKey = r.Header.Get("X-Vendor-Key")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", APIKeyHeader: "X-Vendor-Key", RatePerMinute: 6000})
	require.NoError(t, err)

	ctx := appctx.WithCorrelationId(context.Background(), "corr-1")
	err = c.Push(ctx, reconcile.PushRequest{MachineId: "M 1", ItemCode: "A3", Price: decimal.RequireFromString("2.50"), Available: true})
	require.NoError(t, err)

	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/v1/machines/M%201/items/A3", gotPath)
	require.Equal(t, "secret", gotKey)
	require.Equal(t, "corr-1", gotCorrelation)
	require.Equal(t, "2.5", gotBody["price"])
	require.Equal(t, true, gotBody["available"])
}

func TestPush_VendorError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown machine", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)
	err = c.Push(context.Background(), reconcile.PushRequest{MachineId: "M1", ItemCode: "A3"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
	require.Contains(t, err.Error(), "unknown machine")
}

func TestPush_RateLimitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: "secret", RatePerMinute: 1})
	require.NoError(t, err)
	require.NoError(t, c.Push(context.Background(), reconcile.PushRequest{MachineId: "M1", ItemCode: "A3"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.Push(ctx, reconcile.PushRequest{MachineId: "M1", ItemCode: "A3"}))
}

func TestNew_RequiresBaseURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "http://x"})
	require.Error(t, err)
}
