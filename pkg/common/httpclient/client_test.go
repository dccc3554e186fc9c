package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xt-ml/xt/pkg/common/xterr"
)

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return xterr.Service("bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRetriesTransientError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return xterr.MarkTransient(xterr.Service("throttled"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoJSONClassifiesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(time.Second)
	var out struct {
		OK bool `json:"ok"`
	}
	err := DoJSON(context.Background(), client, http.MethodGet, srv.URL, nil, nil, &out)
	require.Error(t, err)
	assert.True(t, xterr.IsTransient(err))

	err = Retry(context.Background(), 3, time.Millisecond, func() error {
		return DoJSON(context.Background(), client, http.MethodGet, srv.URL, nil, nil, &out)
	})
	require.NoError(t, err)
	assert.True(t, out.OK)
}
