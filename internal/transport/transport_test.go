package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/transport"
)

func fastOptions() transport.Options {
	return transport.Options{MaxRetries: 2, InitialInterval: time.Millisecond, RequestTimeout: time.Second, MaxIdleConns: 4}
}

func TestClientPutSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := transport.NewClient(fastOptions(), zerolog.Nop())
	err := c.Put(context.Background(), srv.Listener.Addr().String(), "abc", []byte("data"))
	require.NoError(t, err)
}

func TestClientPutDigestMismatchNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error_string": "digest mismatch"})
	}))
	defer srv.Close()

	c := transport.NewClient(fastOptions(), zerolog.Nop())
	err := c.Put(context.Background(), srv.Listener.Addr().String(), "abc", []byte("data"))
	require.ErrorIs(t, err, model.ErrIntegrityViolation)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClientPutRetriesOn500(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	c := transport.NewClient(fastOptions(), zerolog.Nop())
	err := c.Put(context.Background(), srv.Listener.Addr().String(), "abc", []byte("data"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestClientGetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"found": false})
	}))
	defer srv.Close()

	c := transport.NewClient(fastOptions(), zerolog.Nop())
	_, err := c.Get(context.Background(), srv.Listener.Addr().String(), "abc")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestClientGetFromAnyReturnsFirstSuccess(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"found": true, "data": []byte("payload")})
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := transport.NewClient(fastOptions(), zerolog.Nop())
	data, err := c.GetFromAny(context.Background(), []string{bad.Listener.Addr().String(), good.Listener.Addr().String()}, "abc")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestClientGetFromAnyAllFailReturnsInsufficientReplicas(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := transport.NewClient(transport.Options{MaxRetries: 1, InitialInterval: time.Millisecond, RequestTimeout: time.Second}, zerolog.Nop())
	_, err := c.GetFromAny(context.Background(), []string{bad.Listener.Addr().String()}, "abc")
	require.ErrorIs(t, err, model.ErrInsufficientReplicas)
}

func TestClientPutToManyReportsPerAddressResult(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	c := transport.NewClient(transport.Options{MaxRetries: 1, InitialInterval: time.Millisecond, RequestTimeout: time.Second}, zerolog.Nop())
	results := c.PutToMany(context.Background(), []string{good.Listener.Addr().String(), bad.Listener.Addr().String()}, "abc", []byte("data"))

	require.Len(t, results, 2)
	var successes int
	for _, r := range results {
		if r.Err == nil {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}
