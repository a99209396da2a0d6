package matrix

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pierre-Graber/optimizer-api/internal/model"
)

var (
	paris = model.Location{Lat: 48.8566, Lon: 2.3522}
	lyon  = model.Location{Lat: 45.7640, Lon: 4.8357}
)

func noBackoff(int) time.Duration { return 0 }

func TestHTTPRouterQueryAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/matrix.json", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "48.8566,2.3522,45.764,4.8357", q.Get("src"))
		assert.Empty(t, q.Get("dst"))
		assert.Equal(t, "truck", q.Get("mode"))
		assert.Equal(t, "time_distance", q.Get("dimensions"))
		assert.Equal(t, "secret", q.Get("api_key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matrix_time":[[0,100],[null,0]],"matrix_distance":[[0,1000],[1100,0]]}`))
	}))
	defer srv.Close()

	r := NewHTTPRouter(srv.URL+"/", "secret", 0, 0)
	tb, err := r.Matrix(context.Background(), Request{Mode: "truck", Dimensions: []string{DimTime, DimDistance}, Src: []model.Location{paris, lyon}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 100}, {model.Unreachable, 0}}, tb.Time)
	assert.Equal(t, [][]float64{{0, 1000}, {1100, 0}}, tb.Distance)
}

func TestHTTPRouterRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"matrix_time":[[0,5],[5,0]]}`))
	}))
	defer srv.Close()

	r := NewHTTPRouter(srv.URL, "", 0, 0)
	r.Backoff = noBackoff
	tb, err := r.Matrix(context.Background(), Request{Mode: "car", Dimensions: []string{DimTime}, Src: []model.Location{paris, lyon}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 5.0, tb.Time[0][1])
}

func TestHTTPRouterTypedError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"out of supported area"}`))
	}))
	defer srv.Close()

	r := NewHTTPRouter(srv.URL, "", 0, 0)
	r.Backoff = noBackoff
	_, err := r.Matrix(context.Background(), Request{Mode: "car", Dimensions: []string{DimTime}, Src: []model.Location{paris, lyon}})
	require.Error(t, err)
	var rerr *RouterError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusUnprocessableEntity, rerr.Status)
	assert.Equal(t, "out of supported area", rerr.Message)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPRouterSinglePointSkipsNetwork(t *testing.T) {
	r := NewHTTPRouter("http://127.0.0.1:1", "", 0, 0)
	tb, err := r.Matrix(context.Background(), Request{Mode: "car", Dimensions: []string{DimTime, DimDistance}, Src: []model.Location{paris}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0}}, tb.Time)
	assert.Equal(t, [][]float64{{0}}, tb.Distance)
}

func TestHTTPRouterCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewHTTPRouter(srv.URL, "", 0, 0)
	r.Backoff = func(int) time.Duration { cancel(); return time.Hour }
	_, err := r.Matrix(ctx, Request{Mode: "car", Dimensions: []string{DimTime}, Src: []model.Location{paris, lyon}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHaversineRouter(t *testing.T) {
	tb, err := Haversine{}.Matrix(context.Background(), Request{Mode: "bicycle", Dimensions: []string{DimTime, DimDistance}, Src: []model.Location{paris, lyon}})
	require.NoError(t, err)
	d := tb.Distance[0][1]
	assert.InDelta(t, 392000, d, 5000)
	assert.Equal(t, tb.Distance[0][1], tb.Distance[1][0])
	assert.Zero(t, tb.Distance[0][0])
	assert.InDelta(t, d/Speeds["bicycle"], tb.Time[0][1], 1)
}
