package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeClient struct {
	v     float64
	err   error
	calls int
}

func (f *fakeClient) EstimateSeconds(context.Context, models.Point, models.Point) (float64, error) {
	f.calls++
	return f.v, f.err
}

func TestEstimatorUsesCacheThenClient(t *testing.T) {
	c := &fakeClient{v: 120}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}
	from, to := models.Point{Lat: 0, Lng: 0}, models.Point{Lat: 0.01, Lng: 0}
	if got := e.Estimate(context.Background(), from, to); got != 120 {
		t.Fatalf("expected client value, got %f", got)
	}
	if got := e.Estimate(context.Background(), from, to); got != 120 {
		t.Fatalf("expected cached value, got %f", got)
	}
	if c.calls != 1 {
		t.Fatalf("expected one client call, got %d", c.calls)
	}
}

func TestEstimatorFallsBackToNaive(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	from, to := models.Point{}, models.Point{Lat: 0.01}
	got := e.Estimate(context.Background(), from, to)
	want := EstimateSeconds(from, to, 10)
	if got != want || got <= 0 {
		t.Fatalf("expected naive %f, got %f", want, got)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5}]}`)
	}))
	defer srv.Close()
	got, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Point{}, models.Point{Lat: 1})
	if err != nil || got != 321.5 {
		t.Fatalf("unexpected result %f %v", got, err)
	}
}
