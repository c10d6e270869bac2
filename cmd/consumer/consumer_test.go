package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeWriter implements PositionWriter for tests
type fakeWriter struct {
	fail    int // number of times to fail before succeeding
	calls   int
	written map[string]models.Point
}

func (f *fakeWriter) UpdatePosition(_ context.Context, driverID string, p models.Point, _ time.Time) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("redis: connection reset")
	}
	if f.written == nil {
		f.written = make(map[string]models.Point)
	}
	f.written[driverID] = p
	return nil
}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{fail: 2}
	ping := models.LocationPing{UserID: "d1", Role: models.RoleDriver, Lat: 1, Lng: 2}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, ping, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{fail: 5}
	ping := models.LocationPing{UserID: "d1", Lat: 1, Lng: 2}
	if err := applyWithRetry(context.Background(), f, ping, 3, time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestApplyWithRetry_RejectsInvalidPing(t *testing.T) {
	f := &fakeWriter{}
	for _, ping := range []models.LocationPing{
		{Lat: 1, Lng: 2},
		{UserID: "d1", Lat: 91, Lng: 0},
	} {
		if err := applyWithRetry(context.Background(), f, ping, 3, time.Millisecond); !errors.Is(err, errInvalidPing) {
			t.Fatalf("expected invalid ping error, got %v", err)
		}
	}
	if f.calls != 0 {
		t.Fatalf("invalid pings must not reach the directory")
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeAppliesDriverPings(t *testing.T) {
	encode := func(p models.LocationPing) []byte {
		b, _ := json.Marshal(p)
		return b
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Key: []byte("d1"), Value: encode(models.LocationPing{Role: models.RoleDriver, Lat: 5.3, Lng: -4})},
		{Key: []byte("u1"), Value: encode(models.LocationPing{UserID: "u1", Role: models.RoleRider, Lat: 5.3, Lng: -4})},
		{Value: []byte("not json")},
	}}
	w := &fakeWriter{}
	cfg := config.ConsumerConfig{RetryAttempts: 2, RetryDelay: time.Millisecond}

	consume(ctx, r, w, cfg, logging.Discard())

	if len(w.written) != 1 || w.written["d1"].Lat != 5.3 {
		t.Fatalf("expected only the driver ping applied, got %v", w.written)
	}
}
