package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

func seed(t *testing.T, s storage.TripStore, id, target string) {
	t.Helper()
	now := time.Now()
	err := s.Create(context.Background(), &models.Ride{
		ID:             id,
		RiderID:        "rider-" + id,
		TargetDriverID: target,
		Pickup:         models.Point{},
		Dropoff:        models.Point{Lat: 0.02},
		Price:          1500,
		PaymentMethod:  models.PaymentCash,
		Status:         models.StatusRequested,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineAnnotate)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := m.Accept(ctx, "r1", driverID)
			errs <- err
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
		if apperr.Reason(err) != "ride is no longer available" {
			t.Fatalf("unexpected reason %q", apperr.Reason(err))
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	r, _ := s.Get(ctx, "r1")
	if r.Status != models.StatusAccepted || r.DriverID == "" {
		t.Fatalf("unexpected final ride %+v", r)
	}
}

func TestAcceptIsIdempotentForSameDriver(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineAnnotate)

	first, err := m.Accept(ctx, "r1", "d1")
	if err != nil || !first.Changed {
		t.Fatalf("first accept: %+v %v", first, err)
	}
	again, err := m.Accept(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("repeat accept must not error: %v", err)
	}
	if again.Changed || again.Ride.DriverID != "d1" || !again.Ride.AcceptedAt.Equal(*first.Ride.AcceptedAt) {
		t.Fatalf("repeat accept must return the ride unchanged: %+v", again)
	}
	if _, err := m.Accept(ctx, "r1", "d2"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("other driver must conflict, got %v", err)
	}
}

func TestAcceptGuardOnlyRunsOnAssignment(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineAnnotate)

	calls := 0
	refuse := func(*models.Ride) error {
		calls++
		return apperr.Unauthorized("subscription inactive")
	}
	if _, err := m.AcceptGuarded(ctx, "r1", "d1", refuse); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("guard refusal must surface, got %v", err)
	}
	if _, err := m.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	calls = 0
	again, err := m.AcceptGuarded(ctx, "r1", "d1", refuse)
	if err != nil || again.Changed {
		t.Fatalf("repeat accept must bypass the guard: %+v %v", again, err)
	}
	if calls != 0 {
		t.Fatalf("guard ran %d times on a repeat", calls)
	}
}

func TestAcceptWhileBusyConflicts(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	seed(t, s, "r2", "")
	m := New(s, config.DeclineAnnotate)

	if _, err := m.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept r1: %v", err)
	}
	_, err := m.Accept(ctx, "r2", "d1")
	if !errors.Is(err, apperr.ErrConflict) || apperr.Reason(err) != "driver already has an active ride" {
		t.Fatalf("expected busy conflict, got %v", err)
	}
}

func TestHappyPathAndTerminalImmutability(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineAnnotate)

	if _, err := m.Start(ctx, "r1", "d1"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("start before accept: %v", err)
	}
	if _, err := m.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.Complete(ctx, "r1", "d1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("complete before start: %v", err)
	}
	if _, err := m.Start(ctx, "r1", "d2"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("start by other driver: %v", err)
	}
	c, err := m.Start(ctx, "r1", "d1")
	if err != nil || c.Ride.Status != models.StatusOngoing || c.Ride.StartedAt == nil {
		t.Fatalf("start: %+v %v", c, err)
	}
	if _, err := m.Cancel(ctx, "r1", "rider-r1", "late"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("cancel once ongoing: %v", err)
	}
	c, err = m.Complete(ctx, "r1", "d1")
	if err != nil || c.Ride.Status != models.StatusCompleted || c.Prev != models.StatusOngoing {
		t.Fatalf("complete: %+v %v", c, err)
	}

	attempts := []func() (Change, error){
		func() (Change, error) { return m.Accept(ctx, "r1", "d1") },
		func() (Change, error) { return m.Accept(ctx, "r1", "d2") },
		func() (Change, error) { return m.Start(ctx, "r1", "d1") },
		func() (Change, error) { return m.Complete(ctx, "r1", "d1") },
		func() (Change, error) { return m.Cancel(ctx, "r1", "rider-r1", "") },
		func() (Change, error) { return m.Decline(ctx, "r1", "d1", "") },
		func() (Change, error) { return m.Expire(ctx, "r1", "timeout") },
	}
	for i, fn := range attempts {
		if _, err := fn(); err == nil {
			t.Fatalf("attempt %d on a completed ride succeeded", i)
		}
	}
	r, _ := s.Get(ctx, "r1")
	if r.Status != models.StatusCompleted {
		t.Fatalf("terminal ride changed to %s", r.Status)
	}
}

func TestCancelAuthorization(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	seed(t, s, "r2", "")
	m := New(s, config.DeclineAnnotate)

	if _, err := m.Cancel(ctx, "r1", "stranger", ""); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("stranger cancel: %v", err)
	}
	if _, err := m.Cancel(ctx, "r1", "d1", ""); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("unassigned driver cancel: %v", err)
	}
	if _, err := m.Accept(ctx, "r1", "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	c, err := m.Cancel(ctx, "r1", "d1", "car trouble")
	if err != nil {
		t.Fatalf("assigned driver cancel: %v", err)
	}
	if c.Ride.DriverID != "" || c.Ride.PriorDriverID != "d1" || c.Ride.CancelledBy != "d1" || c.Prev != models.StatusAccepted {
		t.Fatalf("unexpected cancelled ride %+v", c.Ride)
	}

	c, err = m.Cancel(ctx, "r2", "rider-r2", "")
	if err != nil || c.Ride.Status != models.StatusCancelled {
		t.Fatalf("rider cancel: %+v %v", c, err)
	}
	if _, err := m.Cancel(ctx, "missing", "x", ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing ride: %v", err)
	}
}

func TestDirectDispatchOnlyTargetMayRespond(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "d9")
	m := New(s, config.DeclineAnnotate)

	if _, err := m.Accept(ctx, "r1", "d1"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("non-target accept: %v", err)
	}
	if _, err := m.Decline(ctx, "r1", "d1", ""); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("non-target decline: %v", err)
	}
	if _, err := m.Accept(ctx, "r1", "d9"); err != nil {
		t.Fatalf("target accept: %v", err)
	}
}

func TestDeclineAnnotate(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, "")

	c, err := m.Decline(ctx, "r1", "d1", "too far")
	if err != nil || !c.Changed {
		t.Fatalf("decline: %+v %v", c, err)
	}
	if c.Ride.Status != models.StatusRequested || !c.Ride.DeclinedBy("d1") {
		t.Fatalf("annotate must keep the ride requested: %+v", c.Ride)
	}
	again, err := m.Decline(ctx, "r1", "d1", "too far")
	if err != nil || again.Changed || len(again.Ride.Declines) != 1 {
		t.Fatalf("repeat decline: %+v %v", again, err)
	}
	if _, err := m.Accept(ctx, "r1", "d2"); err != nil {
		t.Fatalf("ride must still be acceptable: %v", err)
	}
	if _, err := m.Decline(ctx, "r1", "d3", ""); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("decline after accept: %v", err)
	}
}

func TestDeclineTerminal(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineTerminal)

	c, err := m.Decline(ctx, "r1", "d1", "busy")
	if err != nil || c.Ride.Status != models.StatusDeclined || c.Ride.DeclineReason != "busy" {
		t.Fatalf("terminal decline: %+v %v", c, err)
	}
	if _, err := m.Accept(ctx, "r1", "d2"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("accept after terminal decline: %v", err)
	}
}

func TestExpire(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineAnnotate)

	c, err := m.Expire(ctx, "r1", "no_driver_available")
	if err != nil || c.Ride.CancelledBy != SystemActor || c.Ride.CancelReason != "no_driver_available" {
		t.Fatalf("expire: %+v %v", c, err)
	}
	if _, err := m.Expire(ctx, "r1", "again"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second expire: %v", err)
	}
}

func TestAcceptRacingCancel(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	seed(t, s, "r1", "")
	m := New(s, config.DeclineAnnotate)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Accept(ctx, "r1", "d1")
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := m.Cancel(ctx, "r1", "rider-r1", "")
		errs <- err
	}()
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	r, _ := s.Get(ctx, "r1")
	if success == 2 && r.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled after accept+cancel, got %s", r.Status)
	}
	if success == 1 && r.Status != models.StatusAccepted && r.Status != models.StatusCancelled {
		t.Fatalf("unexpected final status %s", r.Status)
	}
	if (r.Status == models.StatusCancelled) == (r.DriverID != "") {
		t.Fatalf("driver id inconsistent with status: %+v", r)
	}
}
