package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

func rider(id string) models.Identity { return models.Identity{UserID: id, Role: models.RoleRider} }
func driver(id string) models.Identity { return models.Identity{UserID: id, Role: models.RoleDriver} }

func attach(r *WSRegistry, id models.Identity) *WSSession {
	s := newSession(id, nil, r.bufSize)
	r.Add(s)
	return s
}

func drain(s *WSSession) []models.Envelope {
	var out []models.Envelope
	for {
		select {
		case b := <-s.egress:
			var env models.Envelope
			_ = json.Unmarshal(b, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

func events(envs []models.Envelope) []models.EventName {
	out := make([]models.EventName, len(envs))
	for i, e := range envs {
		out[i] = e.Event
	}
	return out
}

func TestSendToUsersReachesEveryDeviceOnce(t *testing.T) {
	r := NewWSRegistry(4, logging.Discard())
	phone := attach(r, rider("u1"))
	tablet := attach(r, rider("u1"))
	other := attach(r, rider("u2"))

	n := r.SendToUsers(models.EventRideAccepted, map[string]string{"id": "r1"}, "u1", "u1", "missing")
	if n != 2 {
		t.Fatalf("expected 2 sessions reached, got %d", n)
	}
	if len(drain(phone)) != 1 || len(drain(tablet)) != 1 {
		t.Fatal("each device must receive the event exactly once")
	}
	if len(drain(other)) != 0 {
		t.Fatal("unrelated user received the event")
	}
}

func TestDriversGroupAndRideChannel(t *testing.T) {
	r := NewWSRegistry(4, logging.Discard())
	d1 := attach(r, driver("d1"))
	d2 := attach(r, driver("d2"))
	u1 := attach(r, rider("u1"))

	if n := r.SendToGroup(DriversGroup, models.EventRideCancelled, nil, ""); n != 2 {
		t.Fatalf("drivers group should reach 2 sessions, got %d", n)
	}
	if len(drain(u1)) != 0 {
		t.Fatal("riders are not in the drivers group")
	}
	drain(d1)
	drain(d2)

	r.AttachRide("r1", "u1", "d1")
	late := attach(r, rider("u1")) // joins the ride channel on connect
	if got := r.RideOf("d1"); got != "r1" {
		t.Fatalf("expected binding r1, got %q", got)
	}

	n := r.SendToGroup(RideGroup("r1"), models.EventLocationUpdate, nil, "d1")
	if n != 2 || len(drain(u1)) != 1 || len(drain(late)) != 1 || len(drain(d1)) != 0 {
		t.Fatalf("relay must reach the rider's sessions only, reached %d", n)
	}

	r.DetachRide("r1")
	if r.SendToGroup(RideGroup("r1"), models.EventLocationUpdate, nil, "") != 0 {
		t.Fatal("detached ride channel still delivers")
	}
	if r.RideOf("u1") != "" {
		t.Fatal("binding survived detach")
	}
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := NewWSRegistry(2, logging.Discard())
	s := attach(r, rider("u1"))
	for i := 0; i < 5; i++ {
		r.SendToUsers(models.EventPong, nil, "u1")
	}
	if got := len(drain(s)); got != 2 {
		t.Fatalf("expected buffer-sized delivery of 2, got %d", got)
	}
}

func TestRemoveReportsLastSession(t *testing.T) {
	r := NewWSRegistry(2, logging.Discard())
	a := attach(r, driver("d1"))
	b := attach(r, driver("d1"))
	if r.Remove(a) {
		t.Fatal("first removal is not the last session")
	}
	if !r.Connected("d1") {
		t.Fatal("driver still has a session")
	}
	if !r.Remove(b) {
		t.Fatal("second removal must be the last session")
	}
	if r.Remove(b) {
		t.Fatal("double removal must be a no-op")
	}
	if r.Connected("d1") || r.SendToGroup(DriversGroup, models.EventPong, nil, "") != 0 {
		t.Fatal("removed sessions must leave every group")
	}
}

type recordingListener struct {
	mu        sync.Mutex
	opened    []bool
	closed    []bool
	locations []models.Point
	closedCh  chan struct{}
}

func (l *recordingListener) SessionOpened(_ context.Context, _ models.Identity, first bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened = append(l.opened, first)
}

func (l *recordingListener) SessionClosed(_ context.Context, _ models.Identity, last bool) {
	l.mu.Lock()
	l.closed = append(l.closed, last)
	l.mu.Unlock()
	if l.closedCh != nil {
		l.closedCh <- struct{}{}
	}
}

func (l *recordingListener) Location(_ context.Context, _ models.Identity, p models.Point, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locations = append(l.locations, p)
}

func TestHandleInbound(t *testing.T) {
	r := NewWSRegistry(8, logging.Discard())
	l := &recordingListener{}
	r.SetListener(l)
	s := attach(r, driver("d1"))

	r.handleInbound(context.Background(), s, []byte(`{"type":"ping"}`))
	r.handleInbound(context.Background(), s, []byte(`{"type":"location","data":{"lat":5.3,"lng":-4.0}}`))
	r.handleInbound(context.Background(), s, []byte(`{"type":"location","data":{"lat":95,"lng":0}}`))
	r.handleInbound(context.Background(), s, []byte(`{"type":"teleport"}`))
	r.handleInbound(context.Background(), s, []byte(`not json`))

	got := events(drain(s))
	want := []models.EventName{models.EventPong, models.EventError, models.EventError, models.EventError}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(l.locations) != 1 || l.locations[0].Lat != 5.3 {
		t.Fatalf("expected one valid location, got %v", l.locations)
	}
}

func TestServeOverWebsocket(t *testing.T) {
	r := NewWSRegistry(8, logging.Discard())
	l := &recordingListener{closedCh: make(chan struct{}, 1)}
	r.SetListener(l)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Serve(req.Context(), conn, driver("d1"))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.Event != models.EventPong {
		t.Fatalf("expected pong, got %s", env.Event)
	}
	if !r.Connected("d1") {
		t.Fatal("driver should be connected")
	}

	conn.Close()
	select {
	case <-l.closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed")
	}
	if r.Connected("d1") {
		t.Fatal("driver should be gone after close")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.opened) != 1 || !l.opened[0] || len(l.closed) != 1 || !l.closed[0] {
		t.Fatalf("unexpected lifecycle calls opened=%v closed=%v", l.opened, l.closed)
	}
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Publish(context.Context, models.RideEvent) error {
	return errors.New("boom")
}

func TestPushDispatcherAndMultiSink(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(req.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
	}))
	defer srv.Close()

	ev := models.RideEvent{Event: models.EventRideAccepted, RideID: "r1", Status: models.StatusAccepted, Recipients: []string{"u1", "d1"}}
	sink := MultiSink{NewPushDispatcher(srv.URL, "key"), failingSink{}}
	err := sink.Publish(context.Background(), ev)
	if err == nil || !strings.Contains(err.Error(), "failing") {
		t.Fatalf("expected the failing sink to be reported, got %v", err)
	}
	if len(bodies) != 2 || !strings.Contains(bodies[0], `"topic":"user_u1"`) {
		t.Fatalf("push must still reach every recipient, got %v", bodies)
	}

	if err := NewPushDispatcher(srv.URL, "wrong").Publish(context.Background(), ev); err == nil {
		t.Fatal("expected an error on a rejected push")
	}
}
