package ws

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	ch     chan []byte
	fail   bool
	closed bool
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{ch: make(chan []byte, 4)}
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("gone")
	}
	s.ch <- payload
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubBroadcastsPerTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	captures := newRecordingSubscriber()
	other := newRecordingSubscriber()
	hub.Register(TopicCaptures, captures)
	hub.Register("other", other)
	waitFor(t, func() bool { return hub.Subscribers(TopicCaptures) == 1 && hub.Subscribers("other") == 1 })

	hub.Broadcast(TopicCaptures, []byte(`{"id":"1"}`))
	select {
	case payload := <-captures.ch:
		if string(payload) != `{"id":"1"}` {
			t.Fatalf("unexpected payload %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected broadcast on captures topic")
	}
	select {
	case payload := <-other.ch:
		t.Fatalf("expected no message on other topic, got %s", payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := newRecordingSubscriber()
	sub.fail = true
	hub.Register(TopicCaptures, sub)
	waitFor(t, func() bool { return hub.Subscribers(TopicCaptures) == 1 })

	hub.Broadcast(TopicCaptures, []byte("x"))
	waitFor(t, func() bool { return hub.Subscribers(TopicCaptures) == 0 })
	if !sub.isClosed() {
		t.Fatalf("expected failing subscriber to be closed")
	}
}

type slowSubscriber struct {
	delay time.Duration
	mu    sync.Mutex
	sent  int
}

func (s *slowSubscriber) Send([]byte) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return nil
}

func (s *slowSubscriber) Close() {}

func TestHubBroadcastDoesNotWaitForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	slow := &slowSubscriber{delay: 200 * time.Millisecond}
	fast := newRecordingSubscriber()
	fast.ch = make(chan []byte, 64)
	hub.Register(TopicCaptures, slow)
	hub.Register(TopicCaptures, fast)
	waitFor(t, func() bool { return hub.Subscribers(TopicCaptures) == 2 })

	start := time.Now()
	for i := 0; i < 20; i++ {
		hub.Broadcast(TopicCaptures, []byte("x"))
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("expected broadcast to return promptly, blocked for %s", elapsed)
	}
	waitFor(t, func() bool { return len(fast.ch) > 0 })
}

func TestHubBroadcastAfterCloseReportsFalse(t *testing.T) {
	hub := NewHub()
	hub.Close()
	if hub.Broadcast(TopicCaptures, []byte("x")) {
		t.Fatalf("expected broadcast on closed hub to report false")
	}
}

func TestHubCloseDisconnectsSubscribers(t *testing.T) {
	hub := NewHub()
	sub := newRecordingSubscriber()
	hub.Register(TopicCaptures, sub)
	waitFor(t, func() bool { return hub.Subscribers(TopicCaptures) == 1 })

	hub.Close()
	waitFor(t, sub.isClosed)
	// Calls after Close must not block.
	hub.Broadcast(TopicCaptures, []byte("late"))
	hub.Unregister(TopicCaptures, sub)
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "capture", nil)
	if err := client.Send([]byte(`{"id":"1"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "id: 1\nevent: capture\ndata: {\"id\":\"1\"}\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat comment, got %q", body)
	}
	if err := client.Send([]byte("a\nb")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.HasSuffix(rec.Body.String(), "id: 2\nevent: capture\ndata: a\ndata: b\n\n") {
		t.Fatalf("expected multi-line payload split over data lines, got %q", rec.Body.String())
	}
	client.Close()
	if err := client.Send([]byte("x")); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
