package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/ndsim/pkg/logging"
)

func TestSetSSEHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	setSSEHeaders(w)

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
	if cn := w.Header().Get("Connection"); cn != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", cn)
	}
}

func TestWriteSSEEvent(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "42", "test_event", `{"key":"value"}`)

	body := w.Body.String()
	if !strings.Contains(body, "id: 42\n") {
		t.Errorf("missing id line in %q", body)
	}
	if !strings.Contains(body, "event: test_event\n") {
		t.Errorf("missing event line in %q", body)
	}
	if !strings.Contains(body, "data: {\"key\":\"value\"}\n\n") {
		t.Errorf("missing data line in %q", body)
	}
}

func TestWriteSSEEventNoType(t *testing.T) {
	w := httptest.NewRecorder()
	writeSSEEvent(w, "1", "", "hello")

	body := w.Body.String()
	if strings.Contains(body, "event:") {
		t.Errorf("should not have event line when type is empty")
	}
	if !strings.Contains(body, "data: hello\n") {
		t.Errorf("missing data line")
	}
}

// streamEvents runs the stream handler for path while add feeds the buffer,
// and returns the response body.
func streamEvents(t *testing.T, path string, add func(*logging.EventBuffer)) (string, *httptest.ResponseRecorder) {
	t.Helper()
	buf := logging.NewEventBuffer(100)
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest("GET", path, nil)
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.eventStreamHandler(w, req)
		close(done)
	}()

	// Wait for subscription to be set up
	time.Sleep(50 * time.Millisecond)
	add(buf)
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	return w.Body.String(), w
}

func TestEventStreamHandler(t *testing.T) {
	body, w := streamEvents(t, "/api/v1/events/stream", func(buf *logging.EventBuffer) {
		buf.Add(logging.EventRecord{
			Time:      2 * time.Second,
			Node:      "h1",
			Interface: "eth0",
			Type:      "DAD_SUCCESS",
			Addr:      "fe80::2",
		})
	})

	if !strings.Contains(body, "event: DAD_SUCCESS") {
		t.Errorf("expected DAD_SUCCESS event in response, got %q", body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("expected buffer sequence as id, got %q", body)
	}
	if !strings.Contains(body, `"address":"fe80::2"`) {
		t.Errorf("expected address in event data, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestEventStreamFilter(t *testing.T) {
	body, _ := streamEvents(t, "/api/v1/events/stream?node=h2&type=conflict", func(buf *logging.EventBuffer) {
		buf.Add(logging.EventRecord{Node: "h1", Type: "DAD_CONFLICT"})
		buf.Add(logging.EventRecord{Node: "h2", Type: "DAD_START"})
		buf.Add(logging.EventRecord{Node: "h2", Type: "DAD_CONFLICT", Addr: "fe80::3"})
	})

	if strings.Contains(body, "DAD_START") {
		t.Errorf("DAD_START should be filtered out, got %q", body)
	}
	if strings.Count(body, "event: DAD_CONFLICT") != 1 {
		t.Errorf("want exactly one DAD_CONFLICT for h2, got %q", body)
	}
	if !strings.Contains(body, "id: 3\n") {
		t.Errorf("expected id 3, got %q", body)
	}
}

func TestEventStreamNoBuffer(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil)
	w := httptest.NewRecorder()
	s.eventStreamHandler(w, req)

	if w.Code != 503 {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestEventStreamReplay(t *testing.T) {
	buf := logging.NewEventBuffer(100)
	for _, typ := range []string{"DAD_START", "DAD_SUCCESS", "ROUTER_LEARNED"} {
		buf.Add(logging.EventRecord{Node: "h1", Type: typ})
	}
	s := &Server{eventBuf: buf}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/api/v1/events/stream", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", "1")
	w := httptest.NewRecorder()
	s.eventStreamHandler(w, req)

	body := w.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Errorf("event 1 replayed, got %q", body)
	}
	for _, want := range []string{"id: 2\n", "id: 3\n", "event: ROUTER_LEARNED"} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in %q", want, body)
		}
	}
}
