package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/psaab/ndsim/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams simulation events via SSE.
// Supports ?node=, ?interface= and ?type= filters; the event id is the
// buffer sequence number. A reconnecting client that sends Last-Event-ID
// first receives the buffered events it missed.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}

	q := r.URL.Query()
	filter := logging.EventFilter{
		Node:      q.Get("node"),
		Interface: q.Get("interface"),
		Type:      q.Get("type"),
	}

	setSSEHeaders(w)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	var last uint64
	send := func(rec logging.EventRecord) {
		if rec.Seq <= last || !filter.Match(rec) {
			return
		}
		last = rec.Seq
		data, err := json.Marshal(eventEntryFromRecord(rec))
		if err != nil {
			return
		}
		writeSSEEvent(w, strconv.FormatUint(rec.Seq, 10), rec.Type, string(data))
	}

	if id, err := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		last = id
		for _, rec := range s.eventBuf.Since(id) {
			send(rec)
		}
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			send(rec)
		}
	}
}
