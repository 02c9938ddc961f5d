// Package ws streams task lifecycle events to browsers and scripts as
// Server-Sent Events.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskq/comms"
)

const (
	clientBuffer     = 64
	defaultHeartbeat = 15 * time.Second
)

// subscriber is one open stream. An empty types set accepts every type.
type subscriber struct {
	ch     chan *comms.Event
	types  map[comms.EventType]bool
	taskID string
}

func (s *subscriber) wants(ev *comms.Event) bool {
	if s.taskID != "" && ev.TaskID != s.taskID {
		return false
	}
	return len(s.types) == 0 || s.types[ev.Type]
}

// Hub fans bus events out to SSE subscribers.
type Hub struct {
	mu        sync.RWMutex
	subs      map[*subscriber]struct{}
	heartbeat time.Duration
	logger    *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHeartbeat sets how often an idle stream receives a keep-alive comment.
func WithHeartbeat(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHub creates a Hub with no subscribers.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subs:      make(map[*subscriber]struct{}),
		heartbeat: defaultHeartbeat,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach forwards every bus event to the hub and returns the unsubscribe
// function.
func (h *Hub) Attach(bus comms.Bus) func() {
	return bus.Subscribe(comms.Wildcard, func(_ context.Context, ev *comms.Event) error {
		h.Publish(ev)
		return nil
	})
}

// Clients returns the number of open streams.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues ev for every interested subscriber. A subscriber whose
// buffer is full misses the event.
func (h *Hub) Publish(ev *comms.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.logger.Debug("sse subscriber lagging, event dropped",
				slog.String("type", string(ev.Type)),
				slog.String("task_id", ev.TaskID))
		}
	}
}

// ServeSSE streams events until the client goes away. The optional "types"
// query parameter is a comma separated list of event types; "task" narrows
// the stream to one task id.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := &subscriber{
		ch:     make(chan *comms.Event, clientBuffer),
		types:  parseTypes(r.URL.Query().Get("types")),
		taskID: r.URL.Query().Get("task"),
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
	}()

	writeFrame(w, "", "connected", []byte(`{"type":"connected"}`))
	flusher.Flush()

	tick := time.NewTicker(h.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": keepalive\n\n") //nolint:errcheck
			flusher.Flush()
		case ev := <-sub.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("sse marshal", slog.String("type", string(ev.Type)), slog.Any("err", err))
				continue
			}
			writeFrame(w, ev.ID, string(ev.Type), data)
			flusher.Flush()
		}
	}
}

func parseTypes(raw string) map[comms.EventType]bool {
	if raw == "" {
		return nil
	}
	types := make(map[comms.EventType]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[comms.EventType(t)] = true
		}
	}
	return types
}

// writeFrame emits one SSE frame. Data lines must not contain newlines.
func writeFrame(w io.Writer, id, event string, data []byte) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id) //nolint:errcheck
	}
	fmt.Fprintf(w, "event: %s\n", event) //nolint:errcheck
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck
}
