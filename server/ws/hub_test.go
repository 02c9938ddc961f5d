package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskq/comms"
)

func newTestHub(opts ...HubOption) *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type frame struct {
	id, event, data string
}

// readFrame returns the next frame carrying an event, skipping comments.
func readFrame(t *testing.T, r *bufio.Reader) frame {
	t.Helper()
	var f frame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if f.event != "" {
				return f
			}
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func openStream(t *testing.T, h *Hub, query string) *bufio.Reader {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeSSE))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + query)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	if f := readFrame(t, rd); f.event != "connected" {
		t.Fatalf("first frame = %+v", f)
	}
	return rd
}

func TestHub_StreamsBusEvents(t *testing.T) {
	hub := newTestHub()
	bus := comms.NewInMemoryBus()
	detach := hub.Attach(bus)
	defer detach()

	rd := openStream(t, hub, "/")
	waitForClients(t, hub, 1)

	if err := bus.Publish(context.Background(), &comms.Event{Type: comms.TypeTaskStarted, TaskID: "task-7"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f := readFrame(t, rd)
	if f.event != string(comms.TypeTaskStarted) || f.id == "" {
		t.Errorf("frame = %+v", f)
	}
	var ev comms.Event
	if err := json.Unmarshal([]byte(f.data), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.TaskID != "task-7" || ev.ID != f.id {
		t.Errorf("event = %+v", ev)
	}
}

func TestHub_FiltersByTypeAndTask(t *testing.T) {
	hub := newTestHub()
	rd := openStream(t, hub, "/?types=task_failed,task_completed&task=t2")
	waitForClients(t, hub, 1)

	hub.Publish(&comms.Event{ID: "1", Type: comms.TypeTaskFailed, TaskID: "t1"})
	hub.Publish(&comms.Event{ID: "2", Type: comms.TypeTaskStarted, TaskID: "t2"})
	hub.Publish(&comms.Event{ID: "3", Type: comms.TypeTaskCompleted, TaskID: "t2"})

	if f := readFrame(t, rd); f.id != "3" || f.event != "task_completed" {
		t.Errorf("frame = %+v, want only event 3", f)
	}
}

func TestHub_Heartbeat(t *testing.T) {
	hub := newTestHub(WithHeartbeat(10 * time.Millisecond))
	rd := openStream(t, hub, "/")

	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != ": keepalive\n" {
		t.Errorf("line = %q, want keepalive comment", line)
	}
}

func TestHub_DropsForLaggingClient(t *testing.T) {
	hub := newTestHub()
	sub := &subscriber{ch: make(chan *comms.Event, 1)}
	hub.subs[sub] = struct{}{}

	hub.Publish(&comms.Event{Type: "a"})
	hub.Publish(&comms.Event{Type: "b"}) // buffer full, must not block

	if got := <-sub.ch; got.Type != "a" {
		t.Errorf("buffered = %s", got.Type)
	}
	select {
	case extra := <-sub.ch:
		t.Errorf("unexpected event %s", extra.Type)
	default:
	}
}

func TestParseTypes(t *testing.T) {
	if parseTypes("") != nil {
		t.Error("empty list should accept all types")
	}
	got := parseTypes(" task_started , ,task_failed")
	if len(got) != 2 || !got[comms.TypeTaskStarted] || !got[comms.TypeTaskFailed] {
		t.Errorf("parseTypes = %v", got)
	}
}
