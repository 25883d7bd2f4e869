package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
)

// pair starts a server that hosts a Transport and returns it with the client
// side of the connection. The server read loop routes command results.
func pair(t *testing.T) (*Transport, *websocket.Conn) {
	t.Helper()
	ready := make(chan *Transport, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		tr := NewTransport(conn, zerolog.Nop())
		tr.CommandTimeout = 500 * time.Millisecond
		go tr.Run()
		ready <- tr

		for {
			data, err := ReadMessage(conn)
			if err != nil {
				tr.Close()
				return
			}
			var res CommandResultRequest
			if json.Unmarshal(data, &res) == nil && res.ID != 0 {
				tr.Resolve(res)
			}
		}
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case tr := <-ready:
		t.Cleanup(tr.Close)
		return tr, client
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start a transport")
		return nil, nil
	}
}

func readEvent(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return m
}

func TestTransportUIEvents(t *testing.T) {
	tr, client := pair(t)

	tests := []struct {
		name  string
		send  func()
		event Event
		check func(t *testing.T, m map[string]any)
	}{
		{
			name:  "state",
			send:  func() { tr.State(session.View{Phase: session.PhaseSetup}) },
			event: EventState,
			check: func(t *testing.T, m map[string]any) {
				state, _ := m["state"].(map[string]any)
				if state["phase"] != string(session.PhaseSetup) {
					t.Errorf("phase = %v", state["phase"])
				}
			},
		},
		{
			name:  "tick",
			send:  func() { tr.Tick(42) },
			event: EventTick,
			check: func(t *testing.T, m map[string]any) {
				if m["remaining_seconds"] != float64(42) {
					t.Errorf("remaining = %v", m["remaining_seconds"])
				}
			},
		},
		{
			name:  "warning",
			send:  func() { tr.Warn(2, 1) },
			event: EventWarning,
			check: func(t *testing.T, m map[string]any) {
				if m["violations"] != float64(2) || m["remaining_before_submit"] != float64(1) {
					t.Errorf("warning = %v", m)
				}
			},
		},
		{
			name:  "banner",
			send:  func() { tr.Banner(integrity.KindNoFace, "Wajah tidak terdeteksi") },
			event: EventBanner,
			check: func(t *testing.T, m map[string]any) {
				if m["kind"] != string(integrity.KindNoFace) {
					t.Errorf("kind = %v", m["kind"])
				}
			},
		},
		{
			name:  "error uses generic message",
			send:  func() { tr.Error(&session.Error{Kind: session.ErrorSubmit}) },
			event: EventError,
			check: func(t *testing.T, m map[string]any) {
				if m["kind"] != string(session.ErrorSubmit) || m["error"] == "" {
					t.Errorf("error event = %v", m)
				}
			},
		},
		{
			name:  "results",
			send:  func() { tr.Results(session.Summary{TotalQuestions: 3, Attempted: 2}) },
			event: EventResults,
			check: func(t *testing.T, m map[string]any) {
				summary, _ := m["summary"].(map[string]any)
				if summary["attempted"] != float64(2) {
					t.Errorf("summary = %v", summary)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.send()
			m := readEvent(t, client)
			if m["event"] != string(tc.event) {
				t.Fatalf("event = %v, want %s", m["event"], tc.event)
			}
			tc.check(t, m)
		})
	}
}

func TestTransportCommandRoundTrip(t *testing.T) {
	tr, client := pair(t)

	errc := make(chan error, 1)
	go func() { errc <- tr.AcquireMedia(context.Background(), true, false) }()

	m := readEvent(t, client)
	if m["event"] != string(EventCommand) || m["command"] != string(CommandAcquireMedia) || m["camera"] != true {
		t.Fatalf("command event = %v", m)
	}
	id := uint64(m["id"].(float64))
	if err := client.WriteJSON(map[string]any{"action": ActionCommandResult, "id": id, "ok": true}); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Errorf("AcquireMedia = %v", err)
	}
}

func TestTransportCommandFailure(t *testing.T) {
	tr, client := pair(t)

	errc := make(chan error, 1)
	go func() { errc <- tr.RequestFullscreen() }()

	m := readEvent(t, client)
	id := uint64(m["id"].(float64))
	_ = client.WriteJSON(map[string]any{"action": ActionCommandResult, "id": id, "ok": false, "error": "denied"})

	if err := <-errc; !errors.Is(err, ErrCommandFailed) {
		t.Errorf("RequestFullscreen = %v, want ErrCommandFailed", err)
	}
}

func TestTransportCommandTimeout(t *testing.T) {
	tr, client := pair(t)

	start := time.Now()
	err := tr.RequestFullscreen()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("RequestFullscreen = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("command waited past its timeout")
	}
	// The unanswered command was still delivered.
	if m := readEvent(t, client); m["command"] != string(CommandRequestFullscreen) {
		t.Errorf("event = %v", m)
	}
}

func TestTransportFireAndForgetCommands(t *testing.T) {
	tr, client := pair(t)

	tr.ReleaseMedia()
	tr.ExitFullscreen()
	tr.Refocus()
	for _, want := range []Command{CommandReleaseMedia, CommandExitFullscreen, CommandRefocus} {
		m := readEvent(t, client)
		if m["command"] != string(want) {
			t.Errorf("command = %v, want %s", m["command"], want)
		}
		if _, ok := m["id"]; ok {
			t.Errorf("%s carries a reply id", want)
		}
	}
}

func TestTransportClosed(t *testing.T) {
	tr, _ := pair(t)
	tr.Close()

	if tr.Send(PongEvent{Event: EventPong}) {
		t.Error("Send succeeded after close")
	}
	if err := tr.AcquireMedia(context.Background(), true, true); !errors.Is(err, ErrClosed) {
		t.Errorf("AcquireMedia = %v, want ErrClosed", err)
	}
	if tr.Resolve(CommandResultRequest{ID: 99, OK: true}) {
		t.Error("Resolve accepted an unknown id")
	}
}
