package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
)

var (
	ErrClosed        = errors.New("websocket transport closed")
	ErrCommandFailed = errors.New("device command failed")
)

// DefaultCommandTimeout bounds the wait for a command_result reply.
const DefaultCommandTimeout = 5 * time.Second

const sendBuffer = 64

// Transport carries one hosted session over a WebSocket connection. A single
// writer goroutine owns the connection's write side; the read loop belongs to
// the caller, which hands command_result replies back through Resolve.
//
// Transport implements session.UI and session.Platform.
type Transport struct {
	conn *websocket.Conn
	log  zerolog.Logger

	send      chan any
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan CommandResultRequest

	// CommandTimeout applies to commands issued without a deadline.
	CommandTimeout time.Duration
}

var (
	_ session.UI       = (*Transport)(nil)
	_ session.Platform = (*Transport)(nil)
)

// NewTransport wraps an upgraded connection. Run must be started before any
// event is sent.
func NewTransport(conn *websocket.Conn, log zerolog.Logger) *Transport {
	return &Transport{
		conn:           conn,
		log:            log,
		send:           make(chan any, sendBuffer),
		done:           make(chan struct{}),
		pending:        make(map[uint64]chan CommandResultRequest),
		CommandTimeout: DefaultCommandTimeout,
	}
}

// Run is the writer loop. It returns when the transport is closed or a write
// fails; events still buffered at close are flushed first.
func (t *Transport) Run() {
	defer t.Close()
	for {
		select {
		case v := <-t.send:
			if err := WriteTyped(t.conn, v); err != nil {
				t.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-t.done:
			t.flush()
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (t *Transport) flush() {
	for {
		select {
		case v := <-t.send:
			if err := WriteTyped(t.conn, v); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close stops the writer and fails every command still waiting for a reply.
func (t *Transport) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Done is closed once the transport stops.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Send queues v for the writer. It reports false once the transport is closed.
func (t *Transport) Send(v any) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.send <- v:
		return true
	case <-t.done:
		return false
	}
}

// Ack answers a client action.
func (t *Transport) Ack(action Action, ref string, data any) {
	t.Send(AckEvent{Event: EventAck, Action: action, Ref: ref, Data: data})
}

// Fail reports a rejected client action.
func (t *Transport) Fail(action Action, ref, msg string, fields map[string]string) {
	t.Send(ErrorEvent{Event: EventError, Action: action, Ref: ref, Error: msg, Fields: fields})
}

// ─── session.UI ─────────────────────────────────────────────────────

func (t *Transport) State(v session.View) {
	t.Send(StateEvent{Event: EventState, State: v})
}

func (t *Transport) Tick(remaining int) {
	t.Send(TickEvent{Event: EventTick, Remaining: remaining})
}

func (t *Transport) Warn(violations, remaining int) {
	t.Send(WarningEvent{Event: EventWarning, Violations: violations, Remaining: remaining})
}

func (t *Transport) Banner(kind integrity.Kind, message string) {
	t.Send(BannerEvent{Event: EventBanner, Kind: kind, Message: message})
}

func (t *Transport) FullscreenPrompt() {
	t.Send(FullscreenPromptEvent{Event: EventFullscreenPrompt})
}

func (t *Transport) Error(err *session.Error) {
	t.Send(ErrorEvent{Event: EventError, Kind: string(err.Kind), Error: err.Message()})
}

func (t *Transport) Results(s session.Summary) {
	t.Send(ResultsEvent{Event: EventResults, Summary: s})
}

// ─── session.Platform ───────────────────────────────────────────────

func (t *Transport) AcquireMedia(ctx context.Context, camera, microphone bool) error {
	return t.command(ctx, CommandEvent{Command: CommandAcquireMedia, Camera: camera, Microphone: microphone})
}

func (t *Transport) RequestFullscreen() error {
	return t.command(context.Background(), CommandEvent{Command: CommandRequestFullscreen})
}

func (t *Transport) ReleaseMedia() {
	t.Send(CommandEvent{Event: EventCommand, Command: CommandReleaseMedia})
}

func (t *Transport) ExitFullscreen() {
	t.Send(CommandEvent{Event: EventCommand, Command: CommandExitFullscreen})
}

func (t *Transport) Refocus() {
	t.Send(CommandEvent{Event: EventCommand, Command: CommandRefocus})
}

// command sends a command and waits for its command_result.
func (t *Transport) command(ctx context.Context, cmd CommandEvent) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.CommandTimeout)
		defer cancel()
	}

	reply := make(chan CommandResultRequest, 1)
	t.mu.Lock()
	t.nextID++
	cmd.ID = t.nextID
	t.pending[cmd.ID] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, cmd.ID)
		t.mu.Unlock()
	}()

	cmd.Event = EventCommand
	if !t.Send(cmd) {
		return ErrClosed
	}

	select {
	case res := <-reply:
		if !res.OK {
			return fmt.Errorf("%w: %s: %s", ErrCommandFailed, cmd.Command, res.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", cmd.Command, ctx.Err())
	case <-t.done:
		return ErrClosed
	}
}

// Resolve delivers a command_result to the waiting command. It reports false
// for unknown or already answered ids.
func (t *Transport) Resolve(res CommandResultRequest) bool {
	t.mu.Lock()
	reply, ok := t.pending[res.ID]
	delete(t.pending, res.ID)
	t.mu.Unlock()
	if !ok {
		return false
	}
	reply <- res
	return true
}
