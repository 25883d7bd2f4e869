package websocket

import (
	"encoding/json"
	"time"

	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	// Setup and instructions.
	ActionSystemCheck Action = "system_check"
	ActionAccept      Action = "accept"
	ActionBack        Action = "back"
	ActionPhoto       Action = "photo"
	ActionMicTest     Action = "mic_test"
	ActionStart       Action = "start"

	// Answering.
	ActionAnswer   Action = "answer"
	ActionNavigate Action = "navigate"
	ActionFlag     Action = "flag"
	ActionSubmit   Action = "submit"

	// Device signals.
	ActionReturnFullscreen Action = "return_fullscreen"
	ActionVisibility       Action = "visibility"
	ActionBlur             Action = "blur"
	ActionFocus            Action = "focus"
	ActionFullscreen       Action = "fullscreen"
	ActionKey              Action = "key"
	ActionTouch            Action = "touch"
	ActionFrame            Action = "frame"
	ActionAudio            Action = "audio"
	ActionCommandResult    Action = "command_result"
	ActionPing             Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
	// Ref is echoed back on the reply to this action.
	Ref string `json:"ref,omitempty"`
}

// SystemCheckRequest carries the device capability report.
type SystemCheckRequest struct {
	Checks session.CapabilityReport `json:"checks"`
}

// AnswerRequest sets or clears (null value) one answer.
type AnswerRequest struct {
	QuestionID string          `json:"question_id" binding:"required,uuid"`
	Value      json.RawMessage `json:"value"`
}

// NavigateRequest moves to an index, or one step when Direction is set.
type NavigateRequest struct {
	Index     *int   `json:"index" binding:"omitempty,min=0"`
	Direction string `json:"direction" binding:"omitempty,oneof=next previous"`
}

// FlagRequest toggles the review flag of a question.
type FlagRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
}

// VisibilityRequest reports a visibility change. Poll marks a sampled state
// rather than a change notification.
type VisibilityRequest struct {
	Hidden bool `json:"hidden"`
	Poll   bool `json:"poll"`
}

// FullscreenRequest reports a fullscreen change.
type FullscreenRequest struct {
	Fullscreen bool `json:"fullscreen"`
}

// KeyRequest asks whether a key combination must be suppressed.
type KeyRequest struct {
	Combo string `json:"combo" binding:"required,max=64"`
}

// TouchRequest asks whether a touch gesture must be rejected.
type TouchRequest struct {
	Points int `json:"points" binding:"min=1,max=20"`
}

// FrameRequest delivers one camera frame of at most MaxFrameBytes. Faces is
// the client-side face count, -1 when the client did not classify the frame.
type FrameRequest struct {
	Data        []byte    `json:"data" binding:"required,max=2097152"`
	ContentType string    `json:"content_type" binding:"omitempty,oneof=image/jpeg image/png"`
	Width       int       `json:"width" binding:"min=0"`
	Height      int       `json:"height" binding:"min=0"`
	Faces       *int      `json:"faces" binding:"omitempty,min=-1"`
	CapturedAt  time.Time `json:"captured_at"`
}

// AudioRequest delivers one block of 16-bit PCM microphone samples.
type AudioRequest struct {
	Samples    []int16   `json:"samples" binding:"required,max=48000"`
	SampleRate int       `json:"sample_rate" binding:"omitempty,min=8000,max=96000"`
	CapturedAt time.Time `json:"captured_at"`
}

// CommandResultRequest answers a device command sent by the server.
type CommandResultRequest struct {
	ID    uint64 `json:"id" binding:"required"`
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState            Event = "state"
	EventTick             Event = "tick"
	EventWarning          Event = "warning"
	EventBanner           Event = "banner"
	EventFullscreenPrompt Event = "fullscreen_prompt"
	EventCommand          Event = "command"
	EventResults          Event = "results"
	EventAck              Event = "ack"
	EventError            Event = "error"
	EventPong             Event = "pong"
)

// Command names a device operation the client must perform.
type Command string

const (
	CommandAcquireMedia      Command = "acquire_media"
	CommandReleaseMedia      Command = "release_media"
	CommandRequestFullscreen Command = "request_fullscreen"
	CommandExitFullscreen    Command = "exit_fullscreen"
	CommandRefocus           Command = "refocus"
)

type StateEvent struct {
	Event Event        `json:"event"`
	State session.View `json:"state"`
}

type TickEvent struct {
	Event     Event `json:"event"`
	Remaining int   `json:"remaining_seconds"`
}

type WarningEvent struct {
	Event      Event `json:"event"`
	Violations int   `json:"violations"`
	Remaining  int   `json:"remaining_before_submit"`
}

type BannerEvent struct {
	Event   Event          `json:"event"`
	Kind    integrity.Kind `json:"kind"`
	Message string         `json:"message"`
}

type FullscreenPromptEvent struct {
	Event Event `json:"event"`
}

// CommandEvent asks the client to drive its device. Commands with an ID
// expect a command_result reply.
type CommandEvent struct {
	Event      Event   `json:"event"`
	ID         uint64  `json:"id,omitempty"`
	Command    Command `json:"command"`
	Camera     bool    `json:"camera,omitempty"`
	Microphone bool    `json:"microphone,omitempty"`
}

type ResultsEvent struct {
	Event   Event           `json:"event"`
	Summary session.Summary `json:"summary"`
}

// AckEvent answers an action. Data depends on the action.
type AckEvent struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
	Ref    string `json:"ref,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type ErrorEvent struct {
	Event  Event             `json:"event"`
	Action Action            `json:"action,omitempty"`
	Ref    string            `json:"ref,omitempty"`
	Kind   string            `json:"kind,omitempty"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongEvent struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
}
