package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/answer"
	"github.com/stemsi/exstem-proctor/internal/proctor/integrity"
	"github.com/stemsi/exstem-proctor/internal/proctor/snapshot"
	"github.com/stemsi/exstem-proctor/internal/proctor/timing"
)

// ExamAPI is the question and enrollment service the session drives.
type ExamAPI interface {
	GetExamByID(ctx context.Context, examID uuid.UUID) (model.ExamConfiguration, error)
	GetQuestions(ctx context.Context, examID uuid.UUID, page, pageSize int) (model.QuestionPage, error)
	StartExam(ctx context.Context, examID uuid.UUID) (model.StartResult, error)
	GetSubmissions(ctx context.Context, examID uuid.UUID) (model.SubmissionState, error)
	SaveAnswer(ctx context.Context, examID, questionID uuid.UUID, answer json.RawMessage) error
	DeleteAnswer(ctx context.Context, examID, questionID uuid.UUID) error
	SubmitExam(ctx context.Context, examID uuid.UUID) (model.SubmitResult, error)
}

// Platform drives the taker's device.
type Platform interface {
	// AcquireMedia opens the camera and/or microphone.
	AcquireMedia(ctx context.Context, camera, microphone bool) error
	ReleaseMedia()
	RequestFullscreen() error
	ExitFullscreen()
	Refocus()
}

// UI presents session state to the taker.
type UI interface {
	State(v View)
	Tick(remaining int)
	Warn(violations, remaining int)
	Banner(kind integrity.Kind, message string)
	FullscreenPrompt()
	Error(err *Error)
	Results(s Summary)
}

// Deps are the collaborators of a session. Clock and FaceCounter are
// optional.
type Deps struct {
	Exams       ExamAPI
	Monitoring  integrity.MonitoringAPI
	Uploader    snapshot.Uploader
	Platform    Platform
	UI          UI
	Clock       timing.Clock
	FaceCounter integrity.FaceCounter
	Log         zerolog.Logger
}

// Config tunes a session.
type Config struct {
	ExamID           uuid.UUID
	PageSize         int
	MaxQuestionPages int

	Integrity      integrity.Config
	Snapshot       snapshot.Config
	FaceInterval   time.Duration
	VisibilityPoll time.Duration
	VoiceThreshold float64

	// MediaSettle separates media acquisition from the fullscreen request.
	MediaSettle  time.Duration
	TickInterval time.Duration
	CallTimeout  time.Duration
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxQuestionPages <= 0 {
		c.MaxQuestionPages = 100
	}
	if c.FaceInterval <= 0 {
		c.FaceInterval = integrity.DefaultFaceInterval
	}
	if c.VisibilityPoll <= 0 {
		c.VisibilityPoll = time.Second
	}
	if c.MediaSettle <= 0 {
		c.MediaSettle = 500 * time.Millisecond
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// CapabilityReport is the device's answer to the setup checks.
type CapabilityReport struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
	Fullscreen bool `json:"fullscreen"`
	Online     bool `json:"online"`
}

// Missing lists the required capabilities the report lacks.
func (r CapabilityReport) Missing(p model.ProctoringFlags) []string {
	var missing []string
	if p.CameraRequired && !r.Camera {
		missing = append(missing, "camera")
	}
	if p.MicrophoneRequired && !r.Microphone {
		missing = append(missing, "microphone")
	}
	if p.ScreenLockRequired && !r.Fullscreen {
		missing = append(missing, "fullscreen")
	}
	if !r.Online {
		missing = append(missing, "connectivity")
	}
	return missing
}

// View is a read-only copy of the session state.
type View struct {
	Phase          Phase                      `json:"phase"`
	Exam           *model.ExamConfiguration   `json:"exam,omitempty"`
	CurrentIndex   int                        `json:"current_index"`
	TotalQuestions int                        `json:"total_questions"`
	Question       *model.ExamQuestion        `json:"question,omitempty"`
	Remaining      int                        `json:"remaining_seconds"`
	StartedAt      *time.Time                 `json:"started_at,omitempty"`
	EndedAt        *time.Time                 `json:"ended_at,omitempty"`
	Answers        map[uuid.UUID]answer.Value `json:"answers"`
	Flagged        []uuid.UUID                `json:"flagged"`
	EnrollmentID   *uuid.UUID                 `json:"enrollment_id,omitempty"`
	Counters       model.IntegrityCounters    `json:"counters"`
	Threshold      int                        `json:"violation_threshold"`
	Checks         *CapabilityReport          `json:"checks,omitempty"`
	Accepted       bool                       `json:"accepted"`
}

// Summary is the results-phase report. It is computed from persisted
// submissions; Unverified marks a fallback to the local answers.
type Summary struct {
	TotalQuestions int                     `json:"total_questions"`
	Attempted      int                     `json:"attempted"`
	Skipped        int                     `json:"skipped"`
	Flagged        int                     `json:"flagged"`
	Score          *float64                `json:"score,omitempty"`
	LocalScore     *float64                `json:"local_score,omitempty"`
	PassingScore   float64                 `json:"passing_score"`
	Passed         *bool                   `json:"passed,omitempty"`
	Reason         SubmitReason            `json:"reason,omitempty"`
	Unverified     bool                    `json:"unverified"`
	EndedAt        *time.Time              `json:"ended_at,omitempty"`
	Counters       model.IntegrityCounters `json:"counters"`
}
