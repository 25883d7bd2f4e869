package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// CalculatorPolicy controls which on-screen calculator the exam offers.
type CalculatorPolicy string

const (
	CalculatorNone       CalculatorPolicy = "none"
	CalculatorBasic      CalculatorPolicy = "basic"
	CalculatorScientific CalculatorPolicy = "scientific"
)

// ProctoringFlags are the per-exam capability requirements.
type ProctoringFlags struct {
	CameraRequired     bool `json:"camera_required"`
	MicrophoneRequired bool `json:"microphone_required"`
	ScreenLockRequired bool `json:"screen_lock_required"`
	TabSwitchDetection bool `json:"tab_switch_detection"`
}

// Exam represents an exam entity.
type Exam struct {
	ID                  uuid.UUID        `json:"id"`
	Title               string           `json:"title"`
	DurationMinutes     int              `json:"duration_minutes"`
	PassingScore        float64          `json:"passing_score"`
	Proctoring          ProctoringFlags  `json:"proctoring"`
	MonitoringEnabled   bool             `json:"monitoring_enabled"`
	AllowBackNavigation bool             `json:"allow_back_navigation"`
	Calculator          CalculatorPolicy `json:"calculator"`
	Practice            bool             `json:"practice"`
	Status              ExamStatus       `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ExamConfiguration is the exam as loaded by a taking session. It is never
// mutated after load.
type ExamConfiguration struct {
	ID                  uuid.UUID        `json:"id"`
	Title               string           `json:"title"`
	DurationMinutes     int              `json:"duration_minutes"`
	Questions           []ExamQuestion   `json:"questions,omitempty"`
	TotalQuestions      int              `json:"total_questions"`
	TotalPoints         float64          `json:"total_points"`
	PassingScore        float64          `json:"passing_score"`
	Proctoring          ProctoringFlags  `json:"proctoring"`
	MonitoringEnabled   bool             `json:"monitoring_enabled"`
	AllowBackNavigation bool             `json:"allow_back_navigation"`
	Calculator          CalculatorPolicy `json:"calculator"`
}

// DurationSeconds returns the exam length in seconds.
func (c *ExamConfiguration) DurationSeconds() int {
	return c.DurationMinutes * 60
}

// Configuration builds the taker-facing configuration of an exam. Questions are
// delivered separately through paginated fetches.
func (e *Exam) Configuration(totalQuestions int, totalPoints float64) ExamConfiguration {
	calc := e.Calculator
	if calc == "" {
		calc = CalculatorNone
	}
	return ExamConfiguration{
		ID:                  e.ID,
		Title:               e.Title,
		DurationMinutes:     e.DurationMinutes,
		TotalQuestions:      totalQuestions,
		TotalPoints:         totalPoints,
		PassingScore:        e.PassingScore,
		Proctoring:          e.Proctoring,
		MonitoringEnabled:   e.MonitoringEnabled,
		AllowBackNavigation: e.AllowBackNavigation,
		Calculator:          calc,
	}
}

// ExamPayload is the Redis-cached exam bundle. Questions keep their answer
// keys; they are stripped per request before reaching a student.
type ExamPayload struct {
	Exam      Exam       `json:"exam"`
	Questions []Question `json:"questions"`
}

// TotalPoints sums the points of every question.
func (p *ExamPayload) TotalPoints() float64 {
	var total float64
	for _, q := range p.Questions {
		total += q.Points
	}
	return total
}

// Configuration is the taker-facing configuration of the cached exam.
func (p *ExamPayload) Configuration() ExamConfiguration {
	return p.Exam.Configuration(len(p.Questions), p.TotalPoints())
}

// StudentQuestions returns the questions as delivered to takers. Practice
// exams expose the answer key for the local scoring pass.
func (p *ExamPayload) StudentQuestions() []ExamQuestion {
	out := make([]ExamQuestion, len(p.Questions))
	for i, q := range p.Questions {
		out[i] = q.ForStudent()
		if p.Exam.Practice {
			out[i].Key = q.CorrectAnswer
		}
	}
	return out
}

// CreateQuestionRequest is one question of a new exam. Options are listed in
// display order; the answer key uses the storage form.
type CreateQuestionRequest struct {
	Content       string          `json:"content" binding:"required"`
	QuestionType  QuestionType    `json:"question_type" binding:"required,question_type"`
	Options       []Option        `json:"options" binding:"omitempty,max=26,dive"`
	CorrectAnswer json.RawMessage `json:"correct_answer"`
	Points        float64         `json:"points" binding:"min=0"`
}

// CreateExamRequest is the payload for creating a draft exam with its
// questions.
type CreateExamRequest struct {
	Title               string                  `json:"title" binding:"required,max=255"`
	DurationMinutes     int                     `json:"duration_minutes" binding:"required,min=1,max=1440"`
	PassingScore        float64                 `json:"passing_score" binding:"min=0,max=100"`
	Proctoring          ProctoringFlags         `json:"proctoring"`
	MonitoringEnabled   bool                    `json:"monitoring_enabled"`
	AllowBackNavigation bool                    `json:"allow_back_navigation"`
	Calculator          CalculatorPolicy        `json:"calculator" binding:"omitempty,oneof=none basic scientific"`
	Practice            bool                    `json:"practice"`
	Questions           []CreateQuestionRequest `json:"questions" binding:"required,min=1,dive"`
}

// Build converts the request into the exam and question entities.
func (r CreateExamRequest) Build() (*Exam, []Question) {
	exam := &Exam{
		Title:               r.Title,
		DurationMinutes:     r.DurationMinutes,
		PassingScore:        r.PassingScore,
		Proctoring:          r.Proctoring,
		MonitoringEnabled:   r.MonitoringEnabled,
		AllowBackNavigation: r.AllowBackNavigation,
		Calculator:          r.Calculator,
		Practice:            r.Practice,
	}
	questions := make([]Question, len(r.Questions))
	for i, q := range r.Questions {
		questions[i] = Question{
			Content:       q.Content,
			QuestionType:  q.QuestionType,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Points:        q.Points,
		}
	}
	return exam, questions
}
