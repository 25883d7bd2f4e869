package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AnswerOpKind is the operation an answer job applies.
type AnswerOpKind string

const (
	AnswerOpUpsert AnswerOpKind = "upsert"
	AnswerOpDelete AnswerOpKind = "delete"
)

// AnswerJob is queued on every answer change and applied to
// student_answers by the autosave worker.
type AnswerJob struct {
	Op           AnswerOpKind    `json:"op"`
	EnrollmentID uuid.UUID       `json:"enrollment_id"`
	QuestionID   uuid.UUID       `json:"q_id"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	QueuedAt     time.Time       `json:"queued_at"`
}

// ScoreJob is queued once per submitted enrollment. Answers is the final
// answer set graded in RAM; the worker persists it with the score.
type ScoreJob struct {
	EnrollmentID uuid.UUID                     `json:"enrollment_id"`
	ExamID       uuid.UUID                     `json:"exam_id"`
	StudentID    int                           `json:"student_id"`
	Score        float64                       `json:"score"`
	FinishedAt   time.Time                     `json:"finished_at"`
	Answers      map[uuid.UUID]json.RawMessage `json:"answers"`
}
