package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnrollmentStatus enumerates the states of a student's exam attempt.
type EnrollmentStatus string

const (
	EnrollmentNotStarted EnrollmentStatus = "NOT_STARTED"
	EnrollmentOngoing    EnrollmentStatus = "ONGOING"
	EnrollmentCompleted  EnrollmentStatus = "COMPLETED"
)

// Enrollment is one student's attempt record for one exam. StartedAt is set
// exactly once and is the authority for remaining time.
type Enrollment struct {
	ID         uuid.UUID        `json:"id"`
	ExamID     uuid.UUID        `json:"exam_id"`
	StudentID  int              `json:"student_id"`
	Status     EnrollmentStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	FinalScore *float64         `json:"final_score,omitempty"`
}

// EnrollmentContext is what a taking session knows about its enrollment.
// Integrity and snapshot writes require it.
type EnrollmentContext struct {
	EnrollmentID      uuid.UUID `json:"enrollment_id"`
	MonitoringEnabled bool      `json:"monitoring_enabled"`
}

// StartResult is returned by the start-or-resume operation.
type StartResult struct {
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	StartedAt    time.Time `json:"started_at"`
}

// Submission is one persisted answer in storage form.
type Submission struct {
	QuestionID uuid.UUID       `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
}

// SubmissionState is the enrollment status plus all persisted answers.
type SubmissionState struct {
	EnrollmentStatus EnrollmentStatus `json:"enrollment_status"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	EnrollmentID     *uuid.UUID       `json:"enrollment_id,omitempty"`
	Submissions      []Submission     `json:"submissions"`
}

// SubmitResult is returned once an exam has been submitted.
type SubmitResult struct {
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	Score        *float64  `json:"score,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// SaveAnswerRequest is the payload for persisting one answer in storage form.
type SaveAnswerRequest struct {
	Answer json.RawMessage `json:"answer" binding:"required"`
}
