package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionType enumerates the supported question shapes.
type QuestionType string

const (
	QuestionTypeMCQSingle   QuestionType = "mcq-single"
	QuestionTypeMCQMultiple QuestionType = "mcq-multiple"
	QuestionTypeSingleWord  QuestionType = "single-word"
	QuestionTypeShortAnswer QuestionType = "short-answer"
	QuestionTypeLongAnswer  QuestionType = "long-answer"
	QuestionTypeNumeric     QuestionType = "numeric"
	QuestionTypeTrueFalse   QuestionType = "true-false"
	QuestionTypeFillBlank   QuestionType = "fill-blank"
)

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionTypeMCQSingle, QuestionTypeMCQMultiple, QuestionTypeSingleWord,
		QuestionTypeShortAnswer, QuestionTypeLongAnswer, QuestionTypeNumeric,
		QuestionTypeTrueFalse, QuestionTypeFillBlank:
		return true
	}
	return false
}

// IsChoice reports whether answers to t are option selections.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeMCQSingle || t == QuestionTypeMCQMultiple
}

// Option is a single selectable choice. ID is the display letter derived from
// the option's position and is never persisted.
type Option struct {
	ID       string `json:"id"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// OptionID returns the display letter for a zero-based option index.
func OptionID(index int) string {
	return string(rune('A' + index))
}

// AssignOptionIDs sets the display letter of every option by position.
func AssignOptionIDs(opts []Option) []Option {
	for i := range opts {
		opts[i].ID = OptionID(i)
	}
	return opts
}

// Question is the stored question entity, including its answer key.
type Question struct {
	ID            uuid.UUID       `json:"id"`
	ExamID        uuid.UUID       `json:"exam_id"`
	Content       string          `json:"content"`
	QuestionType  QuestionType    `json:"question_type"`
	Options       []Option        `json:"options"`
	CorrectAnswer json.RawMessage `json:"correct_answer,omitempty"`
	Points        float64         `json:"points"`
	OrderNum      int             `json:"order_num"`
}

// ExamQuestion is a question as delivered to the exam taker (no answer key
// unless the exam is a practice exam that exposes it).
type ExamQuestion struct {
	ID       uuid.UUID    `json:"id"`
	Type     QuestionType `json:"type"`
	Content  string       `json:"content"`
	Points   float64      `json:"points"`
	Options  []Option     `json:"options"`
	OrderNum int          `json:"order_num"`
	Flagged  bool         `json:"flagged"`

	// Key is the storage-form answer key, only present on practice exams.
	Key json.RawMessage `json:"key,omitempty"`
}

// ForStudent strips the answer key and derives option ids.
func (q Question) ForStudent() ExamQuestion {
	opts := make([]Option, len(q.Options))
	copy(opts, q.Options)
	return ExamQuestion{
		ID:       q.ID,
		Type:     q.QuestionType,
		Content:  q.Content,
		Points:   q.Points,
		Options:  AssignOptionIDs(opts),
		OrderNum: q.OrderNum,
	}
}

// QuestionPage is one page of an exam's questions.
type QuestionPage struct {
	Questions []ExamQuestion `json:"questions"`
	Page      int            `json:"page"`
	PageSize  int            `json:"page_size"`
	Total     int            `json:"total"`
	HasMore   bool           `json:"has_more"`
}
