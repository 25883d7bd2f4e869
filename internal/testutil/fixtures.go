package testutil

import (
	"bytes"
	"fmt"
	"image/color"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor/media"
)

// Log is a logger that discards everything.
var Log = zerolog.Nop()

// Question builds a question with n options labelled "Option 1" onwards.
func Question(t model.QuestionType, n int) model.ExamQuestion {
	opts := make([]model.Option, n)
	for i := range opts {
		opts[i].Text = fmt.Sprintf("Option %d", i+1)
	}
	return model.ExamQuestion{
		ID:      uuid.New(),
		Type:    t,
		Content: fmt.Sprintf("%s question", t),
		Points:  10,
		Options: model.AssignOptionIDs(opts),
	}
}

// QuestionSet returns one question of each common type: mcq-single with four
// options, mcq-multiple with four, single-word and numeric.
func QuestionSet() []model.ExamQuestion {
	qs := []model.ExamQuestion{
		Question(model.QuestionTypeMCQSingle, 4),
		Question(model.QuestionTypeMCQMultiple, 4),
		Question(model.QuestionTypeSingleWord, 0),
		Question(model.QuestionTypeNumeric, 0),
	}
	for i := range qs {
		qs[i].OrderNum = i + 1
	}
	return qs
}

// Exam builds an exam configuration with the given length.
func Exam(minutes int) model.ExamConfiguration {
	return model.ExamConfiguration{
		ID:                  uuid.New(),
		Title:               "Ujian Matematika",
		DurationMinutes:     minutes,
		PassingScore:        70,
		AllowBackNavigation: true,
		Calculator:          model.CalculatorNone,
	}
}

// ProctoredExam builds an exam with monitoring and tab-switch detection on.
func ProctoredExam(minutes int) model.ExamConfiguration {
	e := Exam(minutes)
	e.MonitoringEnabled = true
	e.Proctoring = model.ProctoringFlags{
		CameraRequired:     true,
		MicrophoneRequired: true,
		ScreenLockRequired: true,
		TabSwitchDetection: true,
	}
	return e
}

// JPEGFrame returns a solid-colour camera frame of the given size.
func JPEGFrame(w, h, faces int) media.Frame {
	img := imaging.New(w, h, color.NRGBA{R: 90, G: 120, B: 200, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		panic(err)
	}
	return media.Frame{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		Width:       w,
		Height:      h,
		Faces:       faces,
		CapturedAt:  time.Now(),
	}
}
